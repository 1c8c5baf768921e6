package usecase

import (
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

var offensiveTerms = []string{
	"caralho", "porra", "merda", "puta", "puto", "foda", "foder", "fodido",
	"viado", "buceta", "vagabunda", "vagabundo", "idiota", "imbecil",
	"estupido", "estupida", "palhaco", "otario", "babaca", "retardado",
	"nojento", "lixo", "arrombado", "arrombada", "cu", "cuzao",
	"vai se fuder", "vai tomar", "vtnc", "vtmnc", "pqp", "fdp",
}

var abandonQuestionTerms = []string{
	"desistir", "desisto", "desisti", "quero sair", "voltar ao menu",
	"voltar pro menu", "voltar no menu", "nao quero mais", "parar",
	"abandonar", "deixo pra la", "cansei", "sair do jogo",
	"sair da investigacao", "opcao 0", "numero 0",
}

var abandonReplyPhrases = []string{
	"voltando ao menu principal", "voltar ao menu", "menu principal", "volte ao menu",
}

// foldText lowercases s and strips combining marks ("Não" -> "nao").
func foldText(s string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	folded, _, err := transform.String(t, s)
	if err != nil {
		folded = s
	}
	return strings.ToLower(folded)
}

// HasOffense reports whether text contains a listed offensive term. Single
// words match whole words, or word prefixes and suffixes for terms of four
// letters or more.
func HasOffense(text string) bool {
	folded := foldText(text)
	if strings.TrimSpace(folded) == "" {
		return false
	}
	words := strings.FieldsFunc(folded, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	for _, term := range offensiveTerms {
		if strings.Contains(term, " ") {
			if strings.Contains(folded, term) {
				return true
			}
			continue
		}
		for _, w := range words {
			if w == term {
				return true
			}
			if len(term) >= 4 && (strings.HasPrefix(w, term) || strings.HasSuffix(w, term)) {
				return true
			}
		}
	}
	return false
}

// HasAbandonment reports whether the question signals giving up or the reply
// sends the user back to the main menu.
func HasAbandonment(question, reply string) bool {
	q := foldText(question)
	for _, term := range abandonQuestionTerms {
		if strings.Contains(q, term) {
			return true
		}
	}
	r := foldText(reply)
	for _, phrase := range abandonReplyPhrases {
		if strings.Contains(r, phrase) {
			return true
		}
	}
	return false
}
