package agentengine

import (
	"encoding/json"
	"regexp"
	"strings"

	"agent-relay/internal/domain"
)

var sessionNamePattern = regexp.MustCompile(`/sessions/([^/]+)$`)

// sessionHandleFromName extracts the trailing session id from a resource name
// like projects/p/locations/l/reasoningEngines/e/sessions/123.
func sessionHandleFromName(name string) (string, bool) {
	m := sessionNamePattern.FindStringSubmatch(strings.TrimSpace(name))
	if m == nil {
		return "", false
	}
	return m[1], true
}

// streamEvent is one decoded line of a streamQuery response.
type streamEvent struct {
	Content *struct {
		Parts []struct {
			Text string `json:"text"`
		} `json:"parts"`
	} `json:"content"`
	Text    string `json:"text"`
	Session string `json:"session"`
}

// streamAccumulator reassembles newline-delimited fragments across chunk
// boundaries and concatenates the text they carry.
type streamAccumulator struct {
	pending strings.Builder
	text    strings.Builder
	session string

	// sse is set by the first "data:" line. Until then field-shaped lines are
	// held and restored as raw text if the stream turns out not to be SSE.
	sse  bool
	held []string
}

// Write feeds one chunk. Complete lines are consumed; a trailing partial line
// is kept until the next chunk.
func (a *streamAccumulator) Write(chunk []byte) {
	a.pending.Write(chunk)
	buffered := a.pending.String()
	idx := strings.LastIndexByte(buffered, '\n')
	if idx < 0 {
		return
	}
	complete, rest := buffered[:idx], buffered[idx+1:]
	a.pending.Reset()
	a.pending.WriteString(rest)

	for _, line := range strings.Split(complete, "\n") {
		a.consumeLine(line, true)
	}
}

// Reply flushes the trailing partial line and returns the accumulated reply.
// An empty stream yields domain.AgentFallbackReply.
func (a *streamAccumulator) Reply() domain.AgentReply {
	if a.pending.Len() > 0 {
		a.consumeLine(a.pending.String(), false)
		a.pending.Reset()
	}
	a.flushHeld()
	text := strings.TrimSpace(a.text.String())
	if text == "" {
		text = domain.AgentFallbackReply
	}
	return domain.AgentReply{Text: text, SessionHandle: a.session}
}

// consumeLine decodes one line. Unparseable complete lines are kept as raw
// text; unparseable partial lines are dropped.
func (a *streamAccumulator) consumeLine(line string, complete bool) {
	line = strings.TrimRight(line, "\r")
	if strings.TrimSpace(line) == "" {
		return
	}
	if isSSEField(line) {
		if !a.sse && complete {
			a.held = append(a.held, line)
		}
		return
	}

	payload := line
	if data, ok := strings.CutPrefix(line, "data:"); ok {
		a.sse = true
		a.held = nil
		payload = strings.TrimPrefix(data, " ")
	} else {
		a.flushHeld()
	}

	var ev streamEvent
	if err := json.Unmarshal([]byte(payload), &ev); err != nil {
		if complete {
			a.text.WriteString(line)
		}
		return
	}

	if ev.Session != "" && a.session == "" {
		if handle, ok := sessionHandleFromName(ev.Session); ok {
			a.session = handle
		}
	}
	if ev.Content != nil && len(ev.Content.Parts) > 0 {
		for _, part := range ev.Content.Parts {
			a.text.WriteString(part.Text)
		}
		return
	}
	a.text.WriteString(ev.Text)
}

// flushHeld restores held field-shaped lines as text.
func (a *streamAccumulator) flushHeld() {
	for _, line := range a.held {
		a.text.WriteString(line)
	}
	a.held = nil
}

// isSSEField reports lines shaped like the SSE fields that carry no text
// (event, id, retry and comments).
func isSSEField(line string) bool {
	for _, prefix := range []string{"event:", "id:", "retry:", ":"} {
		if strings.HasPrefix(line, prefix) {
			return true
		}
	}
	return false
}
