package usecase

import (
	"context"
	"errors"
	"regexp"
	"strings"
)

var activationCodePattern = regexp.MustCompile(`^[A-Za-z0-9-]{6,60}$`)

// OrderLookup answers whether a phone number has bought access.
type OrderLookup interface {
	HasOrder(ctx context.Context, phones ...string) (bool, error)
}

// AccessGate decides whether a sender may talk to the agent.
type AccessGate struct {
	orders OrderLookup
}

func NewAccessGate(orders OrderLookup) (*AccessGate, error) {
	if orders == nil {
		return nil, errors.New("usecase: order lookup must not be nil")
	}
	return &AccessGate{orders: orders}, nil
}

// IsAuthorized reports whether the sender has at least one order. Lookup
// errors return false together with an ACCESS_CHECK_FAILED error; callers
// treat that as unauthorized.
func (g *AccessGate) IsAuthorized(ctx context.Context, senderID string) (bool, error) {
	ok, err := g.orders.HasOrder(ctx, PhoneVariants(senderID)...)
	if err != nil {
		return false, newError(ErrorAccessCheckFailed, "order_lookup_error", err)
	}
	return ok, nil
}

// IsActivationCode reports whether text looks like a gift card code.
func IsActivationCode(text string) bool {
	return activationCodePattern.MatchString(strings.TrimSpace(text))
}

// NormalizePhone keeps digits and prefixes the 55 country code onto 10 and
// 11 digit national numbers.
func NormalizePhone(raw string) string {
	var b strings.Builder
	for _, r := range raw {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	digits := b.String()
	if len(digits) == 10 || len(digits) == 11 {
		return "55" + digits
	}
	return digits
}

// PhoneVariants returns the forms a sender may be stored under: as received
// and normalized.
func PhoneVariants(senderID string) []string {
	raw := strings.TrimSpace(senderID)
	normalized := NormalizePhone(raw)
	if normalized == raw || normalized == "" {
		return []string{raw}
	}
	return []string{raw, normalized}
}
