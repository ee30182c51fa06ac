package transport

import (
	"fmt"
	"net/mail"
	"regexp"
	"strings"

	apperrors "github.com/acme/outbound-messaging/pkg/errors"
)

var e164Re = regexp.MustCompile(`^\+[1-9][0-9]{7,14}$`)

var phoneSeparators = strings.NewReplacer(" ", "", "-", "", ".", "", "(", "", ")", "", "/", "", "\u00a0", "")

// NormalizePhone converts a phone number to E.164. National numbers starting
// with a single 0 get defaultCountryCode.
func NormalizePhone(raw, defaultCountryCode string) (string, error) {
	s := phoneSeparators.Replace(strings.TrimSpace(raw))
	s = strings.TrimPrefix(s, "whatsapp:")
	switch {
	case s == "":
		return "", fmt.Errorf("empty phone number: %w", apperrors.ErrInvalidAddress)
	case strings.HasPrefix(s, "+"):
	case strings.HasPrefix(s, "00"):
		s = "+" + s[2:]
	case strings.HasPrefix(s, "0"):
		cc := strings.TrimPrefix(strings.TrimSpace(defaultCountryCode), "+")
		if cc == "" {
			return "", fmt.Errorf("national number %q without default country code: %w", raw, apperrors.ErrInvalidAddress)
		}
		s = "+" + cc + s[1:]
	default:
		s = "+" + s
	}
	if !e164Re.MatchString(s) {
		return "", fmt.Errorf("phone number %q: %w", raw, apperrors.ErrInvalidAddress)
	}
	return s, nil
}

// NormalizeEmail validates a bare email address and lowercases its domain.
func NormalizeEmail(raw string) (string, error) {
	addr, err := mail.ParseAddress(strings.TrimSpace(raw))
	if err != nil {
		return "", fmt.Errorf("email %q: %w", raw, apperrors.ErrInvalidAddress)
	}
	at := strings.LastIndex(addr.Address, "@")
	if at <= 0 || !strings.Contains(addr.Address[at:], ".") {
		return "", fmt.Errorf("email %q: %w", raw, apperrors.ErrInvalidAddress)
	}
	return addr.Address[:at] + strings.ToLower(addr.Address[at:]), nil
}
