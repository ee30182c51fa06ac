// Package inbound applies opt-out and opt-in keywords from recipient replies.
package inbound

import (
	"context"
	"fmt"
	"strings"
	"unicode"

	"go.uber.org/zap"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"

	"github.com/acme/outbound-messaging/internal/transport"
	"github.com/acme/outbound-messaging/pkg/logger"
)

// Action is what a reply asked for.
type Action string

const (
	ActionNone   Action = "none"
	ActionOptOut Action = "opt_out"
	ActionOptIn  Action = "opt_in"
)

var keywords = map[string]Action{
	"STOP":        ActionOptOut,
	"ARRET":       ActionOptOut,
	"UNSUBSCRIBE": ActionOptOut,
	"START":       ActionOptIn,
	"OUI":         ActionOptIn,
	"YES":         ActionOptIn,
}

// OptOutStore flags recipients by address.
type OptOutStore interface {
	SetOptOutByAddress(ctx context.Context, address string, optedOut bool) (int64, error)
}

// Result reports the effect of one reply.
type Result struct {
	From    string
	Action  Action
	Updated int64
}

// Service handles replies forwarded by providers.
type Service struct {
	store              OptOutStore
	defaultCountryCode string
	logger             *logger.Logger
}

// NewService creates an inbound service.
func NewService(store OptOutStore, defaultCountryCode string, log *logger.Logger) *Service {
	if log == nil {
		log = logger.NewNop()
	}
	return &Service{store: store, defaultCountryCode: defaultCountryCode, logger: log}
}

// Classify returns the action carried by a reply body. Only the first word
// counts, compared without case or accents.
func Classify(body string) Action {
	fields := strings.FieldsFunc(body, func(r rune) bool {
		return unicode.IsSpace(r) || unicode.IsPunct(r)
	})
	if len(fields) == 0 {
		return ActionNone
	}
	word := strings.ToUpper(foldAccents(fields[0]))
	if a, ok := keywords[word]; ok {
		return a
	}
	return ActionNone
}

// Handle applies the keyword of a reply to every recipient reachable at the
// sender's address.
func (s *Service) Handle(ctx context.Context, msg transport.InboundMessage) (Result, error) {
	res := Result{From: msg.From, Action: Classify(msg.Body)}
	if res.Action == ActionNone {
		return res, nil
	}

	addr, err := s.normalize(msg.From)
	if err != nil {
		s.logger.WithContext(ctx).Warn("inbound: unusable sender address", zap.String("from", msg.From), zap.Error(err))
		return res, nil
	}
	res.From = addr

	n, err := s.store.SetOptOutByAddress(ctx, addr, res.Action == ActionOptOut)
	if err != nil {
		return res, fmt.Errorf("inbound: set opt-out: %w", err)
	}
	res.Updated = n
	s.logger.WithContext(ctx).Info("inbound: keyword applied",
		zap.String("from", addr),
		zap.String("action", string(res.Action)),
		zap.Int64("updated", n))
	return res, nil
}

func (s *Service) normalize(from string) (string, error) {
	if strings.Contains(from, "@") {
		return transport.NormalizeEmail(from)
	}
	return transport.NormalizePhone(from, s.defaultCountryCode)
}

// foldAccents strips combining marks after canonical decomposition, so
// precomposed and combining spellings of a letter compare equal.
func foldAccents(s string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	out, _, err := transform.String(t, s)
	if err != nil {
		return s
	}
	return out
}
