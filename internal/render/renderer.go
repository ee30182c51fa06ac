package render

import (
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/acme/outbound-messaging/internal/domain"
)

const (
	openIf   = "{{if:"
	elseTag  = "{{else}}"
	endifTag = "{{endif}}"
)

var (
	placeholderRe = regexp.MustCompile(`\{\{\s*([A-Za-z0-9_.\-]+)\s*\}\}`)
	leftoverRe    = regexp.MustCompile(`\{\{[^{}]*\}\}`)
)

// Sender carries the campaign-level identity exposed to templates.
type Sender struct {
	Name         string
	BusinessName string
}

// Condition is a predicate evaluated against a recipient inside {{if:...}}.
type Condition func(r *domain.Recipient, now time.Time) bool

// Renderer turns a campaign template into the text sent to one recipient.
type Renderer struct {
	mu         sync.RWMutex
	conditions map[string]Condition
	now        func() time.Time
	loc        *time.Location
}

// Option configures a Renderer.
type Option func(*Renderer)

// WithClock overrides the time source used for {{date}} and friends.
func WithClock(now func() time.Time) Option {
	return func(r *Renderer) { r.now = now }
}

// WithLocation renders dates in loc.
func WithLocation(loc *time.Location) Option {
	return func(r *Renderer) { r.loc = loc }
}

// New constructs a renderer with the built-in conditions.
func New(opts ...Option) *Renderer {
	r := &Renderer{
		conditions: defaultConditions(),
		now:        time.Now,
		loc:        time.UTC,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// RegisterCondition adds or replaces a named condition.
func (r *Renderer) RegisterCondition(name string, cond Condition) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.conditions[strings.ToLower(name)] = cond
}

// Render resolves conditionals first, then placeholders. Anything that is
// still template syntax afterwards renders as an empty string.
func (r *Renderer) Render(template string, rcpt *domain.Recipient, sender Sender) string {
	if rcpt == nil {
		rcpt = &domain.Recipient{}
	}
	now := r.now().In(r.loc)

	out := r.resolveConditionals(template, rcpt, now)
	vars := variables(rcpt, sender, now)
	out = placeholderRe.ReplaceAllStringFunc(out, func(m string) string {
		key := strings.ToLower(placeholderRe.FindStringSubmatch(m)[1])
		if v, ok := vars[key]; ok {
			return v
		}
		if v, ok := rcpt.Fields[key]; ok {
			return v
		}
		for k, v := range rcpt.Fields {
			if strings.EqualFold(k, key) {
				return v
			}
		}
		return ""
	})
	return leftoverRe.ReplaceAllString(out, "")
}

// resolveConditionals repeatedly rewrites the innermost block: the first
// {{endif}} closes the last {{if:...}} opened before it.
func (r *Renderer) resolveConditionals(s string, rcpt *domain.Recipient, now time.Time) string {
	for {
		end := strings.Index(s, endifTag)
		if end < 0 {
			return s
		}
		start := strings.LastIndex(s[:end], openIf)
		if start < 0 {
			// stray {{endif}}
			s = s[:end] + s[end+len(endifTag):]
			continue
		}
		closeCond := strings.Index(s[start:end], "}}")
		if closeCond < 0 {
			s = s[:start] + s[end+len(endifTag):]
			continue
		}
		name := strings.TrimSpace(s[start+len(openIf) : start+closeCond])
		body := s[start+closeCond+2 : end]

		then, otherwise := body, ""
		if i := strings.Index(body, elseTag); i >= 0 {
			then, otherwise = body[:i], body[i+len(elseTag):]
		}

		chosen := otherwise
		if r.evaluate(name, rcpt, now) {
			chosen = then
		}
		s = s[:start] + chosen + s[end+len(endifTag):]
	}
}

func (r *Renderer) evaluate(name string, rcpt *domain.Recipient, now time.Time) bool {
	r.mu.RLock()
	cond, ok := r.conditions[strings.ToLower(name)]
	r.mu.RUnlock()
	if !ok {
		return false
	}
	return cond(rcpt, now)
}

func variables(rcpt *domain.Recipient, sender Sender, now time.Time) map[string]string {
	vars := map[string]string{
		"name":          rcpt.Name,
		"first_name":    rcpt.FirstName(),
		"last_name":     rcpt.LastName(),
		"phone":         rcpt.Phone,
		"email":         rcpt.Email,
		"address":       rcpt.Address,
		"category":      rcpt.Category,
		"tags":          strings.Join(rcpt.Tags, ", "),
		"sender_name":   sender.Name,
		"business_name": sender.BusinessName,
		"date":          now.Format("02/01/2006"),
		"time":          now.Format("15:04"),
		"year":          strconv.Itoa(now.Year()),
		"month":         now.Format("01"),
		"day":           now.Format("02"),
		"birthday":      "",
		"age":           "",
	}
	if rcpt.Birthday != nil {
		vars["birthday"] = rcpt.Birthday.Format("02/01/2006")
		vars["age"] = strconv.Itoa(rcpt.AgeAt(now))
	}
	return vars
}

func defaultConditions() map[string]Condition {
	return map[string]Condition{
		"has_birthday": func(r *domain.Recipient, _ time.Time) bool { return r.Birthday != nil },
		"has_email":    func(r *domain.Recipient, _ time.Time) bool { return strings.TrimSpace(r.Email) != "" },
		"has_phone":    func(r *domain.Recipient, _ time.Time) bool { return strings.TrimSpace(r.Phone) != "" },
		"has_address":  func(r *domain.Recipient, _ time.Time) bool { return strings.TrimSpace(r.Address) != "" },
		"has_tags":     func(r *domain.Recipient, _ time.Time) bool { return len(r.Tags) > 0 },
		"is_male":      func(r *domain.Recipient, _ time.Time) bool { return IsMale(r.Gender) },
		"is_female":    func(r *domain.Recipient, _ time.Time) bool { return IsFemale(r.Gender) },
		"is_active":    func(r *domain.Recipient, _ time.Time) bool { return r.IsActive },
		"birthday_today": func(r *domain.Recipient, now time.Time) bool {
			return r.Birthday != nil && r.Birthday.Month() == now.Month() && r.Birthday.Day() == now.Day()
		},
	}
}

// IsMale accepts the usual spellings of a male gender marker.
func IsMale(g string) bool {
	switch strings.ToLower(strings.TrimSpace(g)) {
	case "m", "male", "man", "h", "homme":
		return true
	}
	return false
}

// IsFemale accepts the usual spellings of a female gender marker.
func IsFemale(g string) bool {
	switch strings.ToLower(strings.TrimSpace(g)) {
	case "f", "female", "woman", "femme":
		return true
	}
	return false
}
