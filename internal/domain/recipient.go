package domain

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// Recipient is a contact that can receive campaign messages.
type Recipient struct {
	ID             uuid.UUID
	OwnerID        string
	Name           string
	Phone          string
	Email          string
	Address        string
	Birthday       *time.Time
	Gender         string
	Category       string
	Tags           []string
	Fields         map[string]string
	IsActive       bool
	LastActivityAt *time.Time
	OptedOut       bool
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// FirstName returns the first word of Name.
func (r *Recipient) FirstName() string {
	parts := strings.Fields(r.Name)
	if len(parts) == 0 {
		return ""
	}
	return parts[0]
}

// LastName returns everything after the first word of Name.
func (r *Recipient) LastName() string {
	parts := strings.Fields(r.Name)
	if len(parts) < 2 {
		return ""
	}
	return strings.Join(parts[1:], " ")
}

// AgeAt returns the age in whole years at t, or -1 without a birthday.
func (r *Recipient) AgeAt(t time.Time) int {
	if r.Birthday == nil {
		return -1
	}
	b := *r.Birthday
	age := t.Year() - b.Year()
	if t.Month() < b.Month() || (t.Month() == b.Month() && t.Day() < b.Day()) {
		age--
	}
	return age
}

// AddressFor returns the destination for the given channel.
func (r *Recipient) AddressFor(ch Channel) string {
	if ch == ChannelEmail {
		return r.Email
	}
	return r.Phone
}
