package domain

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
)

func TestAttemptIDIsDeterministic(t *testing.T) {
	c, r := uuid.New(), uuid.New()
	assert.Equal(t, AttemptID(c, r), AttemptID(c, r))
	assert.NotEqual(t, AttemptID(c, r), AttemptID(r, c))
}

func TestCanTransitionIsForwardOnly(t *testing.T) {
	cases := []struct {
		from, to AttemptStatus
		ok       bool
	}{
		{AttemptStatusPending, AttemptStatusSent, true},
		{AttemptStatusPending, AttemptStatusFailed, true},
		{AttemptStatusSent, AttemptStatusDelivered, true},
		{AttemptStatusSent, AttemptStatusFailed, true},
		{AttemptStatusSent, AttemptStatusPending, false},
		{AttemptStatusDelivered, AttemptStatusSent, false},
		{AttemptStatusDelivered, AttemptStatusFailed, false},
		{AttemptStatusFailed, AttemptStatusSent, false},
	}
	for _, tc := range cases {
		a := &MessageAttempt{Status: tc.from}
		assert.Equal(t, tc.ok, a.CanTransition(tc.to), "%s -> %s", tc.from, tc.to)
	}
}

func TestRecipientNameParts(t *testing.T) {
	b := time.Date(1990, time.June, 15, 0, 0, 0, 0, time.UTC)
	r := &Recipient{Name: "Marie Claire Dupont", Birthday: &b}

	assert.Equal(t, "Marie", r.FirstName())
	assert.Equal(t, "Claire Dupont", r.LastName())
	assert.Equal(t, 33, r.AgeAt(time.Date(2024, time.June, 14, 0, 0, 0, 0, time.UTC)))
	assert.Equal(t, 34, r.AgeAt(time.Date(2024, time.June, 15, 0, 0, 0, 0, time.UTC)))
	assert.Equal(t, -1, (&Recipient{}).AgeAt(time.Now()))
}

func TestStatsPendingClamps(t *testing.T) {
	s := CampaignStats{RecipientsCount: 5, DeliveredCount: 3, FailedCount: 1}
	assert.EqualValues(t, 1, s.Pending())
	assert.EqualValues(t, 0, CampaignStats{FailedCount: 2}.Pending())
}
