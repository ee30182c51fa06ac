package inbound

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/acme/outbound-messaging/internal/domain"
	"github.com/acme/outbound-messaging/internal/repository/memory"
	"github.com/acme/outbound-messaging/internal/transport"
)

func TestClassify(t *testing.T) {
	cases := map[string]Action{
		"STOP":              ActionOptOut,
		"stop please":       ActionOptOut,
		"Arrêt":             ActionOptOut,
		"ARRE\u0302T":       ActionOptOut,
		"arre\u0302t merci": ActionOptOut,
		"Ôui":               ActionOptIn,
		"  unsubscribe!":    ActionOptOut,
		"start":             ActionOptIn,
		"Oui.":              ActionOptIn,
		"yes":               ActionOptIn,
		"":                  ActionNone,
		"please stop":       ActionNone,
		"Thanks, see you!":  ActionNone,
	}
	for body, want := range cases {
		assert.Equal(t, want, Classify(body), body)
	}
}

func TestHandleTogglesOptOut(t *testing.T) {
	store := memory.New()
	ctx := context.Background()
	phone := &domain.Recipient{ID: uuid.New(), OwnerID: "shop-1", Phone: "+33612345678"}
	other := &domain.Recipient{ID: uuid.New(), OwnerID: "shop-2", Phone: "+33612345678"}
	email := &domain.Recipient{ID: uuid.New(), OwnerID: "shop-1", Email: "ana@example.com"}
	for _, r := range []*domain.Recipient{phone, other, email} {
		require.NoError(t, store.Recipients().Create(ctx, r))
	}
	svc := NewService(store.Recipients(), "33", nil)

	res, err := svc.Handle(ctx, transport.InboundMessage{From: "whatsapp:06 12 34 56 78", Body: "STOP"})
	require.NoError(t, err)
	assert.Equal(t, ActionOptOut, res.Action)
	assert.Equal(t, "+33612345678", res.From)
	assert.EqualValues(t, 2, res.Updated)

	got, err := store.Recipients().Get(ctx, phone.ID)
	require.NoError(t, err)
	assert.True(t, got.OptedOut)

	res, err = svc.Handle(ctx, transport.InboundMessage{From: "+33612345678", Body: "start"})
	require.NoError(t, err)
	assert.EqualValues(t, 2, res.Updated)
	got, err = store.Recipients().Get(ctx, phone.ID)
	require.NoError(t, err)
	assert.False(t, got.OptedOut)

	res, err = svc.Handle(ctx, transport.InboundMessage{From: "Ana@EXAMPLE.com", Body: "unsubscribe"})
	require.NoError(t, err)
	assert.EqualValues(t, 1, res.Updated)
}

func TestHandleIgnoresOtherReplies(t *testing.T) {
	store := memory.New()
	svc := NewService(store.Recipients(), "33", nil)

	res, err := svc.Handle(context.Background(), transport.InboundMessage{From: "+33612345678", Body: "merci"})
	require.NoError(t, err)
	assert.Equal(t, ActionNone, res.Action)
	assert.Zero(t, res.Updated)

	res, err = svc.Handle(context.Background(), transport.InboundMessage{From: "not-a-number", Body: "STOP"})
	require.NoError(t, err)
	assert.Zero(t, res.Updated)
}
