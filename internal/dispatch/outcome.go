package dispatch

import (
	"time"

	"github.com/google/uuid"
)

// OutcomeKind tags a per-recipient result.
type OutcomeKind string

const (
	OutcomeSent    OutcomeKind = "sent"
	OutcomeFailed  OutcomeKind = "failed"
	OutcomeSkipped OutcomeKind = "skipped"
)

// Failure and skip reasons recorded on attempts and metrics.
const (
	ReasonOptedOut       = "opted_out"
	ReasonInvalidAddress = "invalid_address"
	ReasonCircuitOpen    = "circuit_open"
	ReasonTransport      = "transport_error"
	ReasonInternal       = "internal_error"
	ReasonInterrupted    = "interrupted"
)

// Outcome is what happened to one recipient. Charged reports whether the
// attempt reached the provider and therefore consumes quota.
type Outcome struct {
	RecipientID uuid.UUID
	Kind        OutcomeKind
	Reason      string
	Code        string
	Detail      string
	ExternalID  string
	Charged     bool
}

func sent(id uuid.UUID, externalID string) Outcome {
	return Outcome{RecipientID: id, Kind: OutcomeSent, ExternalID: externalID, Charged: true}
}

func failed(id uuid.UUID, reason, code, detail string, charged bool) Outcome {
	return Outcome{RecipientID: id, Kind: OutcomeFailed, Reason: reason, Code: code, Detail: detail, Charged: charged}
}

func skipped(id uuid.UUID, reason string) Outcome {
	return Outcome{RecipientID: id, Kind: OutcomeSkipped, Reason: reason}
}

// RunReport summarises one invocation of Run.
type RunReport struct {
	CampaignID  uuid.UUID
	Rescheduled bool
	ScheduledAt *time.Time
	// Halted is set when an operator paused or cancelled the campaign mid-run.
	Halted      bool
	FinalStatus string
	Processed   int
	Sent        int
	Failed      int
	Skipped     int
	// AlreadySettled counts recipients an earlier run already handled.
	AlreadySettled int
	// InFlight counts recipients claimed by another run that may still be sending.
	InFlight int
	// Interrupted counts claims left by a dead run, failed without resending.
	Interrupted int
	QuotaCharged   int64
	CircuitOpened  bool
	Outcomes       []Outcome
}
