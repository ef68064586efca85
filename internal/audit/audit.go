// Package audit emits the structured audit records required for every
// sensitive enclave operation. Records carry identifiers and outcomes only;
// plaintext secret or key material must never enter an Event.
package audit

import (
	"context"
	"io"
	"os"
	"sync"

	"github.com/rs/zerolog"
)

// Outcome is the result recorded for an audited action.
type Outcome string

const (
	OutcomeGranted Outcome = "granted"
	OutcomeDenied  Outcome = "denied"
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
)

// Event is one audit record.
type Event struct {
	// Type names the action, e.g. "secret.value_accessed".
	Type string
	// Actor identifies who triggered the action: an account id, a
	// function id, or "system" for scheduled work.
	Actor      string
	AccountID  string
	Resource   string
	ResourceID string
	Outcome    Outcome
	// Details holds additional non-sensitive identifiers.
	Details map[string]string
}

// Sink writes audit records as JSON lines.
type Sink struct {
	mu  sync.Mutex
	log zerolog.Logger
}

// New creates a sink writing to w. Pass nil for stdout.
func New(w io.Writer) *Sink {
	if w == nil {
		w = os.Stdout
	}
	return &Sink{
		log: zerolog.New(w).With().Timestamp().Str("stream", "audit").Logger(),
	}
}

// Nop returns a sink that discards every record. For tests.
func Nop() *Sink {
	return &Sink{log: zerolog.Nop()}
}

// Record writes one audit event.
func (s *Sink) Record(ctx context.Context, e Event) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ev := s.log.Info().
		Str("event", e.Type).
		Str("outcome", string(e.Outcome))

	if e.Actor != "" {
		ev = ev.Str("actor", e.Actor)
	}
	if e.AccountID != "" {
		ev = ev.Str("account_id", e.AccountID)
	}
	if e.Resource != "" {
		ev = ev.Str("resource", e.Resource)
	}
	if e.ResourceID != "" {
		ev = ev.Str("resource_id", e.ResourceID)
	}
	if len(e.Details) > 0 {
		d := zerolog.Dict()
		for k, v := range e.Details {
			d = d.Str(k, v)
		}
		ev = ev.Dict("details", d)
	}

	ev.Msg("audit")
}
