// Package audit is the append-only journal of everything the pipeline
// decides: proposal verdicts, leverage adjustments, budget denials, and
// execution mode transitions. Records are immutable after insert.
package audit

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/sawpanic/tradegate/internal/domain"
)

// EventType classifies journal entries.
type EventType string

const (
	EventDecision       EventType = "decision"
	EventLeverageAdjust EventType = "leverage_adjust"
	EventBudgetDenied   EventType = "budget_denied"
	EventModeChange     EventType = "mode_change"
	EventPositionAction EventType = "position_action"
	EventBreakerTrip    EventType = "breaker_trip"
)

// Event is one journal row. Attributes carries event-specific detail as
// a JSON document.
type Event struct {
	ID         string                 `db:"id" json:"id"`
	Type       EventType              `db:"event_type" json:"type"`
	Instrument string                 `db:"instrument" json:"instrument,omitempty"`
	Actor      string                 `db:"actor" json:"actor,omitempty"`
	Attributes map[string]interface{} `db:"-" json:"attributes,omitempty"`
	CreatedAt  time.Time              `db:"created_at" json:"created_at"`
}

// TimeRange bounds journal queries.
type TimeRange struct {
	From time.Time
	To   time.Time
}

// Journal persists events. Implementations must never mutate or delete
// recorded events.
type Journal interface {
	Record(ctx context.Context, ev Event) error
	ListByInstrument(ctx context.Context, instrument string, tr TimeRange, limit int) ([]Event, error)
	ListByType(ctx context.Context, t EventType, tr TimeRange, limit int) ([]Event, error)
}

// Recorder wraps a Journal with structured logging so every audit event
// also lands in the operational log. Journal failures are logged, never
// propagated into the trading path.
type Recorder struct {
	journal Journal
	log     zerolog.Logger
}

// NewRecorder creates a recorder over the given journal. A nil journal
// degrades to log-only operation.
func NewRecorder(journal Journal, log zerolog.Logger) *Recorder {
	return &Recorder{
		journal: journal,
		log:     log.With().Str("component", "audit").Logger(),
	}
}

// Decision records one pipeline verdict.
func (r *Recorder) Decision(ctx context.Context, d domain.Decision) {
	attrs := map[string]interface{}{
		"trigger_id":         d.TriggerID,
		"direction":          d.Direction,
		"category":           d.Category,
		"verdict":            d.Verdict,
		"applied_confidence": d.AppliedConfidence,
	}
	if d.Verdict == domain.VerdictRejected {
		attrs["reason"] = d.Reason.String()
	} else {
		attrs["final_leverage"] = d.FinalLeverage
		attrs["final_size"] = d.FinalSize
		attrs["defensive"] = d.Defensive
	}
	r.record(ctx, Event{
		ID:         d.ID,
		Type:       EventDecision,
		Instrument: d.Instrument,
		Attributes: attrs,
		CreatedAt:  d.DecidedAt,
	})
}

// LeverageAdjust records a requested-vs-granted leverage cap.
func (r *Recorder) LeverageAdjust(ctx context.Context, instrument string, requested, granted float64) {
	r.record(ctx, Event{
		Type:       EventLeverageAdjust,
		Instrument: instrument,
		Attributes: map[string]interface{}{"requested": requested, "granted": granted},
	})
}

// BudgetDenied records a call-budget rejection before any proposer call.
func (r *Recorder) BudgetDenied(ctx context.Context, class string, reason domain.RejectReason, retryAt time.Time) {
	r.record(ctx, Event{
		Type: EventBudgetDenied,
		Attributes: map[string]interface{}{
			"class":    class,
			"reason":   reason.String(),
			"retry_at": retryAt,
		},
	})
}

// ModeChange records an execution mode transition with the actor who
// requested it.
func (r *Recorder) ModeChange(ctx context.Context, from, to string, actor string) {
	r.record(ctx, Event{
		Type:       EventModeChange,
		Actor:      actor,
		Attributes: map[string]interface{}{"from": from, "to": to},
	})
}

// PositionAction records a lifecycle action taken on an open position.
func (r *Recorder) PositionAction(ctx context.Context, instrument, action, reason string, rMultiple float64) {
	r.record(ctx, Event{
		Type:       EventPositionAction,
		Instrument: instrument,
		Attributes: map[string]interface{}{
			"action":     action,
			"reason":     reason,
			"r_multiple": rMultiple,
		},
	})
}

// BreakerTrip records the daily drawdown breaker firing.
func (r *Recorder) BreakerTrip(ctx context.Context, drawdownPct float64) {
	r.record(ctx, Event{
		Type:       EventBreakerTrip,
		Attributes: map[string]interface{}{"drawdown_pct": drawdownPct},
	})
}

func (r *Recorder) record(ctx context.Context, ev Event) {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now().UTC()
	}
	r.log.Info().
		Str("event", string(ev.Type)).
		Str("instrument", ev.Instrument).
		Fields(map[string]interface{}{"attrs": ev.Attributes}).
		Msg("audit event")
	if r.journal == nil {
		return
	}
	if err := r.journal.Record(ctx, ev); err != nil {
		r.log.Error().Err(err).Str("event", string(ev.Type)).Msg("failed to persist audit event")
	}
}

// MemoryJournal is an in-process journal for tests and journal-less
// deployments.
type MemoryJournal struct {
	mu     sync.Mutex
	events []Event
}

// NewMemoryJournal creates an empty in-memory journal.
func NewMemoryJournal() *MemoryJournal {
	return &MemoryJournal{}
}

func (m *MemoryJournal) Record(_ context.Context, ev Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, ev)
	return nil
}

func (m *MemoryJournal) ListByInstrument(_ context.Context, instrument string, tr TimeRange, limit int) ([]Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Event
	for i := len(m.events) - 1; i >= 0 && (limit <= 0 || len(out) < limit); i-- {
		ev := m.events[i]
		if ev.Instrument == instrument && inRange(ev.CreatedAt, tr) {
			out = append(out, ev)
		}
	}
	return out, nil
}

func (m *MemoryJournal) ListByType(_ context.Context, t EventType, tr TimeRange, limit int) ([]Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Event
	for i := len(m.events) - 1; i >= 0 && (limit <= 0 || len(out) < limit); i-- {
		ev := m.events[i]
		if ev.Type == t && inRange(ev.CreatedAt, tr) {
			out = append(out, ev)
		}
	}
	return out, nil
}

// Events returns a copy of everything recorded. Test helper.
func (m *MemoryJournal) Events() []Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Event, len(m.events))
	copy(out, m.events)
	return out
}

func inRange(t time.Time, tr TimeRange) bool {
	if !tr.From.IsZero() && t.Before(tr.From) {
		return false
	}
	if !tr.To.IsZero() && t.After(tr.To) {
		return false
	}
	return true
}
