package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
)

// PostgresJournal persists audit events to the audit_events table.
// Attributes are stored as JSONB.
type PostgresJournal struct {
	db      *sqlx.DB
	timeout time.Duration
}

// NewPostgresJournal creates a journal over an open sqlx handle.
func NewPostgresJournal(db *sqlx.DB, timeout time.Duration) *PostgresJournal {
	return &PostgresJournal{db: db, timeout: timeout}
}

const schema = `
CREATE TABLE IF NOT EXISTS audit_events (
	id         UUID PRIMARY KEY,
	event_type TEXT NOT NULL,
	instrument TEXT NOT NULL DEFAULT '',
	actor      TEXT NOT NULL DEFAULT '',
	attributes JSONB NOT NULL DEFAULT '{}',
	created_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_audit_events_instrument_ts ON audit_events (instrument, created_at DESC);
CREATE INDEX IF NOT EXISTS idx_audit_events_type_ts ON audit_events (event_type, created_at DESC);`

// Migrate creates the journal table if it does not exist.
func (j *PostgresJournal) Migrate(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, j.timeout)
	defer cancel()
	if _, err := j.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to migrate audit schema: %w", err)
	}
	return nil
}

// Record inserts one event. Duplicate ids are reported explicitly so the
// caller can tell a replay from a storage fault.
func (j *PostgresJournal) Record(ctx context.Context, ev Event) error {
	ctx, cancel := context.WithTimeout(ctx, j.timeout)
	defer cancel()

	attrs, err := json.Marshal(ev.Attributes)
	if err != nil {
		return fmt.Errorf("failed to marshal attributes: %w", err)
	}

	query := `
		INSERT INTO audit_events (id, event_type, instrument, actor, attributes, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`

	_, err = j.db.ExecContext(ctx, query,
		ev.ID, ev.Type, ev.Instrument, ev.Actor, attrs, ev.CreatedAt)
	if err != nil {
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
			return fmt.Errorf("duplicate audit event %s: %w", ev.ID, err)
		}
		return fmt.Errorf("failed to insert audit event: %w", err)
	}
	return nil
}

// ListByInstrument retrieves events for one instrument, newest first.
func (j *PostgresJournal) ListByInstrument(ctx context.Context, instrument string, tr TimeRange, limit int) ([]Event, error) {
	query := `
		SELECT id, event_type, instrument, actor, attributes, created_at
		FROM audit_events
		WHERE instrument = $1 AND created_at >= $2 AND created_at <= $3
		ORDER BY created_at DESC
		LIMIT $4`
	return j.list(ctx, query, instrument, tr, limit)
}

// ListByType retrieves events of one type, newest first.
func (j *PostgresJournal) ListByType(ctx context.Context, t EventType, tr TimeRange, limit int) ([]Event, error) {
	query := `
		SELECT id, event_type, instrument, actor, attributes, created_at
		FROM audit_events
		WHERE event_type = $1 AND created_at >= $2 AND created_at <= $3
		ORDER BY created_at DESC
		LIMIT $4`
	return j.list(ctx, query, string(t), tr, limit)
}

func (j *PostgresJournal) list(ctx context.Context, query, key string, tr TimeRange, limit int) ([]Event, error) {
	ctx, cancel := context.WithTimeout(ctx, j.timeout)
	defer cancel()

	from, to := tr.From, tr.To
	if to.IsZero() {
		to = time.Now().UTC()
	}
	if limit <= 0 {
		limit = 100
	}

	rows, err := j.db.QueryxContext(ctx, query, key, from, to, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit events: %w", err)
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var ev Event
		var attrs []byte
		if err := rows.Scan(&ev.ID, &ev.Type, &ev.Instrument, &ev.Actor, &attrs, &ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan audit event: %w", err)
		}
		if len(attrs) > 0 {
			if err := json.Unmarshal(attrs, &ev.Attributes); err != nil {
				return nil, fmt.Errorf("failed to unmarshal attributes: %w", err)
			}
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}
