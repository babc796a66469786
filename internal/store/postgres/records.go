package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/MrWong99/callrelay/internal/record"
)

// CreateRecord implements [record.Sink].
func (s *Store) CreateRecord(ctx context.Context, r record.NewRecord) (string, error) {
	id := uuid.NewString()
	started := r.StartedAt
	if started.IsZero() {
		started = time.Now()
	}
	_, err := s.db.Exec(ctx, `
INSERT INTO call_records (id, tenant_id, agent_id, call_id, direction, from_number, to_number, status, started_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		id, r.TenantID, r.AgentID, r.CallID, r.Direction, r.From, r.To, string(record.StatusInProgress), started,
	)
	if err != nil {
		return "", fmt.Errorf("postgres: create record for call %q: %w", r.CallID, err)
	}
	return id, nil
}

// FinalizeRecord implements [record.Sink].
func (s *Store) FinalizeRecord(ctx context.Context, recordID string, f record.Final) error {
	tag, err := s.db.Exec(ctx, `
UPDATE call_records
SET status = $2, ended_at = $3, duration_seconds = $4, transcript = $5
WHERE id = $1`,
		recordID, string(f.Status), f.EndedAt, f.DurationSeconds, f.Transcript,
	)
	if err != nil {
		return fmt.Errorf("postgres: finalize record %q: %w", recordID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("postgres: finalize record %q: %w", recordID, record.ErrNotFound)
	}
	return nil
}

// IncrementUsageMinutes implements [record.Sink].
func (s *Store) IncrementUsageMinutes(ctx context.Context, tenantID string, minutes int) error {
	if minutes <= 0 {
		return nil
	}
	_, err := s.db.Exec(ctx,
		`UPDATE tenants SET minutes_used = minutes_used + $2 WHERE id = $1`,
		tenantID, minutes,
	)
	if err != nil {
		return fmt.Errorf("postgres: increment usage for tenant %q: %w", tenantID, err)
	}
	return nil
}
