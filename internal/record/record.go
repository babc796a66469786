// Package record defines where finished calls are written: one record per
// relayed call plus the tenant's running usage counter.
package record

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/MrWong99/callrelay/pkg/provider/s2s"
)

// ErrNotFound is returned when finalizing an unknown record.
var ErrNotFound = errors.New("record: not found")

// Status of a finalized call.
type Status string

const (
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// NewRecord describes a call at connect time.
type NewRecord struct {
	TenantID  string
	AgentID   string
	CallID    string
	Direction string
	From      string
	To        string
	StartedAt time.Time
}

// Final is the terminal update of a record.
type Final struct {
	Status          Status
	EndedAt         time.Time
	DurationSeconds int
	Transcript      string
}

// Sink persists call records. Errors are logged by callers and never end a
// call.
type Sink interface {
	CreateRecord(ctx context.Context, r NewRecord) (string, error)
	FinalizeRecord(ctx context.Context, recordID string, f Final) error
	IncrementUsageMinutes(ctx context.Context, tenantID string, minutes int) error
}

// BillableMinutes rounds a call length up to whole minutes. Calls shorter
// than one second bill nothing.
func BillableMinutes(seconds int) int {
	if seconds <= 0 {
		return 0
	}
	return (seconds + 59) / 60
}

// FormatTranscript renders entries one per line as "speaker: text".
func FormatTranscript(entries []s2s.TranscriptEntry) string {
	var b strings.Builder
	for _, e := range entries {
		text := strings.TrimSpace(e.Text)
		if text == "" {
			continue
		}
		fmt.Fprintf(&b, "%s: %s\n", e.Speaker, text)
	}
	return b.String()
}

// Record is a stored call record as held by [MemorySink].
type Record struct {
	ID string
	NewRecord
	Final
}

// MemorySink is an in-process [Sink]. It backs deployments without a
// database and the relay tests.
type MemorySink struct {
	mu      sync.Mutex
	records map[string]*Record
	order   []string
	usage   map[string]int
}

var _ Sink = (*MemorySink)(nil)

// NewMemorySink returns an empty MemorySink.
func NewMemorySink() *MemorySink {
	return &MemorySink{records: map[string]*Record{}, usage: map[string]int{}}
}

// CreateRecord implements [Sink].
func (m *MemorySink) CreateRecord(_ context.Context, r NewRecord) (string, error) {
	id := uuid.NewString()
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[id] = &Record{ID: id, NewRecord: r, Final: Final{Status: StatusInProgress}}
	m.order = append(m.order, id)
	return id, nil
}

// FinalizeRecord implements [Sink].
func (m *MemorySink) FinalizeRecord(_ context.Context, recordID string, f Final) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[recordID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, recordID)
	}
	rec.Final = f
	return nil
}

// IncrementUsageMinutes implements [Sink].
func (m *MemorySink) IncrementUsageMinutes(_ context.Context, tenantID string, minutes int) error {
	m.mu.Lock()
	m.usage[tenantID] += minutes
	m.mu.Unlock()
	return nil
}

// Records returns copies of all records in creation order.
func (m *MemorySink) Records() []Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Record, 0, len(m.order))
	for _, id := range m.order {
		out = append(out, *m.records[id])
	}
	return out
}

// Usage returns the minutes accumulated for tenantID.
func (m *MemorySink) Usage(tenantID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.usage[tenantID]
}
