package callsession

import (
	"context"
	"time"

	gocache "github.com/patrickmn/go-cache"
)

// DefaultRetention bounds how long a session outlives its last write.
const DefaultRetention = 2 * time.Hour

// Store persists sessions between the routing request and the media
// connection. Implementations must be safe for concurrent use and must hand
// out copies, never shared pointers.
type Store interface {
	Put(ctx context.Context, s *Session) error
	Get(ctx context.Context, callID string) (*Session, error)
	Delete(ctx context.Context, callID string) error
}

// MemoryStore keeps sessions in process memory with a retention window.
type MemoryStore struct {
	c         *gocache.Cache
	retention time.Duration
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates a MemoryStore. A non-positive retention uses
// [DefaultRetention].
func NewMemoryStore(retention time.Duration) *MemoryStore {
	if retention <= 0 {
		retention = DefaultRetention
	}
	return &MemoryStore{c: gocache.New(retention, retention/4), retention: retention}
}

// Put implements [Store].
func (m *MemoryStore) Put(_ context.Context, s *Session) error {
	m.c.SetDefault(s.CallID, s.Clone())
	return nil
}

// Get implements [Store].
func (m *MemoryStore) Get(_ context.Context, callID string) (*Session, error) {
	v, ok := m.c.Get(callID)
	if !ok {
		return nil, ErrNotFound
	}
	return v.(*Session).Clone(), nil
}

// Delete implements [Store]. Deleting an unknown id is not an error.
func (m *MemoryStore) Delete(_ context.Context, callID string) error {
	m.c.Delete(callID)
	return nil
}

// Len reports the number of stored sessions, including expired ones the
// janitor has not yet removed.
func (m *MemoryStore) Len() int {
	return m.c.ItemCount()
}
