package callsession

import (
	"context"
	"errors"
	"log/slog"

	gocache "github.com/patrickmn/go-cache"

	"github.com/MrWong99/callrelay/internal/observe"
	"github.com/MrWong99/callrelay/internal/resilience"
)

const (
	durableName = "durable"
	memoryName  = "memory"
)

// FallbackStore layers a durable Store over an in-memory one. Writes go to
// both; reads try the durable store first and fall back to memory when it
// misses or is unavailable. The durable side sits behind a circuit breaker
// so an outage costs one fast failure per call instead of a timeout.
//
// A call whose durable write or delete failed is marked stale: memory holds
// its newest state, so reads are served from memory until the durable copy
// has been repaired.
type FallbackStore struct {
	group   *resilience.FallbackGroup[Store]
	durable Store
	memory  *MemoryStore
	stale   *gocache.Cache
	metrics *observe.Metrics
}

var _ Store = (*FallbackStore)(nil)

// NewFallbackStore creates a FallbackStore. cb tunes the durable store's
// breaker; its IsFailure is replaced so that ErrNotFound never trips it.
func NewFallbackStore(durable Store, memory *MemoryStore, cb resilience.CircuitBreakerConfig, m *observe.Metrics) *FallbackStore {
	if m == nil {
		m = observe.DefaultMetrics()
	}
	cb.IsFailure = func(err error) bool {
		return resilience.CountsAsFailure(err) && !errors.Is(err, ErrNotFound)
	}
	g := resilience.NewFallbackGroup[Store](durable, durableName, resilience.FallbackConfig{CircuitBreaker: cb})
	g.AddFallback(memoryName, memory)
	return &FallbackStore{
		group:   g,
		durable: durable,
		memory:  memory,
		stale:   gocache.New(memory.retention, memory.retention/4),
		metrics: m,
	}
}

// Put implements [Store]. It fails only when neither store accepted the
// write.
func (f *FallbackStore) Put(ctx context.Context, s *Session) error {
	failed, err := f.group.Broadcast(func(st Store) error { return st.Put(ctx, s) })
	f.noteFailures(ctx, "put", failed, s.CallID)
	return err
}

// Get implements [Store].
func (f *FallbackStore) Get(ctx context.Context, callID string) (*Session, error) {
	if _, ok := f.stale.Get(callID); ok {
		f.metrics.RecordStoreFallback(ctx, "get")
		s, err := f.memory.Get(ctx, callID)
		f.repair(ctx, callID, s)
		return s, err
	}
	s, served, err := resilience.ExecuteNamed(f.group, func(st Store) (*Session, error) {
		return st.Get(ctx, callID)
	})
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if served == memoryName {
		f.metrics.RecordStoreFallback(ctx, "get")
	}
	return s, nil
}

// Delete implements [Store].
func (f *FallbackStore) Delete(ctx context.Context, callID string) error {
	failed, err := f.group.Broadcast(func(st Store) error { return st.Delete(ctx, callID) })
	f.noteFailures(ctx, "delete", failed, callID)
	return err
}

// repair brings the durable copy of a stale call in line with memory. s is
// the memory copy, nil when the call was deleted.
func (f *FallbackStore) repair(ctx context.Context, callID string, s *Session) {
	err := f.group.Breaker(durableName).Execute(func() error {
		if s == nil {
			return f.durable.Delete(ctx, callID)
		}
		return f.durable.Put(ctx, s)
	})
	if err != nil {
		return
	}
	f.stale.Delete(callID)
	slog.Info("session store repaired durable copy", "call_id", callID)
}

// DurableState reports the durable store's breaker state.
func (f *FallbackStore) DurableState() resilience.State {
	return f.group.Breaker(durableName).State()
}

// noteFailures marks callID stale when the durable write failed and clears
// the mark when it succeeded.
func (f *FallbackStore) noteFailures(ctx context.Context, op string, failed []string, callID string) {
	for _, name := range failed {
		if name != durableName {
			continue
		}
		f.stale.SetDefault(callID, struct{}{})
		f.metrics.RecordStoreFallback(ctx, op)
		slog.Warn("session store degraded to memory", "op", op, "call_id", callID)
		return
	}
	f.stale.Delete(callID)
}
