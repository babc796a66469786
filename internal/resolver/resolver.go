// Package resolver maps a dialed number to the tenant configuration that
// owns it, with a short-lived cache in front of the source of truth.
package resolver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/sync/singleflight"

	"github.com/MrWong99/callrelay/internal/observe"
	"github.com/MrWong99/callrelay/internal/tenant"
)

// ErrNotFound is returned when no phone number matches. It is terminal for
// the call.
var ErrNotFound = tenant.ErrNotFound

// TTL is how long a resolved configuration is served from cache.
const TTL = 5 * time.Minute

// DefaultSize bounds the number of cached numbers.
const DefaultSize = 4096

// LookupTimeout bounds one source lookup. The lookup is shared by every
// caller waiting on the same number, so it does not follow any one
// caller's cancellation.
const LookupTimeout = 10 * time.Second

// Source assembles a tenant snapshot for a dialed number. Implementations
// return [ErrNotFound] when the number is unknown.
type Source interface {
	LookupNumber(ctx context.Context, number string) (*tenant.Config, error)
}

// Option configures a [Resolver].
type Option func(*Resolver)

// WithSize overrides the cache capacity.
func WithSize(n int) Option {
	return func(r *Resolver) {
		if n > 0 {
			r.size = n
		}
	}
}

// WithTTL overrides the cache lifetime. Used by tests.
func WithTTL(d time.Duration) Option {
	return func(r *Resolver) {
		if d > 0 {
			r.ttl = d
		}
	}
}

// WithLookupTimeout overrides [LookupTimeout].
func WithLookupTimeout(d time.Duration) Option {
	return func(r *Resolver) {
		if d > 0 {
			r.lookupTimeout = d
		}
	}
}

// WithMetrics sets the metrics sink. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(r *Resolver) { r.metrics = m }
}

// Resolver caches [Source] lookups. Safe for concurrent use.
type Resolver struct {
	src           Source
	size          int
	ttl           time.Duration
	lookupTimeout time.Duration
	metrics       *observe.Metrics

	cache *expirable.LRU[string, *tenant.Config]
	group singleflight.Group
}

// New creates a Resolver reading from src.
func New(src Source, opts ...Option) *Resolver {
	r := &Resolver{src: src, size: DefaultSize, ttl: TTL, lookupTimeout: LookupTimeout}
	for _, o := range opts {
		o(r)
	}
	if r.metrics == nil {
		r.metrics = observe.DefaultMetrics()
	}
	r.cache = expirable.NewLRU[string, *tenant.Config](r.size, nil, r.ttl)
	return r
}

// Resolve returns the configuration for calledNumber. A cache hit returns
// the cached snapshot verbatim; callers must not mutate it.
func (r *Resolver) Resolve(ctx context.Context, calledNumber string) (*tenant.Config, error) {
	if cfg, ok := r.cache.Get(calledNumber); ok {
		r.metrics.RecordResolverLookup(ctx, "hit")
		return cfg, nil
	}

	ch := r.group.DoChan(calledNumber, func() (any, error) {
		lctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.lookupTimeout)
		defer cancel()
		cfg, err := r.src.LookupNumber(lctx, calledNumber)
		if err != nil {
			return nil, err
		}
		r.cache.Add(calledNumber, cfg)
		return cfg, nil
	})
	var res singleflight.Result
	select {
	case res = <-ch:
	case <-ctx.Done():
		return nil, fmt.Errorf("resolver: lookup %q: %w", calledNumber, ctx.Err())
	}
	v, err, shared := res.Val, res.Err, res.Shared
	switch {
	case errors.Is(err, ErrNotFound):
		r.metrics.RecordResolverLookup(ctx, "not_found")
		return nil, ErrNotFound
	case err != nil:
		r.metrics.RecordResolverLookup(ctx, "error")
		return nil, fmt.Errorf("resolver: lookup %q: %w", calledNumber, err)
	}
	if shared {
		slog.Debug("resolver: collapsed concurrent lookup", "number", calledNumber)
	}
	r.metrics.RecordResolverLookup(ctx, "miss")
	return v.(*tenant.Config), nil
}

// Invalidate drops the cached entry for number.
func (r *Resolver) Invalidate(number string) {
	r.cache.Remove(number)
}

// Purge drops every cached entry.
func (r *Resolver) Purge() {
	r.cache.Purge()
}

// Len reports the number of cached entries.
func (r *Resolver) Len() int {
	return r.cache.Len()
}
