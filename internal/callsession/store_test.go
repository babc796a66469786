package callsession_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel/metric/noop"

	"github.com/MrWong99/callrelay/internal/callsession"
	"github.com/MrWong99/callrelay/internal/observe"
	"github.com/MrWong99/callrelay/internal/resilience"
	"github.com/MrWong99/callrelay/internal/tenant"
)

// fakeRedis is an in-memory [callsession.RedisClient].
type fakeRedis struct {
	mu   sync.Mutex
	data map[string]string
	ttls map[string]time.Duration
	err  error
}

func newFakeRedis() *fakeRedis {
	return &fakeRedis{data: map[string]string{}, ttls: map[string]time.Duration{}}
}

func (f *fakeRedis) setErr(err error) {
	f.mu.Lock()
	f.err = err
	f.mu.Unlock()
}

func (f *fakeRedis) Get(_ context.Context, key string) *redis.StringCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return redis.NewStringResult("", f.err)
	}
	v, ok := f.data[key]
	if !ok {
		return redis.NewStringResult("", redis.Nil)
	}
	return redis.NewStringResult(v, nil)
}

func (f *fakeRedis) Set(_ context.Context, key string, value any, exp time.Duration) *redis.StatusCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return redis.NewStatusResult("", f.err)
	}
	f.data[key] = string(value.([]byte))
	f.ttls[key] = exp
	return redis.NewStatusResult("OK", nil)
}

func (f *fakeRedis) Del(_ context.Context, keys ...string) *redis.IntCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return redis.NewIntResult(0, f.err)
	}
	var n int64
	for _, k := range keys {
		if _, ok := f.data[k]; ok {
			delete(f.data, k)
			n++
		}
	}
	return redis.NewIntResult(n, nil)
}

func (f *fakeRedis) Ping(context.Context) *redis.StatusCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	return redis.NewStatusResult("PONG", f.err)
}

func sampleSession() *callsession.Session {
	s := callsession.New("CA1", "+1999", "+1555", callsession.Inbound, now)
	s.Tenant = &tenant.Config{ID: "acme", RoutingStrategy: tenant.StrategyIVR}
	_ = s.SelectAgent(&tenant.Agent{ID: "ann", Voice: "Puck"})
	return s
}

func testMetrics(t *testing.T) *observe.Metrics {
	t.Helper()
	m, err := observe.NewMetrics(noop.NewMeterProvider())
	if err != nil {
		t.Fatal(err)
	}
	return m
}

func TestStores_RoundTrip(t *testing.T) {
	t.Parallel()

	stores := map[string]func() callsession.Store{
		"memory": func() callsession.Store { return callsession.NewMemoryStore(0) },
		"redis":  func() callsession.Store { return callsession.NewRedisStore(newFakeRedis(), "", 0) },
	}
	for name, mk := range stores {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			ctx := context.Background()
			st := mk()

			if _, err := st.Get(ctx, "CA1"); !errors.Is(err, callsession.ErrNotFound) {
				t.Fatalf("Get before Put: err = %v, want ErrNotFound", err)
			}
			in := sampleSession()
			if err := st.Put(ctx, in); err != nil {
				t.Fatalf("Put: %v", err)
			}
			in.Agent.Voice = "mutated"

			got, err := st.Get(ctx, "CA1")
			if err != nil {
				t.Fatalf("Get: %v", err)
			}
			if got.AgentID() != "ann" || got.Agent.Voice != "Puck" || got.TenantID() != "acme" {
				t.Errorf("Get = %+v", got)
			}
			if got.State != callsession.StateSelected || !got.CreatedAt.Equal(now) {
				t.Errorf("state/created = %s/%s", got.State, got.CreatedAt)
			}

			if err := st.Delete(ctx, "CA1"); err != nil {
				t.Fatalf("Delete: %v", err)
			}
			if _, err := st.Get(ctx, "CA1"); !errors.Is(err, callsession.ErrNotFound) {
				t.Errorf("Get after Delete: err = %v, want ErrNotFound", err)
			}
			if err := st.Delete(ctx, "CA1"); err != nil {
				t.Errorf("Delete of missing id: %v", err)
			}
		})
	}
}

func TestMemoryStore_Expires(t *testing.T) {
	t.Parallel()

	st := callsession.NewMemoryStore(20 * time.Millisecond)
	if err := st.Put(context.Background(), sampleSession()); err != nil {
		t.Fatal(err)
	}
	time.Sleep(50 * time.Millisecond)
	if _, err := st.Get(context.Background(), "CA1"); !errors.Is(err, callsession.ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound after retention", err)
	}
}

func TestRedisStore_KeyAndTTL(t *testing.T) {
	t.Parallel()

	rc := newFakeRedis()
	st := callsession.NewRedisStore(rc, "test:", time.Hour)
	if err := st.Put(context.Background(), sampleSession()); err != nil {
		t.Fatal(err)
	}
	if rc.ttls["test:CA1"] != time.Hour {
		t.Errorf("ttl = %v, want 1h under key test:CA1 (keys: %v)", rc.ttls["test:CA1"], rc.ttls)
	}
	if err := st.Ping(context.Background()); err != nil {
		t.Errorf("Ping: %v", err)
	}
}

func TestRedisStore_ErrorsWrapped(t *testing.T) {
	t.Parallel()

	boom := errors.New("connection refused")
	rc := newFakeRedis()
	rc.setErr(boom)
	st := callsession.NewRedisStore(rc, "", 0)
	ctx := context.Background()

	if err := st.Put(ctx, sampleSession()); !errors.Is(err, boom) {
		t.Errorf("Put err = %v", err)
	}
	if _, err := st.Get(ctx, "CA1"); !errors.Is(err, boom) || errors.Is(err, callsession.ErrNotFound) {
		t.Errorf("Get err = %v", err)
	}
	if err := st.Delete(ctx, "CA1"); !errors.Is(err, boom) {
		t.Errorf("Delete err = %v", err)
	}
}

func TestFallbackStore_DegradesToMemory(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	rc := newFakeRedis()
	mem := callsession.NewMemoryStore(0)
	fs := callsession.NewFallbackStore(
		callsession.NewRedisStore(rc, "", 0), mem,
		resilience.CircuitBreakerConfig{MaxFailures: 2, ResetTimeout: time.Hour},
		testMetrics(t),
	)

	if err := fs.Put(ctx, sampleSession()); err != nil {
		t.Fatalf("Put healthy: %v", err)
	}
	if mem.Len() != 1 {
		t.Error("writes should be mirrored to memory")
	}

	rc.setErr(errors.New("down"))
	got, err := fs.Get(ctx, "CA1")
	if err != nil || got.AgentID() != "ann" {
		t.Fatalf("Get while redis down = %v, %v; want memory copy", got, err)
	}

	s2 := sampleSession()
	s2.CallID = "CA2"
	if err := fs.Put(ctx, s2); err != nil {
		t.Fatalf("Put while redis down: %v", err)
	}
	if fs.DurableState() != resilience.StateOpen {
		t.Errorf("durable breaker = %v, want open after two failures", fs.DurableState())
	}
	if _, err := fs.Get(ctx, "CA2"); err != nil {
		t.Errorf("Get CA2 from memory: %v", err)
	}
	if _, err := fs.Get(ctx, "missing"); !errors.Is(err, callsession.ErrNotFound) {
		t.Errorf("missing session err = %v, want ErrNotFound", err)
	}
}

func TestFallbackStore_NotFoundDoesNotTrip(t *testing.T) {
	t.Parallel()

	fs := callsession.NewFallbackStore(
		callsession.NewRedisStore(newFakeRedis(), "", 0), callsession.NewMemoryStore(0),
		resilience.CircuitBreakerConfig{MaxFailures: 1},
		testMetrics(t),
	)
	for range 3 {
		if _, err := fs.Get(context.Background(), "nope"); !errors.Is(err, callsession.ErrNotFound) {
			t.Fatalf("err = %v", err)
		}
	}
	if fs.DurableState() != resilience.StateClosed {
		t.Errorf("durable breaker = %v, want closed", fs.DurableState())
	}
}

func TestFallbackStore_DeleteRemovesBoth(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	rc := newFakeRedis()
	mem := callsession.NewMemoryStore(0)
	fs := callsession.NewFallbackStore(callsession.NewRedisStore(rc, "", 0), mem, resilience.CircuitBreakerConfig{}, testMetrics(t))

	_ = fs.Put(ctx, sampleSession())
	if err := fs.Delete(ctx, "CA1"); err != nil {
		t.Fatal(err)
	}
	if _, err := mem.Get(ctx, "CA1"); !errors.Is(err, callsession.ErrNotFound) {
		t.Error("memory copy survived Delete")
	}
	if len(rc.data) != 0 {
		t.Errorf("redis copy survived Delete: %v", rc.data)
	}
}

func TestFallbackStore_ReadsNewestAfterDurableFlap(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	rc := newFakeRedis()
	fs := callsession.NewFallbackStore(
		callsession.NewRedisStore(rc, "", 0), callsession.NewMemoryStore(0),
		resilience.CircuitBreakerConfig{MaxFailures: 5},
		testMetrics(t),
	)

	s := callsession.New("CA1", "+1999", "+1555", callsession.Inbound, now)
	_ = s.StartIVR("main")
	if err := fs.Put(ctx, s); err != nil {
		t.Fatal(err)
	}

	rc.setErr(errors.New("down"))
	s.IVR.Attempts = 1
	if err := fs.Put(ctx, s); err != nil {
		t.Fatalf("Put while redis down: %v", err)
	}
	rc.setErr(nil)

	got, err := fs.Get(ctx, "CA1")
	if err != nil {
		t.Fatal(err)
	}
	if got.IVR == nil || got.IVR.Attempts != 1 {
		t.Fatalf("attempts after flap = %+v, want 1", got.IVR)
	}

	// The read repaired the durable copy.
	durable, err := callsession.NewRedisStore(rc, "", 0).Get(ctx, "CA1")
	if err != nil || durable.IVR == nil || durable.IVR.Attempts != 1 {
		t.Errorf("durable copy after repair = %+v, %v", durable, err)
	}
}

func TestFallbackStore_MissedDurableDeleteStaysDeleted(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	rc := newFakeRedis()
	fs := callsession.NewFallbackStore(
		callsession.NewRedisStore(rc, "", 0), callsession.NewMemoryStore(0),
		resilience.CircuitBreakerConfig{MaxFailures: 5},
		testMetrics(t),
	)

	if err := fs.Put(ctx, sampleSession()); err != nil {
		t.Fatal(err)
	}
	rc.setErr(errors.New("down"))
	if err := fs.Delete(ctx, "CA1"); err != nil {
		t.Fatalf("Delete while redis down: %v", err)
	}
	rc.setErr(nil)

	if _, err := fs.Get(ctx, "CA1"); !errors.Is(err, callsession.ErrNotFound) {
		t.Fatalf("Get after missed delete err = %v, want ErrNotFound", err)
	}
	rc.mu.Lock()
	left := len(rc.data)
	rc.mu.Unlock()
	if left != 0 {
		t.Errorf("redis still holds %d sessions after repair", left)
	}
	if _, err := fs.Get(ctx, "CA1"); !errors.Is(err, callsession.ErrNotFound) {
		t.Errorf("second Get err = %v, want ErrNotFound", err)
	}
}
