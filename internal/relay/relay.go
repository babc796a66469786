// Package relay bridges a telephony media stream to a speech session for the
// lifetime of one call.
//
// The [Relay] is an http.Handler mounted on the media path. Each accepted
// WebSocket becomes a link: it reads the start event, finds the call's
// session in the store, opens the speech session with the selected agent's
// persona and then pumps audio in both directions until either side goes
// away. Every link is finalized exactly once, which writes the call record
// and bills the tenant's usage.
//
// Live links are kept in a table keyed by call id. The table backs
// [Relay.ActiveCalls] and [Relay.Close], which tears every link down on
// shutdown. Routed calls whose stream has not arrived yet hold a short
// reservation; [Relay.InFlight] counts both for the router's concurrency
// guard.
package relay

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"go.opentelemetry.io/otel/trace"

	"github.com/MrWong99/callrelay/internal/callsession"
	"github.com/MrWong99/callrelay/internal/observe"
	"github.com/MrWong99/callrelay/internal/record"
	"github.com/MrWong99/callrelay/pkg/provider/s2s"
	"github.com/MrWong99/callrelay/pkg/telephony"
)

const (
	// DefaultGreetingDelay is the pause between speech readiness and the
	// greeting directive.
	DefaultGreetingDelay = 500 * time.Millisecond

	// DefaultGreetingDirective is the user turn that makes the agent speak
	// first.
	DefaultGreetingDirective = "The caller has just been connected. Greet them now in one or two short sentences."

	// DefaultReservationWindow is how long a routed call holds a
	// concurrency slot while its media stream has not arrived.
	DefaultReservationWindow = 30 * time.Second

	finalizeTimeout = 10 * time.Second
)

// Option configures a [Relay].
type Option func(*Relay)

// WithGreetingDelay overrides [DefaultGreetingDelay]. Negative values are
// treated as zero.
func WithGreetingDelay(d time.Duration) Option {
	return func(rl *Relay) { rl.greeting.delay = max(d, 0) }
}

// WithGreetingDirective overrides [DefaultGreetingDirective]. An empty
// directive keeps the default.
func WithGreetingDirective(text string) Option {
	return func(rl *Relay) {
		if text != "" {
			rl.greeting.directive = text
		}
	}
}

// WithReservationWindow overrides [DefaultReservationWindow].
func WithReservationWindow(d time.Duration) Option {
	return func(rl *Relay) {
		if d > 0 {
			rl.reserveFor = d
		}
	}
}

// WithClock overrides the time source used for call timestamps.
func WithClock(now func() time.Time) Option {
	return func(rl *Relay) { rl.now = now }
}

// WithMetrics sets the metrics sink. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(rl *Relay) { rl.metrics = m }
}

// WithAcceptOptions sets the WebSocket accept options, for example allowed
// origins.
func WithAcceptOptions(o *websocket.AcceptOptions) Option {
	return func(rl *Relay) { rl.acceptOpts = o }
}

// Relay serves media-stream connections. Safe for concurrent use.
type Relay struct {
	provider s2s.Provider
	sessions callsession.Store
	sink     record.Sink

	greeting   greeting
	current    atomic.Pointer[greeting]
	now        func() time.Time
	metrics    *observe.Metrics
	acceptOpts *websocket.AcceptOptions

	// base is cancelled by Close and ends every in-flight handler.
	base   context.Context
	cancel context.CancelFunc

	mu         sync.Mutex
	closed     bool
	links      map[string]*link
	reserved   map[string]reservation
	reserveFor time.Duration
	wg         sync.WaitGroup
}

// reservation is a routed call whose stream has not registered yet.
type reservation struct {
	tenantID string
	until    time.Time
}

// New creates a Relay.
func New(provider s2s.Provider, sessions callsession.Store, sink record.Sink, opts ...Option) *Relay {
	base, cancel := context.WithCancel(context.Background())
	rl := &Relay{
		provider: provider,
		sessions: sessions,
		sink:     sink,
		greeting: greeting{delay: DefaultGreetingDelay, directive: DefaultGreetingDirective},
		now:      time.Now,
		base:     base,
		cancel:   cancel,
		links:    make(map[string]*link),
		reserved: make(map[string]reservation),

		reserveFor: DefaultReservationWindow,
	}
	for _, o := range opts {
		o(rl)
	}
	g := rl.greeting
	rl.current.Store(&g)
	if rl.metrics == nil {
		rl.metrics = observe.DefaultMetrics()
	}
	return rl
}

// ServeHTTP accepts one media stream and relays it until the call ends.
func (rl *Relay) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	rl.mu.Lock()
	if rl.closed {
		rl.mu.Unlock()
		http.Error(w, "relay is shutting down", http.StatusServiceUnavailable)
		return
	}
	rl.wg.Add(1)
	rl.mu.Unlock()
	defer rl.wg.Done()

	conn, err := telephony.Accept(w, r, rl.acceptOpts)
	if err != nil {
		slog.Warn("relay: accept media stream", "remote", r.RemoteAddr, "err", err)
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	stop := context.AfterFunc(rl.base, cancel)
	defer stop()

	start, err := awaitStart(ctx, conn)
	if err != nil {
		slog.Debug("relay: stream ended before start", "remote", r.RemoteAddr, "err", err)
		_ = conn.Close(websocket.StatusNormalClosure, "")
		return
	}

	callID := callIDFrom(r, start)
	if callID == "" {
		rl.drain(ctx, conn, observe.Logger(ctx).With("stream_sid", start.StreamSID), "missing call id")
		return
	}
	ctx, span := observe.StartCallSpan(ctx, "relay.call", callID)
	defer span.End()
	log := observe.CallLogger(ctx, callID).With("stream_sid", start.StreamSID)

	sess, err := rl.sessions.Get(ctx, callID)
	switch {
	case errors.Is(err, callsession.ErrNotFound):
		rl.drain(ctx, conn, log, "no session")
		return
	case err != nil:
		log.Error("relay: load session", "err", err)
		rl.drain(ctx, conn, log, "session store unavailable")
		return
	case sess.Agent == nil || sess.State != callsession.StateSelected:
		rl.drain(ctx, conn, log, "no agent selected in state "+string(sess.State))
		return
	}

	observe.TagCall(span, sess.TenantID(), sess.AgentID())
	log = log.With("tenant_id", sess.TenantID(), "agent_id", sess.AgentID())
	l := &link{relay: rl, conn: conn, sess: sess, streamSID: start.StreamSID, log: log, span: span}
	if !rl.register(ctx, l) {
		rl.drain(ctx, conn, log, "call already relayed")
		return
	}
	if !l.open(ctx) {
		return
	}
	l.run(ctx)
}

type greeting struct {
	delay     time.Duration
	directive string
}

// SetGreeting replaces the greeting settings. Links whose speech session is
// already ready keep the old ones. An empty directive restores the default.
func (rl *Relay) SetGreeting(delay time.Duration, directive string) {
	if directive == "" {
		directive = DefaultGreetingDirective
	}
	rl.current.Store(&greeting{delay: max(delay, 0), directive: directive})
}

func (rl *Relay) greetingSettings() greeting {
	return *rl.current.Load()
}

// ActiveCalls reports the number of live links for tenantID.
func (rl *Relay) ActiveCalls(tenantID string) int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	n := 0
	for _, l := range rl.links {
		if l.sess.TenantID() == tenantID {
			n++
		}
	}
	return n
}

// Reserve holds a concurrency slot for a routed call until its stream
// registers or the reservation window passes. Reserving again refreshes it.
func (rl *Relay) Reserve(tenantID, callID string) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	if _, live := rl.links[callID]; live {
		return
	}
	rl.reserved[callID] = reservation{tenantID: tenantID, until: rl.now().Add(rl.reserveFor)}
}

// InFlight reports live links plus unexpired reservations for tenantID,
// not counting callID.
func (rl *Relay) InFlight(tenantID, callID string) int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	now := rl.now()
	n := 0
	for id, l := range rl.links {
		if id != callID && l.sess.TenantID() == tenantID {
			n++
		}
	}
	for id, res := range rl.reserved {
		switch {
		case !now.Before(res.until):
			delete(rl.reserved, id)
		case id != callID && res.tenantID == tenantID:
			n++
		}
	}
	return n
}

// Len reports the number of live links across all tenants.
func (rl *Relay) Len() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.links)
}

// Close stops accepting streams, tears down every live link and waits for
// their finalization.
func (rl *Relay) Close() error {
	rl.mu.Lock()
	rl.closed = true
	n := len(rl.links)
	rl.mu.Unlock()

	if n > 0 {
		slog.Info("relay: closing live calls", "calls", n)
	}
	rl.cancel()
	rl.wg.Wait()
	return nil
}

func (rl *Relay) register(ctx context.Context, l *link) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	if _, dup := rl.links[l.sess.CallID]; dup {
		return false
	}
	rl.links[l.sess.CallID] = l
	delete(rl.reserved, l.sess.CallID)
	rl.metrics.ActiveCalls.Add(ctx, 1)
	return true
}

func (rl *Relay) unregister(ctx context.Context, l *link) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	if rl.links[l.sess.CallID] == l {
		delete(rl.links, l.sess.CallID)
		rl.metrics.ActiveCalls.Add(ctx, -1)
	}
}

// drain keeps a stream open without forwarding anything until the caller
// hangs up.
func (rl *Relay) drain(ctx context.Context, conn *telephony.Conn, log *slog.Logger, reason string) {
	log.Warn("relay: consuming stream without agent", "degraded", true, "reason", reason)
	observe.RecordOutcome(trace.SpanFromContext(ctx), "drained", nil)
	rl.metrics.RecordDegradedRoute(ctx, "relay_no_agent")
	for {
		ev, err := conn.ReadEvent(ctx)
		if err != nil || ev.Event == telephony.EventStop {
			break
		}
	}
	_ = conn.Close(websocket.StatusNormalClosure, "")
}

// awaitStart reads events until the stream's start event.
func awaitStart(ctx context.Context, conn *telephony.Conn) (telephony.Start, error) {
	for {
		ev, err := conn.ReadEvent(ctx)
		if err != nil {
			return telephony.Start{}, err
		}
		switch ev.Event {
		case telephony.EventStart:
			var st telephony.Start
			if ev.Start != nil {
				st = *ev.Start
			}
			if st.StreamSID == "" {
				st.StreamSID = ev.StreamSID
			}
			return st, nil
		case telephony.EventStop:
			return telephony.Start{}, telephony.ErrClosed
		}
	}
}

// callIDFrom prefers the query string, then the stream's custom parameters,
// then the provider's call sid.
func callIDFrom(r *http.Request, st telephony.Start) string {
	q := r.URL.Query()
	for _, k := range []string{"call_id", "callId"} {
		if v := q.Get(k); v != "" {
			return v
		}
	}
	for _, k := range []string{"callId", "call_id"} {
		if v := st.CustomParameters[k]; v != "" {
			return v
		}
	}
	return st.CallSID
}
