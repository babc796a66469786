// Package router decides what happens to an inbound call: connect it to an
// agent, play an IVR menu, transfer it, send it to voicemail, or reject it.
//
// Every decision is persisted as a [callsession.Session] so that the media
// connection, which arrives later on a different request, can find the
// selected agent by call id.
package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/MrWong99/callrelay/internal/callsession"
	"github.com/MrWong99/callrelay/internal/observe"
	"github.com/MrWong99/callrelay/internal/resolver"
	"github.com/MrWong99/callrelay/internal/tenant"
)

// InvalidSelectionPrefix is prepended to the menu greeting after a digit that
// matches no option.
const InvalidSelectionPrefix = "Sorry, that is not a valid selection. "

// Kind is the shape of a [Decision].
type Kind string

const (
	KindConnect   Kind = "connect"
	KindIVRPrompt Kind = "ivr_prompt"
	KindTransfer  Kind = "transfer"
	KindVoicemail Kind = "voicemail"
	KindReject    Kind = "reject"
)

// Reason explains a reject decision.
type Reason string

const (
	ReasonUnconfigured     Reason = "unconfigured"
	ReasonNoAgent          Reason = "no_agent_available"
	ReasonBadExtension     Reason = "bad_extension"
	ReasonUsageExceeded    Reason = "usage_limit_exceeded"
	ReasonConcurrencyLimit Reason = "concurrency_limit"
)

// Request is one routing question from the webhook layer.
type Request struct {
	CalledNumber string                `json:"called_number"`
	CallerNumber string                `json:"caller_number"`
	CallID       string                `json:"call_id"`
	Digits       string                `json:"digits,omitempty"`
	Extension    string                `json:"extension,omitempty"`
	Direction    callsession.Direction `json:"direction,omitempty"`
}

// Decision is the routing outcome. Only the fields relevant to Kind are set.
type Decision struct {
	Kind     Kind   `json:"kind"`
	CallID   string `json:"call_id"`
	TenantID string `json:"tenant_id,omitempty"`

	// connect
	Agent    *tenant.Agent `json:"agent,omitempty"`
	Greeting string        `json:"greeting,omitempty"`

	// ivr_prompt
	Prompt   string        `json:"prompt,omitempty"`
	MenuID   string        `json:"menu_id,omitempty"`
	Attempts int           `json:"attempts,omitempty"`
	Timeout  time.Duration `json:"timeout,omitempty"`

	// transfer
	Destination string `json:"destination,omitempty"`

	// reject
	Reason Reason `json:"reason,omitempty"`

	// Degraded is set when the decision came from a fallback branch.
	Degraded bool `json:"degraded,omitempty"`
}

// Resolver looks up tenant configuration by dialed number.
type Resolver interface {
	Resolve(ctx context.Context, calledNumber string) (*tenant.Config, error)
}

// CallCounter tracks calls per tenant for the concurrency guard. A connect
// decision reserves a slot so calls whose media stream has not arrived yet
// still count.
type CallCounter interface {
	// InFlight reports live and reserved calls for tenantID, leaving out
	// callID.
	InFlight(tenantID, callID string) int
	Reserve(tenantID, callID string)
}

// Option configures a [Router].
type Option func(*Router)

// WithClock overrides the time source used for business hours and session
// timestamps.
func WithClock(now func() time.Time) Option {
	return func(r *Router) { r.now = now }
}

// WithCallCounter enables the per-tenant concurrency guard.
func WithCallCounter(c CallCounter) Option {
	return func(r *Router) { r.calls = c }
}

// WithMetrics sets the metrics sink. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(r *Router) { r.metrics = m }
}

// WithDefaultLocation sets the zone used for business hours when the tenant
// names none. Defaults to UTC.
func WithDefaultLocation(loc *time.Location) Option {
	return func(r *Router) {
		if loc != nil {
			r.defaultLoc = loc
		}
	}
}

// Router answers routing requests. Safe for concurrent use.
type Router struct {
	resolver Resolver
	sessions callsession.Store
	calls    CallCounter
	now      func() time.Time
	metrics  *observe.Metrics

	defaultLoc *time.Location
}

// New creates a Router.
func New(res Resolver, sessions callsession.Store, opts ...Option) *Router {
	r := &Router{resolver: res, sessions: sessions, now: time.Now, defaultLoc: time.UTC}
	for _, o := range opts {
		o(r)
	}
	if r.metrics == nil {
		r.metrics = observe.DefaultMetrics()
	}
	return r
}

// Route decides the fate of a call and persists the resulting session.
func (r *Router) Route(ctx context.Context, req Request) (Decision, error) {
	if req.CallID == "" {
		return Decision{}, errors.New("router: missing call id")
	}
	ctx, span := observe.StartCallSpan(ctx, "router.route", req.CallID)
	defer span.End()
	log := observe.CallLogger(ctx, req.CallID).With("called", req.CalledNumber)

	d, reentered, err := r.reenter(ctx, log, req)
	if err == nil && !reentered {
		d, err = r.route(ctx, log, req)
	}
	if err != nil {
		observe.RecordOutcome(span, "error", err)
		return Decision{}, err
	}
	observe.TagCall(span, d.TenantID, agentID(d.Agent))
	observe.RecordOutcome(span, string(d.Kind), nil)
	r.metrics.RecordRoutingDecision(ctx, string(d.Kind), string(d.Reason))
	log.Info("call routed",
		"kind", d.Kind,
		"tenant_id", d.TenantID,
		"agent_id", agentID(d.Agent),
		"reason", d.Reason,
		"reentry", reentered)
	return d, nil
}

func (r *Router) route(ctx context.Context, log *slog.Logger, req Request) (Decision, error) {
	sess := callsession.New(req.CallID, req.CallerNumber, req.CalledNumber, req.Direction, r.now())

	cfg, err := r.resolver.Resolve(ctx, req.CalledNumber)
	if errors.Is(err, resolver.ErrNotFound) {
		return r.end(ctx, sess, reject(req.CallID, "", ReasonUnconfigured))
	}
	if err != nil {
		return Decision{}, fmt.Errorf("router: resolve: %w", err)
	}
	sess.Tenant = cfg.Clone()
	log = log.With("tenant_id", cfg.ID)

	if cfg.UsageExhausted() {
		return r.end(ctx, sess, reject(req.CallID, cfg.ID, ReasonUsageExceeded))
	}
	if r.calls != nil && cfg.ConcurrencyLimit > 0 && r.calls.InFlight(cfg.ID, req.CallID) >= cfg.ConcurrencyLimit {
		return r.end(ctx, sess, reject(req.CallID, cfg.ID, ReasonConcurrencyLimit))
	}

	bindingLost := false
	if pn, ok := cfg.Number(req.CalledNumber); ok && pn.AgentID != "" {
		if a, ok := cfg.Agent(pn.AgentID); ok {
			return r.connect(ctx, sess, a, false)
		}
		r.degraded(ctx, log, "direct_binding_inactive")
		bindingLost = true
	}

	var d Decision
	switch cfg.RoutingStrategy {
	case tenant.StrategyDirect:
		d, err = r.firstAgent(ctx, sess, cfg, bindingLost)
	case tenant.StrategyIVR:
		d, err = r.routeIVR(ctx, log, sess, cfg)
	case tenant.StrategyTimeBased:
		d, err = r.routeTimeBased(ctx, log, sess, cfg)
	case tenant.StrategyExternalIntegration:
		d, err = r.routeIntegration(ctx, log, sess, cfg, req)
	default:
		r.degraded(ctx, log, "unknown_strategy")
		d, err = r.firstAgent(ctx, sess, cfg, true)
	}
	if bindingLost && d.Kind == KindConnect {
		d.Degraded = true
	}
	return d, err
}

func (r *Router) routeIVR(ctx context.Context, log *slog.Logger, sess *callsession.Session, cfg *tenant.Config) (Decision, error) {
	menu := cfg.IVRMenu
	if menu == nil {
		r.degraded(ctx, log, "ivr_no_menu")
		return r.firstAgent(ctx, sess, cfg, true)
	}
	if err := sess.StartIVR(menu.ID); err != nil {
		return Decision{}, err
	}
	if err := r.sessions.Put(ctx, sess); err != nil {
		return Decision{}, fmt.Errorf("router: persist session: %w", err)
	}
	return prompt(sess, menu, menu.Greeting), nil
}

func (r *Router) routeTimeBased(ctx context.Context, log *slog.Logger, sess *callsession.Session, cfg *tenant.Config) (Decision, error) {
	day, hasDay := cfg.AgentByClass(tenant.ClassGeneral)
	night, hasNight := cfg.AgentByClass(tenant.ClassAfterHours)
	switch {
	case !hasDay && !hasNight:
		r.degraded(ctx, log, "time_based_no_classes")
		return r.firstAgent(ctx, sess, cfg, true)
	case !hasDay:
		day = night
	case !hasNight:
		night = day
	}

	open := true
	if !day.BusinessHours.IsZero() {
		var err error
		open, err = day.BusinessHours.Contains(r.now(), r.location(cfg))
		if err != nil {
			log.Warn("business hours unreadable, treating as closed", "agent_id", day.ID, "error", err)
			open = false
		}
	}
	if open {
		return r.connect(ctx, sess, day, false)
	}
	return r.connect(ctx, sess, night, false)
}

func (r *Router) routeIntegration(ctx context.Context, log *slog.Logger, sess *callsession.Session, cfg *tenant.Config, req Request) (Decision, error) {
	if len(cfg.Integrations) == 0 {
		r.degraded(ctx, log, "integration_none_active")
		return r.firstAgent(ctx, sess, cfg, true)
	}
	in := cfg.Integrations[0]
	switch in.Kind {
	case tenant.IntegrationSIP:
		d := Decision{Kind: KindTransfer, CallID: sess.CallID, TenantID: cfg.ID, Destination: in.SIPURI}
		return r.end(ctx, sess, d)

	case tenant.IntegrationExtension:
		ext := req.Extension
		if ext == "" {
			ext = req.Digits
		}
		if a, ok := cfg.Agent(in.Extensions[ext]); ok {
			return r.connect(ctx, sess, a, false)
		}
		return r.end(ctx, sess, reject(sess.CallID, cfg.ID, ReasonBadExtension))

	case tenant.IntegrationForwarding:
		if a, ok := cfg.Agent(in.ForwardingAgentID); ok {
			return r.connect(ctx, sess, a, false)
		}
		return r.end(ctx, sess, reject(sess.CallID, cfg.ID, ReasonNoAgent))
	}
	r.degraded(ctx, log, "integration_unknown_kind")
	return r.firstAgent(ctx, sess, cfg, true)
}

// reenter handles a digit submitted for a session that is waiting on an IVR
// menu. ok is false when the request is not a re-entry.
func (r *Router) reenter(ctx context.Context, log *slog.Logger, req Request) (d Decision, ok bool, err error) {
	if req.Digits == "" {
		return Decision{}, false, nil
	}
	sess, err := r.sessions.Get(ctx, req.CallID)
	if errors.Is(err, callsession.ErrNotFound) {
		return Decision{}, false, nil
	}
	if err != nil {
		return Decision{}, false, fmt.Errorf("router: load session: %w", err)
	}
	if sess.IVR == nil || sess.State != callsession.StateRouting || sess.Tenant == nil || sess.Tenant.IVRMenu == nil {
		return Decision{}, false, nil
	}

	cfg := sess.Tenant
	menu := cfg.IVRMenu
	log = log.With("tenant_id", cfg.ID, "menu_id", menu.ID, "digits", req.Digits)

	if opt, found := menu.Option(req.Digits); found {
		switch opt.Action {
		case tenant.ActionAgent:
			if a, ok := cfg.Agent(opt.AgentID); ok {
				d, err = r.connect(ctx, sess, a, false)
				return d, true, err
			}
			r.degraded(ctx, log, "ivr_option_agent_inactive")
			d, err = r.firstAgent(ctx, sess, cfg, true)
			return d, true, err
		case tenant.ActionTransfer:
			d, err = r.end(ctx, sess, Decision{Kind: KindTransfer, CallID: sess.CallID, TenantID: cfg.ID, Destination: opt.TransferNumber})
			return d, true, err
		case tenant.ActionVoicemail:
			d, err = r.end(ctx, sess, Decision{Kind: KindVoicemail, CallID: sess.CallID, TenantID: cfg.ID})
			return d, true, err
		}
	}

	sess.IVR.Attempts++
	if sess.IVR.Attempts >= menu.Attempts() {
		r.degraded(ctx, log, "ivr_max_attempts")
		d, err = r.firstAgent(ctx, sess, cfg, true)
		return d, true, err
	}
	if err := r.sessions.Put(ctx, sess); err != nil {
		return Decision{}, true, fmt.Errorf("router: persist session: %w", err)
	}
	log.Info("invalid ivr selection", "attempts", sess.IVR.Attempts)
	return prompt(sess, menu, InvalidSelectionPrefix+menu.Greeting), true, nil
}

// firstAgent connects to the tenant's earliest-created agent, or rejects when
// the tenant has none. Callers log degraded branches before calling.
func (r *Router) firstAgent(ctx context.Context, sess *callsession.Session, cfg *tenant.Config, degraded bool) (Decision, error) {
	a, ok := cfg.FirstAgent()
	if !ok {
		return r.end(ctx, sess, reject(sess.CallID, cfg.ID, ReasonNoAgent))
	}
	return r.connect(ctx, sess, a, degraded)
}

func (r *Router) connect(ctx context.Context, sess *callsession.Session, a *tenant.Agent, degraded bool) (Decision, error) {
	if err := sess.SelectAgent(a); err != nil {
		return Decision{}, err
	}
	if err := r.sessions.Put(ctx, sess); err != nil {
		return Decision{}, fmt.Errorf("router: persist session: %w", err)
	}
	if r.calls != nil && sess.Tenant != nil {
		r.calls.Reserve(sess.TenantID(), sess.CallID)
	}
	return Decision{
		Kind:     KindConnect,
		CallID:   sess.CallID,
		TenantID: sess.TenantID(),
		Agent:    sess.Agent,
		Greeting: a.Greeting,
		Degraded: degraded,
	}, nil
}

// end persists sess as Ended with the outcome implied by d. Store failures
// are logged; the decision still stands.
func (r *Router) end(ctx context.Context, sess *callsession.Session, d Decision) (Decision, error) {
	outcome, detail := callsession.OutcomeRejected, string(d.Reason)
	switch d.Kind {
	case KindTransfer:
		outcome, detail = callsession.OutcomeTransferred, d.Destination
	case KindVoicemail:
		outcome, detail = callsession.OutcomeVoicemail, ""
	}
	if err := sess.End(outcome, detail, r.now()); err != nil {
		return Decision{}, err
	}
	if err := r.sessions.Put(ctx, sess); err != nil {
		observe.CallLogger(ctx, sess.CallID).Warn("router: persist ended session", "error", err)
	}
	return d, nil
}

func (r *Router) degraded(ctx context.Context, log *slog.Logger, branch string) {
	r.metrics.RecordDegradedRoute(ctx, branch)
	log.Warn("routing fallback to first agent", "degraded", true, "branch", branch)
}

func prompt(sess *callsession.Session, menu *tenant.IVRMenu, text string) Decision {
	return Decision{
		Kind:     KindIVRPrompt,
		CallID:   sess.CallID,
		TenantID: sess.TenantID(),
		Prompt:   text,
		MenuID:   menu.ID,
		Attempts: sess.IVR.Attempts,
		Timeout:  menu.Timeout,
	}
}

func reject(callID, tenantID string, reason Reason) Decision {
	return Decision{Kind: KindReject, CallID: callID, TenantID: tenantID, Reason: reason}
}

func agentID(a *tenant.Agent) string {
	if a == nil {
		return ""
	}
	return a.ID
}

func (r *Router) location(cfg *tenant.Config) *time.Location {
	if cfg.Timezone == "" {
		return r.defaultLoc
	}
	return cfg.Location()
}
