// Package tenant defines the configuration a call is routed against: the
// tenant itself, its agents, phone numbers, IVR menu and external
// integrations.
//
// A *Config is treated as an immutable snapshot once it leaves a Source.
// Callers that need to keep one beyond the current request take a Clone.
package tenant

import (
	"cmp"
	"errors"
	"slices"
	"time"
)

// ErrNotFound is returned by a Source when no phone number matches.
var ErrNotFound = errors.New("tenant: number not configured")

// RoutingStrategy selects how calls to a tenant's numbers are dispatched.
type RoutingStrategy string

const (
	StrategyDirect              RoutingStrategy = "direct"
	StrategyIVR                 RoutingStrategy = "ivr"
	StrategyTimeBased           RoutingStrategy = "time_based"
	StrategyExternalIntegration RoutingStrategy = "external_integration"
)

// IsValid reports whether s is one of the known strategies.
func (s RoutingStrategy) IsValid() bool {
	switch s {
	case StrategyDirect, StrategyIVR, StrategyTimeBased, StrategyExternalIntegration:
		return true
	}
	return false
}

// Well-known agent classes. Any other class names a department.
const (
	ClassGeneral    = "general"
	ClassAfterHours = "after_hours"
)

// Config is one tenant with everything needed to route a call to it.
type Config struct {
	ID                   string          `yaml:"id" json:"id"`
	Name                 string          `yaml:"name" json:"name"`
	RoutingStrategy      RoutingStrategy `yaml:"routing_strategy" json:"routing_strategy"`
	Timezone             string          `yaml:"timezone" json:"timezone,omitempty"`
	RecordingEnabled     bool            `yaml:"recording_enabled" json:"recording_enabled"`
	TranscriptionEnabled bool            `yaml:"transcription_enabled" json:"transcription_enabled"`

	// MinutesUsed is the usage counter for the current billing month.
	MinutesUsed int `yaml:"minutes_used" json:"minutes_used"`

	// MonthlyMinuteLimit caps MinutesUsed. Zero means unlimited.
	MonthlyMinuteLimit int `yaml:"monthly_minute_limit" json:"monthly_minute_limit"`

	// ConcurrencyLimit caps simultaneous calls. Zero means unlimited.
	ConcurrencyLimit int `yaml:"concurrency_limit" json:"concurrency_limit"`

	PhoneNumbers []PhoneNumber `yaml:"phone_numbers" json:"phone_numbers"`

	// Agents holds the active agents in creation order.
	Agents []Agent `yaml:"agents" json:"agents"`

	// IVRMenu is set only when the resolved number is primary and the
	// strategy is ivr.
	IVRMenu *IVRMenu `yaml:"ivr_menu,omitempty" json:"ivr_menu,omitempty"`

	// Integrations holds the active external integrations in priority order.
	Integrations []Integration `yaml:"integrations" json:"integrations,omitempty"`
}

// Agent is one AI persona callable within a tenant.
type Agent struct {
	ID            string        `yaml:"id" json:"id"`
	Name          string        `yaml:"name" json:"name"`
	Voice         string        `yaml:"voice" json:"voice,omitempty"`
	Language      string        `yaml:"language" json:"language,omitempty"`
	SystemPrompt  string        `yaml:"system_prompt" json:"system_prompt,omitempty"`
	Greeting      string        `yaml:"greeting" json:"greeting,omitempty"`
	Class         string        `yaml:"class" json:"class,omitempty"`
	BusinessHours BusinessHours `yaml:"business_hours" json:"business_hours"`
	CreatedAt     time.Time     `yaml:"created_at" json:"created_at"`

	// Disabled agents are dropped by sources before a Config is handed out.
	Disabled bool `yaml:"disabled,omitempty" json:"-"`
}

// PhoneNumber is a dialable number owned by a tenant.
type PhoneNumber struct {
	Number string `yaml:"number" json:"number"`

	// AgentID, when set, binds every call to this number to one agent
	// regardless of the routing strategy.
	AgentID   string `yaml:"agent_id,omitempty" json:"agent_id,omitempty"`
	IsPrimary bool   `yaml:"is_primary" json:"is_primary"`
}

// Number returns the phone number entry matching n.
func (c *Config) Number(n string) (PhoneNumber, bool) {
	for _, pn := range c.PhoneNumbers {
		if pn.Number == n {
			return pn, true
		}
	}
	return PhoneNumber{}, false
}

// Agent returns the active agent with the given id.
func (c *Config) Agent(id string) (*Agent, bool) {
	if id == "" {
		return nil, false
	}
	for i := range c.Agents {
		if c.Agents[i].ID == id {
			return &c.Agents[i], true
		}
	}
	return nil, false
}

// FirstAgent returns the agent with the lowest creation order. Ties on
// CreatedAt are broken by ID so the choice is stable across reloads.
func (c *Config) FirstAgent() (*Agent, bool) {
	if len(c.Agents) == 0 {
		return nil, false
	}
	best := 0
	for i := 1; i < len(c.Agents); i++ {
		if compareAgents(c.Agents[i], c.Agents[best]) < 0 {
			best = i
		}
	}
	return &c.Agents[best], true
}

// AgentByClass returns the earliest-created agent of the given class.
func (c *Config) AgentByClass(class string) (*Agent, bool) {
	var found *Agent
	for i := range c.Agents {
		a := &c.Agents[i]
		if a.Class != class {
			continue
		}
		if found == nil || compareAgents(*a, *found) < 0 {
			found = a
		}
	}
	return found, found != nil
}

// UsageExhausted reports whether the monthly minute limit has been reached.
func (c *Config) UsageExhausted() bool {
	return c.MonthlyMinuteLimit > 0 && c.MinutesUsed >= c.MonthlyMinuteLimit
}

// Location returns the tenant's time zone, or UTC when unset or invalid.
func (c *Config) Location() *time.Location {
	if c.Timezone == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// Clone returns a deep copy of c.
func (c *Config) Clone() *Config {
	if c == nil {
		return nil
	}
	out := *c
	out.PhoneNumbers = slices.Clone(c.PhoneNumbers)
	out.Agents = make([]Agent, len(c.Agents))
	for i, a := range c.Agents {
		a.BusinessHours.Days = slices.Clone(a.BusinessHours.Days)
		out.Agents[i] = a
	}
	if c.IVRMenu != nil {
		m := *c.IVRMenu
		m.Options = slices.Clone(c.IVRMenu.Options)
		out.IVRMenu = &m
	}
	out.Integrations = make([]Integration, len(c.Integrations))
	for i, in := range c.Integrations {
		if in.Extensions != nil {
			ext := make(map[string]string, len(in.Extensions))
			for k, v := range in.Extensions {
				ext[k] = v
			}
			in.Extensions = ext
		}
		out.Integrations[i] = in
	}
	return &out
}

// SortAgents orders agents by creation time, then ID.
func SortAgents(agents []Agent) {
	slices.SortStableFunc(agents, compareAgents)
}

func compareAgents(a, b Agent) int {
	if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
		return c
	}
	return cmp.Compare(a.ID, b.ID)
}
