package tenant

import "time"

// DefaultMaxAttempts applies when an IVR menu leaves MaxAttempts unset.
const DefaultMaxAttempts = 3

// IVRAction is what an IVR option does when its digit is pressed.
type IVRAction string

const (
	ActionAgent     IVRAction = "agent"
	ActionTransfer  IVRAction = "transfer"
	ActionVoicemail IVRAction = "voicemail"
)

// IVRMenu is a digit-driven menu played on a tenant's primary number.
type IVRMenu struct {
	ID          string        `yaml:"id" json:"id"`
	Greeting    string        `yaml:"greeting" json:"greeting"`
	Options     []IVROption   `yaml:"options" json:"options"`
	Timeout     time.Duration `yaml:"timeout" json:"timeout,omitempty"`
	MaxAttempts int           `yaml:"max_attempts" json:"max_attempts,omitempty"`

	Disabled bool `yaml:"disabled,omitempty" json:"-"`
}

// IVROption maps one digit string to an action.
type IVROption struct {
	Digit          string    `yaml:"digit" json:"digit"`
	Action         IVRAction `yaml:"action" json:"action"`
	AgentID        string    `yaml:"agent_id,omitempty" json:"agent_id,omitempty"`
	TransferNumber string    `yaml:"transfer_number,omitempty" json:"transfer_number,omitempty"`
}

// Attempts returns the effective retry limit.
func (m *IVRMenu) Attempts() int {
	if m.MaxAttempts <= 0 {
		return DefaultMaxAttempts
	}
	return m.MaxAttempts
}

// Option returns the option whose digit string equals digits exactly.
func (m *IVRMenu) Option(digits string) (IVROption, bool) {
	for _, o := range m.Options {
		if o.Digit == digits {
			return o, true
		}
	}
	return IVROption{}, false
}

// IntegrationKind names an external call-handling system.
type IntegrationKind string

const (
	IntegrationSIP        IntegrationKind = "sip"
	IntegrationExtension  IntegrationKind = "extension"
	IntegrationForwarding IntegrationKind = "forwarding"
)

// Integration hands calls to or through an external system.
type Integration struct {
	Kind IntegrationKind `yaml:"kind" json:"kind"`

	// SIPURI is the transfer target for kind sip.
	SIPURI string `yaml:"sip_uri,omitempty" json:"sip_uri,omitempty"`

	// Extensions maps dialed extensions to agent ids for kind extension.
	Extensions map[string]string `yaml:"extensions,omitempty" json:"extensions,omitempty"`

	// ForwardingAgentID is the single agent used for kind forwarding.
	ForwardingAgentID string `yaml:"forwarding_agent_id,omitempty" json:"forwarding_agent_id,omitempty"`

	Disabled bool `yaml:"disabled,omitempty" json:"-"`
}
