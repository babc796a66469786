package tenant

import (
	"errors"
	"fmt"
	"time"
)

// Validate checks c for internal consistency and returns all problems found,
// joined into one error.
func (c *Config) Validate() error {
	var errs []error
	prefix := fmt.Sprintf("tenant %q", c.ID)

	if c.ID == "" {
		errs = append(errs, errors.New("tenant: id is required"))
	}
	if !c.RoutingStrategy.IsValid() {
		errs = append(errs, fmt.Errorf("%s: unknown routing_strategy %q", prefix, c.RoutingStrategy))
	}
	if c.Timezone != "" {
		if _, err := time.LoadLocation(c.Timezone); err != nil {
			errs = append(errs, fmt.Errorf("%s: timezone: %w", prefix, err))
		}
	}
	if c.MonthlyMinuteLimit < 0 || c.ConcurrencyLimit < 0 {
		errs = append(errs, fmt.Errorf("%s: limits must not be negative", prefix))
	}

	agents := make(map[string]bool, len(c.Agents))
	for i, a := range c.Agents {
		if a.ID == "" {
			errs = append(errs, fmt.Errorf("%s: agents[%d]: id is required", prefix, i))
			continue
		}
		if agents[a.ID] {
			errs = append(errs, fmt.Errorf("%s: agents[%d]: duplicate id %q", prefix, i, a.ID))
		}
		agents[a.ID] = true
		if !a.BusinessHours.IsZero() {
			if err := a.BusinessHours.Validate(); err != nil {
				errs = append(errs, fmt.Errorf("%s: agent %q business_hours: %w", prefix, a.ID, err))
			}
		}
	}

	numbers := make(map[string]bool, len(c.PhoneNumbers))
	for i, pn := range c.PhoneNumbers {
		if pn.Number == "" {
			errs = append(errs, fmt.Errorf("%s: phone_numbers[%d]: number is required", prefix, i))
			continue
		}
		if numbers[pn.Number] {
			errs = append(errs, fmt.Errorf("%s: phone_numbers[%d]: duplicate number %q", prefix, i, pn.Number))
		}
		numbers[pn.Number] = true
		if pn.AgentID != "" && !agents[pn.AgentID] {
			errs = append(errs, fmt.Errorf("%s: number %q bound to unknown agent %q", prefix, pn.Number, pn.AgentID))
		}
	}

	if m := c.IVRMenu; m != nil {
		digits := make(map[string]bool, len(m.Options))
		for i, o := range m.Options {
			if o.Digit == "" {
				errs = append(errs, fmt.Errorf("%s: ivr_menu.options[%d]: digit is required", prefix, i))
			}
			if digits[o.Digit] {
				errs = append(errs, fmt.Errorf("%s: ivr_menu.options[%d]: duplicate digit %q", prefix, i, o.Digit))
			}
			digits[o.Digit] = true
			switch o.Action {
			case ActionAgent:
				if !agents[o.AgentID] {
					errs = append(errs, fmt.Errorf("%s: ivr_menu.options[%d]: unknown agent %q", prefix, i, o.AgentID))
				}
			case ActionTransfer:
				if o.TransferNumber == "" {
					errs = append(errs, fmt.Errorf("%s: ivr_menu.options[%d]: transfer_number is required", prefix, i))
				}
			case ActionVoicemail:
			default:
				errs = append(errs, fmt.Errorf("%s: ivr_menu.options[%d]: unknown action %q", prefix, i, o.Action))
			}
		}
		if m.MaxAttempts < 0 {
			errs = append(errs, fmt.Errorf("%s: ivr_menu.max_attempts must not be negative", prefix))
		}
	}

	for i, in := range c.Integrations {
		switch in.Kind {
		case IntegrationSIP:
			if in.SIPURI == "" {
				errs = append(errs, fmt.Errorf("%s: integrations[%d]: sip_uri is required", prefix, i))
			}
		case IntegrationExtension:
			for ext, id := range in.Extensions {
				if !agents[id] {
					errs = append(errs, fmt.Errorf("%s: integrations[%d]: extension %q maps to unknown agent %q", prefix, i, ext, id))
				}
			}
		case IntegrationForwarding:
			if !agents[in.ForwardingAgentID] {
				errs = append(errs, fmt.Errorf("%s: integrations[%d]: unknown forwarding agent %q", prefix, i, in.ForwardingAgentID))
			}
		default:
			errs = append(errs, fmt.Errorf("%s: integrations[%d]: unknown kind %q", prefix, i, in.Kind))
		}
	}

	return errors.Join(errs...)
}
