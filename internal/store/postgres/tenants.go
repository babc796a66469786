package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/MrWong99/callrelay/internal/tenant"
)

const (
	queryTenantByNumber = `
SELECT t.id, t.name, t.routing_strategy, t.timezone, t.recording_enabled,
       t.transcription_enabled, t.minutes_used, t.monthly_minute_limit, t.concurrency_limit
FROM phone_numbers p
JOIN tenants t ON t.id = p.tenant_id
WHERE p.number = $1`

	queryNumbers = `
SELECT number, COALESCE(agent_id, ''), is_primary
FROM phone_numbers
WHERE tenant_id = $1
ORDER BY number`

	queryAgents = `
SELECT id, name, voice, language, system_prompt, greeting, class, business_hours, created_at
FROM agents
WHERE tenant_id = $1 AND active
ORDER BY created_at, id`

	queryMenu = `
SELECT id, greeting, options, timeout_seconds, max_attempts
FROM ivr_menus
WHERE tenant_id = $1 AND active
ORDER BY created_at, id
LIMIT 1`

	queryIntegrations = `
SELECT kind, config
FROM integrations
WHERE tenant_id = $1 AND active
ORDER BY priority, id`
)

// LookupNumber implements [resolver.Source]. It returns [tenant.ErrNotFound]
// when no tenant owns number.
func (s *Store) LookupNumber(ctx context.Context, number string) (*tenant.Config, error) {
	var cfg tenant.Config
	var strategy string
	err := s.db.QueryRow(ctx, queryTenantByNumber, number).Scan(
		&cfg.ID, &cfg.Name, &strategy, &cfg.Timezone, &cfg.RecordingEnabled,
		&cfg.TranscriptionEnabled, &cfg.MinutesUsed, &cfg.MonthlyMinuteLimit, &cfg.ConcurrencyLimit,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, tenant.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: lookup number %q: %w", number, err)
	}
	cfg.RoutingStrategy = tenant.RoutingStrategy(strategy)

	if cfg.PhoneNumbers, err = s.numbers(ctx, cfg.ID); err != nil {
		return nil, err
	}
	if cfg.Agents, err = s.agents(ctx, cfg.ID); err != nil {
		return nil, err
	}
	if cfg.IVRMenu, err = s.menu(ctx, cfg.ID); err != nil {
		return nil, err
	}
	if cfg.Integrations, err = s.integrations(ctx, cfg.ID); err != nil {
		return nil, err
	}
	return tenant.Assemble(&cfg, number), nil
}

func (s *Store) numbers(ctx context.Context, tenantID string) ([]tenant.PhoneNumber, error) {
	rows, err := s.db.Query(ctx, queryNumbers, tenantID)
	if err != nil {
		return nil, fmt.Errorf("postgres: query numbers: %w", err)
	}
	defer rows.Close()

	var out []tenant.PhoneNumber
	for rows.Next() {
		var pn tenant.PhoneNumber
		if err := rows.Scan(&pn.Number, &pn.AgentID, &pn.IsPrimary); err != nil {
			return nil, fmt.Errorf("postgres: scan number: %w", err)
		}
		out = append(out, pn)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: iterate numbers: %w", err)
	}
	return out, nil
}

func (s *Store) agents(ctx context.Context, tenantID string) ([]tenant.Agent, error) {
	rows, err := s.db.Query(ctx, queryAgents, tenantID)
	if err != nil {
		return nil, fmt.Errorf("postgres: query agents: %w", err)
	}
	defer rows.Close()

	var out []tenant.Agent
	for rows.Next() {
		var (
			a     tenant.Agent
			hours []byte
		)
		if err := rows.Scan(&a.ID, &a.Name, &a.Voice, &a.Language, &a.SystemPrompt,
			&a.Greeting, &a.Class, &hours, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("postgres: scan agent: %w", err)
		}
		if len(hours) > 0 {
			if err := json.Unmarshal(hours, &a.BusinessHours); err != nil {
				return nil, fmt.Errorf("postgres: agent %q business_hours: %w", a.ID, err)
			}
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: iterate agents: %w", err)
	}
	return out, nil
}

func (s *Store) menu(ctx context.Context, tenantID string) (*tenant.IVRMenu, error) {
	var (
		m       tenant.IVRMenu
		options []byte
		timeout int
	)
	err := s.db.QueryRow(ctx, queryMenu, tenantID).Scan(&m.ID, &m.Greeting, &options, &timeout, &m.MaxAttempts)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: query ivr menu: %w", err)
	}
	if len(options) > 0 {
		if err := json.Unmarshal(options, &m.Options); err != nil {
			return nil, fmt.Errorf("postgres: ivr menu %q options: %w", m.ID, err)
		}
	}
	m.Timeout = time.Duration(timeout) * time.Second
	return &m, nil
}

func (s *Store) integrations(ctx context.Context, tenantID string) ([]tenant.Integration, error) {
	rows, err := s.db.Query(ctx, queryIntegrations, tenantID)
	if err != nil {
		return nil, fmt.Errorf("postgres: query integrations: %w", err)
	}
	defer rows.Close()

	var out []tenant.Integration
	for rows.Next() {
		var (
			kind string
			raw  []byte
			in   tenant.Integration
		)
		if err := rows.Scan(&kind, &raw); err != nil {
			return nil, fmt.Errorf("postgres: scan integration: %w", err)
		}
		if len(raw) > 0 {
			if err := json.Unmarshal(raw, &in); err != nil {
				return nil, fmt.Errorf("postgres: integration config: %w", err)
			}
		}
		in.Kind = tenant.IntegrationKind(kind)
		out = append(out, in)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: iterate integrations: %w", err)
	}
	return out, nil
}
