package tenant

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"gopkg.in/yaml.v3"
)

// fileDocument is the top level of a tenants YAML file.
type fileDocument struct {
	Tenants []Config `yaml:"tenants"`
}

// FileSource serves tenant configuration from a YAML file. It is safe for
// concurrent use; Reload swaps the whole data set atomically.
type FileSource struct {
	path string

	mu       sync.RWMutex
	byNumber map[string]*Config
}

// LoadFile reads and validates the tenants file at path.
func LoadFile(path string) (*FileSource, error) {
	s := &FileSource{path: path}
	if err := s.Reload(); err != nil {
		return nil, err
	}
	return s, nil
}

// NewFileSource builds a FileSource from already-decoded tenants. Used by
// tests and by callers that embed tenants in another document.
func NewFileSource(tenants []Config) (*FileSource, error) {
	idx, err := index(tenants)
	if err != nil {
		return nil, err
	}
	return &FileSource{byNumber: idx}, nil
}

// Reload re-reads the file. On error the previous data set stays active.
func (s *FileSource) Reload() error {
	if s.path == "" {
		return nil
	}
	f, err := os.Open(s.path)
	if err != nil {
		return fmt.Errorf("tenant: open %q: %w", s.path, err)
	}
	defer f.Close()

	tenants, err := decode(f)
	if err != nil {
		return fmt.Errorf("tenant: parse %q: %w", s.path, err)
	}
	idx, err := index(tenants)
	if err != nil {
		return fmt.Errorf("tenant: %q: %w", s.path, err)
	}

	s.mu.Lock()
	s.byNumber = idx
	s.mu.Unlock()
	return nil
}

// Path returns the file the source was loaded from.
func (s *FileSource) Path() string { return s.path }

// LookupNumber returns the assembled configuration for the tenant owning
// number, or ErrNotFound.
func (s *FileSource) LookupNumber(_ context.Context, number string) (*Config, error) {
	s.mu.RLock()
	t, ok := s.byNumber[number]
	s.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	return Assemble(t, number), nil
}

func decode(r io.Reader) ([]Config, error) {
	var doc fileDocument
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&doc); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("decode yaml: %w", err)
	}
	return doc.Tenants, nil
}

func index(tenants []Config) (map[string]*Config, error) {
	var errs []error
	idx := make(map[string]*Config)
	ids := make(map[string]bool, len(tenants))
	for i := range tenants {
		t := &tenants[i]
		if err := t.Validate(); err != nil {
			errs = append(errs, err)
			continue
		}
		if ids[t.ID] {
			errs = append(errs, fmt.Errorf("tenant %q: duplicate id", t.ID))
			continue
		}
		ids[t.ID] = true
		for _, pn := range t.PhoneNumbers {
			if _, dup := idx[pn.Number]; dup {
				errs = append(errs, fmt.Errorf("tenant %q: number %q already owned by tenant %q", t.ID, pn.Number, idx[pn.Number].ID))
				continue
			}
			idx[pn.Number] = t
		}
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return idx, nil
}

// Assemble produces the snapshot handed to the router for a call to number:
// disabled agents and integrations are dropped, agents are put in creation
// order, and the IVR menu is kept only when number is primary and the
// tenant routes by IVR.
func Assemble(t *Config, number string) *Config {
	out := t.Clone()

	agents := out.Agents[:0]
	for _, a := range out.Agents {
		if !a.Disabled {
			agents = append(agents, a)
		}
	}
	out.Agents = agents
	SortAgents(out.Agents)

	integrations := out.Integrations[:0]
	for _, in := range out.Integrations {
		if !in.Disabled {
			integrations = append(integrations, in)
		}
	}
	out.Integrations = integrations

	pn, _ := out.Number(number)
	if out.IVRMenu != nil && (out.IVRMenu.Disabled || !pn.IsPrimary || out.RoutingStrategy != StrategyIVR) {
		out.IVRMenu = nil
	}
	return out
}
