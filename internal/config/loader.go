package config

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"regexp"
	"slices"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// ValidSpeechProviders lists the speech provider names that ship with
// callrelay. Used by [Validate] to warn about unrecognised names.
var ValidSpeechProviders = []string{"gemini-live"}

// envRef matches ${VAR} references. Bare $VAR is left alone so DSNs and
// passwords containing a dollar sign survive.
var envRef = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// LoadEnv loads KEY=value pairs from path into the process environment.
// Variables that are already set win. A missing file is not an error.
func LoadEnv(path string) error {
	if path == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("config: load env file %q: %w", path, err)
	}
	return nil
}

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader] and [Validate].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader expands ${VAR} references, decodes a YAML config from r,
// applies defaults and validates the result.
func LoadFromReader(r io.Reader) (*Config, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("config: read: %w", err)
	}
	cfg := &Config{}
	dec := yaml.NewDecoder(strings.NewReader(ExpandEnv(string(raw))))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ExpandEnv replaces ${VAR} references in s with their environment values.
// Unset variables expand to the empty string.
func ExpandEnv(s string) string {
	return envRef.ReplaceAllStringFunc(s, func(m string) string {
		return os.Getenv(m[2 : len(m)-1])
	})
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.Server.LogFormat != "" && !cfg.Server.LogFormat.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_format %q is invalid; valid values: text, json", cfg.Server.LogFormat))
	}
	if lf := cfg.Server.LogFile; lf != nil {
		if lf.Path == "" {
			errs = append(errs, errors.New("server.log_file.path is required when log_file is set"))
		}
		if lf.MaxSizeMB < 0 || lf.MaxBackups < 0 || lf.MaxAgeDays < 0 {
			errs = append(errs, errors.New("server.log_file limits must not be negative"))
		}
	}
	if r := cfg.Server.TraceSampleRatio; r < 0 || r > 1 {
		errs = append(errs, fmt.Errorf("server.trace_sample_ratio %v must be between 0 and 1", r))
	}
	if tls := cfg.Server.TLS; tls != nil && (tls.CertFile == "" || tls.KeyFile == "") {
		errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
	}

	// Speech
	validateProviderName(cfg.Speech.Name)
	if cfg.Speech.Name != "" && cfg.Speech.APIKey == "" && cfg.Speech.BaseURL == "" {
		slog.Warn("speech.api_key is empty; connections to the speech endpoint will be rejected")
	}

	// Tenant source
	if cfg.Database.PostgresDSN == "" && cfg.Tenants.File == "" {
		errs = append(errs, errors.New("either database.postgres_dsn or tenants.file is required"))
	}
	if cfg.Database.PostgresDSN != "" && cfg.Tenants.File != "" {
		slog.Warn("both database.postgres_dsn and tenants.file are set; tenants.file is ignored")
	}
	if cfg.Database.Migrate && cfg.Database.PostgresDSN == "" {
		errs = append(errs, errors.New("database.migrate requires database.postgres_dsn"))
	}

	// Redis
	if cfg.Redis.DB < 0 {
		errs = append(errs, fmt.Errorf("redis.db %d must not be negative", cfg.Redis.DB))
	}

	// Sessions and relay
	if cfg.Sessions.Retention < 0 {
		errs = append(errs, fmt.Errorf("sessions.retention %s must not be negative", cfg.Sessions.Retention))
	} else if cfg.Sessions.Retention > 0 && cfg.Sessions.Retention < time.Minute {
		slog.Warn("sessions.retention is shorter than a minute; sessions may expire before the media stream connects",
			"retention", cfg.Sessions.Retention)
	}
	if cfg.Relay.MediaPath != "" && !strings.HasPrefix(cfg.Relay.MediaPath, "/") {
		errs = append(errs, fmt.Errorf("relay.media_path %q must start with /", cfg.Relay.MediaPath))
	}
	if cfg.Relay.GreetingDelay < 0 {
		errs = append(errs, fmt.Errorf("relay.greeting_delay %s must not be negative", cfg.Relay.GreetingDelay))
	}

	// Routing
	if tz := cfg.Routing.DefaultTimezone; tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			errs = append(errs, fmt.Errorf("routing.default_timezone %q: %w", tz, err))
		}
	}

	return errors.Join(errs...)
}

// validateProviderName logs a warning if name is non-empty and not one of
// [ValidSpeechProviders].
func validateProviderName(name string) {
	if name == "" || slices.Contains(ValidSpeechProviders, name) {
		return
	}
	slog.Warn("unknown speech provider name, may be a typo or third-party provider",
		"name", name,
		"known", ValidSpeechProviders,
	)
}
