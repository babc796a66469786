package config

// ConfigDiff describes what changed between two configs.
// Only fields that can be safely hot-reloaded are tracked; everything else
// needs a restart and is reported in RestartRequired.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// TenantsChanged is set when the tenant file path or its content changed.
	TenantsChanged bool

	// GreetingChanged is set when the relay greeting settings changed. They
	// apply to calls connected after the reload.
	GreetingChanged bool

	// RestartRequired lists the top-level sections whose changes are ignored
	// until the next restart.
	RestartRequired []string
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	if old.Tenants.File != new.Tenants.File || old.tenantsDigest != new.tenantsDigest {
		d.TenantsChanged = true
	}

	if old.Relay.GreetingDelay != new.Relay.GreetingDelay || old.Relay.GreetingDirective != new.Relay.GreetingDirective {
		d.GreetingChanged = true
	}

	oldServer, newServer := old.Server, new.Server
	oldServer.LogLevel, newServer.LogLevel = "", ""
	if !serverEqual(oldServer, newServer) {
		d.RestartRequired = append(d.RestartRequired, "server")
	}
	if !speechEqual(old.Speech, new.Speech) {
		d.RestartRequired = append(d.RestartRequired, "speech")
	}
	if old.Database != new.Database {
		d.RestartRequired = append(d.RestartRequired, "database")
	}
	if old.Redis != new.Redis {
		d.RestartRequired = append(d.RestartRequired, "redis")
	}
	if old.Sessions != new.Sessions {
		d.RestartRequired = append(d.RestartRequired, "sessions")
	}
	if old.Relay.MediaPath != new.Relay.MediaPath {
		d.RestartRequired = append(d.RestartRequired, "relay.media_path")
	}
	if old.Routing != new.Routing {
		d.RestartRequired = append(d.RestartRequired, "routing")
	}

	return d
}

func serverEqual(a, b ServerConfig) bool {
	if a.ListenAddr != b.ListenAddr || a.LogLevel != b.LogLevel || a.LogFormat != b.LogFormat ||
		a.TraceSampleRatio != b.TraceSampleRatio {
		return false
	}
	if (a.LogFile == nil) != (b.LogFile == nil) || (a.LogFile != nil && *a.LogFile != *b.LogFile) {
		return false
	}
	if (a.TLS == nil) != (b.TLS == nil) || (a.TLS != nil && *a.TLS != *b.TLS) {
		return false
	}
	return true
}

// speechEqual ignores Options, which the built-in provider does not read.
func speechEqual(a, b ProviderEntry) bool {
	return a.Name == b.Name && a.APIKey == b.APIKey && a.BaseURL == b.BaseURL && a.Model == b.Model
}
