package config

import "slices"

// ConfigDiff describes what changed between two configs. Only fields that
// can be applied without a restart are tracked; everything else is reported
// through RestartRequired.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// AllowListsChanged is true when openai.models or openai.voices changed.
	AllowListsChanged bool

	// DefaultsChanged is true when the default realtime model or voice
	// changed.
	DefaultsChanged bool

	// RestartRequired lists changed keys that only take effect on restart.
	RestartRequired []string
}

// Empty reports whether nothing changed.
func (d ConfigDiff) Empty() bool {
	return !d.LogLevelChanged && !d.AllowListsChanged && !d.DefaultsChanged && len(d.RestartRequired) == 0
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}
	if !slices.Equal(old.OpenAI.Models, new.OpenAI.Models) || !slices.Equal(old.OpenAI.Voices, new.OpenAI.Voices) {
		d.AllowListsChanged = true
	}
	if old.OpenAI.RealtimeModel != new.OpenAI.RealtimeModel || old.OpenAI.DefaultVoice != new.OpenAI.DefaultVoice {
		d.DefaultsChanged = true
	}

	restart := func(key string, changed bool) {
		if changed {
			d.RestartRequired = append(d.RestartRequired, key)
		}
	}
	restart("server.listen_addr", old.Server.ListenAddr != new.Server.ListenAddr)
	restart("server.tls", !tlsEqual(old.Server.TLS, new.Server.TLS))
	restart("server.allowed_origins", !slices.Equal(old.Server.AllowedOrigins, new.Server.AllowedOrigins))
	restart("openai.api_key", old.OpenAI.APIKey != new.OpenAI.APIKey)
	restart("openai.base_url", old.OpenAI.BaseURL != new.OpenAI.BaseURL)
	restart("database.dsn", old.Database.DSN != new.Database.DSN)
	restart("catalog.path", old.Catalog.Path != new.Catalog.Path)
	restart("recall", old.Recall != new.Recall)

	return d
}

func tlsEqual(a, b *TLSConfig) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}
