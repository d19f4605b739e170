package config

import "reflect"

// ConfigDiff describes what changed between two configs. Hot-reloadable
// changes are applied in place; the rest only take effect after a restart.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// StoryChanged is true if any story default changed.
	StoryChanged bool

	// ProvidersChanged is true if provider selection or credentials changed.
	// Providers are rebuilt lazily on the next request.
	ProvidersChanged bool

	// VoiceChanged is true if the voice section changed. It applies to the
	// next session started.
	VoiceChanged bool

	// RestartRequired lists changed settings that are only read at startup.
	RestartRequired []string
}

// Empty reports whether d records no change at all.
func (d ConfigDiff) Empty() bool {
	return !d.LogLevelChanged && !d.StoryChanged && !d.ProvidersChanged &&
		!d.VoiceChanged && len(d.RestartRequired) == 0
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}
	d.StoryChanged = old.Story != new.Story
	d.ProvidersChanged = !reflect.DeepEqual(old.Providers, new.Providers) ||
		!reflect.DeepEqual(old.Credentials, new.Credentials)
	d.VoiceChanged = old.Voice != new.Voice

	if old.Server.ListenAddr != new.Server.ListenAddr {
		d.RestartRequired = append(d.RestartRequired, "server.listen_addr")
	}
	if !reflect.DeepEqual(old.Server.TLS, new.Server.TLS) {
		d.RestartRequired = append(d.RestartRequired, "server.tls")
	}
	if old.Telemetry != new.Telemetry {
		d.RestartRequired = append(d.RestartRequired, "telemetry")
	}
	return d
}
