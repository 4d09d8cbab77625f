package config

import (
	"maps"
	"slices"
)

// ConfigDiff describes what changed between two configs. Only fields that can
// be applied without a restart are tracked; everything else is reported via
// RestartRequired.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	SilenceChanged bool
	NewSilenceMs   int

	ThresholdChanged bool
	NewThreshold     float64

	// RestartRequired lists the top-level sections whose changes only take
	// effect after a restart.
	RestartRequired []string
}

// Changed reports whether any hot-reloadable value differs.
func (d ConfigDiff) Changed() bool {
	return d.LogLevelChanged || d.SilenceChanged || d.ThresholdChanged
}

// Diff compares old and new configs.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}
	if old.Conversation.SilenceMs != new.Conversation.SilenceMs {
		d.SilenceChanged = true
		d.NewSilenceMs = new.Conversation.SilenceMs
	}
	if old.Audio.Threshold != new.Audio.Threshold {
		d.ThresholdChanged = true
		d.NewThreshold = new.Audio.Threshold
	}

	// Compare the rest with the hot-reloadable fields masked out.
	o, n := *old, *new
	o.Server.LogLevel, n.Server.LogLevel = "", ""
	o.Conversation.SilenceMs, n.Conversation.SilenceMs = 0, 0
	o.Audio.Threshold, n.Audio.Threshold = 0, 0

	if !equalServer(o.Server, n.Server) {
		d.RestartRequired = append(d.RestartRequired, "server")
	}
	if !equalRealtime(o.Realtime, n.Realtime) {
		d.RestartRequired = append(d.RestartRequired, "realtime")
	}
	if o.Audio != n.Audio {
		d.RestartRequired = append(d.RestartRequired, "audio")
	}
	if o.Conversation != n.Conversation {
		d.RestartRequired = append(d.RestartRequired, "conversation")
	}
	if o.Storage != n.Storage {
		d.RestartRequired = append(d.RestartRequired, "storage")
	}
	if o.Caricature != n.Caricature {
		d.RestartRequired = append(d.RestartRequired, "caricature")
	}
	if o.Telemetry != n.Telemetry {
		d.RestartRequired = append(d.RestartRequired, "telemetry")
	}
	return d
}

func equalServer(a, b ServerConfig) bool {
	return a.ListenAddr == b.ListenAddr && a.LogLevel == b.LogLevel && slices.Equal(a.FeedOrigins, b.FeedOrigins)
}

func equalRealtime(a, b RealtimeConfig) bool {
	return slices.Equal(a.URLs, b.URLs) &&
		maps.Equal(a.Headers, b.Headers) &&
		a.DialTimeoutMs == b.DialTimeoutMs &&
		a.Voice == b.Voice &&
		a.Instructions == b.Instructions &&
		a.TranscriptionModel == b.TranscriptionModel &&
		a.TurnDetection == b.TurnDetection &&
		a.Breaker == b.Breaker
}
