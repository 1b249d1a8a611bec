package config

import "slices"

// ConfigDiff describes what changed between two configs.
//
// Session, capture and pipeline settings are read per invocation from the
// snapshot that invocation started with, so changes to them apply to the next
// request without a restart. Listener settings cannot be changed in place.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	SessionChanged  bool
	SessionFields   []string // yaml keys under session that differ
	CaptureChanged  bool
	CaptureFields   []string // yaml keys under capture that differ
	PipelineChanged bool

	// RestartRequired is set when listen_addr, max_body_bytes or
	// allowed_origins changed. These only take effect on the next start.
	RestartRequired bool
}

// Changed reports whether anything at all differs.
func (d ConfigDiff) Changed() bool {
	return d.LogLevelChanged || d.SessionChanged || d.CaptureChanged || d.PipelineChanged || d.RestartRequired
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	// Log level
	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	if old.Server.ListenAddr != new.Server.ListenAddr ||
		old.Server.MaxBodyBytes != new.Server.MaxBodyBytes ||
		!slices.Equal(old.Server.AllowedOrigins, new.Server.AllowedOrigins) {
		d.RestartRequired = true
	}

	d.SessionFields = diffSession(&old.Session, &new.Session)
	d.SessionChanged = len(d.SessionFields) > 0

	d.CaptureFields = diffCapture(&old.Capture, &new.Capture)
	d.CaptureChanged = len(d.CaptureFields) > 0

	d.PipelineChanged = old.Pipeline != new.Pipeline

	return d
}

// diffSession lists the session keys that differ. The API key is compared
// but reported under a neutral name so it never reaches the logs.
func diffSession(old, new *SessionConfig) []string {
	var fields []string
	if old.Provider != new.Provider {
		fields = append(fields, "provider")
	}
	if old.APIKey != new.APIKey {
		fields = append(fields, "credentials")
	}
	if old.BaseURL != new.BaseURL {
		fields = append(fields, "base_url")
	}
	if old.Model != new.Model {
		fields = append(fields, "model")
	}
	if old.Instruction != new.Instruction {
		fields = append(fields, "instruction")
	}
	if old.Voice != new.Voice {
		fields = append(fields, "voice")
	}
	if old.ConnectTimeout != new.ConnectTimeout {
		fields = append(fields, "connect_timeout")
	}
	if old.ReceiveTimeout != new.ReceiveTimeout {
		fields = append(fields, "receive_timeout")
	}
	return fields
}

func diffCapture(old, new *CaptureConfig) []string {
	var fields []string
	if old.Device != new.Device {
		fields = append(fields, "device")
	}
	if old.Path != new.Path {
		fields = append(fields, "path")
	}
	if old.SampleRate != new.SampleRate {
		fields = append(fields, "sample_rate")
	}
	if old.Channels != new.Channels {
		fields = append(fields, "channels")
	}
	if old.FrameSize != new.FrameSize {
		fields = append(fields, "frame_size")
	}
	if old.Duration != new.Duration {
		fields = append(fields, "duration")
	}
	return fields
}
