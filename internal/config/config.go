// Package config provides the configuration schema, loader, and provider registry
// for the livecoach pronunciation pipeline.
package config

import "time"

// LogLevel controls log verbosity.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Backpressure selects what capture does when the send queue is full.
type Backpressure string

const (
	BackpressureBlock      Backpressure = "block"
	BackpressureDropOldest Backpressure = "drop_oldest"
)

// IsValid reports whether b is a recognised policy.
func (b Backpressure) IsValid() bool {
	return b == BackpressureBlock || b == BackpressureDropOldest
}

// Default values applied by [ApplyDefaults].
const (
	DefaultListenAddr      = ":5000"
	DefaultMaxBodyBytes    = 32 << 20
	DefaultSessionProvider = "gemini-live"
	DefaultConnectTimeout  = 15 * time.Second
	DefaultReceiveTimeout  = 30 * time.Second
	DefaultCaptureDevice   = "portaudio"
	DefaultSampleRate      = 44100
	DefaultChannels        = 1
	DefaultFrameSize       = 1024
	DefaultDuration        = 5 * time.Second
	DefaultQueueSize       = 32
	DefaultResampler       = "linear"
)

// DefaultInstruction is the behavioural instruction sent to the model when
// session.instruction is empty.
const DefaultInstruction = "You are speaking to young children. They will be reading to you and " +
	"you want to listen to see if they have correct pronunciation. If they pronounce a word " +
	"incorrectly, state which word it is and give a phonetic pronunciation. Give encouraging " +
	"words but do not do anything else."

// Config is the root configuration structure for livecoach.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
//
// A loaded Config is treated as an immutable snapshot: every invocation reads
// the snapshot it started with, and reloads swap in a new pointer.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Session  SessionConfig  `yaml:"session"`
	Capture  CaptureConfig  `yaml:"capture"`
	Pipeline PipelineConfig `yaml:"pipeline"`
}

// ServerConfig holds network, logging, and scratch-space settings.
type ServerConfig struct {
	// ListenAddr is the TCP address the HTTP server listens on (e.g., ":5000").
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`

	// TempDir holds per-request input and output files. Empty means the
	// system temp directory.
	TempDir string `yaml:"temp_dir"`

	// MaxBodyBytes caps the request body of /api/process-audio.
	MaxBodyBytes int64 `yaml:"max_body_bytes"`

	// AllowedOrigins lists CORS origins. "*" allows any origin.
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// SessionConfig selects and configures the realtime speech-to-speech backend.
type SessionConfig struct {
	// Provider selects the registered provider ("gemini-live" or "loopback").
	Provider string `yaml:"provider"`

	// APIKey authenticates with the provider. When empty it is resolved from
	// GOOGLE_API_KEY or GEMINI_API_KEY (see [ResolveAPIKey]).
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the provider's default endpoint.
	BaseURL string `yaml:"base_url"`

	// Model selects the realtime model.
	Model string `yaml:"model"`

	// Instruction is the system instruction. Empty uses [DefaultInstruction].
	Instruction string `yaml:"instruction"`

	// Voice optionally names a prebuilt voice.
	Voice string `yaml:"voice"`

	// ConnectTimeout bounds the handshake.
	ConnectTimeout time.Duration `yaml:"connect_timeout"`

	// ReceiveTimeout bounds each wait for the next response chunk after the
	// input has ended.
	ReceiveTimeout time.Duration `yaml:"receive_timeout"`
}

// CaptureConfig configures the microphone.
type CaptureConfig struct {
	// Device selects the capture backend ("portaudio" or "file").
	Device string `yaml:"device"`

	// Path is the WAV file read when Device is "file".
	Path string `yaml:"path"`

	// SampleRate is the device sample rate in Hz.
	SampleRate int `yaml:"sample_rate"`

	// Channels is the device channel count (1 or 2).
	Channels int `yaml:"channels"`

	// FrameSize is the number of sample frames per read.
	FrameSize int `yaml:"frame_size"`

	// Duration caps a recording.
	Duration time.Duration `yaml:"duration"`
}

// PipelineConfig tunes the capture → session path.
type PipelineConfig struct {
	// QueueSize bounds the capture → send queue in frames.
	QueueSize int `yaml:"queue_size"`

	// Backpressure is the full-queue policy.
	Backpressure Backpressure `yaml:"backpressure"`

	// Resampler selects the rate conversion backend ("linear" or "soxr").
	Resampler string `yaml:"resampler"`
}

// Default returns a Config with every default applied.
func Default() *Config {
	cfg := &Config{}
	ApplyDefaults(cfg)
	return cfg
}

// ApplyDefaults fills zero-valued fields of cfg in place.
func ApplyDefaults(cfg *Config) {
	s := &cfg.Server
	if s.ListenAddr == "" {
		s.ListenAddr = DefaultListenAddr
	}
	if s.LogLevel == "" {
		s.LogLevel = LogInfo
	}
	if s.MaxBodyBytes == 0 {
		s.MaxBodyBytes = DefaultMaxBodyBytes
	}

	ss := &cfg.Session
	if ss.Provider == "" {
		ss.Provider = DefaultSessionProvider
	}
	if ss.Instruction == "" {
		ss.Instruction = DefaultInstruction
	}
	if ss.ConnectTimeout == 0 {
		ss.ConnectTimeout = DefaultConnectTimeout
	}
	if ss.ReceiveTimeout == 0 {
		ss.ReceiveTimeout = DefaultReceiveTimeout
	}

	c := &cfg.Capture
	if c.Device == "" {
		c.Device = DefaultCaptureDevice
	}
	if c.SampleRate == 0 {
		c.SampleRate = DefaultSampleRate
	}
	if c.Channels == 0 {
		c.Channels = DefaultChannels
	}
	if c.FrameSize == 0 {
		c.FrameSize = DefaultFrameSize
	}
	if c.Duration == 0 {
		c.Duration = DefaultDuration
	}

	p := &cfg.Pipeline
	if p.QueueSize == 0 {
		p.QueueSize = DefaultQueueSize
	}
	if p.Backpressure == "" {
		p.Backpressure = BackpressureBlock
	}
	if p.Resampler == "" {
		p.Resampler = DefaultResampler
	}
}
