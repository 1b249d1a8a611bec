package config

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"slices"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// ValidProviderNames lists known names per registry kind.
// Used by [Validate] to warn about unrecognised names.
var ValidProviderNames = map[string][]string{
	"session": {"gemini-live", "loopback"},
	"capture": {"portaudio", "file"},
}

// APIKeyEnvVars are consulted in order by [ResolveAPIKey].
var APIKeyEnvVars = []string{"GOOGLE_API_KEY", "GEMINI_API_KEY"}

// Load reads the YAML configuration file at path and returns a validated [Config]
// with defaults applied. It is a convenience wrapper around [LoadFromReader].
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

// LoadFromReader decodes a YAML config from r, applies defaults, and validates
// the result. An empty document yields the defaults.
// Useful in tests where configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
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

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.Server.MaxBodyBytes < 0 {
		errs = append(errs, fmt.Errorf("server.max_body_bytes %d must not be negative", cfg.Server.MaxBodyBytes))
	}

	// Session
	validateProviderName("session", cfg.Session.Provider)
	if cfg.Session.ConnectTimeout < 0 {
		errs = append(errs, fmt.Errorf("session.connect_timeout %s must not be negative", cfg.Session.ConnectTimeout))
	}
	if cfg.Session.ReceiveTimeout < 0 {
		errs = append(errs, fmt.Errorf("session.receive_timeout %s must not be negative", cfg.Session.ReceiveTimeout))
	}

	// Capture
	validateProviderName("capture", cfg.Capture.Device)
	if cfg.Capture.SampleRate < 0 {
		errs = append(errs, fmt.Errorf("capture.sample_rate %d must be positive", cfg.Capture.SampleRate))
	}
	if cfg.Capture.Channels < 0 || cfg.Capture.Channels > 2 {
		errs = append(errs, fmt.Errorf("capture.channels %d is invalid; valid values: 1, 2", cfg.Capture.Channels))
	}
	if cfg.Capture.FrameSize < 0 {
		errs = append(errs, fmt.Errorf("capture.frame_size %d must be positive", cfg.Capture.FrameSize))
	}
	if cfg.Capture.Device == "file" && cfg.Capture.Path == "" {
		errs = append(errs, errors.New("capture.path is required when capture.device is \"file\""))
	}
	if cfg.Capture.Duration < 0 {
		errs = append(errs, fmt.Errorf("capture.duration %s must not be negative", cfg.Capture.Duration))
	}

	// Pipeline
	if cfg.Pipeline.QueueSize < 0 {
		errs = append(errs, fmt.Errorf("pipeline.queue_size %d must be positive", cfg.Pipeline.QueueSize))
	}
	if cfg.Pipeline.Backpressure != "" && !cfg.Pipeline.Backpressure.IsValid() {
		errs = append(errs, fmt.Errorf("pipeline.backpressure %q is invalid; valid values: block, drop_oldest", cfg.Pipeline.Backpressure))
	}
	if r := cfg.Pipeline.Resampler; r != "" && r != "linear" && r != "soxr" {
		errs = append(errs, fmt.Errorf("pipeline.resampler %q is invalid; valid values: linear, soxr", r))
	}

	return errors.Join(errs...)
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok {
		return
	}
	if slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name, may be a typo or a third-party registration",
		"kind", kind,
		"name", name,
		"known", known,
	)
}

// LoadEnv loads KEY=VALUE pairs from the given .env files into the process
// environment without overriding variables that are already set. With no
// arguments it loads ".env" from the working directory. Missing files are
// ignored.
func LoadEnv(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if err := godotenv.Load(f); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return fmt.Errorf("config: load env %q: %w", f, err)
		}
		slog.Debug("loaded environment file", "path", f)
	}
	return nil
}

// ResolveAPIKey returns the configured session API key, falling back to the
// first non-empty variable in [APIKeyEnvVars]. An empty result is not an
// error here; it only fails session connects.
func ResolveAPIKey(cfg *Config) string {
	if cfg.Session.APIKey != "" {
		return cfg.Session.APIKey
	}
	for _, v := range APIKeyEnvVars {
		if key := os.Getenv(v); key != "" {
			return key
		}
	}
	return ""
}
