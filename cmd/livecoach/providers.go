package main

import (
	"log/slog"

	"github.com/MrWong99/livecoach/internal/config"
	"github.com/MrWong99/livecoach/pkg/audio/capture"
	"github.com/MrWong99/livecoach/pkg/provider/s2s"
	"github.com/MrWong99/livecoach/pkg/provider/s2s/gemini"
	"github.com/MrWong99/livecoach/pkg/provider/s2s/loopback"
)

// registerBuiltins wires the realtime providers and capture devices that ship
// with livecoach into reg.
func registerBuiltins(reg *config.Registry) {
	// ── Sessions ─────────────────────────────────────────────────────────────

	reg.RegisterSession(gemini.Name, func(cfg *config.Config) (s2s.Provider, error) {
		s := cfg.Session
		opts := []gemini.Option{
			gemini.WithConnectTimeout(s.ConnectTimeout),
			gemini.WithReceiveTimeout(s.ReceiveTimeout),
			gemini.WithQueueSize(cfg.Pipeline.QueueSize),
		}
		if s.Model != "" {
			opts = append(opts, gemini.WithModel(s.Model))
		}
		if s.BaseURL != "" {
			opts = append(opts, gemini.WithBaseURL(s.BaseURL))
		}
		return gemini.New(config.ResolveAPIKey(cfg), opts...), nil
	})

	reg.RegisterSession(loopback.Name, func(cfg *config.Config) (s2s.Provider, error) {
		return loopback.New(
			loopback.WithReceiveTimeout(cfg.Session.ReceiveTimeout),
			loopback.WithQueueSize(cfg.Pipeline.QueueSize),
		), nil
	})

	// ── Capture ──────────────────────────────────────────────────────────────

	reg.RegisterCapture("portaudio", func(*config.Config) (capture.Source, error) {
		return capture.NewDeviceSource(), nil
	})

	reg.RegisterCapture("file", func(cfg *config.Config) (capture.Source, error) {
		return capture.NewFileSource(cfg.Capture.Path, capture.WithRealtime()), nil
	})

	for _, kind := range []string{"session", "capture"} {
		for _, name := range reg.Names(kind) {
			slog.Debug("registered provider", "kind", kind, "name", name)
		}
	}
}
