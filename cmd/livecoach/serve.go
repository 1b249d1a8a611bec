package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/MrWong99/livecoach/internal/app"
	"github.com/MrWong99/livecoach/internal/config"
	"github.com/MrWong99/livecoach/internal/observe"
	"github.com/MrWong99/livecoach/internal/resilience"
	"github.com/MrWong99/livecoach/pkg/provider/s2s/gemini"
)

func newServeCmd(c *cli) *cobra.Command {
	var (
		watch    bool
		interval time.Duration
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP front end",
		Long: `Serve exposes POST /api/process-audio together with /healthz, /readyz and
/metrics. When --config names an existing file it is polled for changes;
new requests pick up the reloaded settings.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.serve(cmd.Context(), watch, interval)
		},
	}
	cmd.Flags().BoolVar(&watch, "watch", true, "reload the config file when it changes")
	cmd.Flags().DurationVar(&interval, "watch-interval", 5*time.Second, "config file poll interval")
	return cmd
}

func (c *cli) serve(ctx context.Context, watch bool, interval time.Duration) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tel, err := observe.InitProvider(ctx, observe.ProviderConfig{ServiceName: "livecoach"})
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}

	cfg := c.cfg
	slog.Info("livecoach starting",
		"config", c.configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"session_provider", cfg.Session.Provider,
		"model", cfg.Session.Model,
	)
	if cfg.Session.Provider == gemini.Name && config.ResolveAPIKey(cfg) == "" {
		slog.Warn("no API key configured; requests will fail until one is set",
			"env", config.APIKeyEnvVars)
	}

	application, err := app.New(cfg, c.registry,
		app.WithMetrics(tel.Metrics),
		app.WithMetricsHandler(tel.Handler()),
		app.WithBreaker(resilience.CircuitBreakerConfig{
			OnStateChange: func(name string, from, to resilience.State) {
				slog.Warn("circuit breaker state change", "provider", name, "from", from, "to", to)
			},
		}),
		app.WithReloadHook(func(d config.ConfigDiff) {
			if d.LogLevelChanged {
				c.level.Set(slogLevel(d.NewLogLevel))
			}
		}),
		app.WithCloser(func() error {
			return tel.Shutdown(context.WithoutCancel(ctx))
		}),
	)
	if err != nil {
		return err
	}

	if watch {
		if _, statErr := os.Stat(c.configPath); statErr == nil {
			w, err := config.NewWatcher(c.configPath, func(_, next *config.Config) {
				application.SetConfig(next)
			}, config.WithInterval(interval), config.WithOverride(c.applyOverrides))
			if err != nil {
				return err
			}
			defer w.Stop()
			go reloadOnHangup(ctx, w)
			slog.Info("watching config file", "path", c.configPath, "interval", interval)
		}
	}

	slog.Info("server ready; press Ctrl+C to shut down")
	if err := application.Run(ctx, nil); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	slog.Info("goodbye")
	return nil
}

// applyOverrides reapplies command-line overrides to a reloaded config.
func (c *cli) applyOverrides(cfg *config.Config) {
	if c.logLevel != "" {
		cfg.Server.LogLevel = config.LogLevel(c.logLevel)
	}
}

// reloadOnHangup triggers an immediate config reload on SIGHUP.
func reloadOnHangup(ctx context.Context, w *config.Watcher) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)
	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
			slog.Info("SIGHUP received; reloading config")
			w.Reload()
		}
	}
}
