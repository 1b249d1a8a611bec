// Command livecoach captures speech, streams it to a realtime speech-to-speech
// model and stores the spoken feedback as a WAV file.
//
// Subcommands:
//
//	livecoach serve                                  HTTP front end
//	livecoach process --input in.wav --output out.wav
//	livecoach record  --output in.wav [--duration 5s]
//	livecoach live    --output out.wav [--duration 5s]
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/MrWong99/livecoach/internal/config"
)

// defaultConfigPath is used when --config is not given. A missing file at
// this path is not an error; built-in defaults apply.
const defaultConfigPath = "livecoach.yaml"

func main() {
	os.Exit(run(context.Background(), os.Args[1:], os.Stderr))
}

func run(ctx context.Context, args []string, stderr io.Writer) int {
	root := newRootCmd(config.NewRegistry())
	root.SetArgs(args)
	root.SetErr(stderr)
	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(stderr, "livecoach: %v\n", err)
		return 1
	}
	return 0
}

// cli holds state shared by all subcommands. It is populated by the root
// command's PersistentPreRunE.
type cli struct {
	configPath string
	logLevel   string
	logFormat  string
	envFiles   []string

	registry *config.Registry
	cfg      *config.Config

	// level is shared by the default logger so config reloads can change
	// verbosity without reinstalling it.
	level slog.LevelVar
}

func newRootCmd(reg *config.Registry) *cobra.Command {
	c := &cli{registry: reg}
	registerBuiltins(reg)

	root := &cobra.Command{
		Use:           "livecoach",
		Short:         "Realtime spoken feedback on recorded speech",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return c.setup(cmd)
		},
	}

	pf := root.PersistentFlags()
	pf.StringVarP(&c.configPath, "config", "c", defaultConfigPath, "path to the YAML configuration file")
	pf.StringVar(&c.logLevel, "log-level", "", "override server.log_level (debug|info|warn|error)")
	pf.StringVar(&c.logFormat, "log-format", "text", "log output format (text|json)")
	pf.StringSliceVar(&c.envFiles, "env-file", nil, "dotenv files to load before resolving credentials (default .env)")

	root.AddCommand(
		newServeCmd(c),
		newProcessCmd(c),
		newRecordCmd(c),
		newLiveCmd(c),
	)
	return root
}

// setup loads the environment and configuration and installs the default
// logger.
func (c *cli) setup(cmd *cobra.Command) error {
	if err := config.LoadEnv(c.envFiles...); err != nil {
		return err
	}

	cfg, err := c.loadConfig(cmd)
	if err != nil {
		return err
	}
	if c.logLevel != "" {
		lvl := config.LogLevel(c.logLevel)
		if !lvl.IsValid() {
			return fmt.Errorf("invalid --log-level %q", c.logLevel)
		}
		cfg.Server.LogLevel = lvl
	}
	c.cfg = cfg

	c.level.Set(slogLevel(cfg.Server.LogLevel))
	logger, err := newLogger(cmd.ErrOrStderr(), &c.level, c.logFormat)
	if err != nil {
		return err
	}
	slog.SetDefault(logger)
	return nil
}

// loadConfig reads --config. The default path may be absent; an explicit one
// must exist.
func (c *cli) loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.Load(c.configPath)
	if err == nil {
		return cfg, nil
	}
	if errors.Is(err, os.ErrNotExist) && !cmd.Flags().Changed("config") {
		return config.Default(), nil
	}
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("config file %q not found", c.configPath)
	}
	return nil, err
}

// ── Logger ───────────────────────────────────────────────────────────────────

func slogLevel(level config.LogLevel) slog.Level {
	switch level {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func newLogger(w io.Writer, level slog.Leveler, format string) (*slog.Logger, error) {
	opts := &slog.HandlerOptions{Level: level}
	switch format {
	case "", "text":
		return slog.New(slog.NewTextHandler(w, opts)), nil
	case "json":
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	default:
		return nil, fmt.Errorf("invalid --log-format %q", format)
	}
}
