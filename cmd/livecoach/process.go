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

	"github.com/MrWong99/livecoach/internal/pipeline"
	"github.com/MrWong99/livecoach/pkg/audio"
	"github.com/MrWong99/livecoach/pkg/audio/capture"
)

func newProcessCmd(c *cli) *cobra.Command {
	var (
		input, output string
		keepPartial   bool
	)
	cmd := &cobra.Command{
		Use:   "process",
		Short: "Send a recorded WAV file to the realtime session and save the reply",
		Long: `Process replays --input as if it were the microphone, streams it to the
configured realtime session and writes the spoken reply to --output.

Exit status 0 guarantees a finalized WAV at --output. On failure the output is
removed unless --keep-partial is set and some reply audio was received.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			src := capture.NewFileSource(input)
			_, err := c.runPipeline(ctx, src, audio.StreamSpec{}, 0, nil, output, keepPartial)
			return err
		},
	}
	cmd.Flags().StringVarP(&input, "input", "i", "", "WAV file to send")
	cmd.Flags().StringVarP(&output, "output", "o", "", "where to write the reply WAV")
	cmd.Flags().BoolVar(&keepPartial, "keep-partial", false, "keep a truncated reply when the session fails mid-stream")
	_ = cmd.MarkFlagRequired("input")
	_ = cmd.MarkFlagRequired("output")
	return cmd
}

// runPipeline runs one invocation from src to a WAV file at output. The file
// is removed on failure unless keepPartial is set and res.Partial reports
// that a truncated reply was assembled.
func (c *cli) runPipeline(
	ctx context.Context,
	src capture.Source,
	deviceSpec audio.StreamSpec,
	maxDuration time.Duration,
	stopCh <-chan struct{},
	output string,
	keepPartial bool,
) (pipeline.Result, error) {
	cfg := c.cfg

	provider, err := c.registry.CreateSession(cfg)
	if err != nil {
		return pipeline.Result{}, err
	}

	out, err := os.Create(output)
	if err != nil {
		return pipeline.Result{}, fmt.Errorf("create output: %w", err)
	}

	res, runErr := pipeline.Run(ctx, pipeline.Request{
		Source:       src,
		DeviceSpec:   deviceSpec,
		FrameSize:    cfg.Capture.FrameSize,
		Provider:     provider,
		Session:      cfg.SessionConfig(),
		ProviderName: cfg.Session.Provider,
		Output:       out,
		QueueSize:    cfg.Pipeline.QueueSize,
		Backpressure: pipeline.Backpressure(cfg.Pipeline.Backpressure),
		Resampler:    audio.ResamplerKind(cfg.Pipeline.Resampler),
		MaxDuration:  maxDuration,
		Stop:         stopCh,
	})
	closeErr := out.Close()

	log := slog.With("invocation_id", res.InvocationID, "output", output)
	if runErr == nil && closeErr != nil {
		runErr = fmt.Errorf("close output: %w", closeErr)
	}
	if runErr != nil {
		if keepPartial && res.Partial && !res.Container.Empty() {
			log.Warn("kept partial reply", "data_bytes", res.Container.DataBytes, "err", runErr)
			return res, runErr
		}
		if err := os.Remove(output); err != nil && !errors.Is(err, os.ErrNotExist) {
			log.Warn("failed to remove output", "err", err)
		}
		return res, runErr
	}

	log.Info("reply written",
		"captured", res.Captured,
		"frames", res.Frames,
		"frames_dropped", res.FramesDropped,
		"bytes_sent", res.BytesSent,
		"data_bytes", res.Container.DataBytes,
		"duration", res.Container.Spec.Duration(int(res.Container.DataBytes)),
		"stopped", res.Stopped,
	)
	return res, nil
}

// captureSource resolves the configured capture device.
func (c *cli) captureSource() (capture.Source, error) {
	src, err := c.registry.CreateCapture(c.cfg)
	if err != nil {
		return nil, fmt.Errorf("capture device %q: %w", c.cfg.Capture.Device, err)
	}
	return src, nil
}
