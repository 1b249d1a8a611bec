package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/MrWong99/livecoach/pkg/audio"
	"github.com/MrWong99/livecoach/pkg/audio/capture"
	"github.com/MrWong99/livecoach/pkg/audio/wav"
)

// progressInterval is how much captured audio passes between progress logs.
const progressInterval = 500 * time.Millisecond

func newRecordCmd(c *cli) *cobra.Command {
	var (
		output   string
		duration time.Duration
	)
	cmd := &cobra.Command{
		Use:   "record",
		Short: "Record from the capture device into a WAV file",
		Long: `Record captures --duration of audio (default capture.duration) from the
configured device and writes it unchanged to --output. Ctrl+C stops early;
the audio captured so far is still written.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			if !cmd.Flags().Changed("duration") {
				duration = c.cfg.Capture.Duration
			}
			src, err := c.captureSource()
			if err != nil {
				return err
			}
			return c.record(ctx, src, output, duration)
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "", "where to write the recording")
	cmd.Flags().DurationVarP(&duration, "duration", "d", 0, "how long to record (default capture.duration)")
	_ = cmd.MarkFlagRequired("output")
	return cmd
}

// record copies frames from src into a WAV file at output until duration of
// audio has been captured, the source ends, or ctx is cancelled.
func (c *cli) record(ctx context.Context, src capture.Source, output string, duration time.Duration) (err error) {
	h, err := src.Open(c.cfg.CaptureSpec(), c.cfg.Capture.FrameSize)
	if err != nil {
		return err
	}
	defer h.Close()

	spec := h.Spec()
	f, err := os.Create(output)
	if err != nil {
		return fmt.Errorf("create output: %w", err)
	}
	defer func() {
		if cerr := f.Close(); err == nil && cerr != nil {
			err = fmt.Errorf("close output: %w", cerr)
		}
		if err != nil {
			_ = os.Remove(output)
		}
	}()

	w, err := wav.NewWriter(f, spec)
	if err != nil {
		return err
	}

	limit := int64(-1)
	if duration > 0 {
		limit = int64(duration) * int64(spec.SampleRate) / int64(time.Second)
	}
	every := int64(progressInterval) * int64(spec.SampleRate) / int64(time.Second)
	next := every

	slog.Info("recording", "device", c.cfg.Capture.Device, "spec", spec.String(), "duration", duration)

	var captured int64
	stopped := false
	for limit < 0 || captured < limit {
		frame, rerr := h.ReadFrame(ctx)
		n := int64(frame.FrameCount)
		if limit >= 0 && captured+n > limit {
			n = limit - captured
		}
		if n > 0 {
			if _, err := w.Write(frame.Data[:n*int64(spec.Channels*audio.BytesPerSample)]); err != nil {
				return err
			}
			captured += n
		}
		for every > 0 && captured >= next {
			slog.Debug("recording progress", "captured", spec.Duration(int(captured)*spec.Channels*audio.BytesPerSample))
			next += every
		}
		if errors.Is(rerr, capture.ErrStopped) {
			stopped = true
			break
		}
		if errors.Is(rerr, io.EOF) {
			break
		}
		if rerr != nil {
			return rerr
		}
	}

	if err := w.Close(); err != nil {
		return err
	}
	slog.Info("recording written",
		"output", output,
		"captured", spec.Duration(int(w.DataBytes())),
		"stopped", stopped,
	)
	return nil
}
