package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
)

func newLiveCmd(c *cli) *cobra.Command {
	var (
		output      string
		duration    time.Duration
		keepPartial bool
	)
	cmd := &cobra.Command{
		Use:   "live",
		Short: "Speak into the capture device and save the realtime reply",
		Long: `Live streams audio from the configured device to the realtime session while
it is being captured and writes the spoken reply to --output.

The first Ctrl+C stops capturing; audio captured so far is still sent and the
reply is still received. A second Ctrl+C aborts.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if !cmd.Flags().Changed("duration") {
				duration = c.cfg.Capture.Duration
			}
			src, err := c.captureSource()
			if err != nil {
				return err
			}

			ctx, abort := context.WithCancel(cmd.Context())
			defer abort()
			stopCh := interruptStages(ctx, abort)

			_, err = c.runPipeline(ctx, src, c.cfg.CaptureSpec(), duration, stopCh, output, keepPartial)
			return err
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "", "where to write the reply WAV")
	cmd.Flags().DurationVarP(&duration, "duration", "d", 0, "maximum capture length (default capture.duration)")
	cmd.Flags().BoolVar(&keepPartial, "keep-partial", false, "keep a truncated reply when the session fails mid-stream")
	_ = cmd.MarkFlagRequired("output")
	return cmd
}

// interruptStages returns a channel closed on the first interrupt. A second
// interrupt calls abort. Signal handling ends when ctx is done.
func interruptStages(ctx context.Context, abort context.CancelFunc) <-chan struct{} {
	sigs := make(chan os.Signal, 2)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
	stopCh := make(chan struct{})

	go func() {
		defer signal.Stop(sigs)
		stopped := false
		for {
			select {
			case <-ctx.Done():
				return
			case <-sigs:
				if !stopped {
					stopped = true
					close(stopCh)
					slog.Info("stopping capture; press Ctrl+C again to abort")
					continue
				}
				slog.Warn("aborting")
				abort()
				return
			}
		}
	}()
	return stopCh
}
