package pipeline

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/MrWong99/livecoach/internal/observe"
	"github.com/MrWong99/livecoach/pkg/audio"
	"github.com/MrWong99/livecoach/pkg/audio/capture"
	"github.com/MrWong99/livecoach/pkg/provider/s2s"
)

// run holds the per-invocation state shared by the three tasks. Each counter
// is written by exactly one task and read only after all tasks returned.
type run struct {
	req    Request
	handle capture.Handle
	conv   *audio.FormatConverter
	sess   s2s.Session
	asm    *Assembler

	queue chan audio.Frame

	// capture task
	frames   int
	dropped  int
	captured int64 // sample frames
	stopped  bool

	// send task
	bytesSent int64
}

// capture reads frames until the source ends, the duration cap is reached,
// or a stop is requested, then closes the queue. stopCtx is cancelled by a
// soft stop; ctx only on abort or failure.
func (r *run) capture(stopCtx, ctx context.Context) error {
	defer close(r.queue)

	spec := r.handle.Spec()
	limit := int64(-1)
	if r.req.MaxDuration > 0 {
		limit = int64(r.req.MaxDuration) * int64(spec.SampleRate) / int64(time.Second)
	}
	log := observe.Logger(ctx)
	progressEvery := int64(progressInterval) * int64(spec.SampleRate) / int64(time.Second)
	nextProgress := progressEvery

	for {
		f, err := r.handle.ReadFrame(stopCtx)
		if limit >= 0 && r.captured+int64(f.FrameCount) > limit {
			f = truncate(f, int(limit-r.captured))
		}
		if !f.Empty() {
			r.frames++
			r.captured += int64(f.FrameCount)
			if perr := r.push(ctx, f); perr != nil {
				return perr
			}
		}
		if progressEvery > 0 && r.captured >= nextProgress {
			log.Debug("recording", "captured", spec.Duration(spec.FrameBytes(int(r.captured))))
			nextProgress = (r.captured/progressEvery + 1) * progressEvery
		}

		switch {
		case errors.Is(err, capture.ErrStopped):
			if ctx.Err() != nil {
				return ctx.Err()
			}
			r.stopped = true
			log.Info("capture stopped early", "captured", spec.Duration(spec.FrameBytes(int(r.captured))))
			return nil
		case errors.Is(err, io.EOF):
			return nil
		case err != nil:
			return err
		}
		if limit >= 0 && r.captured >= limit {
			return nil
		}
		select {
		case <-r.req.Stop:
			r.stopped = true
			log.Info("capture stopped early", "captured", spec.Duration(spec.FrameBytes(int(r.captured))))
			return nil
		default:
		}
	}
}

// push enqueues f according to the backpressure policy.
func (r *run) push(ctx context.Context, f audio.Frame) error {
	if r.req.Backpressure == BackpressureDropOldest {
		for {
			select {
			case r.queue <- f:
				return nil
			default:
			}
			select {
			case <-r.queue:
				r.dropped++
			default:
			}
		}
	}
	select {
	case r.queue <- f:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func truncate(f audio.Frame, frames int) audio.Frame {
	f.Data = f.Data[:f.Spec.FrameBytes(frames)]
	f.FrameCount = frames
	return f
}

// send converts queued frames to the wire format and sends them in order.
// Once the queue is closed it flushes the converter and ends input.
func (r *run) send(ctx context.Context) error {
	for f := range r.queue {
		wf, err := r.conv.Convert(f)
		if err != nil {
			return err
		}
		if err := r.sendFrame(ctx, wf); err != nil {
			return err
		}
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	tail, err := r.conv.Flush()
	if err != nil {
		return err
	}
	if err := r.sendFrame(ctx, tail); err != nil {
		return err
	}
	return r.sess.EndInput(ctx)
}

func (r *run) sendFrame(ctx context.Context, f audio.Frame) error {
	if f.Empty() {
		return nil
	}
	if err := r.sess.Send(ctx, f); err != nil {
		return err
	}
	r.bytesSent += int64(len(f.Data))
	return nil
}

// receive drains the response turn into the assembler as chunks arrive.
func (r *run) receive(ctx context.Context) error {
	ctx, span := observe.StartSpan(ctx, "session.receive")
	defer span.End()

	m := r.req.Metrics
	for c, err := range r.sess.Receive(ctx) {
		if err != nil {
			span.RecordError(err)
			return err
		}
		if err := r.asm.OnChunk(c); err != nil {
			return err
		}
		if len(c.Data) > 0 {
			m.ChunksReceived.Add(ctx, 1)
			m.BytesReceived.Add(ctx, int64(len(c.Data)))
		}
	}
	return nil
}
