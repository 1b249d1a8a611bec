// Package pipeline runs one capture → convert → realtime session → container
// invocation.
//
// [Run] opens the capture handle, connects a fresh session, and then drives
// three concurrent tasks until the turn is complete:
//
//  1. capture: reads fixed-size frames and pushes them onto a bounded queue.
//  2. send: converts queued frames to the 16 kHz wire format and sends them,
//     ending input once capture is done.
//  3. receive: appends response chunks to an [Assembler] as they arrive.
//
// Every invocation owns its own handle, session, and assembler, and carries a
// unique invocation ID. Nothing is retried: a failed run is retried by calling
// Run again, which connects a new session.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/livecoach/internal/observe"
	"github.com/MrWong99/livecoach/pkg/audio"
	"github.com/MrWong99/livecoach/pkg/audio/capture"
	"github.com/MrWong99/livecoach/pkg/provider/s2s"
)

// ErrUpstreamProcessing wraps any failure that happens after the session was
// connected. The underlying cause stays matchable with errors.Is.
var ErrUpstreamProcessing = errors.New("pipeline: upstream processing failed")

// DefaultQueueSize is the capacity of the capture → send queue in frames.
const DefaultQueueSize = 32

// progressInterval is how much captured audio passes between progress logs.
const progressInterval = 500 * time.Millisecond

// Backpressure selects what capture does when the send queue is full.
type Backpressure string

const (
	// BackpressureBlock pauses capture until the queue has room. No audio is
	// lost.
	BackpressureBlock Backpressure = "block"

	// BackpressureDropOldest discards the oldest queued frame to make room.
	BackpressureDropOldest Backpressure = "drop_oldest"
)

// IsValid reports whether b is a known policy.
func (b Backpressure) IsValid() bool {
	return b == BackpressureBlock || b == BackpressureDropOldest
}

// Request describes one invocation. Source and Provider are required.
type Request struct {
	// Source supplies the audio to send.
	Source capture.Source

	// DeviceSpec is the capture format. Zero asks the source for its native
	// format.
	DeviceSpec audio.StreamSpec

	// FrameSize is the number of sample frames per capture read. Zero
	// selects [capture.DefaultFrameSize].
	FrameSize int

	// Provider opens the realtime session; Session configures it. The input
	// spec is always forced to [audio.WireSpec].
	Provider s2s.Provider
	Session  s2s.SessionConfig

	// ProviderName labels metrics.
	ProviderName string

	// Output receives the response container. Nil assembles in memory; the
	// bytes are then available from Result.Container.Bytes.
	Output io.WriteSeeker

	// QueueSize bounds the capture → send queue. Zero selects
	// [DefaultQueueSize].
	QueueSize int

	// Backpressure is the full-queue policy. Empty means block.
	Backpressure Backpressure

	// Resampler selects the rate conversion backend.
	Resampler audio.ResamplerKind

	// MaxDuration caps the captured audio. Capture ends after exactly this
	// much audio. Zero means until the source ends or Stop fires.
	MaxDuration time.Duration

	// Stop, when closed, ends capture early. Audio already captured is still
	// sent and the response is still received and assembled.
	Stop <-chan struct{}

	// Metrics records pipeline metrics. Nil uses [observe.DefaultMetrics].
	Metrics *observe.Metrics
}

// Result reports what a run did. It is returned alongside any error.
type Result struct {
	// InvocationID uniquely identifies the run in logs and spans.
	InvocationID string

	// Container is the finalized response container. It is valid whenever
	// the session was connected, including after failures.
	Container Container

	// Frames is the number of capture frames read; FramesDropped of those
	// were discarded by [BackpressureDropOldest].
	Frames        int
	FramesDropped int

	// Captured is the amount of audio read from the source.
	Captured time.Duration

	// BytesSent counts wire-format PCM bytes handed to the session.
	BytesSent int64

	// Stopped is set when Stop ended capture early.
	Stopped bool

	// Partial is set when the run failed after connecting. Container then
	// holds whatever arrived before the failure.
	Partial bool
}

func (r Request) withDefaults() Request {
	if r.QueueSize <= 0 {
		r.QueueSize = DefaultQueueSize
	}
	if r.Backpressure == "" {
		r.Backpressure = BackpressureBlock
	}
	if r.Resampler == "" {
		r.Resampler = audio.ResamplerLinear
	}
	if r.Metrics == nil {
		r.Metrics = observe.DefaultMetrics()
	}
	if r.ProviderName == "" {
		r.ProviderName = "unknown"
	}
	r.Session.InputSpec = audio.WireSpec
	return r
}

func (r Request) validate() error {
	var errs []error
	if r.Source == nil {
		errs = append(errs, errors.New("pipeline: request has no capture source"))
	}
	if r.Provider == nil {
		errs = append(errs, errors.New("pipeline: request has no session provider"))
	}
	if !r.Backpressure.IsValid() {
		errs = append(errs, fmt.Errorf("pipeline: unknown backpressure policy %q", r.Backpressure))
	}
	if r.MaxDuration < 0 {
		errs = append(errs, fmt.Errorf("pipeline: negative max duration %s", r.MaxDuration))
	}
	return errors.Join(errs...)
}

// Run executes one invocation. Errors from opening the capture source,
// building the converter, or connecting are returned unwrapped and leave
// Result.Container zero. Any later failure is wrapped in
// [ErrUpstreamProcessing] and returned together with a finalized, possibly
// truncated container.
//
// Cancelling ctx aborts the run; the container is still finalized and
// ctx.Err() is returned.
func Run(ctx context.Context, req Request) (Result, error) {
	req = req.withDefaults()
	res := Result{InvocationID: uuid.NewString()}
	if err := req.validate(); err != nil {
		return res, err
	}

	start := time.Now()
	m := req.Metrics
	ctx = observe.WithInvocationID(ctx, res.InvocationID)
	ctx, span := observe.StartSpan(ctx, "pipeline.run")
	defer span.End()
	span.SetAttributes(
		attribute.String("invocation.id", res.InvocationID),
		attribute.String("session.provider", req.ProviderName),
	)
	log := observe.Logger(ctx)

	m.ActiveInvocations.Add(ctx, 1)
	defer m.ActiveInvocations.Add(ctx, -1)

	status := "error"
	defer func() { m.RecordRun(ctx, status, time.Since(start).Seconds()) }()

	fail := func(err error) (Result, error) {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		log.Warn("pipeline failed", "err", err)
		return res, err
	}

	// ── Setup ────────────────────────────────────────────────────────────────

	h, err := req.Source.Open(req.DeviceSpec, req.FrameSize)
	if err != nil {
		return fail(fmt.Errorf("pipeline: open capture: %w", err))
	}
	defer h.Close()

	conv, err := audio.NewFormatConverter(h.Spec(), audio.WireSpec, audio.WithResampler(req.Resampler))
	if err != nil {
		return fail(fmt.Errorf("pipeline: %w", err))
	}

	sess, err := connect(ctx, req)
	if err != nil {
		m.RecordSessionError(ctx, req.ProviderName, "connect")
		return fail(err)
	}
	defer sess.Close()

	var asm *Assembler
	if req.Output != nil {
		if asm, err = NewAssembler(req.Output, WithSpec(sess.ResponseSpec())); err != nil {
			return fail(err)
		}
	} else {
		asm = NewMemoryAssembler(WithSpec(sess.ResponseSpec()))
	}

	log.Info("pipeline started",
		"capture", h.Spec().String(),
		"frame_size", h.FrameSize(),
		"max_duration", req.MaxDuration,
		"backpressure", string(req.Backpressure),
	)

	// ── Tasks ────────────────────────────────────────────────────────────────

	g, gctx := errgroup.WithContext(ctx)
	capCtx, stopCapture := context.WithCancel(gctx)
	defer stopCapture()
	go func() {
		select {
		case <-req.Stop:
			stopCapture()
		case <-capCtx.Done():
		}
	}()

	r := &run{req: req, handle: h, conv: conv, sess: sess, asm: asm, queue: make(chan audio.Frame, req.QueueSize)}
	g.Go(func() error { return r.capture(capCtx, gctx) })
	g.Go(func() error { return r.send(gctx) })
	g.Go(func() error { return r.receive(gctx) })
	runErr := g.Wait()

	// ── Teardown ─────────────────────────────────────────────────────────────

	// The session is closed before the container is finalized so no chunk
	// can arrive afterwards.
	sess.Close()
	container, ferr := asm.Finalize()

	res.Container = container
	res.Frames = r.frames
	res.FramesDropped = r.dropped
	res.Captured = h.Spec().Duration(h.Spec().FrameBytes(int(r.captured)))
	res.BytesSent = r.bytesSent
	res.Stopped = r.stopped

	m.FramesCaptured.Add(ctx, int64(r.frames))
	m.FramesDropped.Add(ctx, int64(r.dropped))
	m.BytesSent.Add(ctx, r.bytesSent)

	switch {
	case ctx.Err() != nil:
		res.Partial = true
		return fail(fmt.Errorf("pipeline: aborted: %w", ctx.Err()))
	case runErr != nil:
		res.Partial = true
		m.RecordSessionError(ctx, req.ProviderName, errorKind(runErr))
		status = "partial"
		return fail(fmt.Errorf("%w: %w", ErrUpstreamProcessing, runErr))
	case ferr != nil:
		return fail(ferr)
	}

	status = "ok"
	log.Info("pipeline finished",
		"captured", res.Captured,
		"frames", res.Frames,
		"dropped", res.FramesDropped,
		"bytes_sent", res.BytesSent,
		"response_bytes", container.DataBytes,
		"response_chunks", container.Chunks,
		"stopped", res.Stopped,
	)
	if container.Empty() {
		log.Warn("session returned no audio")
	}
	return res, nil
}

func connect(ctx context.Context, req Request) (s2s.Session, error) {
	ctx, span := observe.StartSpan(ctx, "session.connect")
	defer span.End()

	start := time.Now()
	sess, err := req.Provider.Connect(ctx, req.Session)
	req.Metrics.ConnectDuration.Record(ctx, time.Since(start).Seconds())
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("pipeline: connect: %w", err)
	}
	return sess, nil
}

// errorKind labels an error for the session error counter.
func errorKind(err error) string {
	switch {
	case errors.Is(err, capture.ErrDeviceError):
		return "device"
	case errors.Is(err, s2s.ErrTimeout):
		return "timeout"
	case errors.Is(err, s2s.ErrTransport):
		return "transport"
	case errors.Is(err, s2s.ErrSessionClosed):
		return "closed"
	case errors.Is(err, audio.ErrUnsupportedConversion):
		return "conversion"
	default:
		return "other"
	}
}
