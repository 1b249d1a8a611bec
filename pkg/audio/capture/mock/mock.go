// Package mock provides a scripted implementation of [capture.Source] for unit
// tests.
//
// The mock synthesises a deterministic sample pattern so tests can assert on
// exactly which frames reached the other end of a pipeline. It records every
// Open and handle so tests can check that handles were closed.
//
// Typical usage:
//
//	src := &mock.Source{TotalFrames: 5 * 44100}
//	h, _ := src.Open(audio.Mono16(44100), 1024)
//	f, err := h.ReadFrame(ctx)
package mock

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/MrWong99/livecoach/pkg/audio"
	"github.com/MrWong99/livecoach/pkg/audio/capture"
)

// DefaultSpec is used when both [Source.Spec] and the requested spec are zero.
var DefaultSpec = audio.Mono16(audio.SampleRate44_1kHz)

// Source is a mock [capture.Source]. Set the exported fields before use;
// inspect OpenCalls and Handles after.
type Source struct {
	mu sync.Mutex

	// OpenErr, when non-nil, is returned by every Open call.
	OpenErr error

	// Spec overrides the spec handles report. Zero means "whatever was
	// requested".
	Spec audio.StreamSpec

	// TotalFrames is the number of sample frames available before the handle
	// reports io.EOF. Zero means unlimited.
	TotalFrames int64

	// FailAfterReads makes ReadFrame fail with capture.ErrDeviceError on the
	// read following this many successful reads. Zero disables it.
	FailAfterReads int

	// ReadDelay is slept before each read, honouring cancellation.
	ReadDelay time.Duration

	// Sample returns the value of interleaved sample i. Nil uses [Ramp].
	Sample func(i int64) int16

	// OnRead, if set, is called after each successful read with the total
	// sample frames delivered so far on that handle.
	OnRead func(delivered int64)

	// OpenCalls counts Open invocations.
	OpenCalls int

	// Handles holds every handle returned by Open, in order.
	Handles []*Handle
}

var _ capture.Source = (*Source)(nil)

// Ramp is the default sample pattern: a repeating sawtooth.
func Ramp(i int64) int16 { return int16(i%2000 - 1000) }

// Open implements [capture.Source].
func (s *Source) Open(spec audio.StreamSpec, frameSize int) (capture.Handle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.OpenCalls++
	if s.OpenErr != nil {
		return nil, s.OpenErr
	}
	if s.Spec != (audio.StreamSpec{}) {
		spec = s.Spec
	}
	if spec == (audio.StreamSpec{}) {
		spec = DefaultSpec
	}
	if frameSize == 0 {
		frameSize = capture.DefaultFrameSize
	}
	sample := s.Sample
	if sample == nil {
		sample = Ramp
	}
	h := &Handle{
		spec:      spec,
		frameSize: frameSize,
		total:     s.TotalFrames,
		failAfter: s.FailAfterReads,
		delay:     s.ReadDelay,
		sample:    sample,
		onRead:    s.OnRead,
	}
	s.Handles = append(s.Handles, h)
	return h, nil
}

// Handle is the mock [capture.Handle] returned by [Source.Open].
type Handle struct {
	spec      audio.StreamSpec
	frameSize int
	total     int64
	failAfter int
	delay     time.Duration
	sample    func(int64) int16
	onRead    func(int64)

	mu        sync.Mutex
	delivered int64
	reads     int
	closed    bool
}

var _ capture.Handle = (*Handle)(nil)

// Spec implements [capture.Handle].
func (h *Handle) Spec() audio.StreamSpec { return h.spec }

// FrameSize implements [capture.Handle].
func (h *Handle) FrameSize() int { return h.frameSize }

// Delivered returns the total sample frames handed out so far.
func (h *Handle) Delivered() int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.delivered
}

// Closed reports whether Close was called.
func (h *Handle) Closed() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.closed
}

// ReadFrame implements [capture.Handle].
func (h *Handle) ReadFrame(ctx context.Context) (audio.Frame, error) {
	if h.delay > 0 {
		t := time.NewTimer(h.delay)
		select {
		case <-ctx.Done():
			t.Stop()
		case <-t.C:
		}
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return audio.Frame{}, capture.ErrHandleClosed
	}
	empty := audio.Frame{Spec: h.spec, Timestamp: h.spec.Duration(h.spec.FrameBytes(int(h.delivered)))}
	if ctx.Err() != nil {
		h.mu.Unlock()
		return empty, capture.ErrStopped
	}
	if h.failAfter > 0 && h.reads >= h.failAfter {
		h.mu.Unlock()
		return empty, fmt.Errorf("%w: mock device unplugged", capture.ErrDeviceError)
	}

	n := int64(h.frameSize)
	if h.total > 0 {
		n = min(n, h.total-h.delivered)
	}
	ch := int64(h.spec.Channels)
	samples := make([]int16, n*ch)
	for i := range samples {
		samples[i] = h.sample(h.delivered*ch + int64(i))
	}
	f := audio.Frame{
		Data:       audio.SamplesToBytes(samples),
		Spec:       h.spec,
		FrameCount: int(n),
		Timestamp:  empty.Timestamp,
	}
	h.delivered += n
	h.reads++
	delivered := h.delivered
	h.mu.Unlock()

	if h.onRead != nil {
		h.onRead(delivered)
	}
	if n < int64(h.frameSize) {
		return f, io.EOF
	}
	return f, nil
}

// Close implements [capture.Handle].
func (h *Handle) Close() error {
	h.mu.Lock()
	h.closed = true
	h.mu.Unlock()
	return nil
}
