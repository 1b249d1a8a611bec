package capture

import (
	"context"
	"fmt"
	"sync"

	"github.com/MrWong99/livecoach/pkg/audio"
)

// DefaultDeviceSpec is the format the default input device is opened with
// when Open receives a zero spec.
var DefaultDeviceSpec = audio.Mono16(audio.SampleRate44_1kHz)

// maxBlock bounds how many frames one blocking device read may take. Frames
// are assembled from blocks so a stop is honoured within one block.
const maxBlock = 256

// deviceStream is a started hardware input stream.
type deviceStream interface {
	// read fills dst with exactly len(dst) interleaved samples.
	read(dst []int16) error
	close() error
}

type openFunc func(spec audio.StreamSpec, block int) (deviceStream, error)

// DeviceSource captures from the system default input device. Only one handle
// may be open per DeviceSource at a time.
type DeviceSource struct {
	open openFunc

	mu    sync.Mutex
	inUse bool
}

var _ Source = (*DeviceSource)(nil)

// NewDeviceSource returns a source bound to the default input device.
// Without the portaudio build tag every Open fails with
// [ErrDeviceUnavailable].
func NewDeviceSource() *DeviceSource {
	return &DeviceSource{open: openDeviceStream}
}

// Open implements [Source].
func (d *DeviceSource) Open(spec audio.StreamSpec, frameSize int) (Handle, error) {
	if spec == (audio.StreamSpec{}) {
		spec = DefaultDeviceSpec
	}
	if err := spec.Validate(); err != nil {
		return nil, fmt.Errorf("capture: %w", err)
	}
	frameSize, err := resolveFrameSize(frameSize)
	if err != nil {
		return nil, err
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.inUse {
		return nil, fmt.Errorf("%w: device is in use by another capture", ErrDeviceUnavailable)
	}

	block := blockSize(frameSize)
	stream, err := d.open(spec, block)
	if err != nil {
		return nil, err
	}
	d.inUse = true

	return &deviceHandle{
		src:       d,
		stream:    stream,
		spec:      spec,
		frameSize: frameSize,
		block:     block,
	}, nil
}

func (d *DeviceSource) release() {
	d.mu.Lock()
	d.inUse = false
	d.mu.Unlock()
}

// blockSize returns the largest divisor of frameSize not above maxBlock.
func blockSize(frameSize int) int {
	for b := min(frameSize, maxBlock); b > 1; b-- {
		if frameSize%b == 0 {
			return b
		}
	}
	return 1
}

type deviceHandle struct {
	src    *DeviceSource
	stream deviceStream
	spec   audio.StreamSpec

	frameSize int
	block     int

	mu        sync.Mutex
	delivered int64
	closed    bool
	failed    error
}

func (h *deviceHandle) Spec() audio.StreamSpec { return h.spec }
func (h *deviceHandle) FrameSize() int         { return h.frameSize }

func (h *deviceHandle) ReadFrame(ctx context.Context) (audio.Frame, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return audio.Frame{}, ErrHandleClosed
	}
	if h.failed != nil {
		return audio.Frame{}, h.failed
	}

	ch := h.spec.Channels
	samples := make([]int16, h.frameSize*ch)
	filled := 0
	for filled < len(samples) {
		if ctx.Err() != nil {
			return h.emit(samples[:filled]), ErrStopped
		}
		dst := samples[filled : filled+h.block*ch]
		if err := h.stream.read(dst); err != nil {
			h.failed = fmt.Errorf("%w: %v", ErrDeviceError, err)
			return h.emit(samples[:filled]), h.failed
		}
		filled += len(dst)
	}
	return h.emit(samples), nil
}

func (h *deviceHandle) emit(samples []int16) audio.Frame {
	f := frameAt(audio.SamplesToBytes(samples), h.spec, h.delivered)
	h.delivered += int64(f.FrameCount)
	return f
}

func (h *deviceHandle) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil
	}
	h.closed = true
	err := h.stream.close()
	h.src.release()
	if err != nil {
		return fmt.Errorf("capture: close device: %w", err)
	}
	return nil
}
