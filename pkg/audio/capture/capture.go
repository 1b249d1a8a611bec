// Package capture pulls fixed-size PCM frames from an audio input.
//
// A [Source] opens a [Handle] for one stream spec and frame size. The handle
// owns the underlying input for its lifetime; [Handle.ReadFrame] blocks until
// exactly one full frame is available. Cancelling the context passed to
// ReadFrame is a user stop, not a failure: the call returns whatever samples
// were already read together with [ErrStopped].
//
// Implementations:
//
//   - [DeviceSource]: the default microphone via PortAudio (build tag portaudio).
//   - [FileSource]: a WAV file read as if it were a device.
//   - capture/mock: a scripted source for tests.
package capture

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MrWong99/livecoach/pkg/audio"
)

// DefaultFrameSize is the number of sample frames returned per ReadFrame call
// unless configured otherwise.
const DefaultFrameSize = 1024

var (
	// ErrDeviceUnavailable is returned by Open when no input device exists,
	// permission is denied, or the device is already owned by another handle.
	// Callers must not retry automatically.
	ErrDeviceUnavailable = errors.New("capture: device unavailable")

	// ErrDeviceError is returned by ReadFrame on a mid-stream device failure.
	// The handle is unusable afterwards and must be closed.
	ErrDeviceError = errors.New("capture: device error")

	// ErrStopped is returned by ReadFrame when its context was cancelled. The
	// accompanying frame holds any samples read before the stop.
	ErrStopped = errors.New("capture: stopped")

	// ErrHandleClosed is returned by ReadFrame after Close.
	ErrHandleClosed = errors.New("capture: handle closed")
)

// Source opens capture handles.
type Source interface {
	// Open acquires the input for spec. A zero spec asks for the input's native
	// format. frameSize is the fixed number of sample frames per ReadFrame;
	// zero selects [DefaultFrameSize].
	Open(spec audio.StreamSpec, frameSize int) (Handle, error)
}

// Handle is an open capture stream.
type Handle interface {
	// Spec returns the format of the frames this handle produces.
	Spec() audio.StreamSpec

	// FrameSize returns the fixed number of sample frames per ReadFrame.
	FrameSize() int

	// ReadFrame blocks until exactly FrameSize frames are available.
	//
	// On context cancellation it returns the samples read so far (possibly
	// none) with [ErrStopped]. A finite source that runs out returns its final
	// short frame with io.EOF. Device failures wrap [ErrDeviceError].
	ReadFrame(ctx context.Context) (audio.Frame, error)

	// Close releases the input. It is idempotent.
	Close() error
}

func resolveFrameSize(frameSize int) (int, error) {
	switch {
	case frameSize == 0:
		return DefaultFrameSize, nil
	case frameSize < 0:
		return 0, fmt.Errorf("capture: frame size %d must be positive", frameSize)
	default:
		return frameSize, nil
	}
}

// frameAt wraps pcm as a frame whose timestamp is derived from the number of
// frames already delivered on the handle.
func frameAt(pcm []byte, spec audio.StreamSpec, delivered int64) audio.Frame {
	stride := spec.Channels * audio.BytesPerSample
	return audio.Frame{
		Data:       pcm,
		Spec:       spec,
		FrameCount: len(pcm) / stride,
		Timestamp:  time.Duration(delivered) * time.Second / time.Duration(spec.SampleRate),
	}
}
