package capture

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"sync"
	"time"

	"github.com/MrWong99/livecoach/pkg/audio"
	"github.com/MrWong99/livecoach/pkg/audio/wav"
)

// FileOption configures a [FileSource].
type FileOption func(*FileSource)

// WithRealtime paces ReadFrame so frames are delivered no faster than they
// would arrive from a live device.
func WithRealtime() FileOption {
	return func(s *FileSource) { s.realtime = true }
}

// FileSource plays a WAV file as a capture device. The device spec is the
// file's own spec; opening with any other non-zero spec fails with
// [ErrDeviceUnavailable], as a device would for an unsupported format.
type FileSource struct {
	path     string
	realtime bool
}

var _ Source = (*FileSource)(nil)

// NewFileSource returns a source reading the WAV file at path.
func NewFileSource(path string, opts ...FileOption) *FileSource {
	s := &FileSource{path: path}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Path returns the file the source reads.
func (s *FileSource) Path() string { return s.path }

// Open implements [Source].
func (s *FileSource) Open(spec audio.StreamSpec, frameSize int) (Handle, error) {
	frameSize, err := resolveFrameSize(frameSize)
	if err != nil {
		return nil, err
	}
	clip, err := wav.DecodeFile(s.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) || errors.Is(err, fs.ErrPermission) {
			return nil, fmt.Errorf("%w: %w", ErrDeviceUnavailable, err)
		}
		return nil, fmt.Errorf("capture: open %s: %w", s.path, err)
	}
	if spec != (audio.StreamSpec{}) && spec != clip.Spec {
		return nil, fmt.Errorf("%w: %s is %s, requested %s", ErrDeviceUnavailable, s.path, clip.Spec, spec)
	}
	return &fileHandle{
		clip:      clip,
		frameSize: frameSize,
		realtime:  s.realtime,
	}, nil
}

type fileHandle struct {
	clip      *wav.Clip
	frameSize int
	realtime  bool

	mu      sync.Mutex
	offset  int // byte offset of the next frame
	started time.Time
	closed  bool
}

func (h *fileHandle) Spec() audio.StreamSpec { return h.clip.Spec }
func (h *fileHandle) FrameSize() int         { return h.frameSize }

func (h *fileHandle) ReadFrame(ctx context.Context) (audio.Frame, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	spec := h.clip.Spec
	stride := spec.Channels * audio.BytesPerSample
	delivered := int64(h.offset / stride)

	if h.closed {
		return audio.Frame{}, ErrHandleClosed
	}
	if ctx.Err() != nil {
		return frameAt(nil, spec, delivered), ErrStopped
	}

	end := min(h.offset+h.frameSize*stride, len(h.clip.Data))
	pcm := h.clip.Data[h.offset:end]

	if h.realtime {
		if h.started.IsZero() {
			h.started = time.Now()
		}
		due := h.started.Add(spec.Duration(end))
		if wait := time.Until(due); wait > 0 {
			t := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				t.Stop()
				return frameAt(nil, spec, delivered), ErrStopped
			case <-t.C:
			}
		}
	}

	h.offset = end
	f := frameAt(pcm, spec, delivered)
	if f.FrameCount < h.frameSize {
		return f, io.EOF
	}
	return f, nil
}

func (h *fileHandle) Close() error {
	h.mu.Lock()
	h.closed = true
	h.mu.Unlock()
	return nil
}
