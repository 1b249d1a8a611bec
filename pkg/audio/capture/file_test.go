package capture_test

import (
	"context"
	"errors"
	"io"
	"path/filepath"
	"testing"
	"time"

	"github.com/MrWong99/livecoach/pkg/audio"
	"github.com/MrWong99/livecoach/pkg/audio/capture"
	"github.com/MrWong99/livecoach/pkg/audio/wav"
)

func writeClip(t *testing.T, frames int, spec audio.StreamSpec) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "input.wav")
	if err := wav.WriteFile(path, make([]byte, spec.FrameBytes(frames)), spec); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	return path
}

func TestFileSource_ReadsWholeFile(t *testing.T) {
	t.Parallel()

	spec := audio.Mono16(44100)
	path := writeClip(t, 2500, spec)

	h, err := capture.NewFileSource(path).Open(audio.StreamSpec{}, 1024)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer h.Close()
	if h.Spec() != spec {
		t.Errorf("spec = %s, want %s", h.Spec(), spec)
	}

	var counts []int
	for {
		f, err := h.ReadFrame(context.Background())
		if err := f.Validate(); err != nil {
			t.Fatalf("invalid frame: %v", err)
		}
		counts = append(counts, f.FrameCount)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			t.Fatalf("ReadFrame: %v", err)
		}
	}
	want := []int{1024, 1024, 452}
	if len(counts) != len(want) {
		t.Fatalf("frame counts = %v, want %v", counts, want)
	}
	for i := range want {
		if counts[i] != want[i] {
			t.Errorf("frame %d: %d frames, want %d", i, counts[i], want[i])
		}
	}
}

func TestFileSource_ExactMultipleEndsWithEmptyEOF(t *testing.T) {
	t.Parallel()

	path := writeClip(t, 2048, audio.WireSpec)
	h, _ := capture.NewFileSource(path).Open(audio.WireSpec, 1024)
	defer h.Close()

	for range 2 {
		if _, err := h.ReadFrame(context.Background()); err != nil {
			t.Fatalf("ReadFrame: %v", err)
		}
	}
	f, err := h.ReadFrame(context.Background())
	if !errors.Is(err, io.EOF) || !f.Empty() {
		t.Errorf("got %d frames, err %v; want empty frame with io.EOF", f.FrameCount, err)
	}
}

func TestFileSource_OpenErrors(t *testing.T) {
	t.Parallel()

	if _, err := capture.NewFileSource(filepath.Join(t.TempDir(), "nope.wav")).Open(audio.StreamSpec{}, 0); !errors.Is(err, capture.ErrDeviceUnavailable) {
		t.Errorf("missing file err = %v, want ErrDeviceUnavailable", err)
	}

	path := writeClip(t, 100, audio.Mono16(44100))
	if _, err := capture.NewFileSource(path).Open(audio.WireSpec, 0); !errors.Is(err, capture.ErrDeviceUnavailable) {
		t.Errorf("spec mismatch err = %v, want ErrDeviceUnavailable", err)
	}
	if _, err := capture.NewFileSource(path).Open(audio.StreamSpec{}, -1); err == nil {
		t.Error("negative frame size accepted")
	}
}

func TestFileSource_Stop(t *testing.T) {
	t.Parallel()

	path := writeClip(t, 16000, audio.WireSpec)
	h, _ := capture.NewFileSource(path, capture.WithRealtime()).Open(audio.WireSpec, 1600)
	defer h.Close()

	ctx, cancel := context.WithCancel(context.Background())
	if _, err := h.ReadFrame(ctx); err != nil {
		t.Fatalf("first ReadFrame: %v", err)
	}
	cancel()

	start := time.Now()
	f, err := h.ReadFrame(ctx)
	if !errors.Is(err, capture.ErrStopped) {
		t.Fatalf("err = %v, want ErrStopped", err)
	}
	if !f.Empty() {
		t.Errorf("stopped read returned %d frames", f.FrameCount)
	}
	if f.Timestamp != 100*time.Millisecond {
		t.Errorf("timestamp = %v, want 100ms", f.Timestamp)
	}
	if time.Since(start) > time.Second {
		t.Error("stop was not prompt")
	}
}

func TestFileSource_RealtimePacing(t *testing.T) {
	t.Parallel()

	path := writeClip(t, 3200, audio.WireSpec) // 200ms
	h, _ := capture.NewFileSource(path, capture.WithRealtime()).Open(audio.WireSpec, 1600)
	defer h.Close()

	start := time.Now()
	for range 2 {
		if _, err := h.ReadFrame(context.Background()); err != nil {
			t.Fatalf("ReadFrame: %v", err)
		}
	}
	if elapsed := time.Since(start); elapsed < 150*time.Millisecond {
		t.Errorf("200ms of audio delivered in %v", elapsed)
	}
}

func TestDeviceSource_WithoutPortAudio(t *testing.T) {
	t.Parallel()

	h, err := capture.NewDeviceSource().Open(audio.StreamSpec{}, 0)
	if err == nil {
		h.Close()
		t.Skip("built with PortAudio and a default input device")
	}
	if !errors.Is(err, capture.ErrDeviceUnavailable) {
		t.Errorf("err = %v, want ErrDeviceUnavailable", err)
	}
}
