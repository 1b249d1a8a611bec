package pipeline

import (
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/MrWong99/livecoach/pkg/audio"
	"github.com/MrWong99/livecoach/pkg/audio/wav"
	"github.com/MrWong99/livecoach/pkg/provider/s2s"
)

// ErrAssemblerClosed is returned by [Assembler.OnChunk] after
// [Assembler.Finalize].
var ErrAssemblerClosed = errors.New("pipeline: assembler closed")

// ─────────────────────────────────────────────────────────────────────────────
// Container
// ─────────────────────────────────────────────────────────────────────────────

// Container describes a finalized response container.
type Container struct {
	// Spec is the stream shape declared in the header.
	Spec audio.StreamSpec

	// DataBytes is the length of the PCM body.
	DataBytes int64

	// Chunks is the number of data-bearing response chunks appended.
	Chunks int

	data []byte // full container, memory targets only
}

// Empty reports whether the body holds no audio. An empty container is a
// valid "no response" outcome, not an error.
func (c Container) Empty() bool { return c.DataBytes == 0 }

// Duration returns the playback length of the body.
func (c Container) Duration() time.Duration { return c.Spec.Duration(int(c.DataBytes)) }

// Bytes returns the encoded container for assemblers created with
// [NewMemoryAssembler], or nil otherwise.
func (c Container) Bytes() []byte { return c.data }

// ─────────────────────────────────────────────────────────────────────────────
// Assembler
// ─────────────────────────────────────────────────────────────────────────────

// Assembler appends response chunks, in arrival order, to a streamed WAV
// container. The header is written with placeholder sizes when the first
// chunk arrives and patched by [Assembler.Finalize].
//
// All methods are safe for concurrent use.
type Assembler struct {
	mu  sync.Mutex
	w   *wav.Writer
	mem *wav.Buffer

	chunks    int
	finalized bool
	result    Container
	err       error
}

// AssemblerOption configures an [Assembler].
type AssemblerOption func(*assemblerConfig)

type assemblerConfig struct {
	spec audio.StreamSpec
}

// WithSpec sets the header's stream shape. The default is
// [audio.ResponseSpec] (24 kHz mono 16-bit).
func WithSpec(spec audio.StreamSpec) AssemblerOption {
	return func(c *assemblerConfig) { c.spec = spec }
}

// NewAssembler returns an assembler writing to ws from its current offset.
func NewAssembler(ws io.WriteSeeker, opts ...AssemblerOption) (*Assembler, error) {
	cfg := assemblerConfig{spec: audio.ResponseSpec}
	for _, o := range opts {
		o(&cfg)
	}
	w, err := wav.NewWriter(ws, cfg.spec)
	if err != nil {
		return nil, fmt.Errorf("pipeline: assembler: %w", err)
	}
	return &Assembler{w: w}, nil
}

// NewMemoryAssembler returns an assembler backed by memory; the finalized
// container is available from [Container.Bytes].
func NewMemoryAssembler(opts ...AssemblerOption) *Assembler {
	buf := &wav.Buffer{}
	a, err := NewAssembler(buf, opts...)
	if err != nil {
		// A Buffer never fails to seek; only an invalid spec gets here.
		panic(err)
	}
	a.mem = buf
	return a
}

// OnChunk appends chunk's bytes to the body. An empty chunk still commits the
// header.
func (a *Assembler) OnChunk(chunk s2s.ResponseChunk) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.finalized {
		return ErrAssemblerClosed
	}
	if err := a.w.WriteHeader(); err != nil {
		return fmt.Errorf("pipeline: assembler: %w", err)
	}
	if len(chunk.Data) == 0 {
		return nil
	}
	if _, err := a.w.Write(chunk.Data); err != nil {
		return fmt.Errorf("pipeline: assembler: %w", err)
	}
	a.chunks++
	return nil
}

// DataBytes returns the number of body bytes appended so far.
func (a *Assembler) DataBytes() int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.w.DataBytes()
}

// Finalize patches the header sizes and returns the container. Later calls
// return the same container and error without touching the target.
func (a *Assembler) Finalize() (Container, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.finalized {
		return a.result, a.err
	}
	a.finalized = true

	if err := a.w.Close(); err != nil {
		a.err = fmt.Errorf("pipeline: finalize: %w", err)
	}
	a.result = Container{
		Spec:      a.w.Spec(),
		DataBytes: a.w.DataBytes(),
		Chunks:    a.chunks,
	}
	if a.mem != nil && a.err == nil {
		a.result.data = append([]byte(nil), a.mem.Bytes()...)
	}
	return a.result, a.err
}
