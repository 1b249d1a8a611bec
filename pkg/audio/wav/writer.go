package wav

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"

	"github.com/MrWong99/livecoach/pkg/audio"
)

// ErrWriterClosed is returned by [Writer.Write] after [Writer.Close].
var ErrWriterClosed = errors.New("wav: writer closed")

// Writer streams PCM into a container whose total length is unknown up front.
// The header is written with placeholder sizes before the first sample and
// patched by [Writer.Close].
//
// Writer is not safe for concurrent use.
type Writer struct {
	ws   io.WriteSeeker
	spec audio.StreamSpec

	start       int64 // offset of the RIFF tag within ws
	dataBytes   int64
	wroteHeader bool
	closed      bool
}

// NewWriter returns a Writer that emits a container for spec into ws, starting
// at the current offset of ws.
func NewWriter(ws io.WriteSeeker, spec audio.StreamSpec) (*Writer, error) {
	if err := spec.Validate(); err != nil {
		return nil, fmt.Errorf("wav: %w", err)
	}
	start, err := ws.Seek(0, io.SeekCurrent)
	if err != nil {
		return nil, fmt.Errorf("wav: locate start: %w", err)
	}
	return &Writer{ws: ws, spec: spec, start: start}, nil
}

// Spec returns the stream shape declared in the header.
func (w *Writer) Spec() audio.StreamSpec { return w.spec }

// DataBytes returns the number of sample bytes written so far.
func (w *Writer) DataBytes() int64 { return w.dataBytes }

// HeaderWritten reports whether the placeholder header has been emitted.
func (w *Writer) HeaderWritten() bool { return w.wroteHeader }

// WriteHeader writes the header with placeholder sizes. It is called
// implicitly by the first [Writer.Write] and is a no-op once written.
func (w *Writer) WriteHeader() error {
	if w.closed {
		return ErrWriterClosed
	}
	if w.wroteHeader {
		return nil
	}
	if _, err := w.ws.Write(header(w.spec, unknownSize)); err != nil {
		return fmt.Errorf("wav: write header: %w", err)
	}
	w.wroteHeader = true
	return nil
}

// Write appends raw sample bytes. Chunks need not be aligned to sample
// boundaries; only the total length must be whole frames by [Writer.Close].
func (w *Writer) Write(p []byte) (int, error) {
	if w.closed {
		return 0, ErrWriterClosed
	}
	if err := w.WriteHeader(); err != nil {
		return 0, err
	}
	if w.dataBytes+int64(len(p)) > math.MaxUint32-36 {
		return 0, fmt.Errorf("wav: container would exceed 4 GiB")
	}
	n, err := w.ws.Write(p)
	w.dataBytes += int64(n)
	if err != nil {
		return n, fmt.Errorf("wav: write data: %w", err)
	}
	return n, nil
}

// Close finalizes the container: it writes the header if no data was ever
// written, pads odd-length data, and patches both size fields. The write
// position is left at the end of the container. Close is idempotent.
func (w *Writer) Close() error {
	if w.closed {
		return nil
	}
	if err := w.WriteHeader(); err != nil {
		return err
	}
	w.closed = true

	if w.dataBytes%2 != 0 {
		if _, err := w.ws.Write([]byte{0}); err != nil {
			return fmt.Errorf("wav: write pad byte: %w", err)
		}
	}

	var field [4]byte
	binary.LittleEndian.PutUint32(field[:], riffSizeFor(w.dataBytes))
	if err := w.patch(4, field[:]); err != nil {
		return err
	}
	binary.LittleEndian.PutUint32(field[:], uint32(w.dataBytes))
	if err := w.patch(40, field[:]); err != nil {
		return err
	}

	end := w.start + HeaderSize + w.dataBytes + w.dataBytes%2
	if _, err := w.ws.Seek(end, io.SeekStart); err != nil {
		return fmt.Errorf("wav: seek to end: %w", err)
	}
	return nil
}

func (w *Writer) patch(off int64, b []byte) error {
	if _, err := w.ws.Seek(w.start+off, io.SeekStart); err != nil {
		return fmt.Errorf("wav: seek to size field: %w", err)
	}
	if _, err := w.ws.Write(b); err != nil {
		return fmt.Errorf("wav: patch size field: %w", err)
	}
	return nil
}

// Buffer is an in-memory [io.WriteSeeker]. Writes past the end grow the
// buffer; seeking past the end and writing zero-fills the gap.
type Buffer struct {
	buf []byte
	off int64
}

// Write implements [io.Writer].
func (b *Buffer) Write(p []byte) (int, error) {
	end := b.off + int64(len(p))
	if end > int64(len(b.buf)) {
		if end > int64(cap(b.buf)) {
			grown := make([]byte, end, max(end, 2*int64(cap(b.buf))))
			copy(grown, b.buf)
			b.buf = grown
		} else {
			b.buf = b.buf[:end]
		}
	}
	copy(b.buf[b.off:], p)
	b.off = end
	return len(p), nil
}

// Seek implements [io.Seeker].
func (b *Buffer) Seek(offset int64, whence int) (int64, error) {
	var abs int64
	switch whence {
	case io.SeekStart:
		abs = offset
	case io.SeekCurrent:
		abs = b.off + offset
	case io.SeekEnd:
		abs = int64(len(b.buf)) + offset
	default:
		return 0, errors.New("wav: buffer seek: invalid whence")
	}
	if abs < 0 {
		return 0, errors.New("wav: buffer seek: negative position")
	}
	b.off = abs
	return abs, nil
}

// Bytes returns the buffer contents. The slice aliases the buffer until the
// next Write.
func (b *Buffer) Bytes() []byte { return b.buf }

// Len returns the number of bytes in the buffer.
func (b *Buffer) Len() int { return len(b.buf) }
