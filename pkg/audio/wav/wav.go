// Package wav reads and writes canonical RIFF/WAVE containers carrying 16-bit
// signed PCM.
//
// [Decode] accepts any chunk layout a conforming encoder may produce (extra
// chunks such as LIST are skipped). [Encode] and [Writer] always emit the
// canonical 44-byte header: RIFF, fmt (16 bytes, PCM), data.
package wav

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/MrWong99/livecoach/pkg/audio"
)

// HeaderSize is the length of the canonical header written by [Encode] and
// [Writer].
const HeaderSize = 44

const (
	formatPCM        = 1
	formatExtensible = 0xFFFE
	bitsPerSample    = 16

	// unknownSize is written into size fields before the final length is known.
	unknownSize = 0xFFFFFFFF
)

var (
	// ErrMalformed is returned when the input is not a well-formed RIFF/WAVE
	// container.
	ErrMalformed = errors.New("wav: malformed container")

	// ErrUnsupported is returned for well-formed containers whose encoding is
	// not 16-bit linear PCM.
	ErrUnsupported = errors.New("wav: unsupported encoding")
)

// Clip is a decoded container: the stream shape and its raw sample bytes.
type Clip struct {
	Spec audio.StreamSpec
	Data []byte
}

// Duration returns the playback length of the clip.
func (c *Clip) Duration() time.Duration { return c.Spec.Duration(len(c.Data)) }

// FrameCount returns the number of sample frames in the clip.
func (c *Clip) FrameCount() int {
	return len(c.Data) / (c.Spec.Channels * audio.BytesPerSample)
}

// Frames splits the clip into frames of frameSize sample frames each. The last
// frame may be shorter.
func (c *Clip) Frames(frameSize int) []audio.Frame {
	if frameSize <= 0 {
		frameSize = c.FrameCount()
	}
	step := c.Spec.FrameBytes(frameSize)
	if step == 0 {
		return nil
	}
	out := make([]audio.Frame, 0, len(c.Data)/step+1)
	for off := 0; off < len(c.Data); off += step {
		end := min(off+step, len(c.Data))
		n := (end - off) / (c.Spec.Channels * audio.BytesPerSample)
		out = append(out, audio.Frame{
			Data:       c.Data[off:end],
			Spec:       c.Spec,
			FrameCount: n,
			Timestamp:  c.Spec.Duration(off),
		})
	}
	return out
}

// Decode reads a complete container from r.
func Decode(r io.Reader) (*Clip, error) {
	b, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("wav: read: %w", err)
	}
	return DecodeBytes(b)
}

// DecodeFile reads and decodes the container at path.
func DecodeFile(path string) (*Clip, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("wav: %w", err)
	}
	return DecodeBytes(b)
}

// DecodeBytes decodes an in-memory container. The returned clip's Data aliases b.
func DecodeBytes(b []byte) (*Clip, error) {
	if len(b) < 12 {
		return nil, fmt.Errorf("%w: %d bytes is too short for a RIFF header", ErrMalformed, len(b))
	}
	if string(b[0:4]) != "RIFF" {
		return nil, fmt.Errorf("%w: missing RIFF tag", ErrMalformed)
	}
	if string(b[8:12]) != "WAVE" {
		return nil, fmt.Errorf("%w: missing WAVE identifier", ErrMalformed)
	}

	var (
		spec     audio.StreamSpec
		foundFmt bool
	)

	// Walk chunks starting immediately after the 12-byte RIFF/WAVE header.
	offset := 12
	for offset+8 <= len(b) {
		id := string(b[offset : offset+4])
		size := int64(binary.LittleEndian.Uint32(b[offset+4 : offset+8]))
		body := offset + 8

		switch id {
		case "fmt ":
			if size < 16 || int64(body)+16 > int64(len(b)) {
				return nil, fmt.Errorf("%w: fmt chunk of %d bytes", ErrMalformed, size)
			}
			s, err := parseFmt(b[body:min(int64(body)+size, int64(len(b)))])
			if err != nil {
				return nil, err
			}
			spec, foundFmt = s, true

		case "data":
			if !foundFmt {
				return nil, fmt.Errorf("%w: data chunk before fmt chunk", ErrMalformed)
			}
			end := int64(body) + size
			// Streaming writers leave the size unknown; take what is there.
			if size == unknownSize || end > int64(len(b)) {
				end = int64(len(b))
			}
			data := b[body:end]
			if stride := spec.Channels * audio.BytesPerSample; len(data)%stride != 0 {
				return nil, fmt.Errorf("%w: data length %d is not a multiple of the %d-byte block",
					ErrMalformed, len(data), stride)
			}
			return &Clip{Spec: spec, Data: data}, nil
		}

		// Chunks are word-aligned: pad by 1 if odd size.
		next := int64(body) + size + size%2
		if next > int64(len(b)) {
			break
		}
		offset = int(next)
	}
	return nil, fmt.Errorf("%w: missing data chunk", ErrMalformed)
}

func parseFmt(f []byte) (audio.StreamSpec, error) {
	format := binary.LittleEndian.Uint16(f[0:2])
	channels := int(binary.LittleEndian.Uint16(f[2:4]))
	rate := int(binary.LittleEndian.Uint32(f[4:8]))
	bits := int(binary.LittleEndian.Uint16(f[14:16]))

	if format == formatExtensible {
		// The sub-format GUID starts with the plain format tag.
		if len(f) < 26 {
			return audio.StreamSpec{}, fmt.Errorf("%w: truncated extensible fmt chunk", ErrMalformed)
		}
		format = binary.LittleEndian.Uint16(f[24:26])
	}
	if format != formatPCM {
		return audio.StreamSpec{}, fmt.Errorf("%w: format tag %d, want PCM", ErrUnsupported, format)
	}
	if bits != bitsPerSample {
		return audio.StreamSpec{}, fmt.Errorf("%w: %d bits per sample, want 16", ErrUnsupported, bits)
	}
	if channels <= 0 || rate <= 0 {
		return audio.StreamSpec{}, fmt.Errorf("%w: %d channels at %d Hz", ErrMalformed, channels, rate)
	}
	return audio.StreamSpec{Channels: channels, SampleRate: rate, Format: audio.FormatS16LE}, nil
}

// Encode wraps pcm in a canonical container for spec.
func Encode(pcm []byte, spec audio.StreamSpec) []byte {
	var buf bytes.Buffer
	buf.Grow(HeaderSize + len(pcm) + 1)
	buf.Write(header(spec, uint32(len(pcm))))
	buf.Write(pcm)
	if len(pcm)%2 != 0 {
		buf.WriteByte(0)
	}
	return buf.Bytes()
}

// WriteFile encodes pcm and writes it to path.
func WriteFile(path string, pcm []byte, spec audio.StreamSpec) error {
	if err := os.WriteFile(path, Encode(pcm, spec), 0o644); err != nil {
		return fmt.Errorf("wav: %w", err)
	}
	return nil
}

// header builds the canonical 44-byte header for dataSize bytes of audio.
func header(spec audio.StreamSpec, dataSize uint32) []byte {
	byteRate := spec.SampleRate * spec.Channels * bitsPerSample / 8
	blockAlign := spec.Channels * bitsPerSample / 8

	riffSize := uint32(unknownSize)
	if dataSize != unknownSize {
		riffSize = riffSizeFor(int64(dataSize))
	}

	buf := make([]byte, HeaderSize)

	// RIFF chunk descriptor
	copy(buf[0:4], "RIFF")
	binary.LittleEndian.PutUint32(buf[4:8], riffSize)
	copy(buf[8:12], "WAVE")

	// fmt sub-chunk
	copy(buf[12:16], "fmt ")
	binary.LittleEndian.PutUint32(buf[16:20], 16)                       // sub-chunk size (PCM)
	binary.LittleEndian.PutUint16(buf[20:22], formatPCM)                // audio format
	binary.LittleEndian.PutUint16(buf[22:24], uint16(spec.Channels))    // num channels
	binary.LittleEndian.PutUint32(buf[24:28], uint32(spec.SampleRate))  // sample rate
	binary.LittleEndian.PutUint32(buf[28:32], uint32(byteRate))         // byte rate
	binary.LittleEndian.PutUint16(buf[32:34], uint16(blockAlign))       // block align
	binary.LittleEndian.PutUint16(buf[34:36], uint16(bitsPerSample))    // bits per sample

	// data sub-chunk
	copy(buf[36:40], "data")
	binary.LittleEndian.PutUint32(buf[40:44], dataSize)
	return buf
}

// riffSizeFor returns the RIFF size field (file size − 8) for a data chunk of n
// bytes, including the pad byte for odd lengths.
func riffSizeFor(n int64) uint32 {
	return uint32(36 + n + n%2)
}
