package audio

import (
	"errors"
	"fmt"
	"time"
)

// BytesPerSample is the width of one S16LE sample.
const BytesPerSample = 2

// Well-known sample rates used across the pipeline.
const (
	SampleRate16kHz   = 16000
	SampleRate24kHz   = 24000
	SampleRate44_1kHz = 44100
)

// ErrUnsupportedConversion is returned when a stream spec uses a sample format
// other than 16-bit signed PCM, or a channel layout the converter cannot map.
var ErrUnsupportedConversion = errors.New("audio: unsupported conversion")

// ErrInvalidFrame is returned when a buffer does not satisfy the frame
// invariant len(data) == frameCount * channels * 2.
var ErrInvalidFrame = errors.New("audio: invalid frame")

// SampleFormat identifies the encoding of individual samples.
type SampleFormat string

const (
	// FormatS16LE is signed 16-bit little-endian PCM, the only format the
	// pipeline carries.
	FormatS16LE SampleFormat = "s16le"
)

// String returns the format name.
func (f SampleFormat) String() string { return string(f) }

// StreamSpec describes the shape of a PCM stream.
type StreamSpec struct {
	// Channels is the interleaved channel count (1 = mono, 2 = stereo).
	Channels int

	// SampleRate in Hz.
	SampleRate int

	// Format is the per-sample encoding.
	Format SampleFormat
}

// WireSpec is the format the realtime session expects for outbound audio.
var WireSpec = StreamSpec{Channels: 1, SampleRate: SampleRate16kHz, Format: FormatS16LE}

// ResponseSpec is the format of the audio the realtime session returns.
var ResponseSpec = StreamSpec{Channels: 1, SampleRate: SampleRate24kHz, Format: FormatS16LE}

// Mono16 returns a mono S16LE spec at the given rate.
func Mono16(sampleRate int) StreamSpec {
	return StreamSpec{Channels: 1, SampleRate: sampleRate, Format: FormatS16LE}
}

// Compatible reports whether s and o describe the same stream shape. Only
// identical specs are compatible; anything else needs conversion.
func (s StreamSpec) Compatible(o StreamSpec) bool {
	return s == o
}

// Validate checks that s has positive dimensions and a known format.
func (s StreamSpec) Validate() error {
	if s.Channels <= 0 {
		return fmt.Errorf("audio: channel count %d must be positive", s.Channels)
	}
	if s.SampleRate <= 0 {
		return fmt.Errorf("audio: sample rate %d must be positive", s.SampleRate)
	}
	if s.Format != FormatS16LE {
		return fmt.Errorf("%w: sample format %q", ErrUnsupportedConversion, s.Format)
	}
	return nil
}

// FrameBytes returns the byte length of frameCount frames in this spec.
func (s StreamSpec) FrameBytes(frameCount int) int {
	return frameCount * s.Channels * BytesPerSample
}

// Duration returns the playback duration of n bytes of audio in this spec.
func (s StreamSpec) Duration(n int) time.Duration {
	if s.SampleRate <= 0 || s.Channels <= 0 {
		return 0
	}
	frames := n / (s.Channels * BytesPerSample)
	return time.Duration(frames) * time.Second / time.Duration(s.SampleRate)
}

// String returns a human-readable description, e.g. "44100Hz mono s16le".
func (s StreamSpec) String() string {
	return formatString(s.SampleRate, s.Channels) + " " + s.Format.String()
}

// Frame is an immutable buffer of interleaved S16LE samples. Frames are the
// unit of transport between capture, conversion and the realtime session.
//
// Invariant: len(Data) == FrameCount * Spec.Channels * 2.
type Frame struct {
	// Data holds the interleaved little-endian samples. Callers must not
	// modify it after the frame has been handed on.
	Data []byte

	// Spec is the stream shape the samples belong to.
	Spec StreamSpec

	// FrameCount is the number of sample frames (samples per channel).
	FrameCount int

	// Timestamp marks the frame's offset from the start of its stream.
	Timestamp time.Duration
}

// NewFrame wraps data as a Frame in spec, deriving FrameCount from the
// buffer length. It fails with [ErrInvalidFrame] when data is not a whole
// number of sample frames.
func NewFrame(data []byte, spec StreamSpec, ts time.Duration) (Frame, error) {
	if spec.Channels <= 0 {
		return Frame{}, fmt.Errorf("%w: channel count %d", ErrInvalidFrame, spec.Channels)
	}
	stride := spec.Channels * BytesPerSample
	if len(data)%stride != 0 {
		return Frame{}, fmt.Errorf("%w: %d bytes is not a multiple of %d", ErrInvalidFrame, len(data), stride)
	}
	return Frame{
		Data:       data,
		Spec:       spec,
		FrameCount: len(data) / stride,
		Timestamp:  ts,
	}, nil
}

// Validate re-checks the frame invariant.
func (f Frame) Validate() error {
	if f.Spec.Channels <= 0 {
		return fmt.Errorf("%w: channel count %d", ErrInvalidFrame, f.Spec.Channels)
	}
	if want := f.Spec.FrameBytes(f.FrameCount); len(f.Data) != want {
		return fmt.Errorf("%w: %d bytes, want %d for %d frames of %s",
			ErrInvalidFrame, len(f.Data), want, f.FrameCount, f.Spec)
	}
	return nil
}

// Empty reports whether the frame carries no samples.
func (f Frame) Empty() bool { return f.FrameCount == 0 }

// Duration returns the playback duration of the frame.
func (f Frame) Duration() time.Duration { return f.Spec.Duration(len(f.Data)) }
