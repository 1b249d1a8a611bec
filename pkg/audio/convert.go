package audio

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"sync"
)

// ConverterOption configures a [FormatConverter].
type ConverterOption func(*FormatConverter)

// WithResampler selects the resampling backend. The default is
// [ResamplerLinear].
func WithResampler(kind ResamplerKind) ConverterOption {
	return func(c *FormatConverter) { c.kind = kind }
}

// FormatConverter converts the frames of one logical stream from one
// [StreamSpec] to another. Channel conversion is applied before rate
// conversion. The resampler keeps its phase and history across calls, so a
// stream converted chunk by chunk yields the same samples as the whole stream
// converted at once.
//
// Create one per stream; not designed for shared use across goroutines.
type FormatConverter struct {
	from, to  StreamSpec
	kind      ResamplerKind
	resampler Resampler

	// mid is the spec after channel conversion, before resampling.
	mid StreamSpec

	emitted        int64 // output frames produced so far, for timestamps
	warnedMismatch sync.Once
}

// NewFormatConverter returns a converter from one spec to another. It fails
// with [ErrUnsupportedConversion] if either side is not 16-bit signed PCM or
// the channel mapping is not mono↔stereo.
func NewFormatConverter(from, to StreamSpec, opts ...ConverterOption) (*FormatConverter, error) {
	if err := from.Validate(); err != nil {
		return nil, fmt.Errorf("audio: source spec: %w", err)
	}
	if err := to.Validate(); err != nil {
		return nil, fmt.Errorf("audio: target spec: %w", err)
	}
	if from.Channels != to.Channels && !(from.Channels <= 2 && to.Channels <= 2) {
		return nil, fmt.Errorf("%w: %d to %d channels", ErrUnsupportedConversion, from.Channels, to.Channels)
	}

	c := &FormatConverter{
		from: from,
		to:   to,
		kind: ResamplerLinear,
		mid:  StreamSpec{Channels: to.Channels, SampleRate: from.SampleRate, Format: FormatS16LE},
	}
	for _, o := range opts {
		o(c)
	}

	if from.SampleRate != to.SampleRate {
		r, err := NewResampler(c.kind, from.SampleRate, to.SampleRate, to.Channels)
		if err != nil {
			return nil, err
		}
		c.resampler = r
	}
	return c, nil
}

// From returns the source spec.
func (c *FormatConverter) From() StreamSpec { return c.from }

// To returns the target spec.
func (c *FormatConverter) To() StreamSpec { return c.to }

// Convert converts one frame. If the source spec already matches the target
// the frame is returned unchanged (zero allocation). The returned frame may be
// empty when the resampler is still accumulating history.
func (c *FormatConverter) Convert(frame Frame) (Frame, error) {
	if frame.Spec != c.from {
		return Frame{}, fmt.Errorf("%w: frame is %s, converter expects %s",
			ErrUnsupportedConversion, frame.Spec, c.from)
	}
	if err := frame.Validate(); err != nil {
		return Frame{}, err
	}

	// Fast path: source matches target.
	if c.from.Compatible(c.to) {
		return frame, nil
	}

	c.warnedMismatch.Do(func() {
		slog.Warn("audio format mismatch: converting",
			"from", c.from.String(),
			"to", c.to.String(),
		)
	})

	// Step 1: channel conversion.
	pcm := frame.Data
	switch {
	case c.from.Channels == 2 && c.to.Channels == 1:
		pcm = StereoToMono(pcm)
	case c.from.Channels == 1 && c.to.Channels == 2:
		pcm = MonoToStereo(pcm)
	}

	// Step 2: rate conversion.
	if c.resampler != nil {
		out, err := c.resampler.Process(BytesToSamples(pcm))
		if err != nil {
			return Frame{}, fmt.Errorf("audio: resample: %w", err)
		}
		pcm = SamplesToBytes(out)
	}
	return c.emit(pcm), nil
}

// Flush drains any samples the resampler is still holding at end of stream.
// The converter must not be used after Flush.
func (c *FormatConverter) Flush() (Frame, error) {
	if c.resampler == nil {
		return c.emit(nil), nil
	}
	out, err := c.resampler.Flush()
	if err != nil {
		return Frame{}, fmt.Errorf("audio: resample flush: %w", err)
	}
	return c.emit(SamplesToBytes(out)), nil
}

func (c *FormatConverter) emit(pcm []byte) Frame {
	frames := len(pcm) / (c.to.Channels * BytesPerSample)
	f := Frame{
		Data:       pcm,
		Spec:       c.to,
		FrameCount: frames,
		Timestamp:  c.to.Duration(c.to.FrameBytes(int(c.emitted))),
	}
	c.emitted += int64(frames)
	return f
}

// ConvertAll converts a finite sequence of frames belonging to one stream and
// flushes the converter at the end. Empty output frames are omitted.
func ConvertAll(frames []Frame, from, to StreamSpec, opts ...ConverterOption) ([]Frame, error) {
	conv, err := NewFormatConverter(from, to, opts...)
	if err != nil {
		return nil, err
	}
	out := make([]Frame, 0, len(frames)+1)
	for _, f := range frames {
		cf, err := conv.Convert(f)
		if err != nil {
			return nil, err
		}
		if !cf.Empty() {
			out = append(out, cf)
		}
	}
	tail, err := conv.Flush()
	if err != nil {
		return nil, err
	}
	if !tail.Empty() {
		out = append(out, tail)
	}
	return out, nil
}

// MonoToStereo duplicates each int16 mono sample into a stereo L+R pair.
// Input must be little-endian int16 PCM (2 bytes per sample).
func MonoToStereo(pcm []byte) []byte {
	out := make([]byte, (len(pcm)/2)*4)
	for i := 0; i+1 < len(pcm); i += 2 {
		lo, hi := pcm[i], pcm[i+1]
		j := i * 2
		out[j] = lo
		out[j+1] = hi
		out[j+2] = lo
		out[j+3] = hi
	}
	return out
}

// StereoToMono averages L+R per stereo frame (4 bytes) to produce mono output.
// Uses int32 arithmetic to prevent overflow and clamps to int16 range.
func StereoToMono(pcm []byte) []byte {
	frames := len(pcm) / 4
	out := make([]byte, frames*2)
	for i := range frames {
		lSample := int32(int16(pcm[i*4]) | int16(pcm[i*4+1])<<8)
		rSample := int32(int16(pcm[i*4+2]) | int16(pcm[i*4+3])<<8)
		avg := (lSample + rSample) / 2

		if avg > 32767 {
			avg = 32767
		} else if avg < -32768 {
			avg = -32768
		}

		out[i*2] = byte(avg)
		out[i*2+1] = byte(avg >> 8)
	}
	return out
}

// BytesToSamples decodes little-endian int16 PCM. A trailing odd byte is ignored.
func BytesToSamples(pcm []byte) []int16 {
	samples := make([]int16, len(pcm)/2)
	for i := range samples {
		samples[i] = int16(binary.LittleEndian.Uint16(pcm[i*2:]))
	}
	return samples
}

// SamplesToBytes encodes int16 samples as little-endian PCM.
func SamplesToBytes(samples []int16) []byte {
	buf := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(buf[i*2:], uint16(s))
	}
	return buf
}

// formatString returns a human-readable string for a sample rate and channel count,
// e.g. "48000Hz stereo".
func formatString(rate, channels int) string {
	ch := "mono"
	if channels == 2 {
		ch = "stereo"
	} else if channels > 2 {
		ch = fmt.Sprintf("%dch", channels)
	}
	return fmt.Sprintf("%dHz %s", rate, ch)
}
