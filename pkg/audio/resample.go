package audio

import "fmt"

// ResamplerKind selects a resampling backend.
type ResamplerKind string

const (
	// ResamplerLinear is the pure-Go linear interpolator. Output is
	// bit-for-bit reproducible for a given input.
	ResamplerLinear ResamplerKind = "linear"

	// ResamplerSoxr uses libsoxr. Only available in builds with the soxr tag.
	ResamplerSoxr ResamplerKind = "soxr"
)

// IsValid reports whether k names a known backend.
func (k ResamplerKind) IsValid() bool {
	return k == ResamplerLinear || k == ResamplerSoxr
}

// Resampler converts interleaved int16 audio between two sample rates while
// keeping state across calls, so one stream can be fed in arbitrary chunks.
type Resampler interface {
	// Process consumes the next chunk of interleaved samples and returns the
	// output samples that are now fully determined.
	Process(in []int16) ([]int16, error)

	// Flush returns the remaining output at end of stream.
	Flush() ([]int16, error)
}

// NewResampler constructs a backend of the given kind.
func NewResampler(kind ResamplerKind, srcRate, dstRate, channels int) (Resampler, error) {
	if srcRate <= 0 || dstRate <= 0 {
		return nil, fmt.Errorf("audio: invalid sample rates: from=%d, to=%d", srcRate, dstRate)
	}
	if channels <= 0 {
		return nil, fmt.Errorf("audio: invalid channel count %d", channels)
	}
	switch kind {
	case ResamplerLinear, "":
		return NewLinearResampler(srcRate, dstRate, channels), nil
	case ResamplerSoxr:
		return newSoxrResampler(srcRate, dstRate, channels)
	default:
		return nil, fmt.Errorf("%w: unknown resampler %q", ErrUnsupportedConversion, kind)
	}
}

// LinearResampler resamples with linear interpolation using an integer phase
// accumulator. Output frame k is taken at input position k*src/dst of the
// whole stream, so results do not depend on how the input was chunked.
type LinearResampler struct {
	src, dst int64
	channels int

	next int64   // index of the next output frame
	base int64   // stream index of hist's frame
	hist []int16 // last input frame of the previous chunk; nil before the first
}

// NewLinearResampler returns a linear resampler for interleaved audio.
func NewLinearResampler(srcRate, dstRate, channels int) *LinearResampler {
	return &LinearResampler{
		src:      int64(srcRate),
		dst:      int64(dstRate),
		channels: channels,
	}
}

// Process implements [Resampler]. A trailing partial frame is ignored.
func (r *LinearResampler) Process(in []int16) ([]int16, error) {
	ch := r.channels
	in = in[:len(in)-len(in)%ch]
	if len(in) == 0 {
		return nil, nil
	}

	buf := make([]int16, 0, len(r.hist)+len(in))
	buf = append(buf, r.hist...)
	buf = append(buf, in...)
	n := int64(len(buf) / ch)

	out := make([]int16, 0, int(int64(len(in)/ch)*r.dst/r.src+1)*ch)
	for {
		num := r.next * r.src
		idx := num/r.dst - r.base
		if idx+1 >= n {
			break
		}
		rem := num % r.dst
		for c := range ch {
			s0 := int64(buf[int(idx)*ch+c])
			s1 := int64(buf[int(idx+1)*ch+c])
			out = append(out, int16(s0+(s1-s0)*rem/r.dst))
		}
		r.next++
	}

	r.base += n - 1
	r.hist = append(r.hist[:0], buf[len(buf)-ch:]...)
	return out, nil
}

// Flush implements [Resampler]. Output positions that fall on the final input
// frame hold its value. The resampler is reset afterwards.
func (r *LinearResampler) Flush() ([]int16, error) {
	var out []int16
	if r.hist != nil {
		total := r.base + 1
		for r.next*r.src/r.dst < total {
			out = append(out, r.hist...)
			r.next++
		}
	}
	r.next, r.base, r.hist = 0, 0, nil
	return out, nil
}
