//go:build soxr

package audio

import (
	"bytes"
	"fmt"

	soxr "github.com/zaf/resample"
)

// SoxrResampler wraps libsoxr. soxr keeps its own filter state between
// writes, so chunk boundaries are seamless. Output is written into buf and
// drained after every call.
type SoxrResampler struct {
	resampler *soxr.Resampler
	buf       *bytes.Buffer
	channels  int
}

func newSoxrResampler(srcRate, dstRate, channels int) (Resampler, error) {
	buf := &bytes.Buffer{}
	r, err := soxr.New(buf, float64(srcRate), float64(dstRate), channels, soxr.I16, soxr.HighQ)
	if err != nil {
		return nil, fmt.Errorf("audio: create soxr resampler: %w", err)
	}
	return &SoxrResampler{resampler: r, buf: buf, channels: channels}, nil
}

// Process implements [Resampler].
func (s *SoxrResampler) Process(in []int16) ([]int16, error) {
	if len(in) == 0 {
		return nil, nil
	}
	if _, err := s.resampler.Write(SamplesToBytes(in)); err != nil {
		return nil, fmt.Errorf("audio: soxr write: %w", err)
	}
	return s.drain(), nil
}

// Flush implements [Resampler]. Closing the soxr handle flushes its delay line.
func (s *SoxrResampler) Flush() ([]int16, error) {
	if err := s.resampler.Close(); err != nil {
		return nil, fmt.Errorf("audio: soxr close: %w", err)
	}
	return s.drain(), nil
}

// drain returns the whole frames currently buffered and keeps any remainder.
func (s *SoxrResampler) drain() []int16 {
	stride := s.channels * BytesPerSample
	n := s.buf.Len() - s.buf.Len()%stride
	if n == 0 {
		return nil
	}
	return BytesToSamples(s.buf.Next(n))
}
