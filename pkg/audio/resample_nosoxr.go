//go:build !soxr

package audio

import "fmt"

func newSoxrResampler(_, _, _ int) (Resampler, error) {
	return nil, fmt.Errorf("%w: built without soxr support (rebuild with -tags soxr)", ErrUnsupportedConversion)
}
