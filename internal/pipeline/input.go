package pipeline

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"github.com/MrWong99/livecoach/pkg/audio"
	"github.com/MrWong99/livecoach/pkg/audio/wav"
)

// ErrMalformedInput is returned by [DecodeInput] for payloads that are not
// valid base64 audio.
var ErrMalformedInput = errors.New("pipeline: malformed input")

// DecodeInput decodes a base64 audio payload. A "data:...;base64," prefix is
// stripped. A RIFF payload is parsed as WAV; anything else is taken as raw
// 16-bit PCM in rawSpec, which defaults to [audio.WireSpec] when zero.
//
// Undecodable payloads fail with [ErrMalformedInput]. Audio that is not 16-bit
// PCM, or that has more channels than can be folded to the wire format, fails
// with [audio.ErrUnsupportedConversion].
func DecodeInput(payload string, rawSpec audio.StreamSpec) (*wav.Clip, error) {
	payload = strings.TrimSpace(payload)
	if strings.HasPrefix(payload, "data:") {
		i := strings.Index(payload, ",")
		if i < 0 {
			return nil, fmt.Errorf("%w: data URL without payload", ErrMalformedInput)
		}
		payload = payload[i+1:]
	}
	if payload == "" {
		return nil, fmt.Errorf("%w: empty audio payload", ErrMalformedInput)
	}

	raw, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		// Some clients drop the padding.
		if raw, err = base64.RawStdEncoding.DecodeString(strings.TrimRight(payload, "=")); err != nil {
			return nil, fmt.Errorf("%w: base64: %v", ErrMalformedInput, err)
		}
	}

	if len(raw) >= 4 && string(raw[:4]) == "RIFF" {
		clip, err := wav.DecodeBytes(raw)
		switch {
		case errors.Is(err, wav.ErrUnsupported):
			return nil, fmt.Errorf("%w: %w", audio.ErrUnsupportedConversion, err)
		case err != nil:
			return nil, fmt.Errorf("%w: %w", ErrMalformedInput, err)
		}
		if len(clip.Data) == 0 {
			return nil, fmt.Errorf("%w: WAV has no audio", ErrMalformedInput)
		}
		if err := convertible(clip.Spec); err != nil {
			return nil, err
		}
		return clip, nil
	}

	if rawSpec == (audio.StreamSpec{}) {
		rawSpec = audio.WireSpec
	}
	if err := convertible(rawSpec); err != nil {
		return nil, err
	}
	stride := rawSpec.FrameBytes(1)
	if len(raw)%stride != 0 {
		return nil, fmt.Errorf("%w: %d bytes is not a whole number of %s frames", ErrMalformedInput, len(raw), rawSpec)
	}
	return &wav.Clip{Spec: rawSpec, Data: raw}, nil
}

// convertible reports whether spec can be brought to the wire format.
func convertible(spec audio.StreamSpec) error {
	if err := spec.Validate(); err != nil {
		return fmt.Errorf("%w: %w", audio.ErrUnsupportedConversion, err)
	}
	if spec.Channels > 2 {
		return fmt.Errorf("%w: %d channels", audio.ErrUnsupportedConversion, spec.Channels)
	}
	return nil
}
