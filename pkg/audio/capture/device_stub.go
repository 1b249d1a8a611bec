//go:build !portaudio

package capture

import (
	"fmt"

	"github.com/MrWong99/livecoach/pkg/audio"
)

func openDeviceStream(audio.StreamSpec, int) (deviceStream, error) {
	return nil, fmt.Errorf("%w: built without PortAudio support (rebuild with -tags portaudio)", ErrDeviceUnavailable)
}
