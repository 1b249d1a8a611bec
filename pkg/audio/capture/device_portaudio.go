//go:build portaudio

package capture

import (
	"fmt"
	"log/slog"

	"github.com/gordonklaus/portaudio"

	"github.com/MrWong99/livecoach/pkg/audio"
)

type paStream struct {
	stream *portaudio.Stream
	buf    []int16
}

func openDeviceStream(spec audio.StreamSpec, block int) (deviceStream, error) {
	if err := portaudio.Initialize(); err != nil {
		return nil, fmt.Errorf("%w: initialize PortAudio: %v", ErrDeviceUnavailable, err)
	}

	dev, err := portaudio.DefaultInputDevice()
	if err != nil {
		portaudio.Terminate()
		return nil, fmt.Errorf("%w: no default input device: %v", ErrDeviceUnavailable, err)
	}

	buf := make([]int16, block*spec.Channels)
	stream, err := portaudio.OpenDefaultStream(spec.Channels, 0, float64(spec.SampleRate), block, buf)
	if err != nil {
		portaudio.Terminate()
		return nil, fmt.Errorf("%w: open input stream: %v", ErrDeviceUnavailable, err)
	}
	if err := stream.Start(); err != nil {
		stream.Close()
		portaudio.Terminate()
		return nil, fmt.Errorf("%w: start input stream: %v", ErrDeviceUnavailable, err)
	}

	slog.Debug("capture: input stream opened",
		"device", dev.Name,
		"format", spec.String(),
		"frames_per_buffer", block,
	)
	return &paStream{stream: stream, buf: buf}, nil
}

func (s *paStream) read(dst []int16) error {
	if err := s.stream.Read(); err != nil {
		return err
	}
	copy(dst, s.buf)
	return nil
}

func (s *paStream) close() error {
	stopErr := s.stream.Stop()
	closeErr := s.stream.Close()
	portaudio.Terminate()
	if stopErr != nil {
		return stopErr
	}
	return closeErr
}
