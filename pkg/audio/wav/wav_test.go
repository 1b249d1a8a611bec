package wav_test

import (
	"bytes"
	"encoding/binary"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/MrWong99/livecoach/pkg/audio"
	"github.com/MrWong99/livecoach/pkg/audio/wav"
)

func TestEncodeDecode(t *testing.T) {
	t.Parallel()

	pcm := []byte{0x01, 0x00, 0xFF, 0x7F, 0x00, 0x80, 0x10, 0x00}
	spec := audio.Mono16(44100)

	enc := wav.Encode(pcm, spec)
	if len(enc) != wav.HeaderSize+len(pcm) {
		t.Fatalf("encoded length = %d, want %d", len(enc), wav.HeaderSize+len(pcm))
	}
	if got := binary.LittleEndian.Uint32(enc[4:8]); got != uint32(36+len(pcm)) {
		t.Errorf("RIFF size = %d, want %d", got, 36+len(pcm))
	}
	if got := binary.LittleEndian.Uint32(enc[40:44]); got != uint32(len(pcm)) {
		t.Errorf("data size = %d, want %d", got, len(pcm))
	}

	clip, err := wav.DecodeBytes(enc)
	if err != nil {
		t.Fatalf("DecodeBytes: %v", err)
	}
	if clip.Spec != spec {
		t.Errorf("spec = %s, want %s", clip.Spec, spec)
	}
	if !bytes.Equal(clip.Data, pcm) {
		t.Errorf("data = %v, want %v", clip.Data, pcm)
	}
	if clip.FrameCount() != 4 {
		t.Errorf("FrameCount = %d, want 4", clip.FrameCount())
	}
}

func TestDecode_SkipsUnknownChunks(t *testing.T) {
	t.Parallel()

	pcm := []byte{1, 0, 2, 0}
	enc := wav.Encode(pcm, audio.ResponseSpec)

	// Insert an odd-sized LIST chunk between fmt and data.
	list := append([]byte("LIST"), 3, 0, 0, 0, 'a', 'b', 'c', 0)
	var b []byte
	b = append(b, enc[:36]...)
	b = append(b, list...)
	b = append(b, enc[36:]...)

	clip, err := wav.DecodeBytes(b)
	if err != nil {
		t.Fatalf("DecodeBytes: %v", err)
	}
	if !bytes.Equal(clip.Data, pcm) {
		t.Errorf("data = %v, want %v", clip.Data, pcm)
	}
}

func TestDecode_Errors(t *testing.T) {
	t.Parallel()

	valid := wav.Encode([]byte{1, 0, 2, 0}, audio.WireSpec)

	withFormat := func(tag uint16) []byte {
		b := bytes.Clone(valid)
		binary.LittleEndian.PutUint16(b[20:22], tag)
		return b
	}
	withBits := func(bits uint16) []byte {
		b := bytes.Clone(valid)
		binary.LittleEndian.PutUint16(b[34:36], bits)
		return b
	}

	tests := []struct {
		name    string
		input   []byte
		wantErr error
	}{
		{"empty", nil, wav.ErrMalformed},
		{"not riff", append([]byte("RIFX"), valid[4:]...), wav.ErrMalformed},
		{"not wave", append(append(bytes.Clone(valid[:8]), "AVI "...), valid[12:]...), wav.ErrMalformed},
		{"no data chunk", valid[:36], wav.ErrMalformed},
		{"float samples", withFormat(3), wav.ErrUnsupported},
		{"8-bit samples", withBits(8), wav.ErrUnsupported},
		{"odd data length", append(bytes.Clone(valid[:40]), 3, 0, 0, 0, 1, 2, 3), wav.ErrMalformed},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := wav.DecodeBytes(tc.input)
			if !errors.Is(err, tc.wantErr) {
				t.Errorf("err = %v, want %v", err, tc.wantErr)
			}
		})
	}
}

func TestDecode_UnknownDataSize(t *testing.T) {
	t.Parallel()

	enc := wav.Encode([]byte{1, 0, 2, 0, 3, 0}, audio.WireSpec)
	binary.LittleEndian.PutUint32(enc[40:44], 0xFFFFFFFF)

	clip, err := wav.DecodeBytes(enc)
	if err != nil {
		t.Fatalf("DecodeBytes: %v", err)
	}
	if len(clip.Data) != 6 {
		t.Errorf("data length = %d, want 6", len(clip.Data))
	}
}

func TestClip_Frames(t *testing.T) {
	t.Parallel()

	clip := &wav.Clip{Spec: audio.WireSpec, Data: make([]byte, 2*2500)}
	frames := clip.Frames(1024)
	if len(frames) != 3 {
		t.Fatalf("got %d frames, want 3", len(frames))
	}
	wantCounts := []int{1024, 1024, 452}
	for i, f := range frames {
		if f.FrameCount != wantCounts[i] {
			t.Errorf("frame %d: FrameCount = %d, want %d", i, f.FrameCount, wantCounts[i])
		}
		if err := f.Validate(); err != nil {
			t.Errorf("frame %d: %v", i, err)
		}
	}
	if frames[1].Timestamp != 64*time.Millisecond {
		t.Errorf("frame 1 timestamp = %v, want 64ms", frames[1].Timestamp)
	}
}

func TestWriteFileDecodeFile(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "clip.wav")
	pcm := make([]byte, 3200)
	if err := wav.WriteFile(path, pcm, audio.WireSpec); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	clip, err := wav.DecodeFile(path)
	if err != nil {
		t.Fatalf("DecodeFile: %v", err)
	}
	if clip.Duration() != 100*time.Millisecond {
		t.Errorf("duration = %v, want 100ms", clip.Duration())
	}

	if _, err := wav.DecodeFile(filepath.Join(t.TempDir(), "missing.wav")); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("missing file err = %v, want ErrNotExist", err)
	}
}
