package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"

	"github.com/google/uuid"

	"github.com/MrWong99/livecoach/internal/config"
	"github.com/MrWong99/livecoach/internal/observe"
	"github.com/MrWong99/livecoach/internal/pipeline"
	"github.com/MrWong99/livecoach/internal/resilience"
	"github.com/MrWong99/livecoach/pkg/audio"
	"github.com/MrWong99/livecoach/pkg/audio/capture"
	"github.com/MrWong99/livecoach/pkg/audio/wav"
	"github.com/MrWong99/livecoach/pkg/provider/s2s"
)

// processRequest is the JSON body of POST /api/process-audio.
type processRequest struct {
	Audio      *string `json:"audio"`
	SampleRate int     `json:"sample_rate"`
	Channels   int     `json:"channels"`
}

// rawSpec returns the format of a header-less payload. Zero means the wire
// format.
func (p processRequest) rawSpec() (audio.StreamSpec, error) {
	if p.SampleRate == 0 && p.Channels == 0 {
		return audio.StreamSpec{}, nil
	}
	spec := audio.StreamSpec{
		Channels:   p.Channels,
		SampleRate: p.SampleRate,
		Format:     audio.FormatS16LE,
	}
	if spec.Channels == 0 {
		spec.Channels = 1
	}
	if spec.SampleRate == 0 {
		spec.SampleRate = audio.WireSpec.SampleRate
	}
	if spec.Channels > 2 {
		return spec, fmt.Errorf("%w: %d channels", audio.ErrUnsupportedConversion, spec.Channels)
	}
	return spec, spec.Validate()
}

func (s *Server) handleProcessAudio(w http.ResponseWriter, r *http.Request) {
	cfg := s.snapshot()
	log := observe.Logger(r.Context())

	if err := s.process(w, r, cfg); err != nil {
		status := statusOf(err)
		if status >= http.StatusInternalServerError {
			log.Error("process audio failed", "status", status, "err", err)
		} else {
			log.Info("process audio rejected", "status", status, "err", err)
		}
		writeJSON(w, status, errorBody{Error: err.Error()})
	}
}

// process runs one request. It writes the success response itself and
// returns an error for anything else; nothing has been written to w when it
// returns non-nil.
func (s *Server) process(w http.ResponseWriter, r *http.Request, cfg *config.Config) error {
	ctx := r.Context()

	// ── Input ────────────────────────────────────────────────────────────────

	body := http.MaxBytesReader(w, r.Body, cfg.Server.MaxBodyBytes)
	var req processRequest
	if err := json.NewDecoder(body).Decode(&req); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return &httpError{
				status: http.StatusRequestEntityTooLarge,
				msg:    fmt.Sprintf("request body exceeds %d bytes", tooLarge.Limit),
			}
		}
		return badRequest("invalid JSON body", err)
	}
	if req.Audio == nil {
		return badRequest("missing 'audio' data in request", nil)
	}
	rawSpec, err := req.rawSpec()
	if err != nil {
		return badRequest("unsupported audio format", err)
	}
	clip, err := pipeline.DecodeInput(*req.Audio, rawSpec)
	if err != nil {
		if errors.Is(err, audio.ErrUnsupportedConversion) {
			return badRequest("unsupported audio format", err)
		}
		return badRequest("failed to decode audio", err)
	}

	// ── Scratch files ────────────────────────────────────────────────────────

	id := uuid.NewString()
	dir := cfg.Server.TempDir
	if dir == "" {
		dir = os.TempDir()
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return internalError("temp directory unavailable", err)
	}
	inPath := filepath.Join(dir, id+"_input.wav")
	outPath := filepath.Join(dir, id+"_output.wav")
	defer removeFiles(r, inPath, outPath)

	if err := wav.WriteFile(inPath, clip.Data, clip.Spec); err != nil {
		return internalError("failed to store input", err)
	}
	out, err := os.Create(outPath)
	if err != nil {
		return internalError("failed to create output", err)
	}
	defer out.Close()

	// ── Pipeline ─────────────────────────────────────────────────────────────

	provider, err := s.providers(cfg)
	if err != nil {
		return internalError("session provider unavailable", err)
	}

	res, err := pipeline.Run(ctx, pipeline.Request{
		Source:       s.sources(inPath),
		DeviceSpec:   clip.Spec,
		FrameSize:    cfg.Capture.FrameSize,
		Provider:     provider,
		Session:      cfg.SessionConfig(),
		ProviderName: cfg.Session.Provider,
		Output:       out,
		QueueSize:    cfg.Pipeline.QueueSize,
		Backpressure: pipeline.Backpressure(cfg.Pipeline.Backpressure),
		Resampler:    audio.ResamplerKind(cfg.Pipeline.Resampler),
		Metrics:      s.metrics,
	})
	if res.InvocationID != "" {
		w.Header().Set("X-Invocation-ID", res.InvocationID)
	}
	if err != nil {
		return classify(err)
	}

	// ── Response ─────────────────────────────────────────────────────────────

	if _, err := out.Seek(0, io.SeekStart); err != nil {
		return internalError("failed to read output", err)
	}
	// A silent model still yields a valid, empty-bodied container.
	size := res.Container.DataBytes
	h := w.Header()
	h.Set("Content-Type", "audio/wav")
	h.Set("Content-Disposition", `attachment; filename="`+DownloadName+`"`)
	h.Set("Content-Length", strconv.FormatInt(wav.HeaderSize+size+size%2, 10))
	if res.Container.Empty() {
		h.Set(EmptyResponseHeader, "true")
		observe.Logger(ctx).Info("model returned no audio")
	}
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, out); err != nil {
		observe.Logger(ctx).Warn("response write interrupted", "err", err)
	}
	return nil
}

// classify maps a pipeline failure to a client-facing error.
func classify(err error) error {
	switch {
	case errors.Is(err, resilience.ErrCircuitOpen):
		return internalError("upstream unavailable", nil)
	case errors.Is(err, capture.ErrDeviceUnavailable):
		return internalError("capture device unavailable", err)
	case errors.Is(err, s2s.ErrConnect):
		return internalError("failed to connect to the realtime session", err)
	case errors.Is(err, s2s.ErrTimeout):
		return internalError("realtime session timed out", err)
	default:
		return internalError("audio processing failed", err)
	}
}

// removeFiles deletes the request's scratch files. Missing files are fine.
func removeFiles(r *http.Request, paths ...string) {
	for _, p := range paths {
		if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
			observe.Logger(r.Context()).Warn("failed to remove temp file", "path", p, "err", err)
		}
	}
}

// writeJSON encodes v as JSON with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
