package server_test

import (
	"bytes"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/MrWong99/livecoach/internal/config"
	"github.com/MrWong99/livecoach/internal/resilience"
	"github.com/MrWong99/livecoach/internal/server"
	"github.com/MrWong99/livecoach/pkg/audio"
	"github.com/MrWong99/livecoach/pkg/audio/capture"
	capmock "github.com/MrWong99/livecoach/pkg/audio/capture/mock"
	"github.com/MrWong99/livecoach/pkg/audio/wav"
	"github.com/MrWong99/livecoach/pkg/provider/s2s"
	"github.com/MrWong99/livecoach/pkg/provider/s2s/loopback"
	s2smock "github.com/MrWong99/livecoach/pkg/provider/s2s/mock"
)

// ── helpers ──────────────────────────────────────────────────────────────────

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Server.TempDir = t.TempDir()
	cfg.Session.Provider = loopback.Name
	return cfg
}

func staticProvider(p s2s.Provider) server.ProviderFunc {
	return func(*config.Config) (s2s.Provider, error) { return p, nil }
}

func newServer(t *testing.T, cfg *config.Config, p s2s.Provider, opts ...server.Option) *httptest.Server {
	t.Helper()
	srv := server.New(func() *config.Config { return cfg }, staticProvider(p), opts...)
	ts := httptest.NewServer(srv)
	t.Cleanup(ts.Close)
	return ts
}

// toneWAV returns a base64 WAV of d seconds of a constant sample at spec.
func toneWAV(spec audio.StreamSpec, d time.Duration, value int16) string {
	n := int(int64(spec.SampleRate)*int64(d)/int64(time.Second)) * spec.Channels
	samples := make([]int16, n)
	for i := range samples {
		samples[i] = value
	}
	return base64.StdEncoding.EncodeToString(wav.Encode(audio.SamplesToBytes(samples), spec))
}

func post(t *testing.T, ts *httptest.Server, body string) *http.Response {
	t.Helper()
	resp, err := http.Post(ts.URL+"/api/process-audio", "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func audioBody(b64 string) string {
	raw, _ := json.Marshal(map[string]string{"audio": b64})
	return string(raw)
}

func decodeError(t *testing.T, resp *http.Response) string {
	t.Helper()
	var body struct {
		Error string `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode error body: %v", err)
	}
	if body.Error == "" {
		t.Fatal("error body has no message")
	}
	return body.Error
}

func assertTempDirEmpty(t *testing.T, dir string) {
	t.Helper()
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 0 {
		names := make([]string, len(entries))
		for i, e := range entries {
			names[i] = e.Name()
		}
		t.Errorf("temp files left behind: %v", names)
	}
}

// ── Success ──────────────────────────────────────────────────────────────────

func TestProcessAudio_FiveSecondWAV(t *testing.T) {
	t.Parallel()
	cfg := testConfig(t)
	ts := newServer(t, cfg, loopback.New())

	resp := post(t, ts, audioBody(toneWAV(audio.Mono16(44100), 5*time.Second, 500)))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d: %s", resp.StatusCode, decodeError(t, resp))
	}
	if ct := resp.Header.Get("Content-Type"); ct != "audio/wav" {
		t.Errorf("Content-Type = %q", ct)
	}
	if cd := resp.Header.Get("Content-Disposition"); cd != `attachment; filename="feedback.wav"` {
		t.Errorf("Content-Disposition = %q", cd)
	}
	if resp.Header.Get("X-Invocation-ID") == "" {
		t.Error("missing X-Invocation-ID")
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatal(err)
	}
	clip, err := wav.DecodeBytes(body)
	if err != nil {
		t.Fatalf("response is not a WAV: %v", err)
	}
	if clip.Spec != audio.ResponseSpec {
		t.Errorf("response spec = %s, want %s", clip.Spec, audio.ResponseSpec)
	}
	// 5 s of audio at 24 kHz mono 16-bit.
	if len(clip.Data) != 5*24000*2 {
		t.Errorf("response body = %d bytes, want %d", len(clip.Data), 5*24000*2)
	}
	assertTempDirEmpty(t, cfg.Server.TempDir)
}

func TestProcessAudio_RawPCMWithSpec(t *testing.T) {
	t.Parallel()
	cfg := testConfig(t)
	ts := newServer(t, cfg, loopback.New())

	pcm := audio.SamplesToBytes(make([]int16, 2*24000)) // 1 s stereo at 24 kHz
	body := fmt.Sprintf(`{"audio":%q,"sample_rate":24000,"channels":2}`, base64.StdEncoding.EncodeToString(pcm))
	resp := post(t, ts, body)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d: %s", resp.StatusCode, decodeError(t, resp))
	}
	b, _ := io.ReadAll(resp.Body)
	clip, err := wav.DecodeBytes(b)
	if err != nil {
		t.Fatal(err)
	}
	if len(clip.Data) != 24000*2 {
		t.Errorf("response body = %d bytes, want %d", len(clip.Data), 24000*2)
	}
}

// ── Input errors ─────────────────────────────────────────────────────────────

func TestProcessAudio_BadInput(t *testing.T) {
	t.Parallel()

	floatWAV := wav.Encode(make([]byte, 64), audio.Mono16(16000))
	binary.LittleEndian.PutUint16(floatWAV[20:22], 3)
	quadWAV := wav.Encode(make([]byte, 64), audio.StreamSpec{Channels: 4, SampleRate: 16000, Format: audio.FormatS16LE})

	tests := []struct {
		name    string
		body    string
		wantMsg string
	}{
		{"not json", "{audio:", "invalid JSON body"},
		{"missing audio", `{"sample_rate":16000}`, "missing 'audio'"},
		{"bad base64", `{"audio":"%%%"}`, "failed to decode audio"},
		{"empty audio", `{"audio":""}`, "failed to decode audio"},
		{"float wav", audioBody(base64.StdEncoding.EncodeToString(floatWAV)), "unsupported audio format"},
		{"too many channels", `{"audio":"AAAA","channels":6}`, "unsupported audio format"},
		{"four channel wav", audioBody(base64.StdEncoding.EncodeToString(quadWAV)), "unsupported audio format"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			cfg := testConfig(t)
			prov := &s2smock.Provider{}
			ts := newServer(t, cfg, prov)

			resp := post(t, ts, tc.body)
			if resp.StatusCode != http.StatusBadRequest {
				t.Fatalf("status = %d, want 400", resp.StatusCode)
			}
			if msg := decodeError(t, resp); !strings.Contains(msg, tc.wantMsg) {
				t.Errorf("error = %q, want it to contain %q", msg, tc.wantMsg)
			}
			if prov.Calls() != 0 {
				t.Error("session connected for a rejected request")
			}
			assertTempDirEmpty(t, cfg.Server.TempDir)
		})
	}
}

func TestProcessAudio_BodyTooLarge(t *testing.T) {
	t.Parallel()
	cfg := testConfig(t)
	cfg.Server.MaxBodyBytes = 1024
	ts := newServer(t, cfg, &s2smock.Provider{})

	resp := post(t, ts, audioBody(toneWAV(audio.WireSpec, time.Second, 1)))
	if resp.StatusCode != http.StatusRequestEntityTooLarge {
		t.Fatalf("status = %d, want 413", resp.StatusCode)
	}
}

// ── Processing failures ──────────────────────────────────────────────────────

func TestProcessAudio_CaptureUnavailable(t *testing.T) {
	t.Parallel()
	cfg := testConfig(t)
	prov := &s2smock.Provider{}
	src := &capmock.Source{OpenErr: fmt.Errorf("%w: no input device", capture.ErrDeviceUnavailable)}
	ts := newServer(t, cfg, prov, server.WithSourceFactory(func(string) capture.Source { return src }))

	resp := post(t, ts, audioBody(toneWAV(audio.WireSpec, time.Second, 1)))
	if resp.StatusCode != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", resp.StatusCode)
	}
	if msg := decodeError(t, resp); !strings.Contains(msg, "capture device unavailable") {
		t.Errorf("error = %q", msg)
	}
	if prov.Calls() != 0 {
		t.Error("session connected although capture never opened")
	}
	assertTempDirEmpty(t, cfg.Server.TempDir)
}

func TestProcessAudio_SessionFailure(t *testing.T) {
	t.Parallel()
	cfg := testConfig(t)
	sess := &s2smock.Session{
		Script: []s2s.ResponseChunk{
			{Data: make([]byte, 480)},
			{Data: make([]byte, 480)},
			{Data: make([]byte, 480), IsFinal: true},
		},
		FailErr:   fmt.Errorf("%w: connection reset", s2s.ErrTransport),
		FailAfter: 1,
	}
	ts := newServer(t, cfg, &s2smock.Provider{Session: sess})

	resp := post(t, ts, audioBody(toneWAV(audio.WireSpec, time.Second, 1)))
	if resp.StatusCode != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", resp.StatusCode)
	}
	if msg := decodeError(t, resp); !strings.Contains(msg, "audio processing failed") {
		t.Errorf("error = %q", msg)
	}
	assertTempDirEmpty(t, cfg.Server.TempDir)
}

func TestProcessAudio_EmptyResponse(t *testing.T) {
	t.Parallel()
	cfg := testConfig(t)
	ts := newServer(t, cfg, &s2smock.Provider{Session: &s2smock.Session{}})

	resp := post(t, ts, audioBody(toneWAV(audio.Mono16(44100), 5*time.Second, 1)))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d: %s", resp.StatusCode, decodeError(t, resp))
	}
	if got := resp.Header.Get(server.EmptyResponseHeader); got != "true" {
		t.Errorf("%s = %q, want true", server.EmptyResponseHeader, got)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatal(err)
	}
	if len(body) != wav.HeaderSize {
		t.Fatalf("body = %d bytes, want a bare %d-byte header", len(body), wav.HeaderSize)
	}
	clip, err := wav.DecodeBytes(body)
	if err != nil {
		t.Fatalf("empty response is not a WAV: %v", err)
	}
	if clip.Spec != audio.ResponseSpec || len(clip.Data) != 0 {
		t.Errorf("clip = %s with %d bytes, want empty %s", clip.Spec, len(clip.Data), audio.ResponseSpec)
	}
	assertTempDirEmpty(t, cfg.Server.TempDir)
}

func TestProcessAudio_OddLengthResponse(t *testing.T) {
	t.Parallel()
	cfg := testConfig(t)
	sess := &s2smock.Session{Script: []s2s.ResponseChunk{{Data: []byte{1, 2, 3}, IsFinal: true}}}
	ts := newServer(t, cfg, &s2smock.Provider{Session: sess})

	resp := post(t, ts, audioBody(toneWAV(audio.WireSpec, 100*time.Millisecond, 1)))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d: %s", resp.StatusCode, decodeError(t, resp))
	}
	if resp.Header.Get(server.EmptyResponseHeader) != "" {
		t.Error("non-empty response flagged as empty")
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	// Three data bytes plus the pad byte.
	if want := wav.HeaderSize + 4; len(body) != want || resp.ContentLength != int64(want) {
		t.Errorf("body = %d bytes, Content-Length = %d, want %d", len(body), resp.ContentLength, want)
	}
}

func TestProcessAudio_PipelineConversionFailureIsServerError(t *testing.T) {
	t.Parallel()
	cfg := testConfig(t)
	// Default builds carry no soxr backend, so the converter cannot be built.
	cfg.Pipeline.Resampler = string(audio.ResamplerSoxr)
	if _, err := audio.NewResampler(audio.ResamplerSoxr, 44100, 16000, 1); err == nil {
		t.Skip("built with soxr support")
	}
	prov := &s2smock.Provider{Session: &s2smock.Session{}}
	ts := newServer(t, cfg, prov)

	resp := post(t, ts, audioBody(toneWAV(audio.Mono16(44100), 100*time.Millisecond, 1)))
	if resp.StatusCode != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", resp.StatusCode)
	}
	if msg := decodeError(t, resp); !strings.Contains(msg, "audio processing failed") {
		t.Errorf("error = %q", msg)
	}
	assertTempDirEmpty(t, cfg.Server.TempDir)
}

func TestProcessAudio_ConnectFailureOpensBreaker(t *testing.T) {
	t.Parallel()
	cfg := testConfig(t)
	inner := &s2smock.Provider{ConnectErr: &s2s.ConnectError{Provider: "gemini-live", Diagnostic: "API key not valid"}}
	guarded := resilience.NewGuardedProvider(inner, "gemini-live", resilience.CircuitBreakerConfig{
		MaxFailures:  1,
		ResetTimeout: time.Hour,
	})
	ts := newServer(t, cfg, guarded)
	body := audioBody(toneWAV(audio.WireSpec, 100*time.Millisecond, 1))

	resp := post(t, ts, body)
	if resp.StatusCode != http.StatusInternalServerError {
		t.Fatalf("first status = %d, want 500", resp.StatusCode)
	}
	if msg := decodeError(t, resp); !strings.Contains(msg, "API key not valid") {
		t.Errorf("first error = %q, want the remote diagnostic", msg)
	}

	resp = post(t, ts, body)
	if resp.StatusCode != http.StatusInternalServerError {
		t.Fatalf("second status = %d, want 500", resp.StatusCode)
	}
	if msg := decodeError(t, resp); msg != "upstream unavailable" {
		t.Errorf("second error = %q, want upstream unavailable", msg)
	}
	if inner.Calls() != 1 {
		t.Errorf("inner connects = %d, want 1", inner.Calls())
	}
}

// ── CORS and auxiliary routes ────────────────────────────────────────────────

func TestCORS(t *testing.T) {
	t.Parallel()
	cfg := testConfig(t)
	cfg.Server.AllowedOrigins = []string{"https://reader.example.com"}
	ts := newServer(t, cfg, loopback.New())

	preflight := func(origin string) *http.Response {
		req, _ := http.NewRequest(http.MethodOptions, ts.URL+"/api/process-audio", nil)
		req.Header.Set("Origin", origin)
		req.Header.Set("Access-Control-Request-Method", "POST")
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatal(err)
		}
		t.Cleanup(func() { resp.Body.Close() })
		return resp
	}

	resp := preflight("https://reader.example.com")
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("preflight status = %d, want 204", resp.StatusCode)
	}
	if got := resp.Header.Get("Access-Control-Allow-Origin"); got != "https://reader.example.com" {
		t.Errorf("Allow-Origin = %q", got)
	}
	if got := resp.Header.Get("Access-Control-Allow-Methods"); !strings.Contains(got, "POST") {
		t.Errorf("Allow-Methods = %q", got)
	}

	if resp := preflight("https://evil.example.com"); resp.StatusCode != http.StatusForbidden {
		t.Errorf("disallowed preflight status = %d, want 403", resp.StatusCode)
	}
}

func TestCORS_AnyOriginByDefault(t *testing.T) {
	t.Parallel()
	cfg := testConfig(t)
	ts := newServer(t, cfg, loopback.New())

	req, _ := http.NewRequest(http.MethodGet, ts.URL+"/healthz", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if got := resp.Header.Get("Access-Control-Allow-Origin"); got != "*" {
		t.Errorf("Allow-Origin = %q, want *", got)
	}
}

func TestAuxiliaryRoutes(t *testing.T) {
	t.Parallel()
	cfg := testConfig(t)
	metrics := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		io.WriteString(w, "# metrics\n")
	})
	ts := newServer(t, cfg, loopback.New(), server.WithMetricsHandler(metrics))

	for _, path := range []string{"/healthz", "/readyz", "/metrics"} {
		resp, err := http.Get(ts.URL + path)
		if err != nil {
			t.Fatal(err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Errorf("GET %s = %d, want 200", path, resp.StatusCode)
		}
	}

	resp, err := http.Get(ts.URL + "/api/process-audio")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Errorf("GET /api/process-audio = %d, want 405", resp.StatusCode)
	}
}

func TestProcessAudio_ConcurrentRequestsUseDistinctFiles(t *testing.T) {
	t.Parallel()
	cfg := testConfig(t)
	ts := newServer(t, cfg, loopback.New())
	body := audioBody(toneWAV(audio.WireSpec, 200*time.Millisecond, 7))

	const n = 4
	ids := make(chan string, n)
	errs := make(chan error, n)
	for range n {
		go func() {
			resp, err := http.Post(ts.URL+"/api/process-audio", "application/json", bytes.NewBufferString(body))
			if err != nil {
				errs <- err
				return
			}
			defer resp.Body.Close()
			io.Copy(io.Discard, resp.Body)
			if resp.StatusCode != http.StatusOK {
				errs <- fmt.Errorf("status %d", resp.StatusCode)
				return
			}
			ids <- resp.Header.Get("X-Invocation-ID")
		}()
	}

	seen := map[string]bool{}
	for range n {
		select {
		case err := <-errs:
			t.Fatal(err)
		case id := <-ids:
			if seen[id] {
				t.Errorf("duplicate invocation id %s", id)
			}
			seen[id] = true
		}
	}
	assertTempDirEmpty(t, cfg.Server.TempDir)
}
