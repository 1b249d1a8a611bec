// Package server is the HTTP front end of livecoach.
//
// It exposes one processing endpoint:
//
//	POST /api/process-audio   {"audio": "<base64 WAV or PCM>", "sample_rate"?: n, "channels"?: n}
//
// Each request decodes the upload, writes it to <id>_input.wav in the
// configured temp directory, replays it through [pipeline.Run] as if it were a
// capture device, and streams the finalized <id>_output.wav back as an
// attachment. Both files are removed before the handler returns, on every
// path. Failures are reported as {"error": "..."} with 400 for bad input and
// 500 for processing failures.
//
// The server also mounts /healthz, /readyz and /metrics.
package server

import (
	"errors"
	"net/http"

	"github.com/MrWong99/livecoach/internal/config"
	"github.com/MrWong99/livecoach/internal/health"
	"github.com/MrWong99/livecoach/internal/observe"
	"github.com/MrWong99/livecoach/pkg/audio/capture"
	"github.com/MrWong99/livecoach/pkg/provider/s2s"
)

// DownloadName is the file name offered to clients for the response audio.
const DownloadName = "feedback.wav"

// EmptyResponseHeader is set to "true" on a 200 response whose container
// holds no audio because the model did not answer.
const EmptyResponseHeader = "X-Response-Empty"

// ProviderFunc returns the realtime provider to use for a request made under
// cfg. It is called once per request.
type ProviderFunc func(cfg *config.Config) (s2s.Provider, error)

// SourceFactory returns a capture source that replays the uploaded input
// stored at path.
type SourceFactory func(path string) capture.Source

// Option is a functional option for [New].
type Option func(*Server)

// WithSourceFactory replaces the default file-backed source. Tests use it to
// inject capture failures.
func WithSourceFactory(f SourceFactory) Option {
	return func(s *Server) { s.sources = f }
}

// WithMetrics sets the metrics instance used by the middleware and pipeline.
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// WithHealth mounts h on /healthz and /readyz. Without it only a liveness
// handler with no readiness checks is mounted.
func WithHealth(h *health.Handler) Option {
	return func(s *Server) { s.health = h }
}

// WithMetricsHandler overrides the handler mounted on /metrics.
func WithMetricsHandler(h http.Handler) Option {
	return func(s *Server) { s.metricsHandler = h }
}

// Server routes HTTP requests. It holds no per-request state.
type Server struct {
	snapshot       func() *config.Config
	providers      ProviderFunc
	sources        SourceFactory
	metrics        *observe.Metrics
	health         *health.Handler
	metricsHandler http.Handler

	handler http.Handler
}

// New creates a Server. snapshot returns the configuration in effect for a new
// request; a request keeps the snapshot it started with even if the config is
// reloaded mid-flight.
func New(snapshot func() *config.Config, providers ProviderFunc, opts ...Option) *Server {
	s := &Server{
		snapshot:  snapshot,
		providers: providers,
		sources:   func(path string) capture.Source { return capture.NewFileSource(path) },
	}
	for _, o := range opts {
		o(s)
	}
	if s.metrics == nil {
		s.metrics = observe.DefaultMetrics()
	}
	if s.health == nil {
		s.health = health.New()
	}
	if s.metricsHandler == nil {
		s.metricsHandler = observe.Handler()
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/process-audio", s.handleProcessAudio)
	s.health.Register(mux)
	mux.Handle("GET /metrics", s.metricsHandler)

	s.handler = s.cors(observe.Middleware(s.metrics)(mux))
	return s
}

// ServeHTTP implements [http.Handler].
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handler.ServeHTTP(w, r)
}

// cors answers preflight requests and decorates responses for allowed
// origins. An empty allow list admits every origin.
func (s *Server) cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin == "" {
			next.ServeHTTP(w, r)
			return
		}
		allowed, wildcard := originAllowed(origin, s.snapshot().Server.AllowedOrigins)
		if !allowed {
			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusForbidden)
				return
			}
			next.ServeHTTP(w, r)
			return
		}

		h := w.Header()
		if wildcard {
			h.Set("Access-Control-Allow-Origin", "*")
		} else {
			h.Set("Access-Control-Allow-Origin", origin)
			h.Add("Vary", "Origin")
		}
		h.Set("Access-Control-Expose-Headers", "Content-Disposition, X-Invocation-ID, X-Correlation-ID")

		if r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != "" {
			h.Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			h.Set("Access-Control-Allow-Headers", "Content-Type, Traceparent")
			h.Set("Access-Control-Max-Age", "600")
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func originAllowed(origin string, allow []string) (ok, wildcard bool) {
	if len(allow) == 0 {
		return true, true
	}
	for _, a := range allow {
		if a == "*" {
			return true, true
		}
		if a == origin {
			return true, false
		}
	}
	return false, false
}

// errorBody is the JSON error response.
type errorBody struct {
	Error string `json:"error"`
}

// httpError carries a status code with a client-facing message.
type httpError struct {
	status int
	msg    string
	err    error
}

func (e *httpError) Error() string {
	if e.err != nil {
		return e.msg + ": " + e.err.Error()
	}
	return e.msg
}

func (e *httpError) Unwrap() error { return e.err }

func badRequest(msg string, err error) *httpError {
	return &httpError{status: http.StatusBadRequest, msg: msg, err: err}
}

func internalError(msg string, err error) *httpError {
	return &httpError{status: http.StatusInternalServerError, msg: msg, err: err}
}

// statusOf returns the HTTP status for err, defaulting to 500.
func statusOf(err error) int {
	var he *httpError
	if errors.As(err, &he) {
		return he.status
	}
	return http.StatusInternalServerError
}
