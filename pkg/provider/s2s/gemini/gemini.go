// Package gemini implements the s2s.Provider interface for Google's Gemini Live API.
//
// It establishes a bidirectional WebSocket connection to the Gemini Live endpoint
// and exchanges JSON messages according to the BidiGenerateContent protocol.
// Connect sends the setup message and waits for setupComplete before the
// session is reported open. Audio is transmitted as base64-encoded 16 kHz PCM
// via realtimeInput; the model's 24 kHz PCM reply arrives as inlineData parts
// of serverContent.modelTurn until turnComplete.
package gemini

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/livecoach/pkg/audio"
	"github.com/MrWong99/livecoach/pkg/provider/s2s"
)

// Compile-time assertions that Provider and session satisfy the s2s interfaces.
var _ s2s.Provider = (*Provider)(nil)
var _ s2s.Session = (*session)(nil)

// Name is the provider name used in configuration and errors.
const Name = "gemini-live"

const (
	// DefaultModel is the native-audio Live model used when the session
	// config does not name one.
	DefaultModel   = "gemini-2.5-flash-native-audio-preview-09-2025"
	defaultBaseURL = "wss://generativelanguage.googleapis.com/ws"
	endpointPath   = "/google.ai.generativelanguage.v1beta.GenerativeService.BidiGenerateContent"

	defaultConnectTimeout = 15 * time.Second
	defaultReceiveTimeout = 30 * time.Second

	keepaliveInterval = 20 * time.Second
	keepaliveTimeout  = 5 * time.Second

	inboundBuffer = 64
)

// ── Options ────────────────────────────────────────────────────────────────────

// Option is a functional option for configuring a Provider.
type Option func(*Provider)

// WithModel sets the Gemini model used for sessions whose config leaves
// Model empty.
func WithModel(model string) Option {
	return func(p *Provider) { p.model = model }
}

// WithBaseURL overrides the base WebSocket URL. Primarily used in tests to
// point at a local mock server.
func WithBaseURL(url string) Option {
	return func(p *Provider) { p.baseURL = url }
}

// WithConnectTimeout bounds the handshake, from dial until setupComplete.
func WithConnectTimeout(d time.Duration) Option {
	return func(p *Provider) { p.connectTimeout = d }
}

// WithReceiveTimeout bounds each wait for the next response message once
// EndInput has returned.
func WithReceiveTimeout(d time.Duration) Option {
	return func(p *Provider) { p.receiveTimeout = d }
}

// WithQueueSize sets the outbound queue capacity in frames.
func WithQueueSize(n int) Option {
	return func(p *Provider) { p.queueSize = n }
}

// ── Provider ───────────────────────────────────────────────────────────────────

// Provider implements s2s.Provider for Google's Gemini Live API.
type Provider struct {
	apiKey         string
	model          string
	baseURL        string
	connectTimeout time.Duration
	receiveTimeout time.Duration
	queueSize      int
}

// New creates a new Gemini Live Provider with the given API key and options.
// An empty key is accepted here; every Connect then fails with
// [s2s.ConnectError].
func New(apiKey string, opts ...Option) *Provider {
	p := &Provider{
		apiKey:         apiKey,
		model:          DefaultModel,
		baseURL:        defaultBaseURL,
		connectTimeout: defaultConnectTimeout,
		receiveTimeout: defaultReceiveTimeout,
		queueSize:      s2s.DefaultQueueSize,
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// HasCredentials reports whether an API key is configured.
func (p *Provider) HasCredentials() bool { return p.apiKey != "" }

// Connect dials the Live endpoint, sends the setup message, and waits for
// setupComplete. Every failure is returned as *s2s.ConnectError.
func (p *Provider) Connect(ctx context.Context, cfg s2s.SessionConfig) (s2s.Session, error) {
	cfg = cfg.WithDefaults()
	sm := s2s.NewStateMachine(nil)
	sm.Transition(s2s.StateConnecting)

	fail := func(diag string, err error) (s2s.Session, error) {
		ce := &s2s.ConnectError{Provider: Name, Diagnostic: diag, Err: err}
		sm.Fail(ce)
		return nil, ce
	}

	if p.apiKey == "" {
		return fail("", errors.New("no API key configured (set GOOGLE_API_KEY or GEMINI_API_KEY)"))
	}
	if err := cfg.Validate(); err != nil {
		return fail("", err)
	}
	if cfg.InputSpec != audio.WireSpec {
		return fail("", fmt.Errorf("input spec %s, Gemini Live expects %s", cfg.InputSpec, audio.WireSpec))
	}
	model := cfg.Model
	if model == "" {
		model = p.model
	}

	cctx := ctx
	if p.connectTimeout > 0 {
		var cancel context.CancelFunc
		cctx, cancel = context.WithTimeout(ctx, p.connectTimeout)
		defer cancel()
	}

	wsURL := p.baseURL + endpointPath + "?key=" + url.QueryEscape(p.apiKey)
	conn, resp, err := websocket.Dial(cctx, wsURL, &websocket.DialOptions{
		HTTPHeader: http.Header{
			"Content-Type": []string{"application/json"},
		},
	})
	if err != nil {
		diag := ""
		if resp != nil {
			diag = resp.Status
		}
		return fail(diag, classify(cctx, fmt.Errorf("dial: %w", redactKey(err, p.apiKey))))
	}
	conn.SetReadLimit(16 << 20)

	if err := writeJSON(cctx, conn, newSetup(model, cfg)); err != nil {
		conn.Close(websocket.StatusInternalError, "setup failed")
		return fail("", classify(cctx, fmt.Errorf("send setup: %w", err)))
	}
	if diag, err := awaitSetupComplete(cctx, conn); err != nil {
		conn.Close(websocket.StatusPolicyViolation, "setup rejected")
		return fail(diag, classify(cctx, err))
	}

	sessCtx, sessCancel := context.WithCancel(context.Background())
	sess := &session{
		conn:   conn,
		sm:     sm,
		inbox:  s2s.NewInbox(inboundBuffer, p.receiveTimeout, sm),
		done:   make(chan struct{}),
		ctx:    sessCtx,
		cancel: sessCancel,
		log:    slog.Default().With("provider", Name, "model", model),
	}
	sess.inbox.Fail = sess.fail
	sess.out = s2s.NewOutbound(p.queueSize, sess.write)
	sm.Transition(s2s.StateOpen)

	go sess.receiveLoop()
	go sess.keepaliveLoop()

	return sess, nil
}

// awaitSetupComplete reads until the server acknowledges the setup message.
func awaitSetupComplete(ctx context.Context, conn *websocket.Conn) (string, error) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			var ce websocket.CloseError
			if errors.As(err, &ce) {
				return ce.Reason, fmt.Errorf("server closed during setup (%s)", ce.Code)
			}
			return "", fmt.Errorf("await setupComplete: %w", err)
		}
		var msg serverMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			continue // skip malformed frames
		}
		if msg.Error != nil {
			return msg.Error.Message, fmt.Errorf("setup rejected with code %d", msg.Error.Code)
		}
		if msg.SetupComplete != nil {
			return "", nil
		}
	}
}

// classify marks errors caused by the connect deadline as timeouts.
func classify(ctx context.Context, err error) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w: %w", s2s.ErrTimeout, err)
	}
	return err
}

// redactKey strips the API key from errors that echo the request URL.
func redactKey(err error, key string) error {
	if key == "" || !strings.Contains(err.Error(), key) {
		return err
	}
	return errors.New(strings.ReplaceAll(err.Error(), key, "REDACTED"))
}

// ── Protocol message types (outgoing) ─────────────────────────────────────────

type setupMessage struct {
	Setup setupConfig `json:"setup"`
}

type setupConfig struct {
	Model             string             `json:"model"`
	GenerationConfig  generationConfig   `json:"generationConfig"`
	SystemInstruction *systemInstruction `json:"systemInstruction,omitempty"`
}

type generationConfig struct {
	ResponseModalities []string      `json:"responseModalities"`
	SpeechConfig       *speechConfig `json:"speechConfig,omitempty"`
}

type speechConfig struct {
	VoiceConfig voiceConfig `json:"voiceConfig"`
}

type voiceConfig struct {
	PrebuiltVoiceConfig prebuiltVoiceConfig `json:"prebuiltVoiceConfig"`
}

type prebuiltVoiceConfig struct {
	VoiceName string `json:"voiceName"`
}

type systemInstruction struct {
	Parts []part `json:"parts"`
}

type part struct {
	Text       string      `json:"text,omitempty"`
	InlineData *inlineData `json:"inlineData,omitempty"`
}

type inlineData struct {
	MIMEType string `json:"mimeType"`
	Data     string `json:"data"` // base64-encoded
}

type realtimeInputMessage struct {
	RealtimeInput realtimeInput `json:"realtimeInput"`
}

type realtimeInput struct {
	Audio          *blob `json:"audio,omitempty"`
	AudioStreamEnd bool  `json:"audioStreamEnd,omitempty"`
}

type blob struct {
	MIMEType string `json:"mimeType"`
	Data     string `json:"data"` // base64-encoded
}

// ── Protocol message types (incoming) ─────────────────────────────────────────

type serverMessage struct {
	SetupComplete *json.RawMessage `json:"setupComplete,omitempty"`
	ServerContent *serverContent   `json:"serverContent,omitempty"`
	GoAway        *goAway          `json:"goAway,omitempty"`
	Error         *geminiError     `json:"error,omitempty"`
}

type geminiError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Status  string `json:"status,omitempty"`
}

type goAway struct {
	TimeLeft string `json:"timeLeft,omitempty"`
}

type serverContent struct {
	ModelTurn           *modelTurn     `json:"modelTurn,omitempty"`
	TurnComplete        bool           `json:"turnComplete,omitempty"`
	Interrupted         bool           `json:"interrupted,omitempty"`
	InputTranscription  *transcription `json:"inputTranscription,omitempty"`
	OutputTranscription *transcription `json:"outputTranscription,omitempty"`
}

type modelTurn struct {
	Parts []part `json:"parts"`
}

type transcription struct {
	Text string `json:"text"`
}

func newSetup(model string, cfg s2s.SessionConfig) setupMessage {
	modalities := make([]string, len(cfg.Modalities))
	for i, m := range cfg.Modalities {
		modalities[i] = string(m)
	}
	msg := setupMessage{
		Setup: setupConfig{
			Model: "models/" + strings.TrimPrefix(model, "models/"),
			GenerationConfig: generationConfig{
				ResponseModalities: modalities,
			},
		},
	}
	if cfg.Instruction != "" {
		msg.Setup.SystemInstruction = &systemInstruction{
			Parts: []part{{Text: cfg.Instruction}},
		}
	}
	if cfg.Voice != "" {
		msg.Setup.GenerationConfig.SpeechConfig = &speechConfig{
			VoiceConfig: voiceConfig{
				PrebuiltVoiceConfig: prebuiltVoiceConfig{VoiceName: cfg.Voice},
			},
		}
	}
	return msg
}

// writeJSON marshals v and writes it as a text WebSocket message.
func writeJSON(ctx context.Context, conn *websocket.Conn, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("gemini: marshal: %w", err)
	}
	return conn.Write(ctx, websocket.MessageText, data)
}

// ── session ────────────────────────────────────────────────────────────────────

type session struct {
	conn *websocket.Conn
	sm   *s2s.StateMachine
	out  *s2s.Outbound

	// inbox.C is owned by receiveLoop, which closes it on exit.
	inbox *s2s.Inbox

	ctx       context.Context
	cancel    context.CancelFunc
	done      chan struct{} // closed when receiveLoop exits
	closeOnce sync.Once

	log *slog.Logger
}

// write is the outbound queue's writer: one realtimeInput message per frame.
func (s *session) write(ctx context.Context, frame audio.Frame, end bool) error {
	msg := realtimeInputMessage{}
	if end {
		msg.RealtimeInput.AudioStreamEnd = true
	} else {
		msg.RealtimeInput.Audio = &blob{
			MIMEType: fmt.Sprintf("audio/pcm;rate=%d", frame.Spec.SampleRate),
			Data:     base64.StdEncoding.EncodeToString(frame.Data),
		}
	}
	if err := writeJSON(ctx, s.conn, msg); err != nil {
		if ctx.Err() != nil {
			return s2s.ErrSessionClosed
		}
		err = fmt.Errorf("%w: gemini: write: %v", s2s.ErrTransport, err)
		s.fail(err)
		return err
	}
	return nil
}

// receiveLoop reads messages from the WebSocket and dispatches them.
// It owns inbox.C: it closes it when it exits.
func (s *session) receiveLoop() {
	defer close(s.done)
	defer close(s.inbox.C)

	for {
		_, data, err := s.conn.Read(s.ctx)
		if err != nil {
			// If the session context was cancelled, exit cleanly.
			if s.ctx.Err() != nil {
				return
			}
			s.fail(transportError(err))
			return
		}

		var msg serverMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			s.log.Debug("gemini: skipping malformed frame", "err", err)
			continue
		}

		if !s.handleServerMessage(&msg) {
			return
		}
	}
}

// handleServerMessage dispatches one message. It returns false when the
// receive loop must stop.
func (s *session) handleServerMessage(msg *serverMessage) bool {
	if msg.Error != nil {
		text := msg.Error.Message
		if text == "" {
			text = "unknown error"
		}
		s.fail(fmt.Errorf("%w: gemini: server error %d: %s", s2s.ErrTransport, msg.Error.Code, text))
		return false
	}
	if msg.GoAway != nil {
		s.log.Warn("gemini: server requested disconnect", "time_left", msg.GoAway.TimeLeft)
	}
	if msg.ServerContent != nil {
		return s.handleServerContent(msg.ServerContent)
	}
	return true
}

func (s *session) handleServerContent(sc *serverContent) bool {
	if sc.ModelTurn != nil {
		for _, p := range sc.ModelTurn.Parts {
			if p.InlineData == nil || !strings.HasPrefix(p.InlineData.MIMEType, "audio/pcm") {
				continue
			}
			audioData, err := base64.StdEncoding.DecodeString(p.InlineData.Data)
			if err != nil || len(audioData) == 0 {
				continue
			}
			if !s.deliver(s2s.ResponseChunk{Data: audioData}) {
				return false
			}
		}
	}
	if sc.InputTranscription != nil && sc.InputTranscription.Text != "" {
		s.log.Debug("gemini: input transcription", "text", sc.InputTranscription.Text)
	}
	if sc.OutputTranscription != nil && sc.OutputTranscription.Text != "" {
		s.log.Debug("gemini: output transcription", "text", sc.OutputTranscription.Text)
	}
	if sc.Interrupted {
		s.log.Debug("gemini: generation interrupted")
	}
	if sc.TurnComplete {
		return s.deliver(s2s.ResponseChunk{IsFinal: true})
	}
	return true
}

func (s *session) deliver(c s2s.ResponseChunk) bool {
	select {
	case s.inbox.C <- c:
		return true
	case <-s.ctx.Done():
		return false
	}
}

// keepaliveLoop sends WebSocket pings to keep the Gemini Live connection alive.
func (s *session) keepaliveLoop() {
	ticker := time.NewTicker(keepaliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(s.ctx, keepaliveTimeout)
			_ = s.conn.Ping(pingCtx)
			cancel()
		}
	}
}

func (s *session) fail(err error) {
	if s.sm.Fail(err) {
		s.log.Error("gemini: session failed", "err", err)
	}
}

// transportError wraps a read failure, keeping the close reason the server
// sent, if any.
func transportError(err error) error {
	var ce websocket.CloseError
	if errors.As(err, &ce) {
		return fmt.Errorf("%w: gemini: connection closed (%s): %s", s2s.ErrTransport, ce.Code, ce.Reason)
	}
	return fmt.Errorf("%w: gemini: read: %v", s2s.ErrTransport, err)
}

// ── Session methods ────────────────────────────────────────────────────────────

func (s *session) State() s2s.State               { return s.sm.State() }
func (s *session) ResponseSpec() audio.StreamSpec { return audio.ResponseSpec }
func (s *session) Err() error                     { return s.sm.Err() }

// usable reports why the session cannot accept outbound audio, or nil.
func (s *session) usable() error {
	switch s.sm.State() {
	case s2s.StateOpen:
		return nil
	case s2s.StateFailed:
		return s.sm.Err()
	default:
		return s2s.ErrSessionClosed
	}
}

// Send enqueues one 16 kHz mono PCM frame.
func (s *session) Send(ctx context.Context, frame audio.Frame) error {
	if err := s.usable(); err != nil {
		return err
	}
	if frame.Spec != audio.WireSpec {
		return fmt.Errorf("%w: gemini: frame is %s, want %s", audio.ErrUnsupportedConversion, frame.Spec, audio.WireSpec)
	}
	if frame.Empty() {
		return nil
	}
	return s.out.Enqueue(ctx, frame)
}

// EndInput flushes queued audio and sends audioStreamEnd.
func (s *session) EndInput(ctx context.Context) error {
	if err := s.usable(); err != nil {
		return err
	}
	if err := s.out.Finish(ctx); err != nil {
		return err
	}
	s.inbox.InputEnded()
	return nil
}

// Receive yields the model's audio for the current turn.
func (s *session) Receive(ctx context.Context) iter.Seq2[s2s.ResponseChunk, error] {
	return s.inbox.Receive(ctx)
}

// Close terminates the session and releases all resources. Idempotent.
func (s *session) Close() error {
	s.closeOnce.Do(func() {
		closing := s.sm.Transition(s2s.StateClosing) == nil

		s.out.Close() // nothing is written after this point
		s.cancel()    // unblocks receiveLoop and keepaliveLoop
		s.conn.Close(websocket.StatusNormalClosure, "session closed")
		<-s.done

		if closing {
			s.sm.Transition(s2s.StateClosed)
		}
	})
	return nil
}
