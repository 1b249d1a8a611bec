// Package loopback implements an offline s2s.Provider that answers each turn
// with the caller's own audio.
//
// The received 16 kHz turn is resampled to the 24 kHz response format and
// played back in fixed-size chunks once EndInput is called. It needs no
// credentials or network and is selected with session.provider: loopback.
package loopback

import (
	"context"
	"fmt"
	"iter"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/livecoach/pkg/audio"
	"github.com/MrWong99/livecoach/pkg/provider/s2s"
)

var _ s2s.Provider = (*Provider)(nil)
var _ s2s.Session = (*session)(nil)

// Name is the provider name used in configuration and errors.
const Name = "loopback"

// DefaultChunkBytes is 100 ms of response audio.
const DefaultChunkBytes = 4800

const inboxBuffer = 16

// ── Options ────────────────────────────────────────────────────────────────────

// Option is a functional option for configuring a Provider.
type Option func(*Provider)

// WithChunkBytes sets the size of each response chunk. Values are rounded
// down to whole samples.
func WithChunkBytes(n int) Option {
	return func(p *Provider) { p.chunkBytes = n }
}

// WithReceiveTimeout bounds each wait for the next response chunk after
// EndInput.
func WithReceiveTimeout(d time.Duration) Option {
	return func(p *Provider) { p.receiveTimeout = d }
}

// WithQueueSize sets the outbound queue capacity in frames.
func WithQueueSize(n int) Option {
	return func(p *Provider) { p.queueSize = n }
}

// WithChunkDelay pauses between response chunks to mimic a remote model
// speaking in real time.
func WithChunkDelay(d time.Duration) Option {
	return func(p *Provider) { p.chunkDelay = d }
}

// ── Provider ───────────────────────────────────────────────────────────────────

// Provider implements s2s.Provider without a remote backend.
type Provider struct {
	chunkBytes     int
	receiveTimeout time.Duration
	queueSize      int
	chunkDelay     time.Duration
}

// New creates a loopback Provider.
func New(opts ...Option) *Provider {
	p := &Provider{
		chunkBytes:     DefaultChunkBytes,
		receiveTimeout: 30 * time.Second,
		queueSize:      s2s.DefaultQueueSize,
	}
	for _, o := range opts {
		o(p)
	}
	p.chunkBytes -= p.chunkBytes % audio.BytesPerSample
	if p.chunkBytes <= 0 {
		p.chunkBytes = DefaultChunkBytes
	}
	return p
}

// Connect opens a session immediately. It fails with *s2s.ConnectError for
// an invalid config or a cancelled context.
func (p *Provider) Connect(ctx context.Context, cfg s2s.SessionConfig) (s2s.Session, error) {
	cfg = cfg.WithDefaults()
	sm := s2s.NewStateMachine(nil)
	sm.Transition(s2s.StateConnecting)

	fail := func(err error) (s2s.Session, error) {
		ce := &s2s.ConnectError{Provider: Name, Err: err}
		sm.Fail(ce)
		return nil, ce
	}
	if err := ctx.Err(); err != nil {
		return fail(err)
	}
	if err := cfg.Validate(); err != nil {
		return fail(err)
	}
	if cfg.InputSpec != audio.WireSpec {
		return fail(fmt.Errorf("input spec %s, loopback expects %s", cfg.InputSpec, audio.WireSpec))
	}

	conv, err := newTurnConverter()
	if err != nil {
		return fail(err)
	}

	sctx, cancel := context.WithCancel(context.Background())
	s := &session{
		sm:         sm,
		inbox:      s2s.NewInbox(inboxBuffer, p.receiveTimeout, sm),
		conv:       conv,
		chunkBytes: p.chunkBytes,
		chunkDelay: p.chunkDelay,
		ctx:        sctx,
		cancel:     cancel,
		log:        slog.Default().With("provider", Name),
	}
	s.out = s2s.NewOutbound(p.queueSize, s.write)
	sm.Transition(s2s.StateOpen)
	return s, nil
}

func newTurnConverter() (*audio.FormatConverter, error) {
	return audio.NewFormatConverter(audio.WireSpec, audio.ResponseSpec)
}

// ── session ────────────────────────────────────────────────────────────────────

type session struct {
	sm    *s2s.StateMachine
	out   *s2s.Outbound
	inbox *s2s.Inbox

	// conv and turn are only touched by the outbound writer goroutine.
	conv *audio.FormatConverter
	turn []byte

	chunkBytes int
	chunkDelay time.Duration

	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup // reply goroutines
	closeOnce sync.Once

	log *slog.Logger
}

// write is the outbound queue's writer. Frames accumulate until the end
// marker, which hands the finished turn to a reply goroutine.
func (s *session) write(_ context.Context, frame audio.Frame, end bool) error {
	if !end {
		out, err := s.conv.Convert(frame)
		if err != nil {
			return s.failWith(err)
		}
		s.turn = append(s.turn, out.Data...)
		return nil
	}

	tail, err := s.conv.Flush()
	if err != nil {
		return s.failWith(err)
	}
	reply := append(s.turn, tail.Data...)
	s.turn = nil
	if s.conv, err = newTurnConverter(); err != nil {
		return s.failWith(err)
	}

	s.log.Debug("loopback: replying", "bytes", len(reply))
	s.wg.Add(1)
	go s.reply(reply)
	return nil
}

func (s *session) failWith(err error) error {
	err = fmt.Errorf("%w: loopback: %v", s2s.ErrTransport, err)
	s.sm.Fail(err)
	return err
}

// reply delivers one turn as consecutive chunks, the last marked final.
func (s *session) reply(pcm []byte) {
	defer s.wg.Done()
	for {
		n := min(len(pcm), s.chunkBytes)
		c := s2s.ResponseChunk{Data: pcm[:n], IsFinal: n == len(pcm)}
		pcm = pcm[n:]

		select {
		case s.inbox.C <- c:
		case <-s.ctx.Done():
			return
		}
		if c.IsFinal {
			return
		}
		if s.chunkDelay > 0 {
			select {
			case <-time.After(s.chunkDelay):
			case <-s.ctx.Done():
				return
			}
		}
	}
}

// ── Session methods ────────────────────────────────────────────────────────────

func (s *session) State() s2s.State               { return s.sm.State() }
func (s *session) ResponseSpec() audio.StreamSpec { return audio.ResponseSpec }
func (s *session) Err() error                     { return s.sm.Err() }

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
		return fmt.Errorf("%w: loopback: frame is %s, want %s", audio.ErrUnsupportedConversion, frame.Spec, audio.WireSpec)
	}
	if frame.Empty() {
		return nil
	}
	return s.out.Enqueue(ctx, frame)
}

// EndInput flushes queued audio and starts the reply.
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

// Receive yields the echoed turn.
func (s *session) Receive(ctx context.Context) iter.Seq2[s2s.ResponseChunk, error] {
	return s.inbox.Receive(ctx)
}

// Close stops the writer and any reply in progress. Idempotent.
func (s *session) Close() error {
	s.closeOnce.Do(func() {
		closing := s.sm.Transition(s2s.StateClosing) == nil
		s.out.Close() // no reply starts after this
		s.cancel()
		s.wg.Wait()
		close(s.inbox.C)
		if closing {
			s.sm.Transition(s2s.StateClosed)
		}
	})
	return nil
}
