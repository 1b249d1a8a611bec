// Package mock provides test doubles for the s2s package interfaces.
//
// Use Provider to verify Connect calls and hand out a scripted Session. The
// Session records every frame passed to Send, in order, and answers the turn
// with its Script once EndInput has been called.
//
// Example:
//
//	sess := &mock.Session{Script: []s2s.ResponseChunk{
//	    {Data: pcm[:480]},
//	    {Data: pcm[480:], IsFinal: true},
//	}}
//	p := &mock.Provider{Session: sess}
//	handle, _ := p.Connect(ctx, cfg)
package mock

import (
	"context"
	"iter"
	"sync"
	"time"

	"github.com/MrWong99/livecoach/pkg/audio"
	"github.com/MrWong99/livecoach/pkg/provider/s2s"
)

// Provider is a mock implementation of s2s.Provider.
type Provider struct {
	mu sync.Mutex

	// Session is returned by Connect. If nil, Connect creates an empty
	// Session whose turn is a single empty final chunk.
	Session *Session

	// ConnectErr, if non-nil, is returned as the error from Connect.
	ConnectErr error

	// ConnectCalls records the config of every Connect call in order.
	ConnectCalls []s2s.SessionConfig
}

// Connect records the call and returns Session, ConnectErr.
func (p *Provider) Connect(_ context.Context, cfg s2s.SessionConfig) (s2s.Session, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ConnectCalls = append(p.ConnectCalls, cfg)
	if p.ConnectErr != nil {
		return nil, p.ConnectErr
	}
	if p.Session == nil {
		p.Session = &Session{}
	}
	p.Session.init()
	return p.Session, nil
}

// Calls returns the number of Connect calls so far.
func (p *Provider) Calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.ConnectCalls)
}

var _ s2s.Provider = (*Provider)(nil)

// Session is a mock implementation of s2s.Session. Configure it before the
// first call; the zero value is usable.
type Session struct {
	// Script is the response turn. A turn without an IsFinal chunk is
	// terminated with an empty final chunk.
	Script []s2s.ResponseChunk

	// FailErr, if non-nil, fails the session after FailAfter chunks of
	// Script have been yielded. Receive yields FailErr as its error.
	FailErr   error
	FailAfter int

	// SendErr, if non-nil, fails the session on the first Send.
	SendErr error

	// SendDelay is slept on every Send to model a slow transport.
	SendDelay time.Duration

	// Spec is returned by ResponseSpec. Zero means audio.ResponseSpec.
	Spec audio.StreamSpec

	once      sync.Once
	sm        *s2s.StateMachine
	ended     chan struct{}
	endOnce   sync.Once
	closed    chan struct{}
	closeOnce sync.Once

	mu        sync.Mutex
	frames    []audio.Frame
	endCalls  int
	closeCall int
}

func (s *Session) init() {
	s.once.Do(func() {
		s.sm = s2s.NewStateMachine(nil)
		s.sm.Transition(s2s.StateConnecting)
		s.sm.Transition(s2s.StateOpen)
		s.ended = make(chan struct{})
		s.closed = make(chan struct{})
	})
}

// Frames returns a copy of the frames received by Send, in order.
func (s *Session) Frames() []audio.Frame {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]audio.Frame(nil), s.frames...)
}

// SentBytes returns the total PCM bytes received by Send.
func (s *Session) SentBytes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, f := range s.frames {
		n += len(f.Data)
	}
	return n
}

// EndInputCalls returns the number of successful EndInput calls.
func (s *Session) EndInputCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.endCalls
}

// CloseCalls returns the number of Close calls.
func (s *Session) CloseCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeCall
}

func (s *Session) State() s2s.State {
	s.init()
	return s.sm.State()
}

func (s *Session) ResponseSpec() audio.StreamSpec {
	if s.Spec == (audio.StreamSpec{}) {
		return audio.ResponseSpec
	}
	return s.Spec
}

func (s *Session) Err() error {
	s.init()
	return s.sm.Err()
}

func (s *Session) usable() error {
	switch s.sm.State() {
	case s2s.StateOpen:
		return nil
	case s2s.StateFailed:
		return s.sm.Err()
	default:
		return s2s.ErrSessionClosed
	}
}

// Send records frame after SendDelay.
func (s *Session) Send(ctx context.Context, frame audio.Frame) error {
	s.init()
	if err := s.usable(); err != nil {
		return err
	}
	if s.SendErr != nil {
		s.sm.Fail(s.SendErr)
		return s.SendErr
	}
	if s.SendDelay > 0 {
		select {
		case <-time.After(s.SendDelay):
		case <-ctx.Done():
			return ctx.Err()
		case <-s.closed:
			return s2s.ErrSessionClosed
		}
	}
	s.mu.Lock()
	s.frames = append(s.frames, frame)
	s.mu.Unlock()
	return nil
}

// EndInput releases Receive.
func (s *Session) EndInput(context.Context) error {
	s.init()
	if err := s.usable(); err != nil {
		return err
	}
	s.mu.Lock()
	s.endCalls++
	s.mu.Unlock()
	s.endOnce.Do(func() { close(s.ended) })
	return nil
}

// Receive waits for EndInput, then yields Script.
func (s *Session) Receive(ctx context.Context) iter.Seq2[s2s.ResponseChunk, error] {
	s.init()
	return func(yield func(s2s.ResponseChunk, error) bool) {
		select {
		case <-s.ended:
		case <-s.closed:
			yield(s2s.ResponseChunk{}, s2s.ErrSessionClosed)
			return
		case <-ctx.Done():
			yield(s2s.ResponseChunk{}, ctx.Err())
			return
		}

		for i, c := range s.Script {
			if s.FailErr != nil && i == s.FailAfter {
				s.sm.Fail(s.FailErr)
				yield(s2s.ResponseChunk{}, s.FailErr)
				return
			}
			select {
			case <-s.closed:
				yield(s2s.ResponseChunk{}, s2s.ErrSessionClosed)
				return
			default:
			}
			if !yield(c, nil) || c.IsFinal {
				return
			}
		}
		if s.FailErr != nil {
			s.sm.Fail(s.FailErr)
			yield(s2s.ResponseChunk{}, s.FailErr)
			return
		}
		yield(s2s.ResponseChunk{IsFinal: true}, nil)
	}
}

// Close moves the session to Closed and releases pending calls.
func (s *Session) Close() error {
	s.init()
	s.mu.Lock()
	s.closeCall++
	s.mu.Unlock()
	s.closeOnce.Do(func() {
		if s.sm.Transition(s2s.StateClosing) == nil {
			s.sm.Transition(s2s.StateClosed)
		}
		close(s.closed)
	})
	return nil
}

var _ s2s.Session = (*Session)(nil)
