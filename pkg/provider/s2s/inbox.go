package s2s

import (
	"context"
	"fmt"
	"iter"
	"sync"
	"time"
)

// Inbox turns a channel of response chunks into the lazy per-turn sequence
// returned by [Session.Receive]. The producer owns C and closes it when the
// session stops producing for good.
type Inbox struct {
	// C carries chunks in arrival order.
	C chan ResponseChunk

	// Timeout bounds each wait for the next chunk once input has ended.
	// Zero waits forever.
	Timeout time.Duration

	// State is the owning session's lifecycle.
	State *StateMachine

	// Fail moves the session to Failed. Nil uses State.Fail.
	Fail func(error)

	ended   chan struct{}
	endOnce sync.Once
}

// NewInbox returns an inbox with a buffer of size chunks. Waits are not
// bounded until [Inbox.InputEnded] is called.
func NewInbox(size int, timeout time.Duration, state *StateMachine) *Inbox {
	return &Inbox{
		C:       make(chan ResponseChunk, size),
		Timeout: timeout,
		State:   state,
		ended:   make(chan struct{}),
	}
}

// InputEnded starts bounding waits by Timeout. A remote may stay silent for as
// long as audio is still streaming in, so the clock starts here. An Inbox not
// built by [NewInbox] bounds every wait.
func (in *Inbox) InputEnded() {
	in.endOnce.Do(func() {
		if in.ended != nil {
			close(in.ended)
		}
	})
}

func (in *Inbox) inputEnded() bool {
	if in.ended == nil {
		return true
	}
	select {
	case <-in.ended:
		return true
	default:
		return false
	}
}

// Receive yields chunks until one is marked IsFinal. When C is closed it
// yields the session error, or [ErrSessionClosed] after a clean close. After
// input has ended, a wait longer than Timeout fails the session with
// [ErrTimeout].
func (in *Inbox) Receive(ctx context.Context) iter.Seq2[ResponseChunk, error] {
	return func(yield func(ResponseChunk, error) bool) {
		for {
			var (
				timer   *time.Timer
				timeout <-chan time.Time
				ended   <-chan struct{} // fires once to arm the timer mid-wait
			)
			if in.Timeout > 0 {
				if in.inputEnded() {
					timer = time.NewTimer(in.Timeout)
					timeout = timer.C
				} else {
					ended = in.ended
				}
			}

			select {
			case <-ended:
				continue

			case c, ok := <-in.C:
				if timer != nil {
					timer.Stop()
				}
				if !ok {
					yield(ResponseChunk{}, in.terminalErr())
					return
				}
				// Nothing is delivered once Close has begun.
				if in.State.Is(StateClosing, StateClosed) {
					yield(ResponseChunk{}, ErrSessionClosed)
					return
				}
				if !yield(c, nil) || c.IsFinal {
					return
				}

			case <-timeout:
				err := fmt.Errorf("%w: no response within %s", ErrTimeout, in.Timeout)
				in.fail(err)
				yield(ResponseChunk{}, err)
				return

			case <-ctx.Done():
				if timer != nil {
					timer.Stop()
				}
				yield(ResponseChunk{}, ctx.Err())
				return
			}
		}
	}
}

func (in *Inbox) fail(err error) {
	if in.Fail != nil {
		in.Fail(err)
		return
	}
	in.State.Fail(err)
}

func (in *Inbox) terminalErr() error {
	if err := in.State.Err(); err != nil {
		return err
	}
	return ErrSessionClosed
}
