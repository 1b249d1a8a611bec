package s2s

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/MrWong99/livecoach/pkg/audio"
)

// DefaultQueueSize is the outbound queue capacity used when none is configured.
const DefaultQueueSize = 32

// WriteFunc transmits one outbound item. end is true for the end-of-input
// marker, in which case frame is empty.
type WriteFunc func(ctx context.Context, frame audio.Frame, end bool) error

// Outbound is the bounded, ordered outbound queue shared by session
// implementations. A single writer goroutine drains it, so frames reach the
// transport in exactly the order they were enqueued.
type Outbound struct {
	queue chan outItem
	write WriteFunc

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	mu     sync.Mutex
	closed bool
	err    error

	frames atomic.Int64
	bytes  atomic.Int64
}

type outItem struct {
	frame audio.Frame
	end   bool
	ack   chan struct{}
}

// NewOutbound starts a writer goroutine draining a queue of the given
// capacity through write. The first write error stops the writer; it is
// reported by every later Enqueue.
func NewOutbound(size int, write WriteFunc) *Outbound {
	if size <= 0 {
		size = DefaultQueueSize
	}
	ctx, cancel := context.WithCancel(context.Background())
	o := &Outbound{
		queue:  make(chan outItem, size),
		write:  write,
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go o.run()
	return o
}

func (o *Outbound) run() {
	defer close(o.done)
	for {
		select {
		case <-o.ctx.Done():
			return
		case it := <-o.queue:
			// Items still queued when Close runs are never written.
			if o.ctx.Err() != nil {
				return
			}
			if err := o.write(o.ctx, it.frame, it.end); err != nil {
				o.setErr(err)
				return
			}
			if !it.end {
				o.frames.Add(1)
				o.bytes.Add(int64(len(it.frame.Data)))
			}
			if it.ack != nil {
				close(it.ack)
			}
		}
	}
}

// Enqueue adds frame to the queue, blocking while it is full.
func (o *Outbound) Enqueue(ctx context.Context, frame audio.Frame) error {
	return o.enqueue(ctx, outItem{frame: frame})
}

// Finish enqueues the end-of-input marker and waits until it, and everything
// before it, has been written.
func (o *Outbound) Finish(ctx context.Context) error {
	ack := make(chan struct{})
	if err := o.enqueue(ctx, outItem{end: true, ack: ack}); err != nil {
		return err
	}
	select {
	case <-ack:
		return nil
	case <-o.done:
		// The writer may have acked just before exiting.
		select {
		case <-ack:
			return nil
		default:
		}
		return o.stopErr()
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (o *Outbound) enqueue(ctx context.Context, it outItem) error {
	if err := o.stopErr(); err != nil {
		return err
	}
	select {
	case o.queue <- it:
		return nil
	case <-o.ctx.Done():
		return o.stopErr()
	case <-o.done:
		return o.stopErr()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Sent returns the number of frames and bytes written so far.
func (o *Outbound) Sent() (frames, bytes int64) {
	return o.frames.Load(), o.bytes.Load()
}

// Err returns the write error that stopped the writer, if any.
func (o *Outbound) Err() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.err
}

// Close stops the writer without writing anything still queued and waits for
// it to exit. It is idempotent.
func (o *Outbound) Close() {
	o.mu.Lock()
	o.closed = true
	o.mu.Unlock()
	o.cancel()
	<-o.done
}

func (o *Outbound) setErr(err error) {
	o.mu.Lock()
	if o.err == nil {
		o.err = err
	}
	o.mu.Unlock()
}

// stopErr returns why the queue no longer accepts items, or nil.
func (o *Outbound) stopErr() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	switch {
	case o.err != nil:
		return o.err
	case o.closed:
		return ErrSessionClosed
	default:
		select {
		case <-o.done:
			return errors.New("s2s: outbound writer stopped")
		default:
			return nil
		}
	}
}
