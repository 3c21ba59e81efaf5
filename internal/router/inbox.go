package router

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/fractalmind-ai/chorus/pkg/protocol"
)

// DefaultInboxCapacity is the soft capacity of a principal's inbox.
const DefaultInboxCapacity = 1024

// DefaultEnqueueWait bounds how long a sender blocks on a full inbox before
// the send fails with InboxFull.
const DefaultEnqueueWait = 500 * time.Millisecond

// ErrInboxClosed is returned when enqueueing to or popping from a closed inbox.
var ErrInboxClosed = errors.New("inbox closed")

// Inbox is a FIFO queue of events owned by exactly one principal. Enqueue
// order equals delivery order; enqueueing past capacity blocks the sender up
// to a bounded wait.
type Inbox struct {
	mu       sync.Mutex
	queue    []protocol.Message
	capacity int
	closed   bool

	notify chan struct{} // pulsed on enqueue
	space  chan struct{} // pulsed on dequeue
}

// NewInbox creates an inbox with the given soft capacity. A non-positive
// capacity falls back to the default.
func NewInbox(capacity int) *Inbox {
	if capacity <= 0 {
		capacity = DefaultInboxCapacity
	}
	return &Inbox{
		capacity: capacity,
		notify:   make(chan struct{}, 1),
		space:    make(chan struct{}, 1),
	}
}

func pulse(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

// Enqueue appends msg, blocking up to wait when the inbox is at capacity.
// Returns protocol.ErrInboxFull on timeout and ErrInboxClosed after Close.
func (in *Inbox) Enqueue(msg protocol.Message, wait time.Duration) error {
	deadline := time.Now().Add(wait)
	for {
		in.mu.Lock()
		if in.closed {
			in.mu.Unlock()
			return ErrInboxClosed
		}
		if len(in.queue) < in.capacity {
			in.queue = append(in.queue, msg)
			in.mu.Unlock()
			pulse(in.notify)
			return nil
		}
		in.mu.Unlock()

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return protocol.ErrInboxFull
		}
		timer := time.NewTimer(remaining)
		select {
		case <-in.space:
			timer.Stop()
		case <-timer.C:
			return protocol.ErrInboxFull
		}
	}
}

// Pop removes and returns the oldest event, blocking until one is available,
// the context is done, or the inbox is closed empty.
func (in *Inbox) Pop(ctx context.Context) (protocol.Message, error) {
	for {
		in.mu.Lock()
		if len(in.queue) > 0 {
			msg := in.queue[0]
			in.queue = in.queue[1:]
			in.mu.Unlock()
			pulse(in.space)
			return msg, nil
		}
		closed := in.closed
		in.mu.Unlock()
		if closed {
			return protocol.Message{}, ErrInboxClosed
		}
		select {
		case <-in.notify:
		case <-ctx.Done():
			return protocol.Message{}, ctx.Err()
		}
	}
}

// TryPop removes and returns the oldest event without blocking.
func (in *Inbox) TryPop() (protocol.Message, bool) {
	in.mu.Lock()
	defer in.mu.Unlock()
	if len(in.queue) == 0 {
		return protocol.Message{}, false
	}
	msg := in.queue[0]
	in.queue = in.queue[1:]
	pulse(in.space)
	return msg, true
}

// Snapshot returns a copy of the queued events without consuming them.
func (in *Inbox) Snapshot() []protocol.Message {
	in.mu.Lock()
	defer in.mu.Unlock()
	out := make([]protocol.Message, len(in.queue))
	copy(out, in.queue)
	return out
}

// Len reports the number of queued events.
func (in *Inbox) Len() int {
	in.mu.Lock()
	defer in.mu.Unlock()
	return len(in.queue)
}

// Closed reports whether Close has been called.
func (in *Inbox) Closed() bool {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.closed
}

// Close marks the inbox closed and returns the undelivered remainder so the
// router can dead-letter it. Close is idempotent.
func (in *Inbox) Close() []protocol.Message {
	in.mu.Lock()
	if in.closed {
		in.mu.Unlock()
		return nil
	}
	in.closed = true
	rest := in.queue
	in.queue = nil
	in.mu.Unlock()
	pulse(in.notify)
	return rest
}
