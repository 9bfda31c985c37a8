// Package relay implements the notification buffer: messages are appended by
// any number of goroutines and delivered in newline-joined batches.
//
// Locking discipline: one sync.Mutex guards the pending slice. Flush swaps the
// slice out under the lock (snapshot-and-clear) and calls the sink after
// releasing it, so every message belongs to at most one batch and a slow sink
// never blocks Enqueue. A failed batch is dropped, not requeued (at-most-once
// per message from this component's point of view).
package relay

import (
	"context"
	"errors"
	"strings"
	"sync"

	"tgrelay/internal/transport"
)

// DefaultThreshold is the pending length that triggers an implicit flush.
const DefaultThreshold = 20

var errNoSink = errors.New("relay: sink is nil")

type Buffer struct {
	recipient string
	sink      transport.Sink
	threshold int

	mu      sync.Mutex
	pending []string
}

type Option func(*Buffer)

// WithThreshold sets the implicit flush threshold. Values < 1 keep the default.
func WithThreshold(n int) Option {
	return func(b *Buffer) {
		if n >= 1 {
			b.threshold = n
		}
	}
}

// New returns a Buffer delivering to recipientID through sink.
// recipientID is passed to the sink unchanged.
func New(recipientID string, sink transport.Sink, opts ...Option) *Buffer {
	b := &Buffer{
		recipient: recipientID,
		sink:      sink,
		threshold: DefaultThreshold,
	}
	for _, o := range opts {
		o(b)
	}
	b.pending = make([]string, 0, b.threshold)
	return b
}

func (b *Buffer) Threshold() int { return b.threshold }

// Pending returns the number of queued messages.
func (b *Buffer) Pending() int {
	b.mu.Lock()
	n := len(b.pending)
	b.mu.Unlock()
	return n
}

// Enqueue appends message. With buffered=false, or when the queue length after
// the append reaches the threshold, it flushes and returns the flush Result;
// otherwise it returns a Queued Result.
//
// The threshold check uses the length observed right after this append, which
// may include concurrent appends. It is best-effort.
func (b *Buffer) Enqueue(ctx context.Context, message string, buffered bool) Result {
	b.mu.Lock()
	b.pending = append(b.pending, message)
	n := len(b.pending)
	b.mu.Unlock()

	if !buffered || n >= b.threshold {
		return b.Flush(ctx)
	}
	return Result{Outcome: Queued}
}

// Flush delivers everything queued so far as one newline-joined payload.
// The sink call happens outside the lock. An empty queue returns NoOp.
func (b *Buffer) Flush(ctx context.Context) Result {
	batch := b.take()
	if len(batch) == 0 {
		return Result{Outcome: NoOp, Flushed: true}
	}

	payload := strings.Join(batch, "\n")
	res := Result{Count: len(batch), Payload: payload, Flushed: true}

	if b.sink == nil {
		res.Outcome = Failed
		res.Err = errNoSink
		return res
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if _, err := b.sink.Deliver(ctx, b.recipient, payload); err != nil {
		res.Outcome = Failed
		res.Err = err
		return res
	}
	res.Outcome = Sent
	return res
}

// take swaps the pending slice out. The next slice starts with the same
// capacity hint so steady traffic doesn't regrow it.
func (b *Buffer) take() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.pending) == 0 {
		return nil
	}
	batch := b.pending
	b.pending = make([]string, 0, b.threshold)
	return batch
}
