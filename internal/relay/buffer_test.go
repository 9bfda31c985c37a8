package relay

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"golang.org/x/sync/errgroup"

	"tgrelay/internal/transport"
)

type fakeSink struct {
	mu       sync.Mutex
	calls    int
	payloads []string
	to       []string
	err      error
}

func (f *fakeSink) Deliver(ctx context.Context, recipientID string, payload string) (transport.Ack, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.to = append(f.to, recipientID)
	if f.err != nil {
		return transport.Ack{}, f.err
	}
	f.payloads = append(f.payloads, payload)
	return transport.Ack{MessageID: f.calls, At: time.Now()}, nil
}

func (f *fakeSink) setErr(err error) {
	f.mu.Lock()
	f.err = err
	f.mu.Unlock()
}

func (f *fakeSink) snapshot() (int, []string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls, append([]string(nil), f.payloads...)
}

func TestFlushPreservesOrder(t *testing.T) {
	sink := &fakeSink{}
	b := New("chat-1", sink)
	ctx := context.Background()

	want := []string{"first", "second", "third", "", "fifth"}
	for _, m := range want {
		if res := b.Enqueue(ctx, m, true); res.Outcome != Queued {
			t.Fatalf("Enqueue(%q) outcome = %v, want queued", m, res.Outcome)
		}
	}

	res := b.Flush(ctx)
	if res.Outcome != Sent || res.Count != len(want) {
		t.Fatalf("Flush() = %v/%d, want sent/%d", res.Outcome, res.Count, len(want))
	}
	_, payloads := sink.snapshot()
	if len(payloads) != 1 {
		t.Fatalf("sink got %d payloads, want 1", len(payloads))
	}
	if got := strings.Split(payloads[0], "\n"); strings.Join(got, "|") != strings.Join(want, "|") {
		t.Fatalf("payload segments = %q, want %q", got, want)
	}
	if res.Payload != payloads[0] {
		t.Fatalf("result payload = %q, want %q", res.Payload, payloads[0])
	}
	if sink.to[0] != "chat-1" {
		t.Fatalf("recipient = %q, want chat-1", sink.to[0])
	}
	if res.String() != "5 messages sent" {
		t.Fatalf("String() = %q", res.String())
	}
}

func TestFlushEmptyIsNoOp(t *testing.T) {
	sink := &fakeSink{}
	b := New("chat", sink)
	ctx := context.Background()

	if res := b.Flush(ctx); res.Outcome != NoOp {
		t.Fatalf("fresh Flush() outcome = %v, want noop", res.Outcome)
	}
	b.Enqueue(ctx, "x", true)
	if res := b.Flush(ctx); res.Outcome != Sent {
		t.Fatalf("Flush() outcome = %v, want sent", res.Outcome)
	}
	res := b.Flush(ctx)
	if res.Outcome != NoOp || res.String() != "no message sent" {
		t.Fatalf("second Flush() = %v %q, want noop", res.Outcome, res.String())
	}
	if calls, _ := sink.snapshot(); calls != 1 {
		t.Fatalf("sink calls = %d, want 1", calls)
	}
}

func TestThresholdTriggersSingleFlush(t *testing.T) {
	sink := &fakeSink{}
	b := New("chat", sink, WithThreshold(20))
	ctx := context.Background()

	for i := 0; i < 19; i++ {
		if res := b.Enqueue(ctx, fmt.Sprintf("m%d", i), true); res.Outcome != Queued {
			t.Fatalf("message %d outcome = %v, want queued", i, res.Outcome)
		}
	}
	if calls, _ := sink.snapshot(); calls != 0 {
		t.Fatalf("sink calls after 19 = %d, want 0", calls)
	}

	res := b.Enqueue(ctx, "m19", true)
	if res.Outcome != Sent || res.Count != 20 || !res.Flushed {
		t.Fatalf("20th Enqueue = %+v, want sent/20", res)
	}
	calls, payloads := sink.snapshot()
	if calls != 1 || len(strings.Split(payloads[0], "\n")) != 20 {
		t.Fatalf("calls = %d payload segments = %d", calls, len(strings.Split(payloads[0], "\n")))
	}
	if b.Pending() != 0 {
		t.Fatalf("Pending() = %d, want 0", b.Pending())
	}
}

func TestThresholdNotReached(t *testing.T) {
	sink := &fakeSink{}
	b := New("chat", sink)
	for i := 0; i < DefaultThreshold-1; i++ {
		b.Enqueue(context.Background(), "m", true)
	}
	if calls, _ := sink.snapshot(); calls != 0 {
		t.Fatalf("sink calls = %d, want 0", calls)
	}
	if b.Pending() != DefaultThreshold-1 {
		t.Fatalf("Pending() = %d, want %d", b.Pending(), DefaultThreshold-1)
	}
}

func TestUnbufferedForcesFlush(t *testing.T) {
	sink := &fakeSink{}
	b := New("chat", sink)

	res := b.Enqueue(context.Background(), "now", false)
	if res.Outcome != Sent || res.Count != 1 {
		t.Fatalf("Enqueue(unbuffered) = %v/%d, want sent/1", res.Outcome, res.Count)
	}
	if _, payloads := sink.snapshot(); len(payloads) != 1 || payloads[0] != "now" {
		t.Fatalf("payloads = %q", payloads)
	}
}

func TestFailureDropsBatch(t *testing.T) {
	sink := &fakeSink{}
	sink.setErr(transport.Rejected(400, "400 Bad Request", `{"ok":false,"description":"chat not found"}`))
	b := New("chat", sink)
	ctx := context.Background()

	b.Enqueue(ctx, "lost-1", true)
	res := b.Enqueue(ctx, "lost-2", false)
	if res.Outcome != Failed || res.OK() {
		t.Fatalf("outcome = %v, want failed", res.Outcome)
	}
	if !strings.Contains(res.Reason(), "chat not found") || !strings.Contains(res.Reason(), "400") {
		t.Fatalf("Reason() = %q, want status and body", res.Reason())
	}
	if res.Count != 2 || res.Payload != "lost-1\nlost-2" {
		t.Fatalf("failed result count=%d payload=%q", res.Count, res.Payload)
	}
	if b.Pending() != 0 {
		t.Fatalf("failed batch was requeued: pending=%d", b.Pending())
	}

	sink.setErr(nil)
	b.Enqueue(ctx, "fresh", true)
	res = b.Flush(ctx)
	if res.Outcome != Sent || res.Count != 1 {
		t.Fatalf("recovery flush = %v/%d, want sent/1", res.Outcome, res.Count)
	}
	if _, payloads := sink.snapshot(); len(payloads) != 1 || payloads[0] != "fresh" {
		t.Fatalf("payloads after recovery = %q, want [fresh]", payloads)
	}
}

func TestNilSinkFails(t *testing.T) {
	b := New("chat", nil)
	res := b.Enqueue(context.Background(), "x", false)
	if res.Outcome != Failed || !errors.Is(res.Err, errNoSink) {
		t.Fatalf("result = %+v, want errNoSink", res)
	}
}

// blockingSink parks every Deliver until release is closed.
type blockingSink struct {
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func (s *blockingSink) Deliver(ctx context.Context, recipientID string, payload string) (transport.Ack, error) {
	s.once.Do(func() { close(s.entered) })
	select {
	case <-s.release:
	case <-ctx.Done():
		return transport.Ack{}, transport.TransportFailure(ctx.Err())
	}
	return transport.Ack{}, nil
}

func TestSinkCallDoesNotHoldLock(t *testing.T) {
	sink := &blockingSink{entered: make(chan struct{}), release: make(chan struct{})}
	b := New("chat", sink)
	ctx := context.Background()

	b.Enqueue(ctx, "a", true)
	done := make(chan Result, 1)
	go func() { done <- b.Flush(ctx) }()

	select {
	case <-sink.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("sink was never called")
	}

	enq := make(chan Result, 1)
	go func() { enq <- b.Enqueue(ctx, "b", true) }()
	select {
	case res := <-enq:
		if res.Outcome != Queued {
			t.Fatalf("Enqueue during flush = %v, want queued", res.Outcome)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Enqueue blocked behind an outstanding sink call")
	}

	close(sink.release)
	if res := <-done; res.Outcome != Sent || res.Count != 1 {
		t.Fatalf("Flush() = %v/%d, want sent/1", res.Outcome, res.Count)
	}
	if b.Pending() != 1 {
		t.Fatalf("Pending() = %d, want 1", b.Pending())
	}
}

func TestConcurrentEnqueueFlushNoLossNoDup(t *testing.T) {
	const (
		producers = 8
		perWorker = 250
	)
	sink := &fakeSink{}
	b := New("chat", sink, WithThreshold(7))
	ctx := context.Background()

	g, gctx := errgroup.WithContext(ctx)
	for w := 0; w < producers; w++ {
		w := w
		g.Go(func() error {
			for i := 0; i < perWorker; i++ {
				res := b.Enqueue(gctx, fmt.Sprintf("w%d-m%d", w, i), i%50 != 0)
				if res.Outcome == Failed {
					return res.Err
				}
			}
			return nil
		})
	}
	stop := make(chan struct{})
	var flushers sync.WaitGroup
	for f := 0; f < 3; f++ {
		flushers.Add(1)
		go func() {
			defer flushers.Done()
			for {
				select {
				case <-stop:
					return
				default:
					b.Flush(ctx)
				}
			}
		}()
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("producer failed: %v", err)
	}
	close(stop)
	flushers.Wait()
	b.Flush(ctx)

	seen := make(map[string]int, producers*perWorker)
	_, payloads := sink.snapshot()
	for _, p := range payloads {
		for _, m := range strings.Split(p, "\n") {
			seen[m]++
		}
	}
	if len(seen) != producers*perWorker {
		t.Fatalf("distinct delivered = %d, want %d", len(seen), producers*perWorker)
	}
	for m, n := range seen {
		if n != 1 {
			t.Fatalf("message %q delivered %d times", m, n)
		}
	}
	if b.Pending() != 0 {
		t.Fatalf("Pending() = %d after final flush", b.Pending())
	}
}
