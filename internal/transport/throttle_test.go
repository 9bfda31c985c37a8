package transport

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestThrottleDisabledReturnsSink(t *testing.T) {
	var calls int
	s := SinkFunc(func(context.Context, string, string) (Ack, error) {
		calls++
		return Ack{}, nil
	})
	got := Throttle(s, 0)
	if _, ok := got.(*throttled); ok {
		t.Fatal("Throttle with rate 0 wrapped the sink")
	}
	_, _ = got.Deliver(context.Background(), "1", "x")
	if calls != 1 {
		t.Fatalf("calls = %d", calls)
	}
}

func TestThrottleCancelledWaitIsTransportFailure(t *testing.T) {
	var calls int
	s := Throttle(SinkFunc(func(context.Context, string, string) (Ack, error) {
		calls++
		return Ack{}, nil
	}), 1)

	// The first call spends the burst; the second must wait about a second.
	if _, err := s.Deliver(context.Background(), "1", "a"); err != nil {
		t.Fatalf("first Deliver: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := s.Deliver(ctx, "1", "b")
	if KindOf(err) != KindTransport {
		t.Fatalf("second Deliver = %v, want transport failure", err)
	}
	var se *SinkError
	if !errors.As(err, &se) || se.Cause == nil {
		t.Fatalf("missing cause: %#v", err)
	}
	if calls != 1 {
		t.Fatalf("calls = %d, want 1", calls)
	}
}
