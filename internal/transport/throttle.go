package transport

import (
	"context"

	"golang.org/x/time/rate"
)

type throttled struct {
	next    Sink
	limiter *rate.Limiter
}

// Throttle rate-limits Deliver calls on next. ratePerSec <= 0 disables throttling.
//
// Telegram allows roughly one message per second per chat; bursts above that
// come back as 429s.
func Throttle(next Sink, ratePerSec int) Sink {
	if next == nil || ratePerSec <= 0 {
		return next
	}
	return &throttled{next: next, limiter: rate.NewLimiter(rate.Limit(ratePerSec), ratePerSec)}
}

func (t *throttled) Deliver(ctx context.Context, recipientID string, payload string) (Ack, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if err := t.limiter.Wait(ctx); err != nil {
		return Ack{}, TransportFailure(err)
	}
	return t.next.Deliver(ctx, recipientID, payload)
}
