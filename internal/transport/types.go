package transport

import (
	"context"
	"time"
)

// Ack marks a successful delivery. MessageID is 0 when the sink does not know it.
type Ack struct {
	MessageID int
	At        time.Time
}

// Sink delivers one payload to one recipient.
//
// Implementations own credentials, endpoint construction and timeouts.
// Errors returned should be *SinkError so callers can tell transport
// failures from rejections.
type Sink interface {
	Deliver(ctx context.Context, recipientID string, payload string) (Ack, error)
}

// SinkFunc adapts a plain function to Sink.
type SinkFunc func(ctx context.Context, recipientID string, payload string) (Ack, error)

func (f SinkFunc) Deliver(ctx context.Context, recipientID string, payload string) (Ack, error) {
	return f(ctx, recipientID, payload)
}

// SendOptions are Telegram-flavoured knobs shared by both sink drivers.
type SendOptions struct {
	ParseMode      string
	DisablePreview bool
	ThreadID       int // forum topic thread id (0 if none)
}
