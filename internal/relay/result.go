package relay

import (
	"fmt"
)

// Outcome tags a Result.
type Outcome int

const (
	// Queued: the message was appended and no flush ran.
	Queued Outcome = iota
	// NoOp: a flush ran against an empty queue; the sink was not called.
	NoOp
	// Sent: the sink accepted the batch.
	Sent
	// Failed: the sink call failed; the batch was dropped.
	Failed
)

func (o Outcome) String() string {
	switch o {
	case Queued:
		return "queued"
	case NoOp:
		return "noop"
	case Sent:
		return "sent"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// Result is the outcome of Enqueue or Flush.
//
// Count and Payload describe the flush snapshot for Sent and Failed.
// Payload is an owned copy; callers may log or persist it.
type Result struct {
	Outcome Outcome
	Count   int
	Payload string
	Err     error
	// Flushed is true when this Result comes from a flush (explicit or triggered).
	Flushed bool
}

func (r Result) OK() bool { return r.Outcome != Failed }

// Reason is the failure detail, empty unless Outcome is Failed.
func (r Result) Reason() string {
	if r.Outcome != Failed || r.Err == nil {
		return ""
	}
	return r.Err.Error()
}

func (r Result) String() string {
	switch r.Outcome {
	case Queued:
		return "pushed"
	case NoOp:
		return "no message sent"
	case Sent:
		return fmt.Sprintf("%d messages sent", r.Count)
	case Failed:
		return r.Reason()
	default:
		return r.Outcome.String()
	}
}
