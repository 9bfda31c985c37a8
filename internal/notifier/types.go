package notifier

import (
	"time"

	"github.com/robfig/cron/v3"

	"tgrelay/internal/relay"
)

// Config controls the notifier. Threshold and Schedule are fixed at New/Start;
// the dedup knobs can be changed with Apply.
type Config struct {
	Threshold int
	// Schedule drives the periodic flush; nil disables it.
	Schedule    cron.Schedule
	FlushOnStop bool

	DedupWindow     time.Duration
	DedupMaxEntries int
	PersistDedup    bool

	// KeepPayload stores the dropped payload of failed flushes in the journal.
	KeepPayload bool
}

// Trigger names what caused a flush.
type Trigger string

const (
	TriggerManual     Trigger = "manual"
	TriggerSchedule   Trigger = "schedule"
	TriggerShutdown   Trigger = "shutdown"
	TriggerThreshold  Trigger = "threshold"
	TriggerUnbuffered Trigger = "unbuffered"
)

// HistoryItem is one flush kept in memory for /v1/history.
type HistoryItem struct {
	At      time.Time `json:"at"`
	Trigger Trigger   `json:"trigger"`
	Outcome string    `json:"outcome"`
	Count   int       `json:"count"`
	Error   string    `json:"error,omitempty"`
	TookMS  int64     `json:"took_ms"`
}

// FlushEvent is the Data of relay.* bus events.
type FlushEvent struct {
	Trigger Trigger   `json:"trigger,omitempty"`
	Outcome string    `json:"outcome"`
	Count   int       `json:"count,omitempty"`
	Pending int       `json:"pending"`
	Error   string    `json:"error,omitempty"`
	At      time.Time `json:"at"`
}

const (
	EventQueued  = "relay.queued"
	EventDeduped = "relay.deduped"
	EventSent    = "relay.sent"
	EventFailed  = "relay.failed"
	EventNoOp    = "relay.noop"
)

// Recorder receives relay metrics. observability.Metrics implements it.
type Recorder interface {
	Enqueued()
	Deduped()
	Flushed(trigger string, res relay.Result, took time.Duration)
	SetPending(n int)
}

type nopRecorder struct{}

func (nopRecorder) Enqueued()                                   {}
func (nopRecorder) Deduped()                                    {}
func (nopRecorder) Flushed(string, relay.Result, time.Duration) {}
func (nopRecorder) SetPending(int)                              {}

const historyMax = 300
