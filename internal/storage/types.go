package storage

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

var ErrDisabled = errors.New("storage disabled")

// ErrClosed is returned by a store after Close.
var ErrClosed = errors.New("storage closed")

// Config configures storage.
//
// Driver values:
//   - "file": JSON Lines flush journal + dedup snapshot/journal
//   - "sqlite": SQLite database file (modernc.org/sqlite, no cgo)
//
// If Driver is empty or "none", storage is disabled.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// FlushRecord is one flush attempt. Keep it compact and schema-stable.
type FlushRecord struct {
	ID      string    `json:"id"`
	At      time.Time `json:"at"`
	Trigger string    `json:"trigger"`
	Outcome string    `json:"outcome"`
	Count   int       `json:"count"`
	Error   string    `json:"error,omitempty"`
	Status  int       `json:"status,omitempty"`
	Payload string    `json:"payload,omitempty"`
	TookMS  int64     `json:"took_ms"`
}

// NewFlushID returns a random batch id.
func NewFlushID() string { return uuid.NewString() }

// Store is the persistence API used by the notifier.
type Store interface {
	AppendFlush(ctx context.Context, r FlushRecord) error
	// RecentFlushes returns up to limit records, newest first.
	RecentFlushes(ctx context.Context, limit int) ([]FlushRecord, error)
	PutDedup(ctx context.Context, key string, until time.Time) error
	GetDedup(ctx context.Context, key string) (until time.Time, ok bool, err error)
	Close() error
}

func normalize(r FlushRecord) FlushRecord {
	if r.ID == "" {
		r.ID = NewFlushID()
	}
	if r.At.IsZero() {
		r.At = time.Now()
	}
	return r
}
