package config

import (
	"fmt"
	"strings"
	"time"
)

func ParseDurationField(path, raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", path, raw, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: duration must be >= 0", path)
	}
	return d, nil
}

// durationOr returns def when raw is empty, zero or invalid. Callers run
// Validate first, so invalid values never reach here in practice.
func durationOr(raw string, def time.Duration) time.Duration {
	d, err := ParseDurationField("", raw)
	if err != nil || d <= 0 {
		return def
	}
	return d
}

func (t TelegramConfig) TimeoutDuration() time.Duration { return durationOr(t.Timeout, 10*time.Second) }

// DedupWindowDuration is zero when dedup is disabled.
func (b BufferConfig) DedupWindowDuration() time.Duration { return durationOr(b.DedupWindow, 0) }

func (s StorageConfig) BusyTimeoutDuration() time.Duration {
	return durationOr(s.BusyTimeout, 5*time.Second)
}

func (s ServerConfig) Timeouts() (read, write, idle time.Duration) {
	return durationOr(s.ReadTimeout, 10*time.Second),
		durationOr(s.WriteTimeout, 30*time.Second),
		durationOr(s.IdleTimeout, 60*time.Second)
}
