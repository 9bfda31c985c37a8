package logx

import (
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"
)

type captureForwarder struct {
	mu    sync.Mutex
	lines []string
}

func (c *captureForwarder) Forward(text string) {
	c.mu.Lock()
	c.lines = append(c.lines, text)
	c.mu.Unlock()
}

func (c *captureForwarder) wait(t *testing.T, n int) []string {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		c.mu.Lock()
		got := append([]string(nil), c.lines...)
		c.mu.Unlock()
		if len(got) >= n {
			return got
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d forwarded lines", n)
	return nil
}

func TestTelegramForwardingFilters(t *testing.T) {
	svc, log := New(Config{
		Level: "debug",
		File:  FileConfig{Enabled: true, Path: filepath.Join(t.TempDir(), "out.log")},
		Telegram: TelegramConfig{
			Enabled:    true,
			MinLevel:   "warn",
			RatePerSec: 100,
			SkipComps:  []string{"notifier"},
		},
	})
	t.Cleanup(func() { _ = svc.Close() })

	fwd := &captureForwarder{}
	svc.SetForwarder(fwd)

	log.Info("below min level")
	log.With(Comp("notifier")).Error("flush failed")
	log.With(Comp("app")).Warn("disk almost full", String("path", "/var"), Int("pct", 93))

	got := fwd.wait(t, 1)
	time.Sleep(50 * time.Millisecond)
	fwd.mu.Lock()
	total := len(fwd.lines)
	fwd.mu.Unlock()
	if total != 1 {
		t.Fatalf("forwarded %d lines, want 1: %q", total, got)
	}
	line := got[0]
	if !strings.HasPrefix(line, "[WARN] app: disk almost full") {
		t.Fatalf("line = %q", line)
	}
	if !strings.Contains(line, "- path=/var") || !strings.Contains(line, "- pct=93") {
		t.Fatalf("fields missing from %q", line)
	}
}

func TestFileSinkWritesJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "relay.log")
	svc, log := New(Config{Level: "info", File: FileConfig{Enabled: true, Path: path}})

	log.With(Comp("test")).Info("hello", Bool("ok", true))
	if err := svc.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if !strings.Contains(string(b), `"message":"hello"`) || !strings.Contains(string(b), `"comp":"test"`) {
		t.Fatalf("log file = %s", b)
	}
}

func TestZeroLoggerIsNoop(t *testing.T) {
	var l Logger
	if !l.IsZero() {
		t.Fatal("zero Logger should report IsZero")
	}
	l.Error("nothing happens")
	if Nop().IsZero() {
		t.Fatal("Nop() should not be zero")
	}
}

func TestValidLevel(t *testing.T) {
	for _, s := range []string{"", "debug", "WARN", "warning", "error"} {
		if !ValidLevel(s) {
			t.Fatalf("ValidLevel(%q) = false", s)
		}
	}
	if ValidLevel("loud") {
		t.Fatal("ValidLevel(loud) = true")
	}
}

func TestTruncateKeepsRunesWhole(t *testing.T) {
	s := strings.Repeat("ж", 10) // 20 bytes
	got := truncate(s, 14)
	if !strings.HasSuffix(got, "...") || len(got) > 14 {
		t.Fatalf("truncate = %q (%d bytes)", got, len(got))
	}
	if strings.ContainsRune(got, '�') || !utf8.ValidString(got) {
		t.Fatalf("truncate split a rune: %q", got)
	}
	if truncate("short", 14) != "short" {
		t.Fatal("short string changed")
	}
}
