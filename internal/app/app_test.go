package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"tgrelay/internal/relay"
	"tgrelay/internal/storage"
	"tgrelay/internal/transport"
	logx "tgrelay/pkg/logx"
)

type fakeTelegram struct {
	mu    sync.Mutex
	texts []string
	paths []string
	fail  bool
}

func (f *fakeTelegram) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	_ = r.ParseForm()
	f.mu.Lock()
	f.texts = append(f.texts, r.PostForm.Get("text"))
	f.paths = append(f.paths, r.URL.Path)
	fail := f.fail
	f.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	if fail {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"ok":false,"error_code":400,"description":"Bad Request: chat not found"}`))
		return
	}
	_, _ = w.Write([]byte(`{"ok":true,"result":{"message_id":7}}`))
}

func (f *fakeTelegram) got() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.texts...)
}

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	t.Setenv("TGRELAY_TELEGRAM_TOKEN", "")
	t.Setenv("TGRELAY_TELEGRAM_CHAT_ID", "")
	p := filepath.Join(t.TempDir(), "tgrelay.json")
	if err := os.WriteFile(p, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return p
}

func botAPIConfig(apiURL, extra string) string {
	return fmt.Sprintf(`{
  "telegram": {"token": "123:abc", "chat_id": "-10042", "api_url": %q},
  "buffer": {"threshold": 2, "flush_schedule": "off"%s},
  "logging": {"level": "error"}
}`, apiURL, extra)
}

func TestReadLinesThroughBotAPI(t *testing.T) {
	tg := &fakeTelegram{}
	srv := httptest.NewServer(tg)
	defer srv.Close()

	a, err := New(writeConfig(t, botAPIConfig(srv.URL, "")), WithOneShot())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := a.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	n, err := a.ReadLines(context.Background(), strings.NewReader("a\r\nb\n\n  \nc\n"), true)
	if err != nil || n != 3 {
		t.Fatalf("ReadLines = %d, %v", n, err)
	}
	if err := a.Stop(context.Background(), StopOneShot); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	got := tg.got()
	if len(got) != 2 || got[0] != "a\nb" || got[1] != "c" {
		t.Fatalf("payloads = %q", got)
	}
	if tg.paths[0] != "/bot123:abc/sendMessage" {
		t.Fatalf("path = %q", tg.paths[0])
	}
}

func TestStopReportsFailedFinalFlush(t *testing.T) {
	tg := &fakeTelegram{fail: true}
	srv := httptest.NewServer(tg)
	defer srv.Close()

	a, err := New(writeConfig(t, botAPIConfig(srv.URL, "")), WithOneShot())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := a.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if res := a.Notify(context.Background(), "x", true); res.Outcome != relay.Queued {
		t.Fatalf("Notify = %v", res)
	}

	err = a.Stop(context.Background(), StopOneShot)
	var se *transport.SinkError
	if !errors.As(err, &se) || se.Kind != transport.KindRejected || se.StatusCode != http.StatusBadRequest {
		t.Fatalf("Stop = %v", err)
	}
	if strings.Contains(err.Error(), "123:abc") {
		t.Fatalf("token leaked: %v", err)
	}
	// Stopped apps reject intake.
	if _, err := a.ReadLines(context.Background(), strings.NewReader("late\n"), true); err == nil {
		t.Fatal("ReadLines after Stop succeeded")
	}
}

func TestUnbufferedWithCustomSinkIsJournaled(t *testing.T) {
	var (
		mu   sync.Mutex
		sent []string
	)
	sink := transport.SinkFunc(func(_ context.Context, recipient, payload string) (transport.Ack, error) {
		mu.Lock()
		sent = append(sent, recipient+":"+payload)
		mu.Unlock()
		return transport.Ack{MessageID: 1}, nil
	})
	prefix := filepath.Join(t.TempDir(), "journal")
	cfg := botAPIConfig("https://api.telegram.org", "") +
		"\n"
	cfg = strings.Replace(cfg, `"logging"`, fmt.Sprintf(`"storage": {"driver": "file", "path": %q},
  "logging"`, prefix), 1)

	a, err := New(writeConfig(t, cfg), WithOneShot(), WithSink(sink))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := a.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if res := a.Notify(context.Background(), "queued", true); res.Outcome != relay.Queued {
		t.Fatalf("buffered Notify = %v", res)
	}
	if res := a.Notify(context.Background(), "now", false); res.Outcome != relay.Sent || res.Count != 2 {
		t.Fatalf("unbuffered Notify = %v", res)
	}
	if res := a.Flush(context.Background()); res.Outcome != relay.NoOp {
		t.Fatalf("Flush = %v", res)
	}
	if err := a.Stop(context.Background(), StopOneShot); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if len(sent) != 1 || sent[0] != "-10042:queued\nnow" {
		t.Fatalf("sent = %q", sent)
	}

	st, err := storage.Open(storage.Config{Driver: "file", Path: prefix}, logx.Nop())
	if err != nil {
		t.Fatalf("reopen journal: %v", err)
	}
	defer st.Close()
	recs, err := st.RecentFlushes(context.Background(), 10)
	if err != nil || len(recs) != 1 {
		t.Fatalf("RecentFlushes = %v, %v", recs, err)
	}
	if recs[0].Trigger != "unbuffered" || recs[0].Count != 2 {
		t.Fatalf("record = %+v", recs[0])
	}
}

func TestOneShotFlushesEvenWithFlushOnStopOff(t *testing.T) {
	tg := &fakeTelegram{}
	srv := httptest.NewServer(tg)
	defer srv.Close()

	a, err := New(writeConfig(t, botAPIConfig(srv.URL, `, "flush_on_stop": false`)), WithOneShot())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := a.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if res := a.Notify(context.Background(), "hello", true); res.Outcome != relay.Queued {
		t.Fatalf("Notify = %v", res)
	}
	if err := a.Stop(context.Background(), StopOneShot); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if got := tg.got(); len(got) != 1 || got[0] != "hello" {
		t.Fatalf("payloads = %q", got)
	}
}

func TestForwardedLogsDoNotFeedBack(t *testing.T) {
	var (
		mu   sync.Mutex
		sent []string
	)
	sink := transport.SinkFunc(func(_ context.Context, _, payload string) (transport.Ack, error) {
		mu.Lock()
		sent = append(sent, payload)
		mu.Unlock()
		return transport.Ack{MessageID: 1}, nil
	})
	cfg := strings.Replace(botAPIConfig("https://api.telegram.org", ""), `"threshold": 2`, `"threshold": 50`, 1)
	cfg = strings.Replace(cfg, `"logging": {"level": "error"}`,
		`"logging": {"level": "debug", "telegram": {"enabled": true, "min_level": "debug", "rate_per_sec": 1000}}`, 1)

	a, err := New(writeConfig(t, cfg), WithOneShot(), WithSink(sink))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := a.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	a.Notify(context.Background(), "one", true)

	deadline := time.Now().Add(2 * time.Second)
	for a.notif.Pending() < 2 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	time.Sleep(200 * time.Millisecond)
	before := a.notif.Pending()
	time.Sleep(200 * time.Millisecond)
	if after := a.notif.Pending(); after != before {
		t.Fatalf("pending grew from %d to %d without new input", before, after)
	}

	if err := a.Stop(context.Background(), StopOneShot); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	mu.Lock()
	defer mu.Unlock()
	all := strings.Join(sent, "\n")
	if !strings.Contains(all, "one") || strings.Contains(all, "relay.queued") {
		t.Fatalf("payloads = %q", sent)
	}
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	p := writeConfig(t, `{"telegram":{"chat_id":"1"},"buffer":{"flush_schedule":"every tuesday"}}`)
	_, err := New(p, WithOneShot())
	if err == nil {
		t.Fatal("New accepted config without token and with a bad schedule")
	}
	for _, want := range []string{"telegram.token", "buffer.flush_schedule"} {
		if !strings.Contains(err.Error(), want) {
			t.Fatalf("error %q does not mention %s", err, want)
		}
	}
}
