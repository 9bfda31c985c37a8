package adapter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	kit "tgrelay/internal/transport"
	logx "tgrelay/pkg/logx"
)

func fakeBotAPI(t *testing.T, status int, body string, got *map[string]any) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/sendMessage") {
			t.Errorf("unexpected method path %q", r.URL.Path)
		}
		if got != nil {
			m := map[string]any{}
			_ = json.NewDecoder(r.Body).Decode(&m)
			*got = m
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestAdapterDeliver(t *testing.T) {
	var req map[string]any
	srv := fakeBotAPI(t, http.StatusOK,
		`{"ok":true,"result":{"message_id":9,"date":0,"chat":{"id":-1001,"type":"supergroup"},"text":"x"}}`, &req)

	a, err := New(Config{Token: "1:abc", APIURL: srv.URL}, logx.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ack, err := a.Deliver(context.Background(), "-1001", "one\ntwo")
	if err != nil {
		t.Fatalf("Deliver: %v", err)
	}
	if ack.MessageID != 9 {
		t.Fatalf("MessageID = %d, want 9", ack.MessageID)
	}
	if fmt.Sprint(req["chat_id"]) != "-1001" || req["text"] != "one\ntwo" {
		t.Fatalf("request = %v", req)
	}
}

func TestAdapterDeliverRejected(t *testing.T) {
	srv := fakeBotAPI(t, http.StatusBadRequest,
		`{"ok":false,"error_code":400,"description":"Bad Request: chat not found"}`, nil)

	a, err := New(Config{Token: "1:abc", APIURL: srv.URL}, logx.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	_, err = a.Deliver(context.Background(), "@nowhere", "hi")
	var se *kit.SinkError
	if !errors.As(err, &se) {
		t.Fatalf("err = %v (%T), want SinkError", err, err)
	}
	if se.Kind != kit.KindRejected || se.StatusCode != http.StatusBadRequest {
		t.Fatalf("kind=%v status=%d, want rejected/400", se.Kind, se.StatusCode)
	}
}

func TestAdapterCancelledContext(t *testing.T) {
	a, err := New(Config{Token: "1:abc", APIURL: "http://127.0.0.1:1"}, logx.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := a.Deliver(ctx, "1", "x"); kit.KindOf(err) != kit.KindTransport {
		t.Fatalf("err = %v, want transport failure", err)
	}
}

func TestClassify(t *testing.T) {
	flood := errors.New("telegram: Too Many Requests: retry after 5 (429)")
	if se := classify(flood); se.Kind != kit.KindRejected || se.StatusCode != 429 || !se.Temporary() {
		t.Fatalf("flood classified as %+v", se)
	}
	ue := &url.Error{Op: "Post", URL: "https://api.telegram.org/bot1:abc/sendMessage", Err: errors.New("connection refused")}
	wrapped := fmt.Errorf("telebot: %w", ue)
	if se := classify(wrapped); se.Kind != kit.KindTransport {
		t.Fatalf("url error classified as %v", se.Kind)
	}
	if se := classify(wrapped).Redact("1:abc"); strings.Contains(se.Error(), "1:abc") {
		t.Fatalf("token leaked: %q", se.Error())
	}
	if n := codeFromText("no code here"); n != 0 {
		t.Fatalf("codeFromText = %d, want 0", n)
	}
}
