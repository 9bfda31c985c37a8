package logx

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/rs/zerolog"
)

// Telegram caps a message at 4096 chars; leave room for batching with other lines.
const maxForwardLen = 3500

type telegramWriter struct{ svc *Service }

func (w *telegramWriter) Write(p []byte) (int, error) {
	return w.WriteLevel(zerolog.InfoLevel, p)
}

func (w *telegramWriter) WriteLevel(level zerolog.Level, p []byte) (int, error) {
	s := w.svc
	if s == nil {
		return len(p), nil
	}

	s.mu.Lock()
	fwd := s.forwarder
	lim := s.limiter
	min := s.minLevel
	skip := s.skip
	s.mu.Unlock()

	if fwd == nil || lim == nil || level < min {
		return len(p), nil
	}

	msg, comp := formatTelegramJSON(p)
	if msg == "" {
		return len(p), nil
	}
	if _, skipped := skip[comp]; skipped {
		return len(p), nil
	}
	if !lim.Allow() {
		return len(p), nil
	}
	s.enqueueForward(msg)
	return len(p), nil
}

// formatTelegramJSON renders one zerolog JSON line as operator text and
// returns the entry's component.
func formatTelegramJSON(p []byte) (string, string) {
	var m map[string]any
	if err := json.Unmarshal([]byte(strings.TrimSpace(string(p))), &m); err != nil {
		return truncate(strings.TrimSpace(string(p)), maxForwardLen), ""
	}

	lvl, _ := m["level"].(string)
	msg, _ := m["message"].(string)
	comp, _ := m[CompField].(string)

	var b strings.Builder
	if lvl != "" {
		b.WriteString("[")
		b.WriteString(strings.ToUpper(lvl))
		b.WriteString("] ")
	}
	if comp != "" {
		b.WriteString(comp)
		b.WriteString(": ")
	}
	b.WriteString(msg)

	keys := make([]string, 0, len(m))
	for k := range m {
		switch k {
		case "time", "level", "message", CompField, zerolog.CallerFieldName:
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		b.WriteString("\n- ")
		b.WriteString(k)
		b.WriteString("=")
		b.WriteString(truncate(fmt.Sprint(m[k]), 600))
	}
	return truncate(b.String(), maxForwardLen), comp
}

// truncate cuts s to at most maxN bytes without splitting a UTF-8 sequence.
func truncate(s string, maxN int) string {
	if maxN <= 0 || len(s) <= maxN {
		return s
	}
	suffix := "..."
	if maxN < 10 {
		suffix = ""
	}
	cut := maxN - len(suffix)
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + suffix
}
