package config

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"

	"github.com/robfig/cron/v3"

	logx "tgrelay/pkg/logx"
)

// ScheduleOff disables the periodic flush.
const ScheduleOff = "off"

// DefaultFlushSchedule is used when buffer.flush_schedule is empty.
const DefaultFlushSchedule = "@every 30s"

// Validate checks a parsed config and returns every problem found, each
// prefixed with the offending field path.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error
	add := func(format string, args ...any) { errs = append(errs, fmt.Errorf(format, args...)) }

	t := cfg.Telegram
	if strings.TrimSpace(t.Token) == "" {
		add("telegram.token is required (or set %sTELEGRAM_TOKEN)", EnvPrefix)
	}
	if strings.TrimSpace(t.ChatID) == "" {
		add("telegram.chat_id is required (or set %sTELEGRAM_CHAT_ID)", EnvPrefix)
	}
	switch strings.ToLower(strings.TrimSpace(t.Driver)) {
	case "", DriverBotAPI, DriverTelebot:
	default:
		add("telegram.driver: unknown driver %q", t.Driver)
	}
	if u := strings.TrimSpace(t.APIURL); u != "" {
		pu, err := url.Parse(u)
		if err != nil || pu.Scheme == "" || pu.Host == "" {
			add("telegram.api_url: invalid url %q", u)
		}
	}
	if _, err := ParseDurationField("telegram.timeout", t.Timeout); err != nil {
		errs = append(errs, err)
	}
	if t.RatePerSec < 0 {
		add("telegram.rate_per_sec must be >= 0")
	}
	switch t.ParseMode {
	case "", "HTML", "Markdown", "MarkdownV2":
	default:
		add("telegram.parse_mode: unsupported %q", t.ParseMode)
	}

	b := cfg.Buffer
	if b.Threshold < 0 {
		add("buffer.threshold must be >= 1")
	}
	if _, err := ParseFlushSchedule(b.FlushSchedule); err != nil {
		errs = append(errs, fmt.Errorf("buffer.flush_schedule: %w", err))
	}
	if _, err := ParseDurationField("buffer.dedup_window", b.DedupWindow); err != nil {
		errs = append(errs, err)
	}
	if b.DedupMaxEntries < 0 {
		add("buffer.dedup_max_entries must be >= 0")
	}

	l := cfg.Logging
	if !logx.ValidLevel(l.Level) {
		add("logging.level: unknown level %q", l.Level)
	}
	if l.File.Enabled && strings.TrimSpace(l.File.Path) == "" {
		add("logging.file.path is required when file logging is enabled")
	}
	if !logx.ValidLevel(l.Telegram.MinLevel) {
		add("logging.telegram.min_level: unknown level %q", l.Telegram.MinLevel)
	}

	s := cfg.Storage
	switch strings.ToLower(strings.TrimSpace(s.Driver)) {
	case "", "none":
	case "file", "sqlite":
		if strings.TrimSpace(s.Path) == "" {
			add("storage.path is required for driver %q", s.Driver)
		}
	default:
		add("storage.driver: unknown driver %q", s.Driver)
	}
	if _, err := ParseDurationField("storage.busy_timeout", s.BusyTimeout); err != nil {
		errs = append(errs, err)
	}
	if b.PersistDedup && (s.Driver == "" || strings.EqualFold(s.Driver, "none")) {
		add("buffer.persist_dedup requires a storage driver")
	}

	srv := cfg.Server
	if srv.Enabled {
		addr := strings.TrimSpace(srv.Addr)
		if addr == "" {
			addr = DefaultServerAddr
		}
		host, _, err := net.SplitHostPort(addr)
		if err != nil {
			add("server.addr: %v", err)
		} else if !IsLoopbackHost(host) && strings.TrimSpace(srv.Token) == "" && !srv.AllowInsecure {
			add("server.addr %q is not loopback; set server.token or server.allow_insecure", addr)
		}
	}
	for _, f := range []struct{ path, raw string }{
		{"server.read_timeout", srv.ReadTimeout},
		{"server.write_timeout", srv.WriteTimeout},
		{"server.idle_timeout", srv.IdleTimeout},
	} {
		if _, err := ParseDurationField(f.path, f.raw); err != nil {
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}

// DefaultServerAddr is the loopback listener used when server.addr is empty.
const DefaultServerAddr = "127.0.0.1:9480"

// ParseFlushSchedule parses buffer.flush_schedule. A nil schedule means the
// periodic flush is disabled.
func ParseFlushSchedule(raw string) (cron.Schedule, error) {
	spec := strings.TrimSpace(raw)
	if strings.EqualFold(spec, ScheduleOff) {
		return nil, nil
	}
	if spec == "" {
		spec = DefaultFlushSchedule
	}
	p := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	sched, err := p.Parse(spec)
	if err != nil {
		return nil, fmt.Errorf("invalid schedule %q: %w", raw, err)
	}
	return sched, nil
}

func IsLoopbackHost(host string) bool {
	host = strings.TrimSpace(host)
	if host == "" {
		// ":9480" listens on all interfaces.
		return false
	}
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
