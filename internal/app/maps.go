package app

import (
	"fmt"
	"strings"

	"tgrelay/internal/config"
	"tgrelay/internal/notifier"
	"tgrelay/internal/observability/server"
	"tgrelay/internal/storage"
	"tgrelay/internal/transport"
	"tgrelay/internal/transport/telegram/adapter"
	"tgrelay/internal/transport/telegram/botapi"
	logx "tgrelay/pkg/logx"
)

// logSkipComps are components whose entries never reach the Telegram log sink.
// Each of them logs once per forwarded entry, so forwarding them would loop.
var logSkipComps = []string{"notifier", "telegram", "eventbus"}

func mapLogConfig(cfg *config.Config) logx.Config {
	lc := cfg.Logging
	return logx.Config{
		Level:   lc.Level,
		Console: lc.Console,
		File: logx.FileConfig{
			Enabled:    lc.File.Enabled,
			Path:       lc.File.Path,
			MaxSizeMB:  lc.File.MaxSizeMB,
			MaxBackups: lc.File.MaxBackups,
			MaxAgeDays: lc.File.MaxAgeDays,
			Compress:   lc.File.Compress,
		},
		Telegram: logx.TelegramConfig{
			Enabled:    lc.Telegram.Enabled,
			MinLevel:   lc.Telegram.MinLevel,
			RatePerSec: lc.Telegram.RatePerSec,
			SkipComps:  logSkipComps,
		},
	}
}

func mapNotifierConfig(cfg *config.Config) (notifier.Config, error) {
	sched, err := config.ParseFlushSchedule(cfg.Buffer.FlushSchedule)
	if err != nil {
		return notifier.Config{}, err
	}
	return notifier.Config{
		Threshold:       cfg.Buffer.Threshold,
		Schedule:        sched,
		FlushOnStop:     cfg.Buffer.FlushOnStopEnabled(),
		DedupWindow:     cfg.Buffer.DedupWindowDuration(),
		DedupMaxEntries: cfg.Buffer.DedupMaxEntries,
		PersistDedup:    cfg.Buffer.PersistDedup,
		KeepPayload:     cfg.Storage.KeepPayload,
	}, nil
}

func mapStorageConfig(cfg *config.Config) storage.Config {
	sc := cfg.Storage
	return storage.Config{
		Driver:      strings.ToLower(strings.TrimSpace(sc.Driver)),
		Path:        strings.TrimSpace(sc.Path),
		BusyTimeout: sc.BusyTimeoutDuration(),
	}
}

func mapServerConfig(cfg *config.Config) server.Config {
	sc := cfg.Server
	read, write, idle := sc.Timeouts()
	addr := strings.TrimSpace(sc.Addr)
	if addr == "" {
		addr = server.DefaultAddr
	}
	return server.Config{
		Enabled:       sc.Enabled,
		Addr:          addr,
		Token:         sc.Token,
		AllowInsecure: sc.AllowInsecure,
		Pprof:         sc.Pprof,
		ReadTimeout:   read,
		WriteTimeout:  write,
		IdleTimeout:   idle,
	}
}

// newSink builds the configured Telegram driver, throttled when rate_per_sec is set.
func newSink(cfg *config.Config, log logx.Logger) (transport.Sink, error) {
	tc := cfg.Telegram
	opts := transport.SendOptions{
		ParseMode:      tc.ParseMode,
		DisablePreview: tc.DisablePreview,
		ThreadID:       tc.ThreadID,
	}

	var sink transport.Sink
	switch strings.ToLower(strings.TrimSpace(tc.Driver)) {
	case "", config.DriverBotAPI:
		c, err := botapi.New(botapi.Config{Token: tc.Token, APIURL: tc.APIURL, Timeout: tc.TimeoutDuration(), Options: opts})
		if err != nil {
			return nil, err
		}
		sink = c
	case config.DriverTelebot:
		a, err := adapter.New(adapter.Config{Token: tc.Token, APIURL: tc.APIURL, Timeout: tc.TimeoutDuration(), Options: opts}, log.With(logx.Comp("telegram")))
		if err != nil {
			return nil, err
		}
		sink = a
	default:
		return nil, fmt.Errorf("telegram.driver: unknown driver %q", tc.Driver)
	}
	return transport.Throttle(sink, tc.RatePerSec), nil
}
