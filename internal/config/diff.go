package config

import (
	"strings"

	logx "tgrelay/pkg/logx"
)

// ConfigChange summarizes a reload. Attrs never carry secrets.
type ConfigChange struct {
	Sections []string
	Attrs    []logx.Field

	// Restart lists sections whose new values only take effect after a restart.
	Restart []string
}

func (c ConfigChange) Empty() bool { return len(c.Sections) == 0 }

// SummarizeConfigChange compares two configs section by section.
func SummarizeConfigChange(oldCfg, newCfg *Config) ConfigChange {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}
	var out ConfigChange
	mark := func(section string, restart bool, attrs ...logx.Field) {
		out.Sections = append(out.Sections, section)
		out.Attrs = append(out.Attrs, attrs...)
		if restart {
			out.Restart = append(out.Restart, section)
		}
	}

	ot, nt := oldCfg.Telegram, newCfg.Telegram
	if ot != nt {
		mark("telegram", true,
			logx.String("telegram.driver", nt.Driver),
			logx.Bool("telegram.token_changed", strings.TrimSpace(ot.Token) != strings.TrimSpace(nt.Token)),
			logx.Bool("telegram.chat_changed", ot.ChatID != nt.ChatID),
			logx.Int("telegram.rate_per_sec", nt.RatePerSec),
		)
	}

	ob, nb := oldCfg.Buffer, newCfg.Buffer
	if ob.Threshold != nb.Threshold || ob.FlushOnStopEnabled() != nb.FlushOnStopEnabled() ||
		strings.TrimSpace(ob.FlushSchedule) != strings.TrimSpace(nb.FlushSchedule) {
		mark("buffer", true,
			logx.Int("buffer.threshold", nb.Threshold),
			logx.String("buffer.flush_schedule", nb.FlushSchedule),
			logx.Bool("buffer.flush_on_stop", nb.FlushOnStopEnabled()),
		)
	}
	if ob.DedupWindow != nb.DedupWindow || ob.DedupMaxEntries != nb.DedupMaxEntries || ob.PersistDedup != nb.PersistDedup {
		mark("dedup", false,
			logx.String("buffer.dedup_window", nb.DedupWindow),
			logx.Int("buffer.dedup_max_entries", nb.DedupMaxEntries),
			logx.Bool("buffer.persist_dedup", nb.PersistDedup),
		)
	}

	if oldCfg.Logging != newCfg.Logging {
		mark("logging", false,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
			logx.Bool("logging.telegram_enabled", newCfg.Logging.Telegram.Enabled),
		)
	}

	if oldCfg.Storage != newCfg.Storage {
		mark("storage", true,
			logx.String("storage.driver", newCfg.Storage.Driver),
			logx.String("storage.path", newCfg.Storage.Path),
			logx.Bool("storage.keep_payload", newCfg.Storage.KeepPayload),
		)
	}

	osv, nsv := oldCfg.Server, newCfg.Server
	if osv != nsv {
		mark("server", true,
			logx.Bool("server.enabled", nsv.Enabled),
			logx.String("server.addr", nsv.Addr),
			logx.Bool("server.token_set", strings.TrimSpace(nsv.Token) != ""),
			logx.Bool("server.pprof", nsv.Pprof),
		)
	}
	return out
}
