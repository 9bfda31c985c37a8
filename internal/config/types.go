package config

type Config struct {
	Telegram TelegramConfig `json:"telegram"`
	Buffer   BufferConfig   `json:"buffer"`
	Logging  LoggingConfig  `json:"logging"`
	Storage  StorageConfig  `json:"storage,omitempty"`
	Server   ServerConfig   `json:"server,omitempty"`
}

const (
	DriverBotAPI  = "botapi"
	DriverTelebot = "telebot"
)

// TelegramConfig selects the delivery sink and the destination chat.
//
// ChatID is a numeric chat id or an @channel username. Token and ChatID are
// usually supplied through TGRELAY_TELEGRAM_TOKEN / TGRELAY_TELEGRAM_CHAT_ID.
type TelegramConfig struct {
	Token  string `json:"token"`
	ChatID string `json:"chat_id"`

	// Driver is "botapi" (default) or "telebot".
	Driver string `json:"driver,omitempty"`
	APIURL string `json:"api_url,omitempty"`

	// Timeout is a Go duration string (default "10s").
	Timeout    string `json:"timeout,omitempty"`
	RatePerSec int    `json:"rate_per_sec,omitempty"`

	ParseMode      string `json:"parse_mode,omitempty"`
	DisablePreview bool   `json:"disable_preview,omitempty"`
	ThreadID       int    `json:"thread_id,omitempty"`
}

// BufferConfig controls batching.
//
// Defaults (when fields are omitted/zero):
//   - threshold: 20
//   - flush_schedule: "@every 30s" ("off" disables the periodic flush)
//   - flush_on_stop: true
//   - dedup_window: "0s" (disabled)
//   - dedup_max_entries: 2048
type BufferConfig struct {
	Threshold     int    `json:"threshold,omitempty"`
	FlushSchedule string `json:"flush_schedule,omitempty"`
	FlushOnStop   *bool  `json:"flush_on_stop,omitempty"`

	DedupWindow     string `json:"dedup_window,omitempty"`
	DedupMaxEntries int    `json:"dedup_max_entries,omitempty"`
	PersistDedup    bool   `json:"persist_dedup,omitempty"`
}

type LoggingConfig struct {
	Level    string            `json:"level"`
	Console  bool              `json:"console"`
	File     FileLogConfig     `json:"file"`
	Telegram TelegramLogConfig `json:"telegram"`
}

type FileLogConfig struct {
	Enabled    bool   `json:"enabled"`
	Path       string `json:"path"`
	MaxSizeMB  int    `json:"max_size_mb,omitempty"`
	MaxBackups int    `json:"max_backups,omitempty"`
	MaxAgeDays int    `json:"max_age_days,omitempty"`
	Compress   bool   `json:"compress,omitempty"`
}

// TelegramLogConfig forwards warn+ log entries to the relay chat as buffered messages.
type TelegramLogConfig struct {
	Enabled    bool   `json:"enabled"`
	MinLevel   string `json:"min_level,omitempty"`
	RatePerSec int    `json:"rate_per_sec,omitempty"`
}

// StorageConfig controls the flush journal.
//
// Driver: "none" (default), "file" or "sqlite".
// Path: for file, a path prefix ("./data/tgrelay" -> tgrelay.flushes.jsonl);
// for sqlite, the database file.
type StorageConfig struct {
	Driver      string `json:"driver,omitempty"`
	Path        string `json:"path,omitempty"`
	BusyTimeout string `json:"busy_timeout,omitempty"`

	// KeepPayload stores the dropped payload of failed flushes.
	KeepPayload bool `json:"keep_payload,omitempty"`
}

// ServerConfig controls the local HTTP surface (health, metrics, intake, pprof).
//
// Security:
//   - Non-loopback addr requires Token unless AllowInsecure is true.
type ServerConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`
	Token         string `json:"token,omitempty"`
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
	Pprof         bool   `json:"pprof,omitempty"`

	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`
}

// FlushOnStopEnabled reports the effective flush_on_stop value.
func (b BufferConfig) FlushOnStopEnabled() bool {
	return b.FlushOnStop == nil || *b.FlushOnStop
}
