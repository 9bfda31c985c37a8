package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// envOverrides are applied on top of the file config. Empty values leave the
// file value untouched.
type envOverrides struct {
	TelegramToken  string `env:"TELEGRAM_TOKEN"`
	TelegramChatID string `env:"TELEGRAM_CHAT_ID"`
	LogLevel       string `env:"LOG_LEVEL"`
	ServerToken    string `env:"SERVER_TOKEN"`
}

const EnvPrefix = "TGRELAY_"

// loadDotEnv loads .env files from the working directory and next to the config
// file. Existing environment variables win; missing files are ignored.
func loadDotEnv(cfgPath string) error {
	candidates := []string{".env"}
	if dir := filepath.Dir(cfgPath); dir != "" && dir != "." {
		candidates = append(candidates, filepath.Join(dir, ".env"))
	}
	for _, p := range candidates {
		if _, err := os.Stat(p); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return err
		}
		if err := godotenv.Load(p); err != nil {
			return fmt.Errorf("load %s: %w", p, err)
		}
	}
	return nil
}

// ApplyEnv overlays TGRELAY_* environment variables onto cfg.
func ApplyEnv(cfg *Config) error {
	if cfg == nil {
		return nil
	}
	var o envOverrides
	if err := env.ParseWithOptions(&o, env.Options{Prefix: EnvPrefix}); err != nil {
		return fmt.Errorf("env: %w", err)
	}
	if v := strings.TrimSpace(o.TelegramToken); v != "" {
		cfg.Telegram.Token = v
	}
	if v := strings.TrimSpace(o.TelegramChatID); v != "" {
		cfg.Telegram.ChatID = v
	}
	if v := strings.TrimSpace(o.LogLevel); v != "" {
		cfg.Logging.Level = v
	}
	if v := strings.TrimSpace(o.ServerToken); v != "" {
		cfg.Server.Token = v
	}
	return nil
}
