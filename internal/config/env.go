package config

import (
	"errors"
	"io/fs"
	"os"
	"strings"

	"github.com/joho/godotenv"
)

// Environment overrides for secrets.
const (
	EnvTelegramToken = "GENBOT_TELEGRAM_TOKEN"
	EnvDatabaseDSN   = "GENBOT_DATABASE_DSN"
	EnvRedisPassword = "GENBOT_REDIS_PASSWORD"
	EnvPaymentSecret = "GENBOT_PAYMENT_SECRET"
)

// LoadDotEnv loads KEY=VALUE pairs from path into the process environment.
// Variables already set win. A missing file is not an error.
func LoadDotEnv(path string) error {
	if strings.TrimSpace(path) == "" {
		return nil
	}
	err := godotenv.Load(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return err
}

func applyEnv(cfg *Config) {
	if v := strings.TrimSpace(os.Getenv(EnvTelegramToken)); v != "" {
		cfg.Telegram.Token = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvDatabaseDSN)); v != "" {
		cfg.Storage.DSN = v
	}
	if v := os.Getenv(EnvRedisPassword); v != "" && cfg.Redis != nil {
		cfg.Redis.Password = v
	}
	if v := os.Getenv(EnvPaymentSecret); v != "" {
		cfg.Payments.Secret = v
	}
}
