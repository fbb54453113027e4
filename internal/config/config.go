package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

type Config struct {
	DatabaseURL string
	HTTPAddr    string
	LogLevel    string
	Env         string // dev|prod
	SentryDSN   string
	Location    *time.Location

	// LedgerURL — адрес внешнего реестра; пустой = локальный стаб (dev).
	LedgerURL     string
	SubmitTimeout time.Duration // таймаут одного Submit/Poll
	ConfirmWindow time.Duration // pending старше окна фейлится свипом
	SweepInterval time.Duration
	PollInterval  time.Duration
	MaxAttempts   int // лимит попыток якорения на одну запись
}

func Load() (*Config, error) {
	tz := getenv("TZ", "Europe/Moscow")
	loc, err := time.LoadLocation(tz)
	if err != nil {
		loc = time.Local
	}

	submitTimeout, err := getDuration("LEDGER_SUBMIT_TIMEOUT", 10*time.Second)
	if err != nil {
		return nil, err
	}
	confirmWindow, err := getDuration("CONFIRM_WINDOW", 30*time.Minute)
	if err != nil {
		return nil, err
	}
	sweepInterval, err := getDuration("SWEEP_INTERVAL", time.Minute)
	if err != nil {
		return nil, err
	}
	pollInterval, err := getDuration("POLL_INTERVAL", 15*time.Second)
	if err != nil {
		return nil, err
	}
	maxAttempts, err := getInt("MAX_ANCHOR_ATTEMPTS", 5)
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		DatabaseURL:   mustEnv("DATABASE_URL"),
		HTTPAddr:      getenv("HTTP_ADDR", ":8080"),
		LogLevel:      getenv("LOG_LEVEL", "info"),
		Env:           getenv("ENV", "dev"),
		SentryDSN:     os.Getenv("SENTRY_DSN"),
		Location:      loc,
		LedgerURL:     os.Getenv("LEDGER_URL"),
		SubmitTimeout: submitTimeout,
		ConfirmWindow: confirmWindow,
		SweepInterval: sweepInterval,
		PollInterval:  pollInterval,
		MaxAttempts:   maxAttempts,
	}
	return cfg, nil
}

func mustEnv(k string) string {
	v := os.Getenv(k)
	if v == "" {
		panic("required env " + k + " is empty")
	}
	return v
}

func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func getDuration(k string, def time.Duration) (time.Duration, error) {
	v := os.Getenv(k)
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", k, err)
	}
	return d, nil
}

func getInt(k string, def int) (int, error) {
	v := os.Getenv(k)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", k, err)
	}
	return n, nil
}
