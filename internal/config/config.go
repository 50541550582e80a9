package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config is the process configuration, read from AUDIOTOOL_* variables.
type Config struct {
	FFmpegPath     string
	Concurrency    int
	SplitCeiling   int
	SegmentSeconds int
	DBPath         string
	SettingsPath   string
	LockPath       string
	HistoryTTL     time.Duration
	LogLevel       slog.Level
	LogFormat      string
}

var validLogFormats = map[string]bool{
	"text": true,
	"json": true,
}

// Load reads the configuration. A .env file in the working directory is
// applied first; variables already set in the environment win.
func Load() (*Config, error) {
	loadEnvFile()

	dir := DefaultDir()
	cfg := &Config{
		FFmpegPath:   getEnv("AUDIOTOOL_FFMPEG_PATH", "ffmpeg"),
		DBPath:       getEnv("AUDIOTOOL_DB_PATH", filepath.Join(dir, "history.db")),
		SettingsPath: getEnv("AUDIOTOOL_SETTINGS_PATH", filepath.Join(dir, "settings.json")),
		LockPath:     getEnv("AUDIOTOOL_LOCK_PATH", filepath.Join(dir, "audiotool.lock")),
		LogFormat:    strings.ToLower(getEnv("AUDIOTOOL_LOG_FORMAT", "text")),
	}

	var err error
	cfg.Concurrency, err = getEnvInt("AUDIOTOOL_CONCURRENCY", max(1, runtime.NumCPU()-2))
	if err != nil {
		return nil, fmt.Errorf("AUDIOTOOL_CONCURRENCY: %w", err)
	}
	if cfg.Concurrency < 1 {
		return nil, errors.New("AUDIOTOOL_CONCURRENCY must be > 0")
	}

	cfg.SplitCeiling, err = getEnvInt("AUDIOTOOL_SPLIT_CEILING", 3)
	if err != nil {
		return nil, fmt.Errorf("AUDIOTOOL_SPLIT_CEILING: %w", err)
	}
	if cfg.SplitCeiling < 1 {
		return nil, errors.New("AUDIOTOOL_SPLIT_CEILING must be > 0")
	}

	// 720 seconds = 12 minute segments.
	cfg.SegmentSeconds, err = getEnvInt("AUDIOTOOL_SEGMENT_SECONDS", 720)
	if err != nil {
		return nil, fmt.Errorf("AUDIOTOOL_SEGMENT_SECONDS: %w", err)
	}
	if cfg.SegmentSeconds < 1 {
		return nil, errors.New("AUDIOTOOL_SEGMENT_SECONDS must be > 0")
	}

	ttlHours, err := getEnvInt("AUDIOTOOL_HISTORY_TTL_HOURS", 720)
	if err != nil {
		return nil, fmt.Errorf("AUDIOTOOL_HISTORY_TTL_HOURS: %w", err)
	}
	if ttlHours < 0 {
		return nil, errors.New("AUDIOTOOL_HISTORY_TTL_HOURS must be >= 0")
	}
	cfg.HistoryTTL = time.Duration(ttlHours) * time.Hour

	if err := cfg.LogLevel.UnmarshalText([]byte(getEnv("AUDIOTOOL_LOG_LEVEL", "warn"))); err != nil {
		return nil, fmt.Errorf("AUDIOTOOL_LOG_LEVEL: %w", err)
	}
	if !validLogFormats[cfg.LogFormat] {
		return nil, fmt.Errorf("AUDIOTOOL_LOG_FORMAT %q must be one of: text, json", cfg.LogFormat)
	}

	return cfg, nil
}

// DefaultDir is where history, settings and the lock file live unless
// overridden.
func DefaultDir() string {
	base, err := os.UserConfigDir()
	if err != nil {
		return "."
	}
	return filepath.Join(base, "audiotool")
}

func loadEnvFile() {
	// A missing .env is the common case.
	_ = godotenv.Load(".env")
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid integer %q", v)
	}
	return n, nil
}
