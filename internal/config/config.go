package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"

	"github.com/satindergrewal/varispeed/internal/stretch"
)

// Config holds all runtime configuration, loaded from environment variables.
type Config struct {
	// Server
	Port        int
	MaxSessions int
	MediaRoot   string // load paths must resolve inside this directory

	// Decoding and MP3 stream encoding
	FFmpegPath string

	// Session behavior
	FrameSize    int     // processing block in frames, multiple of 960
	EndTolerance float64 // fraction of duration treated as end of asset
	KeepParams   bool    // carry speed and pitch across loads

	// Logging
	LogLevel      string
	LogFile       string
	LogMaxSize    int // megabytes
	LogMaxBackups int
	LogMaxAge     int // days
}

// Load reads configuration from environment variables with sane defaults.
// Variables found in the given dotenv files (".env" when none are named)
// fill in whatever the environment does not already set.
func Load(files ...string) Config {
	// a missing .env is the normal case
	_ = godotenv.Load(files...)

	return Config{
		Port:        envInt("VARISPEED_PORT", 8080),
		MaxSessions: envInt("VARISPEED_MAX_SESSIONS", 16),
		MediaRoot:   envStr("VARISPEED_MEDIA_ROOT", "."),

		FFmpegPath: envStr("VARISPEED_FFMPEG", "ffmpeg"),

		FrameSize:    envInt("VARISPEED_FRAME_SIZE", 3840),
		EndTolerance: envFloat("VARISPEED_END_TOLERANCE", 0.001),
		KeepParams:   envBool("VARISPEED_KEEP_PARAMS", false),

		LogLevel:      envStr("VARISPEED_LOG_LEVEL", "info"),
		LogFile:       envStr("VARISPEED_LOG_FILE", ""),
		LogMaxSize:    envInt("VARISPEED_LOG_MAX_SIZE", 100),
		LogMaxBackups: envInt("VARISPEED_LOG_MAX_BACKUPS", 3),
		LogMaxAge:     envInt("VARISPEED_LOG_MAX_AGE", 28),
	}
}

// Validate reports every setting that would only fail later, once a
// session starts decoding or the listener binds.
func (c Config) Validate() error {
	var errs []error
	if c.Port < 1 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("VARISPEED_PORT %d out of range", c.Port))
	}
	if c.MaxSessions < 0 {
		errs = append(errs, fmt.Errorf("VARISPEED_MAX_SESSIONS %d is negative", c.MaxSessions))
	}
	if err := stretch.ValidateFrameSize(c.FrameSize); err != nil {
		errs = append(errs, fmt.Errorf("VARISPEED_FRAME_SIZE: %w", err))
	}
	if c.EndTolerance <= 0 || c.EndTolerance >= 1 {
		errs = append(errs, fmt.Errorf("VARISPEED_END_TOLERANCE %g not in (0, 1)", c.EndTolerance))
	}
	return errors.Join(errs...)
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}
