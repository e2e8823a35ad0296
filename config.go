package sqlproc

import (
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/lmittmann/tint"
	"github.com/mattn/go-isatty"
)

// ConfigFromEnv builds a Config from environment variables:
//
//	SQLPROC_PLAN_CACHE_SIZE  bound of the plan cache (default 4096)
//	SQLPROC_ISOLATED         compile fresh metadata per call (default false)
//	SQLPROC_LOG_LEVEL        debug, info, warn or error (default info)
//	SQLPROC_LOG_FORMAT       text or json (default text)
func ConfigFromEnv() Config {
	return Config{
		PlanCacheSize: getEnvInt("SQLPROC_PLAN_CACHE_SIZE", cacheSize),
		Isolated:      getEnvBool("SQLPROC_ISOLATED", false),
		Logger: NewLogger(os.Stderr,
			getEnv("SQLPROC_LOG_LEVEL", "info"),
			getEnv("SQLPROC_LOG_FORMAT", "text")),
	}
}

// NewLogger returns a JSON logger for format "json" and a colored console
// logger otherwise.
func NewLogger(w io.Writer, level, format string) *slog.Logger {
	var handler slog.Handler

	logLevel := parseLevel(level)

	switch format {
	case "json":
		handler = slog.NewJSONHandler(w, &slog.HandlerOptions{Level: logLevel})
	default:
		handler = tint.NewHandler(w, &tint.Options{
			Level:      logLevel,
			TimeFormat: time.TimeOnly,
			NoColor:    !isTerminal(w),
		})
	}
	return slog.New(handler)
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && isatty.IsTerminal(f.Fd())
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}
