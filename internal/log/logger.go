package log

import (
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
)

var (
	mu     sync.Mutex
	logger *slog.Logger
)

// ParseLevel maps a level name to a slog level. Unknown names yield INFO.
func ParseLevel(level string) slog.Level {
	switch strings.ToUpper(level) {
	case "DEBUG":
		return slog.LevelDebug
	case "WARN":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Setup installs a JSON logger on stderr as the process default. Results go
// to stdout, so logs never mix with them.
func Setup(level string) *slog.Logger {
	return SetupWriter(os.Stderr, level)
}

// SetupWriter is Setup with an explicit destination.
func SetupWriter(w io.Writer, level string) *slog.Logger {
	l := slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: ParseLevel(level)}))
	mu.Lock()
	logger = l
	mu.Unlock()
	slog.SetDefault(l)
	return l
}

// Get returns the configured logger, or slog.Default() if Setup hasn't been
// called. It never installs a logger itself.
func Get() *slog.Logger {
	mu.Lock()
	l := logger
	mu.Unlock()
	if l == nil {
		return slog.Default()
	}
	return l
}

// WithComponent returns a logger with the component field set.
func WithComponent(name string) *slog.Logger {
	return Get().With(slog.String("component", name))
}

// WithSource returns a logger with the source field set.
func WithSource(name string) *slog.Logger {
	return Get().With(slog.String("source", name))
}
