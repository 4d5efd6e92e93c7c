package observability

import (
	"io"
	"log/slog"
	"os"
	"strings"

	"cytoprofile/internal/profile"
)

// LogConfig selects the handler.
type LogConfig struct {
	Level  string
	Format string
	Output io.Writer
}

// NewLogger builds a text or JSON slog logger. Output defaults to stderr.
func NewLogger(cfg LogConfig) (*slog.Logger, error) {
	level, err := ParseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}
	out := cfg.Output
	if out == nil {
		out = os.Stderr
	}
	opts := &slog.HandlerOptions{Level: level}
	switch strings.ToLower(cfg.Format) {
	case "", "text":
		return slog.New(slog.NewTextHandler(out, opts)), nil
	case "json":
		return slog.New(slog.NewJSONHandler(out, opts)), nil
	default:
		return nil, profile.Configf("unknown log format %q", cfg.Format)
	}
}

// ParseLevel accepts debug, info, warn and error; empty means info.
func ParseLevel(s string) (slog.Level, error) {
	if s == "" {
		return slog.LevelInfo, nil
	}
	var l slog.Level
	if err := l.UnmarshalText([]byte(s)); err != nil {
		return 0, profile.Configf("unknown log level %q", s)
	}
	return l, nil
}

// Discard is the logger used when a caller supplies none.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
