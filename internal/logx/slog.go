// README: slog-backed Logger implementation.
package logx

import (
	"io"
	"log/slog"
	"strings"
)

type slogLogger struct {
	l *slog.Logger
}

// New returns a JSON logger writing to w at the given level
// ("debug", "info", "warn", "error"; anything else means info).
func New(w io.Writer, level string) Logger {
	h := slog.NewJSONHandler(w, &slog.HandlerOptions{Level: ParseLevel(level)})
	return FromSlog(slog.New(h))
}

func FromSlog(l *slog.Logger) Logger {
	return &slogLogger{l: l}
}

func ParseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func (s *slogLogger) Debug(msg string, fields ...Field) { s.l.Debug(msg, attrs(fields)...) }
func (s *slogLogger) Info(msg string, fields ...Field)  { s.l.Info(msg, attrs(fields)...) }
func (s *slogLogger) Warn(msg string, fields ...Field)  { s.l.Warn(msg, attrs(fields)...) }
func (s *slogLogger) Error(msg string, fields ...Field) { s.l.Error(msg, attrs(fields)...) }

func (s *slogLogger) With(fields ...Field) Logger {
	return &slogLogger{l: s.l.With(attrs(fields)...)}
}

func attrs(fields []Field) []any {
	out := make([]any, 0, len(fields))
	for _, f := range fields {
		out = append(out, slog.Any(f.Key, f.Value))
	}
	return out
}
