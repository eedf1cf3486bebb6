package ygggo_dbclient

import (
	"context"
	"log/slog"
	"os"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"
)

// Level is the severity of a log event.
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarning
	LevelError
)

func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "debug"
	case LevelInfo:
		return "info"
	case LevelWarning:
		return "warning"
	case LevelError:
		return "error"
	default:
		return "unknown"
	}
}

// ParseLevel accepts debug/info/warning(warn)/error in any case; unknown
// values map to info.
func ParseLevel(s string) Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return LevelDebug
	case "warning", "warn":
		return LevelWarning
	case "error", "critical":
		return LevelError
	default:
		return LevelInfo
	}
}

// Fields are the structured key/value pairs attached to a log event.
type Fields map[string]any

// Logger receives structured events from the client. Implementations must be
// safe for concurrent use.
type Logger interface {
	Log(ctx context.Context, level Level, msg string, fields Fields)
}

type nopLogger struct{}

func (nopLogger) Log(context.Context, Level, string, Fields) {}

// NopLogger discards every event.
func NopLogger() Logger { return nopLogger{} }

// slogLogger forwards events to a *slog.Logger.
type slogLogger struct {
	l *slog.Logger
}

// NewSlogLogger adapts a *slog.Logger. A nil logger yields DefaultLogger().
func NewSlogLogger(l *slog.Logger) Logger {
	if l == nil {
		return DefaultLogger()
	}
	return &slogLogger{l: l}
}

// DefaultLogger writes JSON lines to stdout at info level.
func DefaultLogger() Logger {
	return &slogLogger{l: slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))}
}

func (s *slogLogger) Log(ctx context.Context, level Level, msg string, fields Fields) {
	attrs := make([]slog.Attr, 0, len(fields))
	for _, k := range sortedKeys(fields) {
		attrs = append(attrs, slog.Any(k, fields[k]))
	}
	s.l.LogAttrs(ctx, toSlogLevel(level), msg, attrs...)
}

func toSlogLevel(l Level) slog.Level {
	switch l {
	case LevelDebug:
		return slog.LevelDebug
	case LevelWarning:
		return slog.LevelWarn
	case LevelError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// zapLogger forwards events to a *zap.Logger.
type zapLogger struct {
	l *zap.Logger
}

// NewZapLogger adapts a *zap.Logger. A nil logger yields a no-op logger.
func NewZapLogger(l *zap.Logger) Logger {
	if l == nil {
		return nopLogger{}
	}
	return &zapLogger{l: l}
}

func (z *zapLogger) Log(_ context.Context, level Level, msg string, fields Fields) {
	zf := make([]zap.Field, 0, len(fields))
	for _, k := range sortedKeys(fields) {
		v := fields[k]
		switch tv := v.(type) {
		case error:
			zf = append(zf, zap.NamedError(k, tv))
		case time.Duration:
			zf = append(zf, zap.Duration(k, tv))
		default:
			zf = append(zf, zap.Any(k, v))
		}
	}
	switch level {
	case LevelDebug:
		z.l.Debug(msg, zf...)
	case LevelWarning:
		z.l.Warn(msg, zf...)
	case LevelError:
		z.l.Error(msg, zf...)
	default:
		z.l.Info(msg, zf...)
	}
}

// componentLogger stamps every event with fixed fields.
type componentLogger struct {
	next   Logger
	fields Fields
}

func withFields(l Logger, fields Fields) Logger {
	if l == nil {
		l = nopLogger{}
	}
	if _, ok := l.(nopLogger); ok {
		return l
	}
	return &componentLogger{next: l, fields: fields}
}

func (c *componentLogger) Log(ctx context.Context, level Level, msg string, fields Fields) {
	merged := make(Fields, len(c.fields)+len(fields))
	for k, v := range c.fields {
		merged[k] = v
	}
	for k, v := range fields {
		merged[k] = v
	}
	c.next.Log(ctx, level, msg, merged)
}

func sortedKeys(f Fields) []string {
	keys := make([]string, 0, len(f))
	for k := range f {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// maxLoggedStatement bounds statement text in log events and error messages.
const maxLoggedStatement = 100

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n] + "..."
}

func durationMS(d time.Duration) float64 {
	return float64(d.Nanoseconds()) / 1e6
}

// logStatement logs one executed statement. Slow statements go out at warning.
func (c *Client) logStatement(ctx context.Context, op, statement string, argCount int, rows int64, duration time.Duration, err error) {
	slow := c.slowQueryThreshold > 0 && duration > c.slowQueryThreshold
	if slow {
		c.slowLog.record(op, statement, duration, err)
	}
	fields := Fields{
		"operation":   op,
		"sql":         truncate(statement, maxLoggedStatement),
		"duration_ms": durationMS(duration),
	}
	if argCount > 0 {
		fields["arg_count"] = argCount
	}
	if err != nil {
		fields["status"] = "error"
		fields["error"] = err.Error()
		fields["error_kind"] = KindOf(err).String()
		c.logger.Log(ctx, LevelError, "statement failed", fields)
		return
	}
	fields["status"] = "success"
	fields["rows"] = rows
	if slow {
		c.logger.Log(ctx, LevelWarning, "slow statement detected", fields)
		return
	}
	c.logger.Log(ctx, LevelDebug, "statement executed", fields)
}
