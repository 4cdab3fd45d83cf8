// Package telemetry implements the tracer, metrics, health, and structured
// logging surface of C11 (spec §4.11): a local span registry on top of
// OpenTelemetry, a Prometheus metrics set plus a per-swarm snapshot ring
// buffer, ordered health checks, and a redacting slog wrapper.
//
// Grounded on the teacher's internal/observability package: tracing.go's
// NewTracer/Start/RecordError shape, metrics.go's promauto registration
// style, and logging.go's WithContext/redaction split.
package telemetry

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"regexp"
	"strings"
)

// Logger wraps log/slog with swarm/worker correlation and redaction of task
// instructions that may carry secrets (spec §4.11a).
type Logger struct {
	logger  *slog.Logger
	redacts []*regexp.Regexp
}

// LogConfig configures Logger.
type LogConfig struct {
	Level          string // debug|info|warn|error, defaults to info
	Format         string // json|text, defaults to json
	Output         io.Writer // defaults to os.Stdout
	AddSource      bool
	RedactPatterns []string
}

type ctxKey string

const (
	// SwarmIDKey is the context key a correlated logger reads for "swarmId".
	SwarmIDKey ctxKey = "swarm_id"
	// WorkerIDKey is the context key a correlated logger reads for "workerId".
	WorkerIDKey ctxKey = "worker_id"
	// TraceIDKey is the context key a correlated logger reads for "traceId".
	TraceIDKey ctxKey = "trace_id"
)

// DefaultRedactPatterns covers common secret shapes that might leak into a
// task instruction or worker result (API keys, bearer tokens, JWTs).
var DefaultRedactPatterns = []string{
	`(?i)(api[_-]?key|apikey)[\s:=]+["']?([a-zA-Z0-9_\-]{16,})["']?`,
	`(?i)(bearer|token)[\s:]+([a-zA-Z0-9_\-\.]{16,})`,
	`(?i)(secret|password|passwd|pwd)[\s:=]+["']?([^\s"']{8,})["']?`,
	`sk-ant-[a-zA-Z0-9_-]{95,}`,
	`sk-[a-zA-Z0-9]{48,}`,
	`eyJ[a-zA-Z0-9_-]*\.eyJ[a-zA-Z0-9_-]*\.[a-zA-Z0-9_-]*`,
}

// NewLogger builds a Logger writing to cfg.Output (stdout when unset).
func NewLogger(cfg LogConfig) *Logger {
	if cfg.Level == "" {
		cfg.Level = "info"
	}
	if cfg.Format == "" {
		cfg.Format = "json"
	}
	if cfg.Output == nil {
		cfg.Output = os.Stdout
	}

	var level slog.Level
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level, AddSource: cfg.AddSource}
	var handler slog.Handler
	if cfg.Format == "text" {
		handler = slog.NewTextHandler(cfg.Output, opts)
	} else {
		handler = slog.NewJSONHandler(cfg.Output, opts)
	}

	redacts := make([]*regexp.Regexp, 0, len(DefaultRedactPatterns)+len(cfg.RedactPatterns))
	for _, pattern := range append(append([]string{}, DefaultRedactPatterns...), cfg.RedactPatterns...) {
		if re, err := regexp.Compile(pattern); err == nil {
			redacts = append(redacts, re)
		}
	}

	return &Logger{logger: slog.New(handler), redacts: redacts}
}

// WithContext extracts swarmId/workerId/traceId from ctx (if present) as
// permanent fields on the returned Logger.
func (l *Logger) WithContext(ctx context.Context) *Logger {
	var attrs []any
	if v, ok := ctx.Value(SwarmIDKey).(string); ok && v != "" {
		attrs = append(attrs, "swarmId", v)
	}
	if v, ok := ctx.Value(WorkerIDKey).(string); ok && v != "" {
		attrs = append(attrs, "workerId", v)
	}
	if v, ok := ctx.Value(TraceIDKey).(string); ok && v != "" {
		attrs = append(attrs, "traceId", v)
	}
	if len(attrs) == 0 {
		return l
	}
	return &Logger{logger: l.logger.With(attrs...), redacts: l.redacts}
}

// WithFields returns a Logger with permanent extra key-value fields.
func (l *Logger) WithFields(kv ...any) *Logger {
	return &Logger{logger: l.logger.With(kv...), redacts: l.redacts}
}

func (l *Logger) Debug(msg string, args ...any) { l.log(slog.LevelDebug, msg, args...) }
func (l *Logger) Info(msg string, args ...any)  { l.log(slog.LevelInfo, msg, args...) }
func (l *Logger) Warn(msg string, args ...any)  { l.log(slog.LevelWarn, msg, args...) }
func (l *Logger) Error(msg string, args ...any) { l.log(slog.LevelError, msg, args...) }

func (l *Logger) log(level slog.Level, msg string, args ...any) {
	msg = l.redactString(msg)
	redacted := make([]any, len(args))
	for i, a := range args {
		redacted[i] = l.redactValue(a)
	}
	l.logger.Log(context.Background(), level, msg, redacted...)
}

func (l *Logger) redactValue(v any) any {
	switch val := v.(type) {
	case string:
		return l.redactString(val)
	case error:
		return l.redactString(val.Error())
	default:
		if b, err := json.Marshal(v); err == nil {
			redacted := l.redactString(string(b))
			if redacted != string(b) {
				return redacted
			}
		}
		return v
	}
}

func (l *Logger) redactString(s string) string {
	for _, re := range l.redacts {
		s = re.ReplaceAllString(s, "[REDACTED]")
	}
	return s
}
