// Package logger holds the process-wide zap logger.
//
// Events are logged as snake_case messages under the "event" key, with the
// run ID, load type and connector name attached from the context where one
// is available. Output goes to stderr so command output on stdout stays
// machine readable.
package logger

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	mu      sync.RWMutex
	current *zap.Logger
)

type contextKey string

const (
	// RunIDKey is the context key for the ETL run ID
	RunIDKey contextKey = "run_id"
	// LoadTypeKey is the context key for the load type (full or delta)
	LoadTypeKey contextKey = "load_type"
	// ConnectorKey is the context key for the storage connector name
	ConnectorKey contextKey = "connector"
)

// Config selects the level and encoding of the global logger.
type Config struct {
	Level    string // debug, info, warn, error
	Encoding string // json or console
	// Output defaults to os.Stderr.
	Output io.Writer
}

// Init builds a logger from cfg and installs it as the global logger.
func Init(cfg Config) error {
	l, err := build(cfg)
	if err != nil {
		return err
	}
	Set(l)
	return nil
}

// Set replaces the global logger. Tests use it to install observed loggers.
func Set(l *zap.Logger) {
	mu.Lock()
	current = l
	mu.Unlock()
}

func build(cfg Config) (*zap.Logger, error) {
	level := zapcore.InfoLevel
	if cfg.Level != "" {
		parsed, err := zapcore.ParseLevel(cfg.Level)
		if err != nil {
			return nil, fmt.Errorf("invalid log level: %w", err)
		}
		level = parsed
	}

	enc := zap.NewProductionEncoderConfig()
	enc.TimeKey = "timestamp"
	enc.MessageKey = "event"
	enc.EncodeTime = zapcore.ISO8601TimeEncoder
	enc.EncodeDuration = zapcore.StringDurationEncoder

	var encoder zapcore.Encoder
	switch cfg.Encoding {
	case "", "json":
		encoder = zapcore.NewJSONEncoder(enc)
	case "console":
		enc.EncodeLevel = zapcore.CapitalColorLevelEncoder
		encoder = zapcore.NewConsoleEncoder(enc)
	default:
		return nil, fmt.Errorf("invalid log encoding %q", cfg.Encoding)
	}

	out := cfg.Output
	if out == nil {
		out = os.Stderr
	}
	core := zapcore.NewCore(encoder, zapcore.Lock(zapcore.AddSync(out)), level)
	return zap.New(core, zap.AddCaller(), zap.ErrorOutput(zapcore.Lock(os.Stderr))), nil
}

// Get returns the global logger, creating an info-level JSON logger on first
// use if Init was never called.
func Get() *zap.Logger {
	mu.RLock()
	l := current
	mu.RUnlock()
	if l != nil {
		return l
	}

	mu.Lock()
	defer mu.Unlock()
	if current == nil {
		current, _ = build(Config{})
	}
	return current
}

// WithContext returns the global logger annotated with the run values in ctx.
func WithContext(ctx context.Context) *zap.Logger {
	l := Get()
	var fields []zap.Field
	for _, key := range []contextKey{RunIDKey, LoadTypeKey, ConnectorKey} {
		if v, ok := ctx.Value(key).(string); ok && v != "" {
			fields = append(fields, zap.String(string(key), v))
		}
	}
	if len(fields) == 0 {
		return l
	}
	return l.With(fields...)
}

// ContextWithRun stores the run ID and load type in ctx.
func ContextWithRun(ctx context.Context, runID, loadType string) context.Context {
	ctx = context.WithValue(ctx, RunIDKey, runID)
	return context.WithValue(ctx, LoadTypeKey, loadType)
}

// ContextWithConnector stores the storage connector name in ctx.
func ContextWithConnector(ctx context.Context, name string) context.Context {
	return context.WithValue(ctx, ConnectorKey, name)
}

func Debug(msg string, fields ...zap.Field) { Get().Debug(msg, fields...) }

func Info(msg string, fields ...zap.Field) { Get().Info(msg, fields...) }

func Warn(msg string, fields ...zap.Field) { Get().Warn(msg, fields...) }

func Error(msg string, fields ...zap.Field) { Get().Error(msg, fields...) }

// With creates a child of the global logger.
func With(fields ...zap.Field) *zap.Logger { return Get().With(fields...) }

// Sync flushes buffered entries of the global logger.
func Sync() error {
	mu.RLock()
	defer mu.RUnlock()
	if current == nil {
		return nil
	}
	return current.Sync()
}
