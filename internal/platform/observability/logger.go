package observability

import (
	"context"
	"strings"

	"github.com/go-co-op/gocron/v2"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/takeout-platform/api/internal/platform/requestctx"
)

const defaultLogLevel = "info"

// NewLogger builds the JSON logger. Keys follow Cloud Logging's structured payload conventions.
func NewLogger(level string) (*zap.Logger, error) {
	atomic := zap.NewAtomicLevel()
	level = strings.ToLower(strings.TrimSpace(level))
	if level == "" || atomic.UnmarshalText([]byte(level)) != nil {
		_ = atomic.UnmarshalText([]byte(defaultLogLevel))
	}

	cfg := zap.Config{
		Level:    atomic,
		Encoding: "json",
		EncoderConfig: zapcore.EncoderConfig{
			MessageKey:    "message",
			TimeKey:       "timestamp",
			LevelKey:      "severity",
			CallerKey:     "caller",
			StacktraceKey: "stacktrace",
			EncodeTime:    zapcore.RFC3339NanoTimeEncoder,
			EncodeLevel:   zapcore.CapitalLevelEncoder,
			EncodeCaller:  zapcore.ShortCallerEncoder,
		},
		OutputPaths:       []string{"stdout"},
		ErrorOutputPaths:  []string{"stderr"},
		DisableStacktrace: true,
	}
	return cfg.Build()
}

// WithLogger injects the logger into the provided context.
func WithLogger(ctx context.Context, logger *zap.Logger) context.Context {
	return requestctx.WithLogger(ctx, logger)
}

// FromContext retrieves the logger from context, defaulting to a no-op logger.
func FromContext(ctx context.Context) *zap.Logger {
	return requestctx.Logger(ctx)
}

// EventLogger adapts zap to the event logging hook taken by services. The request logger in ctx wins over
// base so request ids and trace ids stay attached. Events ending in ".failed" log at error level.
func EventLogger(base *zap.Logger) func(ctx context.Context, event string, fields map[string]any) {
	if base == nil {
		base = zap.NewNop()
	}
	return func(ctx context.Context, event string, fields map[string]any) {
		logger := base
		if requestctx.HasLogger(ctx) {
			logger = requestctx.Logger(ctx)
		}
		zapFields := make([]zap.Field, 0, len(fields)+1)
		zapFields = append(zapFields, zap.String("event", event))
		for key, value := range fields {
			zapFields = append(zapFields, zap.Any(key, value))
		}
		if strings.HasSuffix(event, ".failed") || strings.HasSuffix(event, "_failed") {
			logger.Error(event, zapFields...)
			return
		}
		logger.Info(event, zapFields...)
	}
}

// SchedulerLogger routes gocron diagnostics through zap.
func SchedulerLogger(base *zap.Logger) gocron.Logger {
	if base == nil {
		base = zap.NewNop()
	}
	return schedulerLogger{sugar: base.Named("scheduler").Sugar()}
}

type schedulerLogger struct {
	sugar *zap.SugaredLogger
}

func (l schedulerLogger) Debug(msg string, args ...any) { l.sugar.Debugw(msg, args...) }
func (l schedulerLogger) Info(msg string, args ...any)  { l.sugar.Infow(msg, args...) }
func (l schedulerLogger) Warn(msg string, args ...any)  { l.sugar.Warnw(msg, args...) }
func (l schedulerLogger) Error(msg string, args ...any) { l.sugar.Errorw(msg, args...) }
