package observability

import (
	"sort"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type Logger struct {
	base *zap.Logger
}

// NewLogger builds a JSON logger for production-like environments and a
// console logger with debug output otherwise.
func NewLogger(environment string, production bool) *Logger {
	var config zap.Config
	if production {
		config = zap.NewProductionConfig()
	} else {
		config = zap.NewDevelopmentConfig()
	}
	config.EncoderConfig.TimeKey = "timestamp"
	config.EncoderConfig.MessageKey = "message"
	config.EncoderConfig.EncodeTime = zapcore.RFC3339NanoTimeEncoder

	base, err := config.Build()
	if err != nil {
		base = zap.NewExample()
	}
	return &Logger{base: base.With(zap.String("environment", environment))}
}

func NewNopLogger() *Logger {
	return &Logger{base: zap.NewNop()}
}

func (l *Logger) Debug(message string, fields map[string]any) {
	l.base.Debug(message, toZapFields(fields)...)
}

func (l *Logger) Info(message string, fields map[string]any) {
	l.base.Info(message, toZapFields(fields)...)
}

func (l *Logger) Warn(message string, fields map[string]any) {
	l.base.Warn(message, toZapFields(fields)...)
}

func (l *Logger) Error(message string, fields map[string]any) {
	l.base.Error(message, toZapFields(fields)...)
}

func (l *Logger) Sync() {
	_ = l.base.Sync()
}

func toZapFields(fields map[string]any) []zap.Field {
	if len(fields) == 0 {
		return nil
	}

	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]zap.Field, 0, len(keys))
	for _, k := range keys {
		out = append(out, zap.Any(k, fields[k]))
	}
	return out
}
