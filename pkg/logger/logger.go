package logger

import (
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger wraps zap.Logger for the messaging core. Subsystems derive their
// own child via Component so every line carries the emitting component.
type Logger struct {
	*zap.Logger
}

// New builds a JSON logger teeing to stdout and a per-service log file. Both
// sinks are locked: the sweeper, listener and executor all log through the
// same handle concurrently.
func New(serviceName string, level string) (*Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		lvl = zapcore.InfoLevel
	}

	fileOutput, err := openLogFile(serviceName)
	if err != nil {
		return nil, err
	}

	encoder := zapcore.NewJSONEncoder(encoderConfig())
	core := zapcore.NewTee(
		zapcore.NewCore(encoder, zapcore.Lock(os.Stdout), lvl),
		zapcore.NewCore(encoder, fileOutput, lvl),
	)

	base := zap.New(
		core,
		zap.AddCaller(),
		zap.AddCallerSkip(1),
		zap.AddStacktrace(zapcore.ErrorLevel),
		zap.Fields(zap.String("service", serviceName)),
	)
	return &Logger{Logger: base}, nil
}

// NewTestLogger returns a no-op logger for use in tests
func NewTestLogger() *Logger {
	return &Logger{Logger: zap.NewNop()}
}

// Component derives a child logger tagged with the emitting component
func (l *Logger) Component(name string) *Logger {
	return &Logger{Logger: l.With(zap.String("component", name))}
}

func encoderConfig() zapcore.EncoderConfig {
	cfg := zap.NewProductionEncoderConfig()
	cfg.TimeKey = "timestamp"
	cfg.EncodeTime = zapcore.ISO8601TimeEncoder
	return cfg
}
