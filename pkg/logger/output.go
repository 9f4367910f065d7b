package logger

import (
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap/zapcore"
)

// openLogFile opens the append-only log file for a service and wraps it in a
// locked WriteSyncer. The directory defaults to ~/.messaging-platform/log and
// can be overridden with MP_LOG_DIR.
func openLogFile(serviceName string) (zapcore.WriteSyncer, error) {
	logDir := os.Getenv("MP_LOG_DIR")
	if logDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get home directory: %v", err)
		}
		logDir = filepath.Join(homeDir, ".messaging-platform/log")
	}
	if err := os.MkdirAll(logDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %v", err)
	}

	logFile := filepath.Join(logDir, serviceName+".log")
	f, err := os.OpenFile(logFile, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file: %v", err)
	}

	return zapcore.Lock(zapcore.AddSync(f)), nil
}
