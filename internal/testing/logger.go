package testing

import (
	"fmt"
	"sync"

	"github.com/bitrise-io/go-utils/v2/log"
)

// Logger prints like the default logger and keeps the debug and warning messages it received.
type Logger struct {
	log.Logger

	mu       sync.Mutex
	debugs   []string
	warnings []string
}

// NewLogger ...
func NewLogger() *Logger {
	logger := log.NewLogger()
	logger.EnableDebugLog(true)
	return &Logger{Logger: logger}
}

// Debugf ...
func (l *Logger) Debugf(format string, v ...interface{}) {
	l.mu.Lock()
	l.debugs = append(l.debugs, fmt.Sprintf(format, v...))
	l.mu.Unlock()

	l.Logger.Debugf(format, v...)
}

// Warnf ...
func (l *Logger) Warnf(format string, v ...interface{}) {
	l.mu.Lock()
	l.warnings = append(l.warnings, fmt.Sprintf(format, v...))
	l.mu.Unlock()

	l.Logger.Warnf(format, v...)
}

// Warnings returns the formatted warning messages.
func (l *Logger) Warnings() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.warnings...)
}

// Debugs returns the formatted debug messages.
func (l *Logger) Debugs() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.debugs...)
}
