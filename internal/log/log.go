// Package log provides structured logging for the relay and the camera
// uplink. It wraps logrus with the defaults both binaries share.
package log

import (
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/sirupsen/logrus"
)

// Fields is re-exported so callers do not import logrus for a map literal.
type Fields = logrus.Fields

var (
	logger = logrus.New()
	mu     sync.Mutex
	sink   *os.File
)

// Init configures the global logger. level is one of logrus' level names
// ("debug", "info", "warn", "error"); file, when set, receives a copy of
// every entry next to stderr.
func Init(level, file string) error {
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return fmt.Errorf("parse log level: %w", err)
	}

	mu.Lock()
	defer mu.Unlock()

	var out io.Writer = os.Stderr
	if file != "" {
		f, err := os.OpenFile(file, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return fmt.Errorf("open log file: %w", err)
		}
		if sink != nil {
			sink.Close()
		}
		sink = f
		out = io.MultiWriter(os.Stderr, f)
	}

	logger.SetOutput(out)
	logger.SetLevel(lvl)
	if os.Getenv("GO_ENV") == "production" {
		logger.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	return nil
}

// Close releases the log file opened by Init, if any.
func Close() {
	mu.Lock()
	defer mu.Unlock()
	if sink != nil {
		logger.SetOutput(os.Stderr)
		sink.Close()
		sink = nil
	}
}

// L returns the global logger.
func L() *logrus.Logger {
	return logger
}

// With returns an entry carrying the given fields.
func With(fields Fields) *logrus.Entry {
	return logger.WithFields(fields)
}

// Component returns an entry tagged with the component name.
func Component(name string) *logrus.Entry {
	return logger.WithField("component", name)
}

// Debug logs at debug level.
func Debug(args ...any) { logger.Debug(args...) }

// Info logs at info level.
func Info(args ...any) { logger.Info(args...) }

// Warn logs at warn level.
func Warn(args ...any) { logger.Warn(args...) }

// Error logs at error level.
func Error(args ...any) { logger.Error(args...) }

// WithError returns an entry carrying err.
func WithError(err error) *logrus.Entry {
	return logger.WithError(err)
}
