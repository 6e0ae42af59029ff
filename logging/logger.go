// Package logging provides pre-configured logrus loggers for brain components.
package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/sirupsen/logrus"
)

var (
	loggers   = make(map[string]*logrus.Entry)
	loggersMu sync.Mutex

	logDir   string
	logDirMu sync.Mutex
)

// SetLogDir sets the directory used for file sinks. Loggers created before
// this call keep whatever sink they were built with.
func SetLogDir(dir string) {
	logDirMu.Lock()
	defer logDirMu.Unlock()
	logDir = dir
}

// LogDir returns the active log directory (for "see logs at" diagnostics).
func LogDir() string {
	logDirMu.Lock()
	defer logDirMu.Unlock()
	if logDir != "" {
		return logDir
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".brain", "logs")
	}
	return filepath.Join(home, ".brain", "logs")
}

// NewLogger creates and returns a pre-configured logger for a specific component.
// It uses a singleton pattern per component to avoid re-initializing.
func NewLogger(component string) *logrus.Entry {
	loggersMu.Lock()
	defer loggersMu.Unlock()

	if logger, exists := loggers[component]; exists {
		return logger
	}

	logger := logrus.New()

	// Configure Level
	levelStr := "info"
	if os.Getenv("BRAIN_LOG_LEVEL") != "" {
		levelStr = os.Getenv("BRAIN_LOG_LEVEL")
	}
	level, err := logrus.ParseLevel(levelStr)
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)

	if os.Getenv("BRAIN_LOG_CALLER") == "true" {
		logger.SetReportCaller(true)
	}

	switch os.Getenv("BRAIN_LOG_FORMAT") {
	case "json":
		logger.SetFormatter(&logrus.JSONFormatter{})
	default:
		logger.SetFormatter(&TextFormatter{})
	}

	var writers []io.Writer

	// File sink: <log_dir>/<component>-<date>.log
	dateStr := time.Now().Format("2006-01-02")
	logFilePath := filepath.Join(LogDir(), fmt.Sprintf("%s-%s.log", component, dateStr))
	if err := os.MkdirAll(filepath.Dir(logFilePath), 0755); err == nil {
		file, err := os.OpenFile(logFilePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0666)
		if err == nil {
			writers = append(writers, file)
		}
	}

	// Stderr sink: always in debug mode, otherwise only when not attached
	// to an interactive terminal (piped, CI, service manager).
	isDebug := os.Getenv("BRAIN_DEBUG") == "1" || logger.GetLevel() == logrus.DebugLevel
	isInteractive := isatty.IsTerminal(os.Stderr.Fd()) || isatty.IsCygwinTerminal(os.Stderr.Fd())
	if isDebug || !isInteractive {
		writers = append(writers, os.Stderr)
	}

	switch len(writers) {
	case 0:
		logger.SetOutput(io.Discard)
	case 1:
		logger.SetOutput(writers[0])
	default:
		logger.SetOutput(io.MultiWriter(writers...))
	}

	entry := logger.WithField("component", component)
	loggers[component] = entry
	return entry
}
