// Package logger provides the structured logger shared by every component.
package logger

import (
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"
)

// Logger wraps logrus.Logger so call sites depend on this package, not logrus directly.
type Logger struct {
	*logrus.Logger
}

// Config controls logger construction.
type Config struct {
	Level      string `json:"level" env:"LOG_LEVEL"`
	Format     string `json:"format" env:"LOG_FORMAT"`
	Output     string `json:"output" env:"LOG_OUTPUT"`
	FilePrefix string `json:"file_prefix" env:"LOG_FILE_PREFIX"`
}

// New builds a logger from the given configuration.
func New(cfg Config) *Logger {
	log := logrus.New()

	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	log.SetLevel(level)

	switch strings.ToLower(cfg.Format) {
	case "json":
		log.SetFormatter(&logrus.JSONFormatter{})
	default:
		log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}

	switch strings.ToLower(cfg.Output) {
	case "file":
		if cfg.FilePrefix == "" {
			cfg.FilePrefix = "taskstream"
		}
		logDir := "logs"
		if err := os.MkdirAll(logDir, 0o755); err != nil {
			log.Errorf("failed to create log directory: %v", err)
			break
		}
		logPath := filepath.Join(logDir, cfg.FilePrefix+".log")
		file, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			log.Errorf("failed to open log file: %v", err)
			break
		}
		log.SetOutput(io.MultiWriter(os.Stdout, file))
	default:
		log.SetOutput(os.Stdout)
	}

	return &Logger{Logger: log}
}

// NewDefault builds a logger with sensible defaults, tagged with a component name.
func NewDefault(component string) *Logger {
	log := logrus.New()
	log.SetLevel(logrus.InfoLevel)
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	log.SetOutput(os.Stdout)
	l := &Logger{Logger: log}
	if component == "" {
		return l
	}
	return &Logger{Logger: log.WithField("component", component).Logger}
}

// WithField returns a new log entry with a field attached.
func (l *Logger) WithField(key string, value interface{}) *logrus.Entry {
	return l.Logger.WithField(key, value)
}

// WithFields returns a new log entry with multiple fields attached.
func (l *Logger) WithFields(fields logrus.Fields) *logrus.Entry {
	return l.Logger.WithFields(fields)
}
