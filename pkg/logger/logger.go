package logger

import (
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// Logger is a wrapper around logrus.Logger
type Logger struct {
	*logrus.Logger
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	Output     string `mapstructure:"output"`
	FilePrefix string `mapstructure:"file_prefix"`
}

// New creates a new logger instance
func New(cfg LoggingConfig) *Logger {
	// Create logger
	logger := logrus.New()

	// Set log level
	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)

	// Set log format
	switch strings.ToLower(cfg.Format) {
	case "json":
		logger.SetFormatter(&logrus.JSONFormatter{})
	default:
		logger.SetFormatter(&logrus.TextFormatter{
			FullTimestamp: true,
		})
	}

	// Set log output
	switch strings.ToLower(cfg.Output) {
	case "file":
		if cfg.FilePrefix == "" {
			cfg.FilePrefix = "execfabric"
		}
		// Ensure the logs directory exists
		logDir := "logs"
		err := os.MkdirAll(logDir, 0755)
		if err != nil {
			logger.Errorf("Failed to create logs directory: %v", err)
		} else {
			logPath := filepath.Join(logDir, cfg.FilePrefix+".log")
			file, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
			if err != nil {
				logger.Errorf("Failed to open log file: %v", err)
			} else {
				logger.SetOutput(io.MultiWriter(os.Stdout, file))
			}
		}
	default:
		// Use stdout by default
		logger.SetOutput(os.Stdout)
	}

	return &Logger{
		Logger: logger,
	}
}

// NewDefault creates a new logger instance with default configuration
func NewDefault(name string) *Logger {
	// Create logger with default configuration
	logger := logrus.New()
	logger.SetLevel(logrus.InfoLevel)
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp: true,
	})
	logger.SetOutput(os.Stdout)

	return &Logger{
		Logger: logger,
	}
}

// WithField returns a new log entry with a field
func (l *Logger) WithField(key string, value interface{}) *logrus.Entry {
	return l.Logger.WithField(key, value)
}

// WithFields returns a new log entry with multiple fields
func (l *Logger) WithFields(fields logrus.Fields) *logrus.Entry {
	return l.Logger.WithFields(fields)
}

// Domain structured-logging helpers: one method per recurring event
// shape rather than ad hoc WithField chains at every call site, so the
// same event always carries the same field set.

// LogStagingTransition logs a staged snippet moving between pipeline
// phases.
func (l *Logger) LogStagingTransition(stagingID string, lang string, fromPhase, toPhase string) {
	l.WithFields(logrus.Fields{
		"staging_id": stagingID,
		"language":   lang,
		"from_phase": fromPhase,
		"to_phase":   toPhase,
	}).Info("staging phase transition")
}

// LogPromotion logs the outcome of promoting a staged snippet into the
// execution matrix.
func (l *Logger) LogPromotion(stagingID, address, nodeID string, err error) {
	entry := l.WithFields(logrus.Fields{
		"staging_id": stagingID,
		"address":    address,
		"node_id":    nodeID,
	})
	if err != nil {
		entry.WithField("error", err).Error("snippet promotion failed")
		return
	}
	entry.Info("snippet promoted")
}

// LogCheckpoint logs a checkpoint write or restore outcome.
func (l *Logger) LogCheckpoint(operation string, duration time.Duration, err error) {
	entry := l.WithFields(logrus.Fields{
		"operation":   operation,
		"duration_ms": duration.Milliseconds(),
	})
	if err != nil {
		entry.WithField("error", err).Warn("checkpoint operation failed")
		return
	}
	entry.Debug("checkpoint operation completed")
}

// LogMeshEvent logs a mesh relay lifecycle event: peer registration,
// heartbeat ping, or an outbound relay push.
func (l *Logger) LogMeshEvent(eventType, peerID string, fields logrus.Fields) {
	if fields == nil {
		fields = logrus.Fields{}
	}
	fields["event_type"] = eventType
	fields["peer_id"] = peerID
	l.WithFields(fields).Debug("mesh event")
}
