package logging

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
)

type logrusLogger struct {
	entry *logrus.Entry
}

// New builds a logrus-backed Logger from cfg
func New(cfg LogConfig) (Logger, error) {
	base := logrus.New()

	switch strings.ToLower(cfg.Level) {
	case "debug":
		base.SetLevel(logrus.DebugLevel)
	case "warn", "warning":
		base.SetLevel(logrus.WarnLevel)
	case "error":
		base.SetLevel(logrus.ErrorLevel)
	default:
		base.SetLevel(logrus.InfoLevel)
	}

	if strings.ToLower(cfg.Format) == "text" {
		base.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	} else {
		base.SetFormatter(&logrus.JSONFormatter{})
	}

	switch strings.ToLower(cfg.Output) {
	case "file":
		if cfg.FilePath == "" {
			return nil, fmt.Errorf("logging output is file but no file_path is set")
		}
		f, err := os.OpenFile(cfg.FilePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return nil, fmt.Errorf("failed to open log file: %w", err)
		}
		base.SetOutput(f)
	case "stderr":
		base.SetOutput(os.Stderr)
	default:
		base.SetOutput(os.Stdout)
	}

	return &logrusLogger{entry: logrus.NewEntry(base)}, nil
}

// NewNop returns a Logger that discards everything
func NewNop() Logger {
	base := logrus.New()
	base.SetOutput(io.Discard)
	return &logrusLogger{entry: logrus.NewEntry(base)}
}

func (l *logrusLogger) with(fields []Field) *logrus.Entry {
	if len(fields) == 0 {
		return l.entry
	}
	lf := make(logrus.Fields, len(fields))
	for _, f := range fields {
		if err, ok := f.Value.(error); ok && err != nil {
			lf[f.Key] = err.Error()
			continue
		}
		lf[f.Key] = f.Value
	}
	return l.entry.WithFields(lf)
}

func (l *logrusLogger) Debug(msg string, fields ...Field) { l.with(fields).Debug(msg) }
func (l *logrusLogger) Info(msg string, fields ...Field)  { l.with(fields).Info(msg) }
func (l *logrusLogger) Warn(msg string, fields ...Field)  { l.with(fields).Warn(msg) }
func (l *logrusLogger) Error(msg string, fields ...Field) { l.with(fields).Error(msg) }

func (l *logrusLogger) WithFields(fields ...Field) Logger {
	return &logrusLogger{entry: l.with(fields)}
}

func (l *logrusLogger) LogExecution(projectID, executionID, event string, data map[string]interface{}) {
	entry := l.entry.WithFields(logrus.Fields{
		"project_id":   projectID,
		"execution_id": executionID,
		"event":        event,
	})
	if len(data) > 0 {
		entry = entry.WithFields(logrus.Fields(data))
	}
	entry.Info("execution " + event)
}

func (l *logrusLogger) LogSystemEvent(event string, data map[string]interface{}) {
	entry := l.entry.WithField("event", event)
	if len(data) > 0 {
		entry = entry.WithFields(logrus.Fields(data))
	}
	entry.Info(event)
}
