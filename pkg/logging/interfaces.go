// Package logging provides structured logging functionality.
package logging

// Logger provides structured logging
type Logger interface {
	// Debug logs a debug message
	Debug(msg string, fields ...Field)

	// Info logs an info message
	Info(msg string, fields ...Field)

	// Warn logs a warning message
	Warn(msg string, fields ...Field)

	// Error logs an error message
	Error(msg string, fields ...Field)

	// WithFields returns a new logger with the given fields
	WithFields(fields ...Field) Logger

	// LogExecution records execution lifecycle events
	LogExecution(projectID string, executionID string, event string, data map[string]interface{})

	// LogSystemEvent records system-level events
	LogSystemEvent(event string, data map[string]interface{})
}

// Field represents a key-value pair in a log entry
type Field struct {
	// Key is the field name
	Key string

	// Value is the field value
	Value interface{}
}

// F is shorthand for building a Field
func F(key string, value interface{}) Field {
	return Field{Key: key, Value: value}
}

// Err returns an "error" field
func Err(err error) Field {
	return Field{Key: "error", Value: err}
}

// LogConfig contains configuration for the logger
type LogConfig struct {
	// Level is the minimum log level to output
	Level string `json:"level"`

	// Format is the log format
	Format string `json:"format"`

	// Output is where logs are written
	Output string `json:"output"`

	// FilePath is the path to the log file (if Output is "file")
	FilePath string `json:"file_path,omitempty"`
}
