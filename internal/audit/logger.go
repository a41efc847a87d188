package audit

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
)

// Sink accepts audit events.
type Sink interface {
	Log(event *Event) error
}

// Logger appends audit events to a file as JSON lines.
// It is safe for concurrent use.
type Logger struct {
	file   *os.File
	writer io.Writer
	mutex  sync.Mutex
	path   string
}

// LoggerConfig holds configuration for the audit logger
type LoggerConfig struct {
	FilePath  string
	CreateDir bool // create parent directories when missing
}

// NewLogger opens (or creates) the audit file for appending.
func NewLogger(config LoggerConfig) (*Logger, error) {
	if config.FilePath == "" {
		return nil, fmt.Errorf("audit log file path cannot be empty")
	}

	if config.CreateDir {
		if err := os.MkdirAll(filepath.Dir(config.FilePath), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create audit log directory: %w", err)
		}
	}

	file, err := os.OpenFile(config.FilePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return nil, fmt.Errorf("failed to open audit log file: %w", err)
	}

	return &Logger{file: file, writer: file, path: config.FilePath}, nil
}

// NewWriterLogger writes events to w. Used by tests and the null logger.
func NewWriterLogger(w io.Writer) *Logger {
	return &Logger{writer: w}
}

// Log writes one event followed by a newline and syncs the file.
func (l *Logger) Log(event *Event) error {
	if event == nil {
		return fmt.Errorf("audit event cannot be nil")
	}

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal audit event: %w", err)
	}
	data = append(data, '\n')

	l.mutex.Lock()
	defer l.mutex.Unlock()

	if _, err := l.writer.Write(data); err != nil {
		return fmt.Errorf("failed to write audit event: %w", err)
	}
	if syncer, ok := l.writer.(interface{ Sync() error }); ok {
		if err := syncer.Sync(); err != nil {
			return fmt.Errorf("failed to sync audit log: %w", err)
		}
	}
	return nil
}

// Close closes the audit log file.
func (l *Logger) Close() error {
	l.mutex.Lock()
	defer l.mutex.Unlock()

	if l.file != nil {
		err := l.file.Close()
		l.file = nil
		l.writer = io.Discard
		return err
	}
	return nil
}

// GetPath returns the file path of the audit log
func (l *Logger) GetPath() string {
	return l.path
}

// NewNullLogger creates a logger that discards all events.
func NewNullLogger() *Logger {
	return NewWriterLogger(io.Discard)
}

var _ Sink = (*Logger)(nil)
