package logging

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// DefaultErrorLogFile is the file name used under the configured log directory.
const DefaultErrorLogFile = "error.log"

// ErrorEntry is one exception record.
type ErrorEntry struct {
	URL     string
	Code    int
	Message string
	Params  any
	Info    any
}

// ErrorLog receives exception records.
type ErrorLog interface {
	Append(ctx context.Context, entry ErrorEntry) error
}

// FileErrorLog appends JSON lines to a file. It is safe for concurrent use.
type FileErrorLog struct {
	mu      sync.Mutex
	path    string
	file    *os.File
	handler slog.Handler
}

// OpenFileErrorLog opens (creating if needed) the error log at dir/name.
func OpenFileErrorLog(dir, name string) (*FileErrorLog, error) {
	if name == "" {
		name = DefaultErrorLogFile
	}
	path := filepath.Join(dir, name)

	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("create error log directory: %w", err)
	}
	//nolint:gosec // Log path is controlled by the operator
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o640)
	if err != nil {
		return nil, fmt.Errorf("open error log %s: %w", path, err)
	}

	return &FileErrorLog{
		path:    path,
		file:    f,
		handler: slog.NewJSONHandler(f, nil),
	}, nil
}

// Path returns the absolute or relative path of the log file.
func (l *FileErrorLog) Path() string {
	return l.path
}

// Append writes one entry.
func (l *FileErrorLog) Append(ctx context.Context, entry ErrorEntry) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file == nil {
		return fmt.Errorf("error log %s is closed", l.path)
	}

	rec := slog.NewRecord(time.Now(), slog.LevelError, "exception", 0)
	rec.AddAttrs(
		slog.String("url", entry.URL),
		slog.Int("code", entry.Code),
		slog.String("message", entry.Message),
		slog.Any("params", entry.Params),
		slog.Any("info", entry.Info),
	)
	if err := l.handler.Handle(ctx, rec); err != nil {
		return fmt.Errorf("append error log %s: %w", l.path, err)
	}
	return nil
}

// Close flushes and closes the file.
func (l *FileErrorLog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file = nil
	return err
}
