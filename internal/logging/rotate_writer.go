package logging

import (
	"fmt"
	"os"
	"sync"
)

// rotateWriter is a size-bounded append-only file. When a write would push
// the file past maxSize, path.1 … path.N are shifted and a fresh file opened.
type rotateWriter struct {
	path       string
	maxSize    int64
	maxBackups int

	mu   sync.Mutex
	file *os.File
	size int64
}

func newRotateWriter(path string, maxSize int64, maxBackups int) (*rotateWriter, error) {
	if maxSize <= 0 {
		maxSize = DefaultMaxFileSize
	}
	if maxBackups <= 0 {
		maxBackups = DefaultMaxBackups
	}
	rw := &rotateWriter{path: path, maxSize: maxSize, maxBackups: maxBackups}
	if err := rw.openLocked(); err != nil {
		return nil, err
	}
	return rw, nil
}

func (rw *rotateWriter) openLocked() error {
	f, err := os.OpenFile(rw.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return err
	}
	rw.file = f
	rw.size = info.Size()
	return nil
}

func (rw *rotateWriter) Write(p []byte) (int, error) {
	rw.mu.Lock()
	defer rw.mu.Unlock()

	if rw.file == nil {
		if err := rw.openLocked(); err != nil {
			return 0, err
		}
	}
	if rw.size > 0 && rw.size+int64(len(p)) > rw.maxSize {
		_ = rw.file.Close()
		rw.file = nil
		rw.shiftBackups()
		if err := rw.openLocked(); err != nil {
			return 0, err
		}
	}
	n, err := rw.file.Write(p)
	rw.size += int64(n)
	return n, err
}

func (rw *rotateWriter) shiftBackups() {
	for i := rw.maxBackups - 1; i >= 1; i-- {
		from := fmt.Sprintf("%s.%d", rw.path, i)
		if _, err := os.Stat(from); err == nil {
			_ = os.Rename(from, fmt.Sprintf("%s.%d", rw.path, i+1))
		}
	}
	_ = os.Rename(rw.path, rw.path+".1")
}

func (rw *rotateWriter) Sync() error {
	rw.mu.Lock()
	defer rw.mu.Unlock()
	if rw.file != nil {
		return rw.file.Sync()
	}
	return nil
}

func (rw *rotateWriter) Close() error {
	rw.mu.Lock()
	defer rw.mu.Unlock()
	if rw.file == nil {
		return nil
	}
	err := rw.file.Close()
	rw.file = nil
	return err
}
