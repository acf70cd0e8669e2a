package logger

import (
	"bufio"
	"fmt"
	"os"
	"sync"
)

const fileBufferSize = 32 * 1024

// fileWriter is a buffered append-only writer for the JSON log file.
type fileWriter struct {
	mu   sync.Mutex
	file *os.File
	buf  *bufio.Writer
}

func newFileWriter(path string) (*fileWriter, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o640) //nolint:gosec // path comes from config
	if err != nil {
		return nil, fmt.Errorf("open log file %s: %w", path, err)
	}
	return &fileWriter{file: f, buf: bufio.NewWriterSize(f, fileBufferSize)}, nil
}

func (w *fileWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.file == nil {
		return 0, errClosed
	}
	return w.buf.Write(p)
}

func (w *fileWriter) Flush() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.file == nil {
		return nil
	}
	return w.buf.Flush()
}

func (w *fileWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.file == nil {
		return nil
	}
	flushErr := w.buf.Flush()
	closeErr := w.file.Close()
	w.file = nil
	if flushErr != nil {
		return flushErr
	}
	return closeErr
}
