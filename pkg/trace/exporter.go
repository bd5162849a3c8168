package trace

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/m-mizutani/goerr/v2"
)

const (
	defaultMaxSizeBytes    = 10 * 1024 * 1024
	defaultMaxRotatedFiles = 5
)

// FileExporter appends records to a JSON Lines file and rotates it by size:
// path becomes path.1, path.1 becomes path.2, and so on.
type FileExporter struct {
	filePath        string
	maxSizeBytes    int64
	maxRotatedFiles int

	mu      sync.Mutex
	file    *os.File
	encoder *json.Encoder
	closed  bool
}

var _ Exporter = (*FileExporter)(nil)

// FileExporterOption configures a FileExporter.
type FileExporterOption func(*FileExporter)

// WithMaxSize sets the size that triggers rotation (default 10MB).
func WithMaxSize(bytes int64) FileExporterOption {
	return func(fe *FileExporter) {
		fe.maxSizeBytes = bytes
	}
}

// WithMaxRotatedFiles sets how many rotated files are kept (default 5).
func WithMaxRotatedFiles(count int) FileExporterOption {
	return func(fe *FileExporter) {
		fe.maxRotatedFiles = count
	}
}

// NewFileExporter opens filePath for appending, creating parent directories.
// An empty path returns a NoopExporter.
func NewFileExporter(filePath string, opts ...FileExporterOption) (Exporter, error) {
	if filePath == "" {
		return NoopExporter{}, nil
	}

	fe := &FileExporter{
		filePath:        filePath,
		maxSizeBytes:    defaultMaxSizeBytes,
		maxRotatedFiles: defaultMaxRotatedFiles,
	}
	for _, opt := range opts {
		opt(fe)
	}

	if err := os.MkdirAll(filepath.Dir(filePath), 0o755); err != nil {
		return nil, goerr.Wrap(err, "failed to create trace directory", goerr.V("path", filePath))
	}
	if err := fe.open(); err != nil {
		return nil, err
	}
	return fe, nil
}

func (fe *FileExporter) open() error {
	file, err := os.OpenFile(fe.filePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return goerr.Wrap(err, "failed to open trace file", goerr.V("path", fe.filePath))
	}
	fe.file = file
	fe.encoder = json.NewEncoder(file)
	return nil
}

// Export writes one line and rotates afterwards if the file grew too large.
func (fe *FileExporter) Export(ctx context.Context, record *TraceRecord) error {
	fe.mu.Lock()
	defer fe.mu.Unlock()

	if fe.closed {
		return goerr.New("trace exporter closed")
	}
	if err := fe.encoder.Encode(record); err != nil {
		return goerr.Wrap(err, "failed to encode trace record")
	}
	return fe.rotateIfNeeded()
}

// Close syncs and closes the file.
func (fe *FileExporter) Close() error {
	fe.mu.Lock()
	defer fe.mu.Unlock()

	if fe.closed {
		return nil
	}
	fe.closed = true

	if err := fe.file.Sync(); err != nil {
		fe.file.Close()
		return goerr.Wrap(err, "failed to sync trace file")
	}
	return fe.file.Close()
}

// rotateIfNeeded must be called with mu held.
func (fe *FileExporter) rotateIfNeeded() error {
	info, err := fe.file.Stat()
	if err != nil {
		return goerr.Wrap(err, "failed to stat trace file")
	}
	if info.Size() < fe.maxSizeBytes {
		return nil
	}

	if err := fe.file.Close(); err != nil {
		return goerr.Wrap(err, "failed to close trace file for rotation")
	}

	oldest := rotatedName(fe.filePath, fe.maxRotatedFiles)
	if err := os.Remove(oldest); err != nil && !os.IsNotExist(err) {
		return goerr.Wrap(err, "failed to remove oldest trace file", goerr.V("path", oldest))
	}
	for i := fe.maxRotatedFiles - 1; i >= 1; i-- {
		from := rotatedName(fe.filePath, i)
		if _, err := os.Stat(from); err != nil {
			continue
		}
		if err := os.Rename(from, rotatedName(fe.filePath, i+1)); err != nil {
			return goerr.Wrap(err, "failed to shift trace file", goerr.V("path", from))
		}
	}
	if err := os.Rename(fe.filePath, rotatedName(fe.filePath, 1)); err != nil {
		return goerr.Wrap(err, "failed to rotate trace file")
	}

	return fe.open()
}

func rotatedName(path string, n int) string {
	return fmt.Sprintf("%s.%d", path, n)
}
