package alert

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/cvalentine99/nfa-ids/internal/logging"
	"github.com/cvalentine99/nfa-ids/internal/models"
)

// =============================================================================
// JSON-lines alert store
// =============================================================================

// FileStore appends alerts to a JSON-lines file. Every write holds the store
// lock, writes one full line, syncs and releases, so concurrent writers never
// interleave and an acknowledged alert survives a crash.
type FileStore struct {
	path string
	file *os.File

	// lock is a one-slot semaphore so acquisition can honour a context.
	lock chan struct{}

	logger *logging.Logger
}

// OpenFileStore opens or creates the alert log at path. A trailing partial
// line left by an interrupted write is terminated so the next alert starts
// on a fresh line.
func OpenFileStore(path string) (*FileStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("alert: create log dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("alert: open log: %w", err)
	}
	if err := repairTail(f); err != nil {
		f.Close()
		return nil, err
	}

	s := &FileStore{
		path:   path,
		file:   f,
		lock:   make(chan struct{}, 1),
		logger: logging.AlertLogger(),
	}
	s.logger.Debug("alert log opened", "path", path)
	return s, nil
}

func repairTail(f *os.File) error {
	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("alert: stat log: %w", err)
	}
	if info.Size() == 0 {
		return nil
	}
	last := make([]byte, 1)
	if _, err := f.ReadAt(last, info.Size()-1); err != nil {
		return fmt.Errorf("alert: read log tail: %w", err)
	}
	if last[0] == '\n' {
		return nil
	}
	if _, err := f.Write([]byte{'\n'}); err != nil {
		return fmt.Errorf("alert: repair log tail: %w", err)
	}
	return f.Sync()
}

// Path returns the log location.
func (s *FileStore) Path() string {
	return s.path
}

// Record appends a as one line and syncs it to disk. Waiting for the lock is
// bounded by ctx. Any failure wraps ErrSinkUnavailable.
func (s *FileStore) Record(ctx context.Context, a models.Alert) error {
	a.Timestamp = normalizeTime(a.Timestamp)
	line, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("alert: marshal: %w", err)
	}
	line = append(line, '\n')

	select {
	case s.lock <- struct{}{}:
	case <-ctx.Done():
		return fmt.Errorf("%w: acquire lock: %v", ErrSinkUnavailable, ctx.Err())
	}
	defer func() { <-s.lock }()

	if s.file == nil {
		return fmt.Errorf("%w: store closed", ErrSinkUnavailable)
	}
	if _, err := s.file.Write(line); err != nil {
		return fmt.Errorf("%w: write: %v", ErrSinkUnavailable, err)
	}
	if err := s.file.Sync(); err != nil {
		return fmt.Errorf("%w: sync: %v", ErrSinkUnavailable, err)
	}
	return nil
}

// Recent returns up to limit of the newest alerts, oldest first. limit <= 0
// returns everything.
func (s *FileStore) Recent(limit int) ([]models.Alert, error) {
	alerts, err := ReadFile(s.path)
	if err != nil {
		return nil, err
	}
	if limit > 0 && len(alerts) > limit {
		alerts = alerts[len(alerts)-limit:]
	}
	return alerts, nil
}

// Close releases the file. Pending Record calls finish first.
func (s *FileStore) Close() error {
	s.lock <- struct{}{}
	defer func() { <-s.lock }()
	if s.file == nil {
		return nil
	}
	err := s.file.Close()
	s.file = nil
	return err
}

// =============================================================================
// Readers
// =============================================================================

// ReadFile reads every decodable alert from the log at path. A missing file
// is an empty log.
func ReadFile(path string) ([]models.Alert, error) {
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("alert: open log: %w", err)
	}
	defer f.Close()
	return ReadAll(f)
}

// ReadAll decodes JSON-lines alerts from r, skipping lines that do not
// decode (for example a partial line from an interrupted write).
func ReadAll(r io.Reader) ([]models.Alert, error) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)

	var alerts []models.Alert
	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		var a models.Alert
		if err := json.Unmarshal(line, &a); err != nil {
			continue
		}
		alerts = append(alerts, a)
	}
	if err := sc.Err(); err != nil {
		return alerts, fmt.Errorf("alert: read log: %w", err)
	}
	return alerts, nil
}
