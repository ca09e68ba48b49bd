package capture

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/cvalentine99/nfa-ids/internal/logging"
	"github.com/cvalentine99/nfa-ids/internal/metrics"
	"github.com/cvalentine99/nfa-ids/internal/models"
)

// ErrMalformedInput is returned by Next for one input unit that could not be
// decoded into a record. The source stays usable; the next call moves on.
var ErrMalformedInput = errors.New("capture: malformed input")

// RecordSource replays JSON-lines flow records, one RawRecord per line.
// A line that does not decode into a record yields ErrMalformedInput.
// Records that decode but lack fields are passed on for the pipeline to
// reject.
type RecordSource struct {
	rc      io.ReadCloser
	scanner *bufio.Scanner
	line    int
	skipped uint64
	logger  *logging.Logger

	mu sync.Mutex
}

// NewRecordSource reads records from rc and closes it on Close.
func NewRecordSource(rc io.ReadCloser) *RecordSource {
	sc := bufio.NewScanner(rc)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	return &RecordSource{rc: rc, scanner: sc, logger: logging.CaptureLogger()}
}

// Next returns the record on the next non-empty line. It may block on the
// underlying reader; cancellation is observed between lines.
func (s *RecordSource) Next(ctx context.Context) (models.RawRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for {
		if err := ctx.Err(); err != nil {
			return models.RawRecord{}, err
		}
		if !s.scanner.Scan() {
			if err := s.scanner.Err(); err != nil {
				return models.RawRecord{}, fmt.Errorf("capture: read records: %w", err)
			}
			return models.RawRecord{}, io.EOF
		}
		s.line++

		line := s.scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var rec models.RawRecord
		if err := json.Unmarshal(line, &rec); err != nil {
			s.skipped++
			metrics.PacketsSkipped.WithLabelValues("decode").Inc()
			s.logger.Debug("undecodable record line", "line", s.line, logging.Err(err))
			return models.RawRecord{}, fmt.Errorf("%w: line %d: %v", ErrMalformedInput, s.line, err)
		}
		if rec.Timestamp.IsZero() {
			rec.Timestamp = time.Now().UTC()
		}
		metrics.PacketsReceived.Inc()
		return rec, nil
	}
}

// Close closes the underlying reader.
func (s *RecordSource) Close() error {
	return s.rc.Close()
}

// Skipped returns the number of undecodable lines seen so far.
func (s *RecordSource) Skipped() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.skipped
}
