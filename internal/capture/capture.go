// Package capture provides the record sources feeding the detection
// pipeline: live or offline pcap, AF_PACKET (linux) and JSON-lines flow
// record replay.
package capture

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/cvalentine99/nfa-ids/internal/logging"
	"github.com/cvalentine99/nfa-ids/internal/models"
)

// ErrCaptureFailure wraps errors that prevent a source from being opened.
// It is fatal to the capture task only.
var ErrCaptureFailure = errors.New("capture: capture failure")

// Source is a pull iterator over records. Next blocks until a record is
// available, the context is done, or the stream ends with io.EOF.
type Source interface {
	Next(ctx context.Context) (models.RawRecord, error)
	Close() error
}

// StatsProvider is implemented by sources that track capture counters.
type StatsProvider interface {
	Stats() *models.CaptureStats
}

// CaptureMode defines the capture method.
type CaptureMode int

const (
	// ModePCAP captures through libpcap, live or from a file.
	ModePCAP CaptureMode = iota
	// ModeAFPacket uses AF_PACKET with TPACKET_V3 (linux only).
	ModeAFPacket
	// ModeRecords reads JSON-lines flow records.
	ModeRecords
)

// ParseMode maps a mode name to a CaptureMode.
func ParseMode(s string) (CaptureMode, error) {
	switch s {
	case "pcap", "":
		return ModePCAP, nil
	case "afpacket":
		return ModeAFPacket, nil
	case "records":
		return ModeRecords, nil
	}
	return 0, fmt.Errorf("capture: unknown mode %q", s)
}

func (m CaptureMode) String() string {
	switch m {
	case ModePCAP:
		return "pcap"
	case ModeAFPacket:
		return "afpacket"
	case ModeRecords:
		return "records"
	}
	return fmt.Sprintf("mode(%d)", int(m))
}

// Config holds the configuration for a capture source.
type Config struct {
	// Interface is the network interface to capture from.
	Interface string

	// Mode specifies the capture method.
	Mode CaptureMode

	// PcapFile reads packets from a file instead of the interface.
	PcapFile string

	// RecordsFile is the JSON-lines input for ModeRecords, "-" for stdin.
	RecordsFile string

	// SnapLen is the maximum bytes to capture per packet.
	SnapLen int

	// Promiscuous enables promiscuous mode on the interface.
	Promiscuous bool

	// BPFFilter is an optional BPF filter expression.
	BPFFilter string

	// Count stops the source after this many records; 0 is unbounded.
	Count int

	// RingBufferSize is the AF_PACKET ring size in bytes. Default is 64MB.
	RingBufferSize int

	// ReadTimeout bounds a single blocking read so cancellation is noticed.
	ReadTimeout time.Duration

	// SkipLinkCheck disables the interface preflight.
	SkipLinkCheck bool
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig(iface string) *Config {
	return &Config{
		Interface:      iface,
		Mode:           ModePCAP,
		SnapLen:        65535,
		Promiscuous:    true,
		BPFFilter:      "ip or ip6",
		RingBufferSize: 64 * 1024 * 1024,
		ReadTimeout:    250 * time.Millisecond,
	}
}

func (c *Config) validate() error {
	switch c.Mode {
	case ModePCAP:
		if c.Interface == "" && c.PcapFile == "" {
			return errors.New("capture: interface or pcap file is required")
		}
	case ModeAFPacket:
		if c.Interface == "" {
			return errors.New("capture: interface is required for AF_PACKET")
		}
	case ModeRecords:
		if c.RecordsFile == "" {
			return errors.New("capture: records file is required")
		}
	default:
		return fmt.Errorf("capture: unknown mode %d", c.Mode)
	}
	if c.Count < 0 {
		return fmt.Errorf("capture: count must be >= 0, got %d", c.Count)
	}
	return nil
}

// Open creates the source described by cfg. Every failure is wrapped in
// ErrCaptureFailure.
func Open(ctx context.Context, cfg *Config) (Source, error) {
	if cfg == nil {
		return nil, fmt.Errorf("%w: config cannot be nil", ErrCaptureFailure)
	}
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCaptureFailure, err)
	}

	live := cfg.Mode == ModeAFPacket || (cfg.Mode == ModePCAP && cfg.PcapFile == "")
	if live && !cfg.SkipLinkCheck {
		if err := checkLink(cfg.Interface); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrCaptureFailure, err)
		}
	}

	var (
		src Source
		err error
	)
	switch cfg.Mode {
	case ModePCAP:
		src, err = NewPCAPSource(cfg)
	case ModeAFPacket:
		src, err = NewAFPacketSource(cfg)
	case ModeRecords:
		src, err = openRecords(cfg.RecordsFile)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCaptureFailure, err)
	}

	logging.CaptureLogger().Info("capture source opened",
		"mode", cfg.Mode.String(),
		"interface", cfg.Interface,
		"file", cfg.PcapFile+cfg.RecordsFile,
		"filter", cfg.BPFFilter,
		"count", cfg.Count,
	)
	return Limit(src, cfg.Count), nil
}

func openRecords(path string) (Source, error) {
	if path == "-" {
		return NewRecordSource(io.NopCloser(os.Stdin)), nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open records file: %w", err)
	}
	return NewRecordSource(f), nil
}

// =============================================================================
// Combinators
// =============================================================================

type limitSource struct {
	Source
	mu        sync.Mutex
	remaining int
}

// Limit stops src after n records. n == 0 returns src unchanged.
func Limit(src Source, n int) Source {
	if n <= 0 {
		return src
	}
	return &limitSource{Source: src, remaining: n}
}

func (l *limitSource) Next(ctx context.Context) (models.RawRecord, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.remaining == 0 {
		return models.RawRecord{}, io.EOF
	}
	rec, err := l.Source.Next(ctx)
	if err == nil || errors.Is(err, ErrMalformedInput) {
		l.remaining--
	}
	return rec, err
}

// Stats forwards to the wrapped source when it tracks counters.
func (l *limitSource) Stats() *models.CaptureStats {
	if sp, ok := l.Source.(StatsProvider); ok {
		return sp.Stats()
	}
	return nil
}

// SliceSource replays a fixed set of records, then returns io.EOF.
type SliceSource struct {
	mu      sync.Mutex
	records []models.RawRecord
	pos     int
}

// NewSliceSource creates a source over records.
func NewSliceSource(records ...models.RawRecord) *SliceSource {
	return &SliceSource{records: records}
}

func (s *SliceSource) Next(ctx context.Context) (models.RawRecord, error) {
	if err := ctx.Err(); err != nil {
		return models.RawRecord{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pos >= len(s.records) {
		return models.RawRecord{}, io.EOF
	}
	rec := s.records[s.pos]
	s.pos++
	return rec, nil
}

func (s *SliceSource) Close() error { return nil }
