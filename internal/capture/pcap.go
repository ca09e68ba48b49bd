package capture

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gopacket/gopacket/layers"
	"github.com/gopacket/gopacket/pcap"

	"github.com/cvalentine99/nfa-ids/internal/models"
)

// PCAPSource reads packets through libpcap, either live from an interface
// or offline from a capture file.
type PCAPSource struct {
	config  *Config
	handle  *pcap.Handle
	frames  *frameReader
	start   time.Time
	offline bool

	mu     sync.Mutex
	closed atomic.Bool
}

// NewPCAPSource opens the interface or file named by cfg.
func NewPCAPSource(cfg *Config) (*PCAPSource, error) {
	if cfg == nil {
		return nil, errors.New("capture: config cannot be nil")
	}

	var (
		handle *pcap.Handle
		err    error
	)
	offline := cfg.PcapFile != ""
	if offline {
		handle, err = pcap.OpenOffline(cfg.PcapFile)
		if err != nil {
			return nil, fmt.Errorf("capture: failed to open PCAP file: %w", err)
		}
	} else {
		snapLen := cfg.SnapLen
		if snapLen <= 0 {
			snapLen = 65535
		}
		timeout := cfg.ReadTimeout
		if timeout <= 0 {
			timeout = 250 * time.Millisecond
		}
		handle, err = pcap.OpenLive(cfg.Interface, int32(snapLen), cfg.Promiscuous, timeout)
		if err != nil {
			return nil, fmt.Errorf("capture: failed to open interface %s: %w", cfg.Interface, err)
		}
	}

	if cfg.BPFFilter != "" {
		if err := handle.SetBPFFilter(cfg.BPFFilter); err != nil {
			handle.Close()
			return nil, fmt.Errorf("capture: failed to set BPF filter: %w", err)
		}
	}

	name := cfg.Interface
	if offline {
		name = cfg.PcapFile
	}
	return &PCAPSource{
		config: cfg,
		handle: handle,
		frames: &frameReader{
			read:    handle.ReadPacketData,
			retry:   isPcapTimeout,
			decoder: NewDecoder(layers.LinkType(handle.LinkType())),
			name:    name,
		},
		start:   time.Now(),
		offline: offline,
	}, nil
}

func isPcapTimeout(err error) bool {
	return errors.Is(err, pcap.NextErrorTimeoutExpired)
}

// Next returns the next IP packet as a record. Non-IP frames are skipped.
// A read error other than a timeout ends the capture.
func (s *PCAPSource) Next(ctx context.Context) (models.RawRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed.Load() {
		return models.RawRecord{}, io.EOF
	}
	return s.frames.next(ctx)
}

// Close releases the pcap handle.
func (s *PCAPSource) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handle.Close()
	return nil
}

// Stats returns current reading statistics.
func (s *PCAPSource) Stats() *models.CaptureStats {
	iface := s.config.Interface
	if s.offline {
		iface = s.config.PcapFile
	}
	return &models.CaptureStats{
		PacketsReceived: s.frames.received.Load(),
		PacketsSkipped:  s.frames.skipped.Load(),
		BytesReceived:   s.frames.bytes.Load(),
		StartTime:       s.start,
		LastUpdate:      time.Now(),
		Interface:       iface,
		CaptureFilter:   s.config.BPFFilter,
	}
}
