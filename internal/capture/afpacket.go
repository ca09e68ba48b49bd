//go:build linux

package capture

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gopacket/gopacket/afpacket"
	"github.com/gopacket/gopacket/layers"
	"github.com/gopacket/gopacket/pcap"
	"golang.org/x/net/bpf"

	"github.com/cvalentine99/nfa-ids/internal/models"
)

// AFPacketSource captures using AF_PACKET with TPACKET_V3.
type AFPacketSource struct {
	config  *Config
	tpacket *afpacket.TPacket
	frames  *frameReader
	start   time.Time

	mu     sync.Mutex
	closed atomic.Bool
}

// NewAFPacketSource opens an AF_PACKET ring on cfg.Interface.
func NewAFPacketSource(cfg *Config) (*AFPacketSource, error) {
	if cfg == nil {
		return nil, errors.New("afpacket: config cannot be nil")
	}
	if cfg.Interface == "" {
		return nil, errors.New("afpacket: interface is required")
	}

	// Default to 64MB buffer, which can hold ~43,000 1500-byte packets
	bufferSize := cfg.RingBufferSize
	if bufferSize <= 0 {
		bufferSize = 64 * 1024 * 1024
	}
	snapLen := cfg.SnapLen
	if snapLen <= 0 {
		snapLen = 65535
	}
	timeout := cfg.ReadTimeout
	if timeout <= 0 {
		timeout = 100 * time.Millisecond
	}

	tpacket, err := afpacket.NewTPacket(
		afpacket.OptInterface(cfg.Interface),
		afpacket.OptFrameSize(snapLen),
		afpacket.OptBlockSize(bufferSize/128),
		afpacket.OptNumBlocks(128),
		afpacket.OptBlockTimeout(timeout),
		afpacket.OptPollTimeout(timeout),
	)
	if err != nil {
		return nil, fmt.Errorf("afpacket: failed to create TPacket: %w", err)
	}

	if cfg.BPFFilter != "" {
		if err := setBPF(tpacket, cfg.BPFFilter, snapLen); err != nil {
			tpacket.Close()
			return nil, fmt.Errorf("afpacket: failed to set BPF filter: %w", err)
		}
	}

	return &AFPacketSource{
		config:  cfg,
		tpacket: tpacket,
		frames: &frameReader{
			read:    tpacket.ZeroCopyReadPacketData,
			retry:   isAFPacketTimeout,
			decoder: NewDecoder(layers.LinkTypeEthernet),
			name:    cfg.Interface,
		},
		start: time.Now(),
	}, nil
}

// isAFPacketTimeout reports the poll timeouts the ring returns while idle.
func isAFPacketTimeout(err error) bool {
	return errors.Is(err, afpacket.ErrTimeout)
}

// setBPF compiles filter with libpcap and attaches it to the socket.
func setBPF(tp *afpacket.TPacket, filter string, snapLen int) error {
	insns, err := pcap.CompileBPFFilter(layers.LinkTypeEthernet, snapLen, filter)
	if err != nil {
		return err
	}
	raw := make([]bpf.RawInstruction, len(insns))
	for i, ins := range insns {
		raw[i] = bpf.RawInstruction{Op: ins.Code, Jt: ins.Jt, Jf: ins.Jf, K: ins.K}
	}
	return tp.SetBPF(raw)
}

// Next returns the next IP packet as a record. A read error other than a
// poll timeout ends the capture.
func (s *AFPacketSource) Next(ctx context.Context) (models.RawRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed.Load() {
		return models.RawRecord{}, context.Canceled
	}
	return s.frames.next(ctx)
}

// Close releases the ring.
func (s *AFPacketSource) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tpacket.Close()
	return nil
}

// Stats returns current capture statistics.
func (s *AFPacketSource) Stats() *models.CaptureStats {
	return &models.CaptureStats{
		PacketsReceived: s.frames.received.Load(),
		PacketsSkipped:  s.frames.skipped.Load(),
		BytesReceived:   s.frames.bytes.Load(),
		StartTime:       s.start,
		LastUpdate:      time.Now(),
		Interface:       s.config.Interface,
		CaptureFilter:   s.config.BPFFilter,
	}
}
