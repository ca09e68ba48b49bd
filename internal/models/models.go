// Package models defines the core data structures for nfa-ids.
// Records are transient per-unit values; alerts are the only persisted type.
package models

import (
	"net"
	"time"
)

// Label is the two-valued classification outcome.
type Label string

const (
	LabelNormal Label = "normal"
	LabelThreat Label = "threat"
)

// IsThreat reports whether the label marks a detected threat.
func (l Label) IsThreat() bool {
	return l == LabelThreat
}

// RawRecord is one captured packet or flow summary before feature extraction.
// Ports are optional because not every protocol carries them.
type RawRecord struct {
	SrcIP     string    `json:"src_ip"`
	DstIP     string    `json:"dest_ip"`
	SrcPort   *uint16   `json:"src_port,omitempty"`
	DstPort   *uint16   `json:"dest_port,omitempty"`
	Protocol  string    `json:"protocol"`
	Size      int       `json:"packet_size"`
	Timestamp time.Time `json:"timestamp"`
}

// Port returns a pointer to p, for building records with optional ports.
func Port(p uint16) *uint16 {
	return &p
}

// HasAddresses reports whether both endpoints are present and parseable.
func (r *RawRecord) HasAddresses() bool {
	return net.ParseIP(r.SrcIP) != nil && net.ParseIP(r.DstIP) != nil
}

// PredictionResult is the outcome of classifying one feature vector.
type PredictionResult struct {
	Label        Label   `json:"label"`
	Probability  float64 `json:"probability"`
	ModelVersion uint64  `json:"model_version"`
}

// Alert is the persisted record of a detected threat.
// Timestamp is the capture time of the originating record.
type Alert struct {
	ID           string    `json:"id"`
	Timestamp    time.Time `json:"timestamp"`
	SrcIP        string    `json:"src_ip"`
	DstIP        string    `json:"dest_ip"`
	SrcPort      *uint16   `json:"src_port,omitempty"`
	DstPort      *uint16   `json:"dest_port,omitempty"`
	Protocol     string    `json:"protocol,omitempty"`
	Prediction   Label     `json:"prediction"`
	Probability  float64   `json:"probability"`
	ModelVersion uint64    `json:"model_version"`
}

// CaptureStats holds capture source statistics.
type CaptureStats struct {
	PacketsReceived uint64    `json:"packets_received"`
	PacketsSkipped  uint64    `json:"packets_skipped"`
	BytesReceived   uint64    `json:"bytes_received"`
	DecodeErrors    uint64    `json:"decode_errors"`
	StartTime       time.Time `json:"start_time"`
	LastUpdate      time.Time `json:"last_update"`
	Interface       string    `json:"interface"`
	CaptureFilter   string    `json:"capture_filter,omitempty"`
}

// PipelineStats is a point-in-time copy of the detection pipeline counters.
type PipelineStats struct {
	Received        uint64 `json:"received"`
	Processed       uint64 `json:"processed"`
	Errors          uint64 `json:"errors"`
	Malformed       uint64 `json:"malformed"`
	SchemaMismatch  uint64 `json:"schema_mismatch"`
	NoModel         uint64 `json:"no_model"`
	Panics          uint64 `json:"panics"`
	Dropped         uint64 `json:"dropped"`
	Threats         uint64 `json:"threats"`
	Normal          uint64 `json:"normal"`
	AlertsPersisted uint64 `json:"alerts_persisted"`
	AlertsRetried   uint64 `json:"alerts_retried"`
	AlertsFailed    uint64 `json:"alerts_failed"`
}
