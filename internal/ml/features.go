// Package ml provides feature extraction, classification models and the
// swappable classifier adapter used by the detection pipeline.
package ml

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/cvalentine99/nfa-ids/internal/models"
)

var (
	// ErrMalformedRecord is returned when a record lacks a mandatory field.
	ErrMalformedRecord = errors.New("ml: malformed record")

	// ErrNoModel is returned when no model has been installed yet.
	ErrNoModel = errors.New("ml: no model installed")
)

// MissingPort is substituted for an absent source or destination port.
const MissingPort = -1

// Value is one raw field value before encoding. Numeric fields use Num,
// categorical fields use Str.
type Value struct {
	Num float64
	Str string
}

// Row is the raw values of one record laid out by a schema.
type Row []Value

// ValidateRecord checks the mandatory fields of a record.
func ValidateRecord(rec *models.RawRecord) error {
	switch {
	case rec.SrcIP == "" || rec.DstIP == "":
		return fmt.Errorf("%w: missing address", ErrMalformedRecord)
	case !rec.HasAddresses():
		return fmt.Errorf("%w: unparseable address", ErrMalformedRecord)
	case strings.TrimSpace(rec.Protocol) == "":
		return fmt.Errorf("%w: missing protocol", ErrMalformedRecord)
	case rec.Size <= 0:
		return fmt.Errorf("%w: size must be positive, got %d", ErrMalformedRecord, rec.Size)
	}
	return nil
}

// RecordRow lays out the raw values of rec according to schema.
func RecordRow(rec *models.RawRecord, schema Schema) (Row, error) {
	if err := ValidateRecord(rec); err != nil {
		return nil, err
	}
	row := make(Row, len(schema.Fields))
	for i, f := range schema.Fields {
		switch f.Name {
		case FieldSrcPort:
			row[i].Num = portValue(rec.SrcPort)
		case FieldDstPort:
			row[i].Num = portValue(rec.DstPort)
		case FieldProtocol:
			row[i].Str = NormalizeProtocol(rec.Protocol)
		case FieldPacketSize:
			row[i].Num = float64(rec.Size)
		default:
			return nil, fmt.Errorf("%w: unknown field %q", ErrInvalidSchema, f.Name)
		}
	}
	return row, nil
}

// Extract turns rec into a feature vector using the schema and fitted
// preprocessing parameters of m.
func Extract(m *Model, rec *models.RawRecord) (FeatureVector, error) {
	if err := ValidateRecord(rec); err != nil {
		return FeatureVector{}, err
	}
	if m == nil {
		return FeatureVector{}, ErrNoModel
	}
	row, err := RecordRow(rec, m.schema)
	if err != nil {
		return FeatureVector{}, err
	}
	return FeatureVector{
		Fields: m.schema.Names(),
		Values: m.prep.Transform(m.schema, row),
	}, nil
}

func portValue(p *uint16) float64 {
	if p == nil {
		return MissingPort
	}
	return float64(*p)
}

var protocolNumbers = map[string]string{
	"icmp":   "1",
	"igmp":   "2",
	"tcp":    "6",
	"udp":    "17",
	"gre":    "47",
	"esp":    "50",
	"ah":     "51",
	"icmpv6": "58",
	"sctp":   "132",
}

// NormalizeProtocol maps protocol names and numbers onto the IANA number
// string, so "tcp", "TCP" and "6" encode identically. Unknown names are
// lower-cased and kept.
func NormalizeProtocol(p string) string {
	p = strings.ToLower(strings.TrimSpace(p))
	if n, ok := protocolNumbers[p]; ok {
		return n
	}
	if n, err := strconv.Atoi(p); err == nil {
		return strconv.Itoa(n)
	}
	return p
}
