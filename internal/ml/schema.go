package ml

import (
	"errors"
	"fmt"
	"strings"
)

// FieldKind tells the preprocessor how to encode a field.
type FieldKind string

const (
	KindNumeric     FieldKind = "numeric"
	KindCategorical FieldKind = "categorical"
)

// Known feature names. A schema may use any subset, in any order.
const (
	FieldSrcPort    = "src_port"
	FieldDstPort    = "dest_port"
	FieldProtocol   = "protocol"
	FieldPacketSize = "packet_size"
)

var knownFields = map[string]FieldKind{
	FieldSrcPort:    KindNumeric,
	FieldDstPort:    KindNumeric,
	FieldProtocol:   KindCategorical,
	FieldPacketSize: KindNumeric,
}

var (
	// ErrSchemaMismatch is returned when a feature vector does not line up
	// with the schema of the model asked to score it.
	ErrSchemaMismatch = errors.New("ml: feature schema mismatch")

	// ErrInvalidSchema marks an empty or ill-formed schema.
	ErrInvalidSchema = errors.New("ml: invalid feature schema")
)

// Field is one named column of a schema.
type Field struct {
	Name string    `json:"name"`
	Kind FieldKind `json:"kind"`
}

// Schema is the ordered list of fields a model was trained against.
type Schema struct {
	Fields []Field `json:"fields"`
}

// DefaultSchema returns the feature layout used for packet records.
func DefaultSchema() Schema {
	return Schema{Fields: []Field{
		{Name: FieldSrcPort, Kind: KindNumeric},
		{Name: FieldDstPort, Kind: KindNumeric},
		{Name: FieldProtocol, Kind: KindCategorical},
		{Name: FieldPacketSize, Kind: KindNumeric},
	}}
}

// Len returns the number of fields.
func (s Schema) Len() int {
	return len(s.Fields)
}

// Names returns the ordered field names.
func (s Schema) Names() []string {
	names := make([]string, len(s.Fields))
	for i, f := range s.Fields {
		names[i] = f.Name
	}
	return names
}

// Index returns the position of name, or -1.
func (s Schema) Index(name string) int {
	for i, f := range s.Fields {
		if f.Name == name {
			return i
		}
	}
	return -1
}

// Validate rejects empty schemas, unknown or duplicate names and kinds that
// disagree with the field they describe.
func (s Schema) Validate() error {
	if len(s.Fields) == 0 {
		return fmt.Errorf("%w: no fields", ErrInvalidSchema)
	}
	seen := make(map[string]bool, len(s.Fields))
	for _, f := range s.Fields {
		kind, ok := knownFields[f.Name]
		if !ok {
			return fmt.Errorf("%w: unknown field %q", ErrInvalidSchema, f.Name)
		}
		if f.Kind != kind {
			return fmt.Errorf("%w: field %q must be %s", ErrInvalidSchema, f.Name, kind)
		}
		if seen[f.Name] {
			return fmt.Errorf("%w: duplicate field %q", ErrInvalidSchema, f.Name)
		}
		seen[f.Name] = true
	}
	return nil
}

// Equal reports whether both schemas list the same fields in the same order.
func (s Schema) Equal(o Schema) bool {
	if len(s.Fields) != len(o.Fields) {
		return false
	}
	for i := range s.Fields {
		if s.Fields[i] != o.Fields[i] {
			return false
		}
	}
	return true
}

// String returns the comma-joined field names.
func (s Schema) String() string {
	return strings.Join(s.Names(), ",")
}

// =============================================================================
// Feature Vector
// =============================================================================

// FeatureVector is an encoded, normalized record ready for a classifier.
type FeatureVector struct {
	Fields []string  `json:"fields"`
	Values []float64 `json:"values"`
}

// SchemaError describes how a vector disagrees with a model schema.
type SchemaError struct {
	Expected []string
	Actual   []string
}

func (e *SchemaError) Error() string {
	return fmt.Sprintf("ml: feature schema mismatch: expected [%s], got [%s]",
		strings.Join(e.Expected, ","), strings.Join(e.Actual, ","))
}

func (e *SchemaError) Unwrap() error {
	return ErrSchemaMismatch
}

// Check verifies that v has exactly the fields of s, in order.
func (s Schema) Check(v FeatureVector) error {
	ok := len(v.Fields) == len(s.Fields) && len(v.Values) == len(s.Fields)
	if ok {
		for i, f := range s.Fields {
			if v.Fields[i] != f.Name {
				ok = false
				break
			}
		}
	}
	if !ok {
		return &SchemaError{Expected: s.Names(), Actual: append([]string(nil), v.Fields...)}
	}
	return nil
}
