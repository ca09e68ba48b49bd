package ml

import (
	"context"
	"database/sql"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/cvalentine99/nfa-ids/internal/models"
)

// ErrEmptyDataset is returned when no usable labeled rows remain.
var ErrEmptyDataset = errors.New("ml: dataset has no usable rows")

// ParseLabel maps the label spellings found in training data onto the two
// model labels. The bool is false for anything unrecognized.
func ParseLabel(s string) (models.Label, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "normal", "benign", "0", "0.0", "false":
		return models.LabelNormal, true
	case "threat", "attack", "malicious", "anomaly", "1", "1.0", "true":
		return models.LabelThreat, true
	}
	return "", false
}

// Dataset is a bounded set of labeled rows laid out by Schema.
type Dataset struct {
	Schema Schema
	Rows   []Row
	Labels []models.Label

	seen map[string]bool
}

// LoadStats reports what happened while reading a dataset.
type LoadStats struct {
	Read       int `json:"read"`
	Kept       int `json:"kept"`
	Missing    int `json:"missing"`
	Duplicates int `json:"duplicates"`
	BadLabel   int `json:"bad_label"`
}

// NewDataset returns an empty dataset for schema.
func NewDataset(schema Schema) *Dataset {
	return &Dataset{Schema: schema, seen: make(map[string]bool)}
}

// Len returns the number of rows.
func (d *Dataset) Len() int {
	return len(d.Rows)
}

// Add appends row unless an identical row with the same label is present.
// It reports whether the row was added.
func (d *Dataset) Add(row Row, label models.Label) bool {
	if d.seen == nil {
		d.seen = make(map[string]bool)
	}
	var b strings.Builder
	for _, v := range row {
		b.WriteString(strconv.FormatFloat(v.Num, 'g', -1, 64))
		b.WriteByte('|')
		b.WriteString(v.Str)
		b.WriteByte('|')
	}
	b.WriteString(string(label))
	key := b.String()
	if d.seen[key] {
		return false
	}
	d.seen[key] = true
	d.Rows = append(d.Rows, row)
	d.Labels = append(d.Labels, label)
	return true
}

// AddRecord appends a labeled raw record.
func (d *Dataset) AddRecord(rec *models.RawRecord, label models.Label) error {
	row, err := RecordRow(rec, d.Schema)
	if err != nil {
		return err
	}
	d.Add(row, label)
	return nil
}

// columnAliases lists accepted header spellings per field.
var columnAliases = map[string][]string{
	FieldSrcPort:    {"src_port", "sport", "source_port"},
	FieldDstPort:    {"dest_port", "dst_port", "dport", "destination_port"},
	FieldProtocol:   {"protocol", "proto"},
	FieldPacketSize: {"packet_size", "size", "length", "len"},
	"label":         {"label", "class", "prediction"},
}

// addFields builds a row from a lookup of column values. Ports are optional
// and fall back to MissingPort. Missing protocol or size drops the row.
func (d *Dataset) addFields(get func(field string) (string, bool), st *LoadStats) {
	st.Read++

	rawLabel, ok := get("label")
	if !ok {
		st.Missing++
		return
	}
	label, ok := ParseLabel(rawLabel)
	if !ok {
		st.BadLabel++
		return
	}

	row := make(Row, len(d.Schema.Fields))
	for i, f := range d.Schema.Fields {
		s, present := get(f.Name)
		switch f.Name {
		case FieldSrcPort, FieldDstPort:
			if !present {
				row[i].Num = MissingPort
				continue
			}
			n, err := strconv.ParseFloat(s, 64)
			if err != nil || n < 0 || n > 65535 {
				st.Missing++
				return
			}
			row[i].Num = n
		case FieldProtocol:
			if !present {
				st.Missing++
				return
			}
			row[i].Str = NormalizeProtocol(s)
		case FieldPacketSize:
			n, err := strconv.ParseFloat(s, 64)
			if !present || err != nil || n <= 0 {
				st.Missing++
				return
			}
			row[i].Num = n
		}
	}

	if d.Add(row, label) {
		st.Kept++
	} else {
		st.Duplicates++
	}
}

// =============================================================================
// Suppliers
// =============================================================================

// LoadCSV reads a CSV file with a header row. A "label" column is required;
// a "timestamp" column and any unknown columns are ignored.
func LoadCSV(r io.Reader, schema Schema) (*Dataset, LoadStats, error) {
	var st LoadStats
	cr := csv.NewReader(r)
	cr.TrimLeadingSpace = true
	cr.FieldsPerRecord = -1

	header, err := cr.Read()
	if err != nil {
		return nil, st, fmt.Errorf("ml: read csv header: %w", err)
	}
	cols := resolveColumns(header)
	if _, ok := cols["label"]; !ok {
		return nil, st, fmt.Errorf("ml: csv has no label column")
	}

	d := NewDataset(schema)
	for {
		rec, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, st, fmt.Errorf("ml: read csv row %d: %w", st.Read+2, err)
		}
		d.addFields(func(field string) (string, bool) {
			i, ok := cols[field]
			if !ok || i >= len(rec) {
				return "", false
			}
			v := strings.TrimSpace(rec[i])
			return v, v != "" && !strings.EqualFold(v, "nan") && !strings.EqualFold(v, "null")
		}, &st)
	}
	return finish(d, st)
}

// LoadJSON reads a JSON array of objects keyed like the CSV columns.
func LoadJSON(r io.Reader, schema Schema) (*Dataset, LoadStats, error) {
	var st LoadStats
	var rows []map[string]any
	if err := json.NewDecoder(r).Decode(&rows); err != nil {
		return nil, st, fmt.Errorf("ml: decode json rows: %w", err)
	}

	d := NewDataset(schema)
	for _, obj := range rows {
		lower := make(map[string]any, len(obj))
		for k, v := range obj {
			lower[strings.ToLower(strings.TrimSpace(k))] = v
		}
		d.addFields(func(field string) (string, bool) {
			for _, alias := range columnAliases[field] {
				if v, ok := lower[alias]; ok && v != nil {
					s := jsonString(v)
					return s, s != ""
				}
			}
			return "", false
		}, &st)
	}
	return finish(d, st)
}

// LoadSQL runs query and reads the columns it returns. Column names follow
// the CSV aliases. The caller owns db and must have imported a driver.
func LoadSQL(ctx context.Context, db *sql.DB, query string, schema Schema) (*Dataset, LoadStats, error) {
	var st LoadStats
	rows, err := db.QueryContext(ctx, query)
	if err != nil {
		return nil, st, fmt.Errorf("ml: query training data: %w", err)
	}
	defer rows.Close()

	names, err := rows.Columns()
	if err != nil {
		return nil, st, fmt.Errorf("ml: training data columns: %w", err)
	}
	cols := resolveColumns(names)
	if _, ok := cols["label"]; !ok {
		return nil, st, fmt.Errorf("ml: query returns no label column")
	}

	d := NewDataset(schema)
	vals := make([]sql.NullString, len(names))
	ptrs := make([]any, len(names))
	for i := range vals {
		ptrs[i] = &vals[i]
	}
	for rows.Next() {
		if err := rows.Scan(ptrs...); err != nil {
			return nil, st, fmt.Errorf("ml: scan training row: %w", err)
		}
		d.addFields(func(field string) (string, bool) {
			i, ok := cols[field]
			if !ok || !vals[i].Valid {
				return "", false
			}
			v := strings.TrimSpace(vals[i].String)
			return v, v != ""
		}, &st)
	}
	if err := rows.Err(); err != nil {
		return nil, st, fmt.Errorf("ml: iterate training rows: %w", err)
	}
	return finish(d, st)
}

func resolveColumns(header []string) map[string]int {
	cols := make(map[string]int)
	for i, h := range header {
		h = strings.ToLower(strings.TrimSpace(h))
		for field, aliases := range columnAliases {
			if _, done := cols[field]; done {
				continue
			}
			for _, a := range aliases {
				if h == a {
					cols[field] = i
				}
			}
		}
	}
	return cols
}

func jsonString(v any) string {
	switch x := v.(type) {
	case string:
		return strings.TrimSpace(x)
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(x)
	}
	return ""
}

func finish(d *Dataset, st LoadStats) (*Dataset, LoadStats, error) {
	if d.Len() == 0 {
		return nil, st, ErrEmptyDataset
	}
	return d, st, nil
}
