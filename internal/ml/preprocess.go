package ml

import (
	"math"
	"sort"
	"strconv"
)

// FieldParams are the fitted encoding parameters for one schema field.
type FieldParams struct {
	Name    string   `json:"name"`
	Classes []string `json:"classes,omitempty"`
	Mean    float64  `json:"mean"`
	Std     float64  `json:"std"`
}

// Preprocessor encodes categorical fields and standardizes numeric ones.
// When Scaled is false numeric values pass through unchanged, which is what
// threshold rules over raw values expect.
type Preprocessor struct {
	Scaled bool          `json:"scaled"`
	Params []FieldParams `json:"params"`
}

// IdentityPreprocessor returns a preprocessor that leaves numeric values as
// they are and maps numeric protocol strings to their number.
func IdentityPreprocessor(schema Schema) *Preprocessor {
	p := &Preprocessor{Params: make([]FieldParams, len(schema.Fields))}
	for i, f := range schema.Fields {
		p.Params[i] = FieldParams{Name: f.Name, Std: 1}
	}
	return p
}

// FitPreprocessor fits label encoders and a standard scaler over rows.
func FitPreprocessor(schema Schema, rows []Row) *Preprocessor {
	p := &Preprocessor{Scaled: true, Params: make([]FieldParams, len(schema.Fields))}

	for i, f := range schema.Fields {
		fp := FieldParams{Name: f.Name, Std: 1}

		if f.Kind == KindCategorical {
			seen := make(map[string]bool)
			for _, r := range rows {
				seen[r[i].Str] = true
			}
			for c := range seen {
				fp.Classes = append(fp.Classes, c)
			}
			sort.Strings(fp.Classes)
			p.Params[i] = fp
			continue
		}

		if len(rows) > 0 {
			var sum float64
			for _, r := range rows {
				sum += r[i].Num
			}
			fp.Mean = sum / float64(len(rows))

			var sq float64
			for _, r := range rows {
				d := r[i].Num - fp.Mean
				sq += d * d
			}
			fp.Std = math.Sqrt(sq / float64(len(rows)))
			if fp.Std == 0 {
				fp.Std = 1
			}
		}
		p.Params[i] = fp
	}
	return p
}

// Transform encodes one row. The row must be laid out by schema.
func (p *Preprocessor) Transform(schema Schema, row Row) []float64 {
	out := make([]float64, len(schema.Fields))
	for i, f := range schema.Fields {
		fp := p.Params[i]
		if f.Kind == KindCategorical {
			out[i] = fp.encode(row[i].Str)
			continue
		}
		if p.Scaled {
			out[i] = (row[i].Num - fp.Mean) / fp.Std
		} else {
			out[i] = row[i].Num
		}
	}
	return out
}

// encode returns the class index, or -1 for a class unseen at fit time.
func (fp FieldParams) encode(s string) float64 {
	if len(fp.Classes) == 0 {
		if n, err := strconv.ParseFloat(s, 64); err == nil {
			return n
		}
		return -1
	}
	idx := sort.SearchStrings(fp.Classes, s)
	if idx < len(fp.Classes) && fp.Classes[idx] == s {
		return float64(idx)
	}
	return -1
}

func (p *Preprocessor) matches(schema Schema) bool {
	if len(p.Params) != len(schema.Fields) {
		return false
	}
	for i, f := range schema.Fields {
		if p.Params[i].Name != f.Name {
			return false
		}
	}
	return true
}
