package ml

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// KindRules identifies threshold rule artifacts.
const KindRules = "rules"

// Rule compares one raw feature value against a constant.
type Rule struct {
	Field string  `json:"field"`
	Index int     `json:"index"`
	Op    string  `json:"op"`
	Value float64 `json:"value"`
}

func (r Rule) match(x []float64) bool {
	v := x[r.Index]
	switch r.Op {
	case ">":
		return v > r.Value
	case ">=":
		return v >= r.Value
	case "<":
		return v < r.Value
	case "<=":
		return v <= r.Value
	case "==":
		return v == r.Value
	case "!=":
		return v != r.Value
	}
	return false
}

// RuleSet flags a vector as a threat when any rule matches.
type RuleSet struct {
	Rules []Rule `json:"rules"`
}

func (rs *RuleSet) Kind() string { return KindRules }

// PredictProba returns 1 when any rule matches and 0 otherwise.
func (rs *RuleSet) PredictProba(x []float64) float64 {
	for _, r := range rs.Rules {
		if r.match(x) {
			return 1
		}
	}
	return 0
}

func (rs *RuleSet) String() string {
	parts := make([]string, len(rs.Rules))
	for i, r := range rs.Rules {
		parts[i] = r.Field + r.Op + strconv.FormatFloat(r.Value, 'g', -1, 64)
	}
	return strings.Join(parts, " || ")
}

// operators are ordered so two-character forms match first.
var operators = []string{">=", "<=", "==", "!=", ">", "<"}

// ParseRules parses expressions like "packet_size>1000 || dest_port==4444"
// against schema. Protocol rules accept names ("protocol==tcp").
func ParseRules(expr string, schema Schema) (*RuleSet, error) {
	rs := &RuleSet{}
	for _, term := range strings.Split(expr, "||") {
		term = strings.TrimSpace(term)
		if term == "" {
			continue
		}
		var r Rule
		found := false
		for _, op := range operators {
			if i := strings.Index(term, op); i > 0 {
				r.Field = strings.TrimSpace(term[:i])
				r.Op = op
				rhs := strings.TrimSpace(term[i+len(op):])
				if r.Field == FieldProtocol {
					rhs = NormalizeProtocol(rhs)
				}
				v, err := strconv.ParseFloat(rhs, 64)
				if err != nil {
					return nil, fmt.Errorf("ml: rule %q: bad value: %w", term, err)
				}
				r.Value = v
				found = true
				break
			}
		}
		if !found {
			return nil, fmt.Errorf("ml: rule %q: no operator", term)
		}
		r.Index = schema.Index(r.Field)
		if r.Index < 0 {
			return nil, fmt.Errorf("ml: rule %q: field not in schema", term)
		}
		rs.Rules = append(rs.Rules, r)
	}
	if len(rs.Rules) == 0 {
		return nil, fmt.Errorf("ml: empty rule expression")
	}
	return rs, nil
}

// NewRuleModel builds an unversioned model over the default schema that
// applies expr to raw feature values.
func NewRuleModel(expr string) (*Model, error) {
	schema := DefaultSchema()
	rs, err := ParseRules(expr, schema)
	if err != nil {
		return nil, err
	}
	return NewModel(schema, IdentityPreprocessor(schema), rs, Evaluation{})
}

func decodeRules(raw json.RawMessage) (Classifier, error) {
	var rs RuleSet
	if err := json.Unmarshal(raw, &rs); err != nil {
		return nil, fmt.Errorf("ml: decode rules: %w", err)
	}
	for _, r := range rs.Rules {
		if r.Index < 0 {
			return nil, fmt.Errorf("ml: decode rules: negative index for %q", r.Field)
		}
	}
	return &rs, nil
}
