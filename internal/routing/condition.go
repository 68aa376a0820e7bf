package routing

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"slices"
	"strconv"
	"strings"

	"github.com/linnemanlabs/warden/internal/ticket"
)

// Snapshot is the set of ticket attributes rules are evaluated against.
type Snapshot struct {
	Title        string
	Description  string
	Priority     string
	Source       string
	Status       string
	Tags         []string
	CustomFields map[string]any
}

// SnapshotOf captures the routable attributes of a ticket.
func SnapshotOf(t *ticket.Ticket) *Snapshot {
	return &Snapshot{
		Title:        t.Title,
		Description:  t.Description,
		Priority:     string(t.Priority),
		Source:       t.Source,
		Status:       string(t.Status),
		Tags:         t.Tags,
		CustomFields: t.CustomFields,
	}
}

var errTypeMismatch = errors.New("ticket value does not match declared field type")

// matcher is a compiled condition. One implementation per declared field type.
type matcher interface {
	match(s *Snapshot) (bool, error)
}

// textCond covers text and select fields. contains ignores case on every
// string field kind; equals and in are exact.
type textCond struct {
	get    func(*Snapshot) (string, bool, error)
	op     Operator
	value  string
	values []string
}

func (c *textCond) match(s *Snapshot) (bool, error) {
	v, ok, err := c.get(s)
	if err != nil || !ok {
		return false, err
	}
	switch c.op {
	case OpEquals:
		return v == c.value, nil
	case OpNotEquals:
		return v != c.value, nil
	case OpContains:
		return strings.Contains(strings.ToLower(v), strings.ToLower(c.value)), nil
	case OpIn:
		return slices.Contains(c.values, v), nil
	case OpNotIn:
		return !slices.Contains(c.values, v), nil
	}
	return false, fmt.Errorf("operator %q not valid for text", c.op)
}

type numberCond struct {
	name   string
	op     Operator
	value  float64
	values []float64
}

func (c *numberCond) match(s *Snapshot) (bool, error) {
	raw, ok := s.CustomFields[c.name]
	if !ok || raw == nil {
		return false, nil
	}
	v, err := toNumber(raw)
	if err != nil {
		return false, fmt.Errorf("%w: %v", errTypeMismatch, err)
	}
	switch c.op {
	case OpEquals:
		return v == c.value, nil
	case OpNotEquals:
		return v != c.value, nil
	case OpGreaterThan:
		return v > c.value, nil
	case OpLessThan:
		return v < c.value, nil
	case OpIn:
		return slices.Contains(c.values, v), nil
	case OpNotIn:
		return !slices.Contains(c.values, v), nil
	}
	return false, fmt.Errorf("operator %q not valid for number", c.op)
}

type arrayCond struct {
	get    func(*Snapshot) ([]string, bool, error)
	op     Operator
	value  string
	values []string
}

func (c *arrayCond) match(s *Snapshot) (bool, error) {
	v, ok, err := c.get(s)
	if err != nil || !ok {
		return false, err
	}
	switch c.op {
	case OpContains:
		return slices.ContainsFunc(v, func(e string) bool { return strings.EqualFold(e, c.value) }), nil
	case OpIn:
		return slices.ContainsFunc(v, func(e string) bool { return slices.Contains(c.values, e) }), nil
	case OpNotIn:
		return !slices.ContainsFunc(v, func(e string) bool { return slices.Contains(c.values, e) }), nil
	}
	return false, fmt.Errorf("operator %q not valid for array", c.op)
}

// allowedOps lists the legal operators per field type.
var allowedOps = map[FieldType][]Operator{
	FieldText:   {OpEquals, OpNotEquals, OpContains, OpIn, OpNotIn},
	FieldSelect: {OpEquals, OpNotEquals, OpContains, OpIn, OpNotIn},
	FieldNumber: {OpEquals, OpNotEquals, OpGreaterThan, OpLessThan, OpIn, OpNotIn},
	FieldArray:  {OpContains, OpIn, OpNotIn},
}

func isListOp(op Operator) bool { return op == OpIn || op == OpNotIn }

// compileCondition validates a condition against the schema and builds its matcher.
func compileCondition(c Condition, schema Schema) (matcher, error) {
	name, ft, custom, ok := schema.lookup(c.Field)
	if !ok {
		return nil, errors.New("unknown field")
	}
	if !slices.Contains(allowedOps[ft], c.Operator) {
		return nil, fmt.Errorf("operator %q not allowed on %s field", c.Operator, ft)
	}

	switch ft {
	case FieldText, FieldSelect:
		tc := &textCond{get: textGetter(name, custom), op: c.Operator}
		if err := fillStrings(c, &tc.value, &tc.values); err != nil {
			return nil, err
		}
		return tc, nil
	case FieldArray:
		ac := &arrayCond{get: arrayGetter(name, custom), op: c.Operator}
		if err := fillStrings(c, &ac.value, &ac.values); err != nil {
			return nil, err
		}
		return ac, nil
	case FieldNumber:
		nc := &numberCond{name: name, op: c.Operator}
		if isListOp(c.Operator) {
			list, ok := toList(c.Value)
			if !ok || len(list) == 0 {
				return nil, fmt.Errorf("operator %q needs a non-empty list value", c.Operator)
			}
			for _, e := range list {
				n, err := toNumber(e)
				if err != nil {
					return nil, err
				}
				nc.values = append(nc.values, n)
			}
			return nc, nil
		}
		n, err := toNumber(c.Value)
		if err != nil {
			return nil, err
		}
		nc.value = n
		return nc, nil
	}
	return nil, fmt.Errorf("unsupported field type %q", ft)
}

func fillStrings(c Condition, value *string, values *[]string) error {
	if isListOp(c.Operator) {
		list, ok := toList(c.Value)
		if !ok || len(list) == 0 {
			return fmt.Errorf("operator %q needs a non-empty list value", c.Operator)
		}
		for _, e := range list {
			s, ok := e.(string)
			if !ok {
				return fmt.Errorf("list value %v is not a string", e)
			}
			*values = append(*values, s)
		}
		return nil
	}
	s, ok := c.Value.(string)
	if !ok {
		return fmt.Errorf("value %v is not a string", c.Value)
	}
	*value = s
	return nil
}

func textGetter(name string, custom bool) func(*Snapshot) (string, bool, error) {
	if custom {
		return func(s *Snapshot) (string, bool, error) {
			raw, ok := s.CustomFields[name]
			if !ok || raw == nil {
				return "", false, nil
			}
			v, ok := raw.(string)
			if !ok {
				return "", false, errTypeMismatch
			}
			return v, true, nil
		}
	}
	return func(s *Snapshot) (string, bool, error) {
		switch name {
		case "title":
			return s.Title, true, nil
		case "description":
			return s.Description, true, nil
		case "priority":
			return s.Priority, true, nil
		case "source":
			return s.Source, true, nil
		default:
			return s.Status, true, nil
		}
	}
}

func arrayGetter(name string, custom bool) func(*Snapshot) ([]string, bool, error) {
	if !custom {
		return func(s *Snapshot) ([]string, bool, error) { return s.Tags, true, nil }
	}
	return func(s *Snapshot) ([]string, bool, error) {
		raw, ok := s.CustomFields[name]
		if !ok || raw == nil {
			return nil, false, nil
		}
		if v, ok := raw.([]string); ok {
			return v, true, nil
		}
		list, ok := toList(raw)
		if !ok {
			return nil, false, errTypeMismatch
		}
		out := make([]string, 0, len(list))
		for _, e := range list {
			s, ok := e.(string)
			if !ok {
				return nil, false, errTypeMismatch
			}
			out = append(out, s)
		}
		return out, true, nil
	}
}

func toList(v any) ([]any, bool) {
	switch l := v.(type) {
	case []any:
		return l, true
	case []string:
		out := make([]any, len(l))
		for i, s := range l {
			out[i] = s
		}
		return out, true
	case []float64:
		out := make([]any, len(l))
		for i, f := range l {
			out[i] = f
		}
		return out, true
	case []int:
		out := make([]any, len(l))
		for i, n := range l {
			out[i] = n
		}
		return out, true
	}
	return nil, false
}

func toNumber(v any) (float64, error) {
	var f float64
	switch n := v.(type) {
	case float64:
		f = n
	case float32:
		f = float64(n)
	case int:
		f = float64(n)
	case int32:
		f = float64(n)
	case int64:
		f = float64(n)
	case uint64:
		f = float64(n)
	case json.Number:
		parsed, err := n.Float64()
		if err != nil {
			return 0, fmt.Errorf("value %q is not a number", n)
		}
		f = parsed
	case string:
		parsed, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		if err != nil {
			return 0, fmt.Errorf("value %q is not a number", n)
		}
		f = parsed
	default:
		return 0, fmt.Errorf("value %v is not a number", v)
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, fmt.Errorf("value %v is not a finite number", v)
	}
	return f, nil
}
