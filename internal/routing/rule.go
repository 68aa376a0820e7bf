package routing

import (
	"fmt"
	"strings"
	"time"
)

// Operator is a condition comparison.
type Operator string

const (
	OpEquals      Operator = "equals"
	OpNotEquals   Operator = "not_equals"
	OpContains    Operator = "contains"
	OpIn          Operator = "in"
	OpNotIn       Operator = "not_in"
	OpGreaterThan Operator = "greater_than"
	OpLessThan    Operator = "less_than"
)

// ActionType is what a matching rule does with the ticket.
type ActionType string

const (
	ActionAssignTeam  ActionType = "assign_team"
	ActionAssignAgent ActionType = "assign_agent"
)

// Condition is one field/operator/value test as stored in configuration.
type Condition struct {
	Field    string   `json:"field" yaml:"field"`
	Operator Operator `json:"operator" yaml:"operator"`
	Value    any      `json:"value" yaml:"value"`
}

// Rule is a routing rule as stored in configuration. Lower Priority values
// are evaluated first.
type Rule struct {
	ID           string      `json:"id"`
	Name         string      `json:"name"`
	TeamID       *string     `json:"team_id,omitempty"`
	IsActive     bool        `json:"is_active"`
	Priority     int         `json:"priority"`
	Conditions   []Condition `json:"conditions"`
	Action       ActionType  `json:"action"`
	ActionTarget string      `json:"action_target"`
	CreatedAt    time.Time   `json:"created_at"`
	UpdatedAt    time.Time   `json:"updated_at"`
}

// FieldType is the declared type of a ticket field, which decides the
// operators and values a condition on it may use.
type FieldType string

const (
	FieldText   FieldType = "text"
	FieldSelect FieldType = "select"
	FieldNumber FieldType = "number"
	FieldArray  FieldType = "array"
)

// builtinFields are the ticket attributes every rule may reference.
var builtinFields = map[string]FieldType{
	"title":       FieldText,
	"description": FieldText,
	"priority":    FieldSelect,
	"source":      FieldSelect,
	"status":      FieldSelect,
	"tags":        FieldArray,
}

const customPrefix = "custom."

// Schema declares the custom fields rules may reference, keyed by name.
type Schema map[string]FieldType

// ParseSchema parses a comma separated "name:type" list, e.g. "plan:select,seats:number".
func ParseSchema(s string) (Schema, error) {
	schema := Schema{}
	if strings.TrimSpace(s) == "" {
		return schema, nil
	}
	for _, part := range strings.Split(s, ",") {
		name, typ, ok := strings.Cut(strings.TrimSpace(part), ":")
		name = strings.TrimSpace(name)
		if !ok || name == "" {
			return nil, fmt.Errorf("invalid custom field %q (want name:type)", part)
		}
		ft := FieldType(strings.TrimSpace(typ))
		switch ft {
		case FieldText, FieldSelect, FieldNumber, FieldArray:
		default:
			return nil, fmt.Errorf("custom field %q: unknown type %q", name, ft)
		}
		if _, dup := builtinFields[name]; dup {
			return nil, fmt.Errorf("custom field %q shadows a built-in field", name)
		}
		schema[name] = ft
	}
	return schema, nil
}

// lookup resolves a condition field to its declared type. Custom fields may
// be referenced with or without the "custom." prefix.
func (s Schema) lookup(field string) (name string, ft FieldType, custom bool, ok bool) {
	if ft, ok := builtinFields[field]; ok {
		return field, ft, false, true
	}
	name = strings.TrimPrefix(field, customPrefix)
	if ft, ok := s[name]; ok {
		return name, ft, true, true
	}
	return "", "", false, false
}

// RuleError reports a malformed rule, or a rule that could not be evaluated
// against a ticket. The rule is skipped; other rules are unaffected.
type RuleError struct {
	RuleID string
	Field  string
	Err    error
}

func (e *RuleError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("routing rule %s: field %q: %v", e.RuleID, e.Field, e.Err)
	}
	return fmt.Sprintf("routing rule %s: %v", e.RuleID, e.Err)
}

func (e *RuleError) Unwrap() error { return e.Err }
