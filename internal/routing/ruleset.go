package routing

import (
	"cmp"
	"errors"
	"fmt"
	"slices"
)

// Match is the outcome of a rule matching a ticket.
type Match struct {
	RuleID   string
	RuleName string
	Action   ActionType
	Target   string
	TeamID   *string
}

type compiledRule struct {
	id       string
	name     string
	priority int
	action   ActionType
	target   string
	teamID   *string
	conds    []matcher
}

// RuleSet is an immutable, ordered set of compiled active rules.
type RuleSet struct {
	rules []compiledRule
}

// Len returns the number of compiled rules.
func (rs *RuleSet) Len() int {
	if rs == nil {
		return 0
	}
	return len(rs.rules)
}

// IDs returns the rule IDs in evaluation order.
func (rs *RuleSet) IDs() []string {
	if rs == nil {
		return nil
	}
	ids := make([]string, len(rs.rules))
	for i, r := range rs.rules {
		ids[i] = r.id
	}
	return ids
}

// Compile validates rules against the schema and returns the active ones in
// evaluation order: ascending priority, ties broken by rule ID. Malformed
// rules are left out and reported as *RuleError values.
func Compile(rules []Rule, schema Schema) (*RuleSet, []error) {
	var (
		out  []compiledRule
		errs []error
	)
	for _, r := range rules {
		if !r.IsActive {
			continue
		}
		cr, err := compileRule(r, schema)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		out = append(out, cr)
	}

	slices.SortStableFunc(out, func(a, b compiledRule) int {
		if c := cmp.Compare(a.priority, b.priority); c != 0 {
			return c
		}
		return cmp.Compare(a.id, b.id)
	})
	return &RuleSet{rules: out}, errs
}

func compileRule(r Rule, schema Schema) (compiledRule, error) {
	if r.ID == "" {
		return compiledRule{}, &RuleError{RuleID: r.Name, Err: errors.New("missing id")}
	}
	switch r.Action {
	case ActionAssignTeam, ActionAssignAgent:
	default:
		return compiledRule{}, &RuleError{RuleID: r.ID, Err: fmt.Errorf("unknown action %q", r.Action)}
	}
	if r.ActionTarget == "" {
		return compiledRule{}, &RuleError{RuleID: r.ID, Err: errors.New("missing action target")}
	}

	cr := compiledRule{
		id:       r.ID,
		name:     r.Name,
		priority: r.Priority,
		action:   r.Action,
		target:   r.ActionTarget,
		teamID:   r.TeamID,
		conds:    make([]matcher, 0, len(r.Conditions)),
	}
	for _, c := range r.Conditions {
		m, err := compileCondition(c, schema)
		if err != nil {
			return compiledRule{}, &RuleError{RuleID: r.ID, Field: c.Field, Err: err}
		}
		cr.conds = append(cr.conds, m)
	}
	return cr, nil
}

// Match returns the first rule whose every condition matches the snapshot.
// A rule that cannot be evaluated against this ticket is treated as not
// matching and reported through onErr, which may be nil.
func (rs *RuleSet) Match(s *Snapshot, onErr func(error)) (Match, bool) {
	if rs == nil {
		return Match{}, false
	}
	for i := range rs.rules {
		r := &rs.rules[i]
		ok, err := r.matches(s)
		if err != nil {
			if onErr != nil {
				onErr(&RuleError{RuleID: r.id, Err: err})
			}
			continue
		}
		if ok {
			return Match{
				RuleID:   r.id,
				RuleName: r.name,
				Action:   r.action,
				Target:   r.target,
				TeamID:   r.teamID,
			}, true
		}
	}
	return Match{}, false
}

func (r *compiledRule) matches(s *Snapshot) (bool, error) {
	for _, c := range r.conds {
		ok, err := c.match(s)
		if err != nil {
			return false, err
		}
		if !ok {
			return false, nil
		}
	}
	return true, nil
}
