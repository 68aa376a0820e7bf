package routing

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/go-core/xerrors"
)

// Source lists the routing rules currently configured as active.
type Source interface {
	ListActiveRules(ctx context.Context) ([]Rule, error)
}

// StaticSource serves a fixed list of rules.
type StaticSource []Rule

// ListActiveRules returns the active rules of the static list.
func (s StaticSource) ListActiveRules(context.Context) ([]Rule, error) {
	out := make([]Rule, 0, len(s))
	for _, r := range s {
		if r.IsActive {
			out = append(out, r)
		}
	}
	return out, nil
}

// TargetSource records why a destination was chosen.
type TargetSource string

const (
	SourceRule         TargetSource = "rule"
	SourceAISuggestion TargetSource = "ai_suggestion"
	SourceDefault      TargetSource = "default"
)

// Target is the resolved destination for a ticket. At least one of TeamID
// and AgentID is always set.
type Target struct {
	TeamID  string       `json:"team_id,omitempty"`
	AgentID string       `json:"agent_id,omitempty"`
	Action  ActionType   `json:"action"`
	RuleID  string       `json:"rule_id,omitempty"`
	Source  TargetSource `json:"source"`
}

// Hooks lets callers observe rule problems, typically for metrics.
type Hooks struct {
	OnRuleError func(err *RuleError)
}

// Engine routes tickets against the most recently loaded rule set.
type Engine struct {
	source       Source
	schema       Schema
	fallbackTeam string
	logger       log.Logger
	hooks        Hooks
	rules        atomic.Pointer[RuleSet]
}

// NewEngine creates a routing engine. fallbackTeam is where tickets go when no
// rule matches and no team was suggested; it must not be empty.
func NewEngine(source Source, schema Schema, fallbackTeam string, logger log.Logger, hooks Hooks) *Engine {
	if fallbackTeam == "" {
		panic(xerrors.New("routing fallback team is required"))
	}
	if logger == nil {
		logger = log.Nop()
	}
	e := &Engine{
		source:       source,
		schema:       schema,
		fallbackTeam: fallbackTeam,
		logger:       logger,
		hooks:        hooks,
	}
	e.rules.Store(&RuleSet{})
	return e
}

// FallbackTeam returns the configured default destination.
func (e *Engine) FallbackTeam() string { return e.fallbackTeam }

// Rules returns the rule set currently in use.
func (e *Engine) Rules() *RuleSet { return e.rules.Load() }

// Reload fetches the active rules from the source, compiles them and swaps
// them in. Malformed rules are logged and skipped. If the source cannot be
// read the previous rule set stays in place.
func (e *Engine) Reload(ctx context.Context) error {
	if e.source == nil {
		return nil
	}
	rules, err := e.source.ListActiveRules(ctx)
	if err != nil {
		return fmt.Errorf("list routing rules: %w", err)
	}
	rs, errs := Compile(rules, e.schema)
	for _, err := range errs {
		e.reportRuleError(ctx, err)
	}
	e.rules.Store(rs)
	e.logger.Info(ctx, "routing rules loaded", "active", rs.Len(), "skipped", len(errs))
	return nil
}

// Refresh reloads rules every interval until ctx is cancelled.
func (e *Engine) Refresh(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := e.Reload(ctx); err != nil {
				e.logger.Error(ctx, err, "routing rule refresh failed, keeping previous rules")
			}
		}
	}
}

// Evaluate returns the first matching rule for the snapshot, if any.
func (e *Engine) Evaluate(ctx context.Context, s *Snapshot) (Match, bool) {
	return e.rules.Load().Match(s, func(err error) { e.reportRuleError(ctx, err) })
}

// Route picks the destination for a ticket that needs a human: the first
// matching rule, else the suggested team, else the fallback team.
func (e *Engine) Route(ctx context.Context, s *Snapshot, suggestedTeam string) Target {
	if m, ok := e.Evaluate(ctx, s); ok {
		t := Target{Action: m.Action, RuleID: m.RuleID, Source: SourceRule}
		switch m.Action {
		case ActionAssignAgent:
			t.AgentID = m.Target
			if m.TeamID != nil {
				t.TeamID = *m.TeamID
			}
		default:
			t.TeamID = m.Target
		}
		return t
	}
	if suggestedTeam != "" {
		return Target{TeamID: suggestedTeam, Action: ActionAssignTeam, Source: SourceAISuggestion}
	}
	return Target{TeamID: e.fallbackTeam, Action: ActionAssignTeam, Source: SourceDefault}
}

func (e *Engine) reportRuleError(ctx context.Context, err error) {
	var re *RuleError
	if errors.As(err, &re) {
		e.logger.Warn(ctx, "skipping routing rule", "rule_id", re.RuleID, "field", re.Field, "error", re.Err)
		if e.hooks.OnRuleError != nil {
			e.hooks.OnRuleError(re)
		}
		return
	}
	e.logger.Warn(ctx, "skipping routing rule", "error", err)
}
