package triage

import (
	"context"
	"fmt"
	"time"

	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/warden/internal/routing"
	"github.com/linnemanlabs/warden/internal/ticket"
)

// Trigger is the event that started a triage run.
type Trigger string

const (
	TriggerTicketCreated Trigger = "ticket_created"
	TriggerResponseAdded Trigger = "response_added"
)

// OutcomeAction is what a triage run did to the ticket.
type OutcomeAction string

const (
	OutcomeAutoResolved OutcomeAction = "auto_resolved"
	OutcomeRouted       OutcomeAction = "routed"
	OutcomeDuplicate    OutcomeAction = "duplicate"
)

// Outcome describes a finished triage run.
type Outcome struct {
	TicketID     string               `json:"ticket_id"`
	Trigger      Trigger              `json:"trigger"`
	ResponseID   string               `json:"trigger_response_id,omitempty"`
	Action       OutcomeAction        `json:"action"`
	Decision     *Decision            `json:"decision,omitempty"`
	Response     *ticket.Response     `json:"response,omitempty"`
	Target       *routing.Target      `json:"target,omitempty"`
	History      *ticket.HistoryEntry `json:"history,omitempty"`
	AuditWarning bool                 `json:"audit_warning,omitempty"`
	Duration     float64              `json:"duration_seconds"`
}

// Decider produces a Decision for ticket content.
type Decider interface {
	Decide(ctx context.Context, in Input) Decision
}

// Router picks the destination for a ticket that needs a human.
type Router interface {
	Route(ctx context.Context, s *routing.Snapshot, suggestedTeam string) routing.Target
}

// TriggerLog remembers which triggers have already been applied so that
// redelivered events are not processed twice.
type TriggerLog interface {
	Seen(ctx context.Context, key string) (bool, error)
	Mark(ctx context.Context, key string) error
}

// Notifier is told about every applied outcome. Failures are logged only.
type Notifier interface {
	Notify(ctx context.Context, o *Outcome) error
}

// PipelineConfig controls how auto replies are published.
type PipelineConfig struct {
	// AutoReplyVisibleOnCreate publishes auto replies to new tickets to the customer.
	AutoReplyVisibleOnCreate bool
	// AutoReplyVisibleOnFollowUp publishes auto replies to follow-ups to the
	// customer. When false they are stored as internal suggestions.
	AutoReplyVisibleOnFollowUp bool
}

// DefaultPipelineConfig answers new tickets directly and keeps follow-up
// answers internal.
func DefaultPipelineConfig() PipelineConfig {
	return PipelineConfig{AutoReplyVisibleOnCreate: true}
}

// PipelineHooks receives callbacks for observability. All fields are optional.
type PipelineHooks struct {
	OnRun                 func(trigger Trigger, result string, duration float64)
	OnHistoryWriteFailure func()
}

// PipelineOption configures optional Pipeline collaborators.
type PipelineOption func(*Pipeline)

// WithLocker replaces the default in-process per-ticket locker.
func WithLocker(l Locker) PipelineOption { return func(p *Pipeline) { p.locker = l } }

// WithTriggerLog enables duplicate trigger suppression.
func WithTriggerLog(tl TriggerLog) PipelineOption { return func(p *Pipeline) { p.triggers = tl } }

// WithNotifier sends every applied outcome to n.
func WithNotifier(n Notifier) PipelineOption { return func(p *Pipeline) { p.notifier = n } }

// WithPipelineConfig overrides DefaultPipelineConfig.
func WithPipelineConfig(c PipelineConfig) PipelineOption { return func(p *Pipeline) { p.cfg = c } }

// WithPipelineHooks installs observability hooks.
func WithPipelineHooks(h PipelineHooks) PipelineOption { return func(p *Pipeline) { p.hooks = h } }

// Pipeline runs triage for ticket events: decide, apply, audit.
type Pipeline struct {
	store    ticket.Store
	decider  Decider
	router   Router
	locker   Locker
	triggers TriggerLog
	notifier Notifier
	cfg      PipelineConfig
	logger   log.Logger
	hooks    PipelineHooks
}

// NewPipeline creates a triage pipeline.
func NewPipeline(store ticket.Store, decider Decider, router Router, logger log.Logger, opts ...PipelineOption) *Pipeline {
	if logger == nil {
		logger = log.Nop()
	}
	p := &Pipeline{
		store:   store,
		decider: decider,
		router:  router,
		locker:  NewKeyedLocker(),
		cfg:     DefaultPipelineConfig(),
		logger:  logger,
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// OnTicketCreated triages a newly created ticket.
func (p *Pipeline) OnTicketCreated(ctx context.Context, ticketID string) (*Outcome, error) {
	return p.run(ctx, TriggerTicketCreated, ticketID, "")
}

// OnHumanResponseAdded triages a ticket after a non-internal human response.
// The response must exist on the ticket, otherwise ErrInvalidTrigger is returned.
func (p *Pipeline) OnHumanResponseAdded(ctx context.Context, ticketID, responseID string) (*Outcome, error) {
	return p.run(ctx, TriggerResponseAdded, ticketID, responseID)
}

// TriggerKey is the idempotency key recorded for a trigger.
func TriggerKey(trigger Trigger, ticketID, responseID string) string {
	if trigger == TriggerResponseAdded {
		return "response:" + ticketID + ":" + responseID
	}
	return "created:" + ticketID
}

func (p *Pipeline) run(ctx context.Context, trigger Trigger, ticketID, responseID string) (*Outcome, error) {
	start := time.Now()
	out, err := p.runLocked(ctx, trigger, ticketID, responseID)
	dur := time.Since(start).Seconds()

	result := "error"
	if out != nil {
		out.Duration = dur
		result = string(out.Action)
	}
	if p.hooks.OnRun != nil {
		p.hooks.OnRun(trigger, result, dur)
	}
	return out, err
}

func (p *Pipeline) runLocked(ctx context.Context, trigger Trigger, ticketID, responseID string) (*Outcome, error) {
	L := p.logger.With("ticket_id", ticketID, "trigger", trigger)
	if responseID != "" {
		L = L.With("response_id", responseID)
	}
	if ticketID == "" || (trigger == TriggerResponseAdded && responseID == "") {
		return nil, fmt.Errorf("%w: missing ticket or response id", ErrInvalidTrigger)
	}

	unlock, err := p.locker.Lock(ctx, "ticket:"+ticketID)
	if err != nil {
		return nil, fmt.Errorf("lock ticket %s: %w", ticketID, err)
	}
	defer unlock()

	key := TriggerKey(trigger, ticketID, responseID)
	if p.triggers != nil {
		seen, err := p.triggers.Seen(ctx, key)
		if err != nil {
			return nil, fmt.Errorf("check trigger %s: %w", key, err)
		}
		if seen {
			L.Info(ctx, "trigger already processed, skipping")
			return &Outcome{TicketID: ticketID, Trigger: trigger, ResponseID: responseID, Action: OutcomeDuplicate}, nil
		}
	}

	t, err := p.store.GetTicket(ctx, ticketID)
	if err != nil {
		return nil, fmt.Errorf("load ticket %s: %w", ticketID, err)
	}

	in := Input{TicketID: t.ID, Title: t.Title, Description: t.Description}
	if trigger == TriggerResponseAdded {
		transcript, err := p.store.GetResponses(ctx, ticketID)
		if err != nil {
			return nil, fmt.Errorf("load responses for ticket %s: %w", ticketID, err)
		}
		if err := checkTriggerResponse(transcript, responseID); err != nil {
			return nil, err
		}
		in.Transcript = transcript
	}

	d := p.decider.Decide(ctx, in)
	// a caller that went away mid-decision gets no effect; a degraded
	// decision caused by its cancellation must not be applied
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("triage of ticket %s abandoned: %w", ticketID, err)
	}
	// from here the writes must land together: effect, trigger mark, audit
	ctx = context.WithoutCancel(ctx)

	out := &Outcome{TicketID: ticketID, Trigger: trigger, ResponseID: responseID, Decision: &d}

	var (
		action  ticket.Action
		changes map[string]any
	)
	if d.CanAutoResolve {
		action, changes, err = p.applyResponse(ctx, out, d)
	} else {
		action, changes, err = p.applyRoute(ctx, out, t, d)
	}
	if err != nil {
		L.Error(ctx, err, "failed to apply triage decision")
		return nil, err
	}

	if p.triggers != nil {
		if err := p.triggers.Mark(ctx, key); err != nil {
			L.Warn(ctx, "failed to record processed trigger", "key", key, "error", err)
		}
	}

	h, err := p.store.AppendHistory(ctx, ticketID, nil, action, changes)
	if err != nil {
		herr := &HistoryWriteError{TicketID: ticketID, Action: action, Err: err}
		L.Error(ctx, herr, "triage applied without audit entry", "action", action, "changes", changes)
		out.AuditWarning = true
		if p.hooks.OnHistoryWriteFailure != nil {
			p.hooks.OnHistoryWriteFailure()
		}
	} else {
		out.History = h
	}

	if p.notifier != nil {
		if err := p.notifier.Notify(ctx, out); err != nil {
			L.Warn(ctx, "triage notification failed", "error", err)
		}
	}

	L.Info(ctx, "triage applied",
		"action", out.Action,
		"path", d.Path,
		"confidence", d.Confidence,
		"audit_warning", out.AuditWarning,
	)
	return out, nil
}

func checkTriggerResponse(transcript []ticket.Response, responseID string) error {
	for i := range transcript {
		r := &transcript[i]
		if r.ID != responseID {
			continue
		}
		if r.Type != ticket.ResponseHuman {
			return fmt.Errorf("%w: response %s is not from a human", ErrInvalidTrigger, responseID)
		}
		if r.IsInternal {
			return fmt.Errorf("%w: response %s is an internal note", ErrInvalidTrigger, responseID)
		}
		return nil
	}
	return fmt.Errorf("%w: response %s not found on ticket", ErrInvalidTrigger, responseID)
}

func (p *Pipeline) applyResponse(ctx context.Context, out *Outcome, d Decision) (ticket.Action, map[string]any, error) {
	visible := p.cfg.AutoReplyVisibleOnCreate
	if out.Trigger == TriggerResponseAdded {
		visible = p.cfg.AutoReplyVisibleOnFollowUp
	}

	meta := map[string]any{
		"confidence": d.Confidence,
		"trigger":    string(out.Trigger),
	}
	if d.Model != "" {
		meta["model"] = d.Model
	}
	resp, err := p.store.InsertResponse(ctx, ticket.NewResponse{
		TicketID:   out.TicketID,
		Content:    d.Response,
		Type:       ticket.ResponseAI,
		IsInternal: !visible,
		Metadata:   meta,
	})
	if err != nil {
		return "", nil, &ResponseWriteError{TicketID: out.TicketID, Err: err}
	}
	out.Action = OutcomeAutoResolved
	out.Response = resp

	changes := decisionChanges(out, d)
	changes["response_id"] = resp.ID
	changes["is_internal"] = resp.IsInternal
	return ticket.ActionAddResponse, changes, nil
}

func (p *Pipeline) applyRoute(ctx context.Context, out *Outcome, t *ticket.Ticket, d Decision) (ticket.Action, map[string]any, error) {
	target := p.router.Route(ctx, routing.SnapshotOf(t), d.SuggestedTeamID)
	teamID, agentID := assignmentFor(target)

	if _, err := p.store.UpdateTicketAssignment(ctx, out.TicketID, teamID, agentID); err != nil {
		return "", nil, &AssignmentWriteError{TicketID: out.TicketID, Err: err}
	}
	out.Action = OutcomeRouted
	out.Target = &target

	changes := decisionChanges(out, d)
	changes["routing_source"] = string(target.Source)
	changes["routing_action"] = string(target.Action)
	if target.TeamID != "" {
		changes["team_id"] = target.TeamID
	}
	switch {
	case target.AgentID != "":
		changes["assigned_agent_id"] = target.AgentID
	case t.AgentID != nil:
		changes["assigned_agent_id"] = nil
	}
	if t.TeamID != nil {
		changes["previous_team_id"] = *t.TeamID
	}
	if t.AgentID != nil {
		changes["previous_agent_id"] = *t.AgentID
	}
	if target.RuleID != "" {
		changes["rule_id"] = target.RuleID
	}
	if d.SuggestedTeamID != "" {
		changes["suggested_team_id"] = d.SuggestedTeamID
	}
	return ticket.ActionRoute, changes, nil
}

// assignmentFor turns a routing target into store arguments. A team route
// clears the agent so the ticket is never left with an agent from another
// team; an agent route keeps the current team unless the rule names one.
func assignmentFor(target routing.Target) (teamID, agentID *string) {
	if target.TeamID != "" {
		teamID = &target.TeamID
	}
	if target.AgentID != "" {
		return teamID, &target.AgentID
	}
	unassigned := ""
	return teamID, &unassigned
}

// decisionChanges holds the audit fields common to both outcomes.
func decisionChanges(out *Outcome, d Decision) map[string]any {
	c := map[string]any{
		"trigger":          string(out.Trigger),
		"can_auto_resolve": d.CanAutoResolve,
		"confidence":       d.Confidence,
		"path":             d.Path,
	}
	if out.ResponseID != "" {
		c["trigger_response_id"] = out.ResponseID
	}
	if d.Degraded {
		c["degraded"] = true
	}
	if d.Reason != "" {
		c["reason"] = d.Reason
	}
	if d.Model != "" {
		c["model"] = d.Model
	}
	return c
}
