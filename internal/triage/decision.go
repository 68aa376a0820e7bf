package triage

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/go-core/xerrors"
	"github.com/linnemanlabs/warden/internal/ticket"
	"github.com/linnemanlabs/warden/internal/tools"
)

var tracer = otel.Tracer("github.com/linnemanlabs/warden/internal/triage")

const (
	DefaultLLMTimeout               = 30 * time.Second
	DefaultMinAutoResolveConfidence = 0.7
	DefaultMaxToolRounds            = 4

	classifyTokens = 1024
	responseTokens = 2048

	classifyToolName = "record_triage"
)

// Decision paths reported to hooks.
const (
	PathAutoResolve   = "auto_resolve"
	PathRoute         = "route"
	PathLowConfidence = "low_confidence"
	PathDegraded      = "degraded"
)

// Input is the ticket content a decision is made on.
type Input struct {
	TicketID    string
	Title       string
	Description string
	// Transcript is the ticket's responses, oldest first. Empty for new tickets.
	Transcript []ticket.Response
}

// Decision is the outcome of DecisionEngine.Decide. Response is set only
// when CanAutoResolve is true. Degraded marks decisions that fell back to
// the default team because the model could not be used.
type Decision struct {
	CanAutoResolve  bool    `json:"can_auto_resolve"`
	Confidence      float64 `json:"confidence"`
	Response        string  `json:"response,omitempty"`
	SuggestedTeamID string  `json:"suggested_team_id,omitempty"`
	Path            string  `json:"path"`
	Degraded        bool    `json:"degraded,omitempty"`
	Reason          string  `json:"reason,omitempty"`
	Model           string  `json:"model,omitempty"`
	InputTokens     int     `json:"input_tokens"`
	OutputTokens    int     `json:"output_tokens"`
	ToolCalls       int     `json:"tool_calls"`
}

// Classification is the structured verdict the model records through the
// record_triage tool.
type Classification struct {
	CanAutoResolve  bool    `json:"can_auto_resolve"`
	Confidence      float64 `json:"confidence"`
	SuggestedTeamID string  `json:"suggested_team_id,omitempty"`
	Reason          string  `json:"reason,omitempty"`
}

// DecisionConfig tunes a DecisionEngine. Zero values select the defaults,
// except FallbackTeam which is required.
type DecisionConfig struct {
	FallbackTeam             string
	LLMTimeout               time.Duration
	MinAutoResolveConfidence float64
	MaxToolRounds            int
}

// DecisionHooks receives callbacks for observability. All fields are optional.
type DecisionHooks struct {
	OnLLMCall  func(phase string, inputTokens, outputTokens int, duration float64, err error)
	OnToolCall func(name string, duration float64, inputBytes, outputBytes int, isError bool)
	OnDecision func(d *Decision)
}

// DecisionEngine turns ticket content into a Decision using a language model.
// It never returns an error: any failure yields a degraded decision that
// routes the ticket to the fallback team.
type DecisionEngine struct {
	provider Provider
	registry *tools.Registry
	cfg      DecisionConfig
	logger   log.Logger
	hooks    DecisionHooks
}

// NewDecisionEngine creates a decision engine. registry may be nil when no
// tools are offered during response generation.
func NewDecisionEngine(provider Provider, registry *tools.Registry, cfg DecisionConfig, logger log.Logger, hooks DecisionHooks) *DecisionEngine {
	if cfg.FallbackTeam == "" {
		panic(xerrors.New("decision engine fallback team is required"))
	}
	if cfg.LLMTimeout <= 0 {
		cfg.LLMTimeout = DefaultLLMTimeout
	}
	if cfg.MinAutoResolveConfidence <= 0 {
		cfg.MinAutoResolveConfidence = DefaultMinAutoResolveConfidence
	}
	if cfg.MaxToolRounds < 0 {
		cfg.MaxToolRounds = 0
	} else if cfg.MaxToolRounds == 0 {
		cfg.MaxToolRounds = DefaultMaxToolRounds
	}
	if registry == nil {
		registry = tools.NewRegistry()
	}
	if logger == nil {
		logger = log.Nop()
	}
	return &DecisionEngine{
		provider: provider,
		registry: registry,
		cfg:      cfg,
		logger:   logger,
		hooks:    hooks,
	}
}

// FallbackTeam returns the team degraded decisions are routed to.
func (e *DecisionEngine) FallbackTeam() string { return e.cfg.FallbackTeam }

// run accumulates usage across the model calls of one decision.
type run struct {
	ticketID     string
	seq          int
	model        string
	inputTokens  int
	outputTokens int
	toolCalls    int
}

// Decide classifies the ticket and, when it can be answered automatically
// with enough confidence, generates the answer.
func (e *DecisionEngine) Decide(ctx context.Context, in Input) Decision {
	r := &run{ticketID: in.TicketID}
	L := e.logger.With("ticket_id", in.TicketID)

	d := e.decide(ctx, in, r)
	d.Model = r.model
	d.InputTokens = r.inputTokens
	d.OutputTokens = r.outputTokens
	d.ToolCalls = r.toolCalls

	L.Info(ctx, "triage decision",
		"path", d.Path,
		"can_auto_resolve", d.CanAutoResolve,
		"confidence", d.Confidence,
		"suggested_team_id", d.SuggestedTeamID,
		"tokens_in", d.InputTokens,
		"tokens_out", d.OutputTokens,
		"tool_calls", d.ToolCalls,
	)
	if e.hooks.OnDecision != nil {
		e.hooks.OnDecision(&d)
	}
	return d
}

func (e *DecisionEngine) decide(ctx context.Context, in Input, r *run) Decision {
	c, err := e.classify(ctx, in, r)
	if err != nil {
		return e.degraded(ctx, in, err)
	}

	if !c.CanAutoResolve {
		return Decision{
			Confidence:      c.Confidence,
			SuggestedTeamID: c.SuggestedTeamID,
			Path:            PathRoute,
			Reason:          c.Reason,
		}
	}
	if c.Confidence < e.cfg.MinAutoResolveConfidence {
		return Decision{
			Confidence:      c.Confidence,
			SuggestedTeamID: c.SuggestedTeamID,
			Path:            PathLowConfidence,
			Reason:          fmt.Sprintf("confidence %.2f below %.2f", c.Confidence, e.cfg.MinAutoResolveConfidence),
		}
	}

	text, err := e.generate(ctx, in, r)
	if err != nil {
		return e.degraded(ctx, in, err)
	}
	return Decision{
		CanAutoResolve: true,
		Confidence:     c.Confidence,
		Response:       text,
		Path:           PathAutoResolve,
		Reason:         c.Reason,
	}
}

func (e *DecisionEngine) degraded(ctx context.Context, in Input, err error) Decision {
	e.logger.Warn(ctx, "triage decision degraded to fallback team",
		"ticket_id", in.TicketID,
		"fallback_team_id", e.cfg.FallbackTeam,
		"error", err,
	)
	return Decision{
		SuggestedTeamID: e.cfg.FallbackTeam,
		Path:            PathDegraded,
		Degraded:        true,
		Reason:          err.Error(),
	}
}

// Classify asks the model whether the ticket can be resolved automatically.
// Confidence is clamped into [0, 1].
func (e *DecisionEngine) Classify(ctx context.Context, in Input) (Classification, error) {
	return e.classify(ctx, in, &run{ticketID: in.TicketID})
}

func (e *DecisionEngine) classify(ctx context.Context, in Input, r *run) (Classification, error) {
	if strings.TrimSpace(in.Title) == "" || strings.TrimSpace(in.Description) == "" {
		return Classification{}, &ClassificationError{Reason: "ticket has no title or description"}
	}

	resp, err := e.call(ctx, r, "classify", &LLMRequest{
		MaxTokens:  classifyTokens,
		System:     classifySystemPrompt,
		Messages:   []Message{userText(buildTicketPrompt(in))},
		Tools:      []tools.ToolDef{classifyTool},
		ToolChoice: classifyToolName,
	})
	if err != nil {
		return Classification{}, &ClassificationError{Reason: "model call failed", Err: err}
	}

	c, err := parseClassification(resp.Content)
	if err != nil {
		return Classification{}, &ClassificationError{Reason: "malformed classification", Err: err}
	}
	c.Confidence = clampConfidence(c.Confidence)
	return c, nil
}

// Generate asks the model for a complete customer-facing reply. The model
// may search the knowledge base through the registered tools, up to
// MaxToolRounds tool calls.
func (e *DecisionEngine) Generate(ctx context.Context, in Input) (string, error) {
	return e.generate(ctx, in, &run{ticketID: in.TicketID})
}

func (e *DecisionEngine) generate(ctx context.Context, in Input, r *run) (string, error) {
	messages := []Message{userText(buildTicketPrompt(in) + "\n\nWrite the reply to send to the customer.")}
	defs := e.registry.ToToolDefs()

	for {
		req := &LLMRequest{
			MaxTokens: responseTokens,
			System:    generateSystemPrompt,
			Messages:  messages,
		}
		offerTools := len(defs) > 0 && r.toolCalls < e.cfg.MaxToolRounds
		if offerTools {
			req.Tools = defs
		}

		resp, err := e.call(ctx, r, "generate", req)
		if err != nil {
			return "", &GenerationError{Reason: "model call failed", Err: err}
		}

		if resp.StopReason != StopToolUse || !offerTools || !hasToolUse(resp.Content) {
			text := strings.TrimSpace(textOf(resp.Content))
			if text == "" {
				return "", &GenerationError{Reason: "empty response"}
			}
			if resp.StopReason == StopMaxTokens {
				return "", &GenerationError{Reason: "response truncated at token limit"}
			}
			return text, nil
		}

		messages = append(messages, Message{Role: "assistant", Content: resp.Content})
		messages = append(messages, Message{Role: "user", Content: e.runTools(ctx, r, resp.Content)})
	}
}

func (e *DecisionEngine) runTools(ctx context.Context, r *run, blocks []ContentBlock) []ContentBlock {
	var results []ContentBlock
	for _, b := range blocks {
		if b.Type != "tool_use" {
			continue
		}
		if r.toolCalls >= e.cfg.MaxToolRounds {
			results = append(results, ContentBlock{
				Type:      "tool_result",
				ToolUseID: b.ID,
				Content:   "tool call budget exhausted, answer with what you have",
				IsError:   true,
			})
			continue
		}
		r.toolCalls++
		results = append(results, e.executeTool(ctx, r, b))
	}
	return results
}

func (e *DecisionEngine) executeTool(ctx context.Context, r *run, b ContentBlock) ContentBlock {
	ctx, span := tracer.Start(ctx, "tool.execute", trace.WithAttributes(
		attribute.String("gen_ai.operation.name", "tool.execute"),
		attribute.String("gen_ai.tool.name", b.Name),
		attribute.String("gen_ai.tool.call.id", b.ID),
		attribute.String("warden.ticket.id", r.ticketID),
		attribute.String("warden.tool.input", string(b.Input)),
	))
	defer span.End()
	span.AddEvent("tool.request", trace.WithAttributes(attribute.String("tool.request.body", string(b.Input))))

	start := time.Now()
	result := ContentBlock{Type: "tool_result", ToolUseID: b.ID}

	tool, ok := e.registry.Get(b.Name)
	if !ok {
		result.Content = fmt.Sprintf("unknown tool: %s", b.Name)
		result.IsError = true
	} else if out, err := tool.Execute(ctx, b.Input); err != nil {
		e.logger.Warn(ctx, "tool execution failed", "ticket_id", r.ticketID, "tool", b.Name, "error", err)
		span.RecordError(err)
		result.Content = fmt.Sprintf("tool error: %v", err)
		result.IsError = true
	} else {
		result.Content = string(out)
	}
	dur := time.Since(start).Seconds()

	span.SetAttributes(attribute.Bool("warden.tool.is_error", result.IsError))
	span.AddEvent("tool.result", trace.WithAttributes(attribute.String("tool.result.body", result.Content)))
	if result.IsError {
		span.SetStatus(codes.Error, result.Content)
	}
	if e.hooks.OnToolCall != nil {
		e.hooks.OnToolCall(b.Name, dur, len(b.Input), len(result.Content), result.IsError)
	}
	return result
}

// call sends one request to the provider under the configured timeout.
func (e *DecisionEngine) call(ctx context.Context, r *run, phase string, req *LLMRequest) (*LLMResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, e.cfg.LLMTimeout)
	defer cancel()

	ctx, span := tracer.Start(ctx, "llm.call", trace.WithAttributes(
		attribute.String("gen_ai.operation.name", "llm.call"),
		attribute.Int("gen_ai.request.max_tokens", req.MaxTokens),
		attribute.String("warden.ticket.id", r.ticketID),
		attribute.String("warden.triage.phase", phase),
		attribute.Int("warden.chat.seq", r.seq),
	))
	defer span.End()
	r.seq++

	span.AddEvent("llm.request", trace.WithAttributes(
		attribute.Int("llm.request.messages", len(req.Messages)),
		attribute.Int("llm.request.tools", len(req.Tools)),
	))

	start := time.Now()
	resp, err := e.provider.Send(ctx, req)
	dur := time.Since(start).Seconds()

	if err == nil && resp == nil {
		err = errors.New("provider returned no response")
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		if e.hooks.OnLLMCall != nil {
			e.hooks.OnLLMCall(phase, 0, 0, dur, err)
		}
		return nil, err
	}

	r.inputTokens += resp.Usage.InputTokens
	r.outputTokens += resp.Usage.OutputTokens
	if resp.Model != "" {
		r.model = resp.Model
	}

	span.SetAttributes(
		attribute.String("gen_ai.response.model", resp.Model),
		attribute.String("gen_ai.response.finish_reason", string(resp.StopReason)),
		attribute.Int("gen_ai.usage.input_tokens", resp.Usage.InputTokens),
		attribute.Int("gen_ai.usage.output_tokens", resp.Usage.OutputTokens),
	)
	span.AddEvent("llm.response", trace.WithAttributes(
		attribute.String("llm.response.stop_reason", string(resp.StopReason)),
		attribute.Int("llm.response.blocks", len(resp.Content)),
	))
	if e.hooks.OnLLMCall != nil {
		e.hooks.OnLLMCall(phase, resp.Usage.InputTokens, resp.Usage.OutputTokens, dur, nil)
	}
	return resp, nil
}

// classificationPayload mirrors Classification with pointers so missing
// required keys can be told apart from zero values.
type classificationPayload struct {
	CanAutoResolve  *bool    `json:"can_auto_resolve"`
	Confidence      *float64 `json:"confidence"`
	SuggestedTeamID string   `json:"suggested_team_id"`
	Reason          string   `json:"reason"`
}

// parseClassification reads the record_triage tool input, or a JSON object
// in a text block when the model answered without calling the tool.
func parseClassification(blocks []ContentBlock) (Classification, error) {
	var raw []byte
	for _, b := range blocks {
		if b.Type == "tool_use" && b.Name == classifyToolName {
			raw = b.Input
			break
		}
	}
	if raw == nil {
		text := textOf(blocks)
		start, end := strings.Index(text, "{"), strings.LastIndex(text, "}")
		if start < 0 || end < start {
			return Classification{}, errors.New("no classification in response")
		}
		raw = []byte(text[start : end+1])
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	var p classificationPayload
	if err := dec.Decode(&p); err != nil {
		return Classification{}, fmt.Errorf("decode: %w", err)
	}
	if p.CanAutoResolve == nil {
		return Classification{}, errors.New("missing can_auto_resolve")
	}
	if p.Confidence == nil {
		return Classification{}, errors.New("missing confidence")
	}
	return Classification{
		CanAutoResolve:  *p.CanAutoResolve,
		Confidence:      *p.Confidence,
		SuggestedTeamID: strings.TrimSpace(p.SuggestedTeamID),
		Reason:          p.Reason,
	}, nil
}

// clampConfidence maps any value into [0, 1]. NaN becomes 0.
func clampConfidence(c float64) float64 {
	switch {
	case math.IsNaN(c), c < 0:
		return 0
	case c > 1:
		return 1
	}
	return c
}

func hasToolUse(blocks []ContentBlock) bool {
	for _, b := range blocks {
		if b.Type == "tool_use" {
			return true
		}
	}
	return false
}

func userText(s string) Message {
	return Message{Role: "user", Content: []ContentBlock{{Type: "text", Text: s}}}
}

var classifyTool = tools.ToolDef{
	Name:        classifyToolName,
	Description: "Record the triage verdict for the support ticket.",
	InputSchema: json.RawMessage(`{
  "type": "object",
  "properties": {
    "can_auto_resolve": {"type": "boolean", "description": "True if a complete, correct answer can be given without a human."},
    "confidence": {"type": "number", "minimum": 0, "maximum": 1, "description": "Confidence in the verdict, 0 to 1."},
    "suggested_team_id": {"type": "string", "description": "Team that should handle the ticket if a human is needed."},
    "reason": {"type": "string", "description": "One sentence explaining the verdict."}
  },
  "required": ["can_auto_resolve", "confidence"],
  "additionalProperties": false
}`),
}

const classifySystemPrompt = `You triage customer support tickets.

Decide whether the ticket can be fully resolved by an automatic reply, without
a human agent looking at the account or taking an action. Questions answered by
documentation, how-to steps and general product information usually can.
Billing disputes, bugs, outages, account changes and anything requiring access
to customer data cannot.

Record your verdict with the record_triage tool. Be conservative: when unsure,
set can_auto_resolve to false.`

const generateSystemPrompt = `You are a customer support agent writing a reply to a ticket.

Write a complete, friendly and accurate answer that resolves the customer's
issue. Use the knowledge base search tool when it is available to ground your
answer in documentation. Do not promise actions you cannot take. Reply with the
message text only.`

// buildTicketPrompt renders the ticket and its transcript for the model.
// Internal notes are labelled so the model never quotes them to the customer.
func buildTicketPrompt(in Input) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Ticket title: %s\n\nTicket description:\n%s\n", in.Title, in.Description)
	if len(in.Transcript) == 0 {
		return b.String()
	}
	b.WriteString("\nConversation so far (oldest first):\n")
	for _, r := range in.Transcript {
		speaker := "Customer or agent"
		if r.Type == ticket.ResponseAI {
			speaker = "Support (automatic)"
		}
		if r.IsInternal {
			speaker += " [internal note, not visible to the customer]"
		}
		fmt.Fprintf(&b, "\n--- %s at %s ---\n%s\n", speaker, r.CreatedAt.Format(time.RFC3339), r.Content)
	}
	return b.String()
}
