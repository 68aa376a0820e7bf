package triage

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"strings"
	"sync"
	"testing"
	"time"

	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"pgregory.net/rapid"

	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/warden/internal/ticket"
	"github.com/linnemanlabs/warden/internal/tools"
)

const claudeTestModel = "claude-sonnet-4-20250514"

// mockProvider returns preconfigured responses in sequence and records requests.
type mockProvider struct {
	mu        sync.Mutex
	responses []*LLMResponse
	errs      []error
	reqs      []*LLMRequest
}

func (m *mockProvider) Send(_ context.Context, req *LLMRequest) (*LLMResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	idx := len(m.reqs)
	m.reqs = append(m.reqs, req)

	if idx < len(m.errs) && m.errs[idx] != nil {
		return nil, m.errs[idx]
	}
	if idx < len(m.responses) {
		return m.responses[idx], nil
	}
	return &LLMResponse{
		Content:    []ContentBlock{{Type: "text", Text: "fallback"}},
		StopReason: StopEnd,
		Usage:      Usage{InputTokens: 10, OutputTokens: 5},
		Model:      claudeTestModel,
	}, nil
}

func (m *mockProvider) calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.reqs)
}

func (m *mockProvider) request(i int) *LLMRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.reqs[i]
}

// blockingProvider waits for the context to end.
type blockingProvider struct{}

func (blockingProvider) Send(ctx context.Context, _ *LLMRequest) (*LLMResponse, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

// mockTool returns preconfigured Execute results.
type mockTool struct {
	name   string
	output json.RawMessage
	err    error
}

func (m *mockTool) Name() string                { return m.name }
func (m *mockTool) Description() string         { return "mock tool" }
func (m *mockTool) Parameters() json.RawMessage { return json.RawMessage(`{"type":"object"}`) }
func (m *mockTool) Execute(_ context.Context, _ json.RawMessage) (json.RawMessage, error) {
	return m.output, m.err
}

func classifyResp(input string) *LLMResponse {
	return &LLMResponse{
		Content:    []ContentBlock{{Type: "tool_use", ID: "cls-1", Name: classifyToolName, Input: json.RawMessage(input)}},
		StopReason: StopToolUse,
		Usage:      Usage{InputTokens: 300, OutputTokens: 40},
		Model:      claudeTestModel,
	}
}

func textResp(text string) *LLMResponse {
	return &LLMResponse{
		Content:    []ContentBlock{{Type: "text", Text: text}},
		StopReason: StopEnd,
		Usage:      Usage{InputTokens: 500, OutputTokens: 120},
		Model:      claudeTestModel,
	}
}

func testInput() Input {
	return Input{
		TicketID:    "tk-1",
		Title:       "How do I reset my password?",
		Description: "I forgot my password and cannot log in.",
	}
}

func newTestEngine(p Provider, reg *tools.Registry) *DecisionEngine {
	return NewDecisionEngine(p, reg, DecisionConfig{FallbackTeam: "team-support"}, log.Nop(), DecisionHooks{})
}

func TestDecide_AutoResolve(t *testing.T) {
	t.Parallel()

	provider := &mockProvider{responses: []*LLMResponse{
		classifyResp(`{"can_auto_resolve": true, "confidence": 0.92, "reason": "documented how-to"}`),
		textResp("Use the 'Forgot password' link on the login page."),
	}}

	d := newTestEngine(provider, nil).Decide(context.Background(), testInput())

	if !d.CanAutoResolve {
		t.Fatalf("CanAutoResolve = false, decision %+v", d)
	}
	if d.Confidence != 0.92 {
		t.Errorf("Confidence = %v, want 0.92", d.Confidence)
	}
	if d.Response != "Use the 'Forgot password' link on the login page." {
		t.Errorf("Response = %q", d.Response)
	}
	if d.Path != PathAutoResolve || d.Degraded {
		t.Errorf("Path = %q, Degraded = %v", d.Path, d.Degraded)
	}
	if d.InputTokens != 800 || d.OutputTokens != 160 {
		t.Errorf("tokens = %d/%d, want 800/160", d.InputTokens, d.OutputTokens)
	}
	if d.Model != claudeTestModel {
		t.Errorf("Model = %q", d.Model)
	}

	if got := provider.request(0).ToolChoice; got != classifyToolName {
		t.Errorf("classification ToolChoice = %q, want %q", got, classifyToolName)
	}
	if got := provider.request(1).ToolChoice; got != "" {
		t.Errorf("generation ToolChoice = %q, want empty", got)
	}
}

func TestDecide_NotResolvableRoutesWithSuggestion(t *testing.T) {
	t.Parallel()

	provider := &mockProvider{responses: []*LLMResponse{
		classifyResp(`{"can_auto_resolve": false, "confidence": 0.8, "suggested_team_id": "team-billing"}`),
	}}

	d := newTestEngine(provider, nil).Decide(context.Background(), testInput())

	if d.CanAutoResolve || d.Response != "" {
		t.Errorf("decision = %+v, want route without response", d)
	}
	if d.SuggestedTeamID != "team-billing" || d.Path != PathRoute {
		t.Errorf("SuggestedTeamID = %q, Path = %q", d.SuggestedTeamID, d.Path)
	}
	if provider.calls() != 1 {
		t.Errorf("provider calls = %d, want 1 (no generation)", provider.calls())
	}
}

func TestDecide_LowConfidenceRoutes(t *testing.T) {
	t.Parallel()

	provider := &mockProvider{responses: []*LLMResponse{
		classifyResp(`{"can_auto_resolve": true, "confidence": 0.55, "suggested_team_id": "team-identity"}`),
	}}

	d := newTestEngine(provider, nil).Decide(context.Background(), testInput())

	if d.CanAutoResolve {
		t.Fatal("low confidence decision was auto-resolved")
	}
	if d.Path != PathLowConfidence || d.SuggestedTeamID != "team-identity" || d.Confidence != 0.55 {
		t.Errorf("decision = %+v", d)
	}
	if provider.calls() != 1 {
		t.Errorf("provider calls = %d, want 1", provider.calls())
	}
}

func TestDecide_ClampsConfidence(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		input string
		want  float64
	}{
		{"above one", `{"can_auto_resolve": false, "confidence": 1.7}`, 1},
		{"below zero", `{"can_auto_resolve": false, "confidence": -0.3}`, 0},
		{"in range", `{"can_auto_resolve": false, "confidence": 0.4}`, 0.4},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			provider := &mockProvider{responses: []*LLMResponse{classifyResp(tt.input)}}
			d := newTestEngine(provider, nil).Decide(context.Background(), testInput())
			if d.Confidence != tt.want {
				t.Errorf("Confidence = %v, want %v", d.Confidence, tt.want)
			}
		})
	}
}

func TestDecide_DegradesOnFailure(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		provider *mockProvider
		input    Input
	}{
		{
			name:     "classification call fails",
			provider: &mockProvider{errs: []error{errors.New("503 overloaded")}},
			input:    testInput(),
		},
		{
			name:     "missing confidence",
			provider: &mockProvider{responses: []*LLMResponse{classifyResp(`{"can_auto_resolve": true}`)}},
			input:    testInput(),
		},
		{
			name:     "unknown field",
			provider: &mockProvider{responses: []*LLMResponse{classifyResp(`{"can_auto_resolve": true, "confidence": 0.9, "mood": "happy"}`)}},
			input:    testInput(),
		},
		{
			name:     "wrong type",
			provider: &mockProvider{responses: []*LLMResponse{classifyResp(`{"can_auto_resolve": "yes", "confidence": 0.9}`)}},
			input:    testInput(),
		},
		{
			name:     "no classification at all",
			provider: &mockProvider{responses: []*LLMResponse{textResp("I am not sure.")}},
			input:    testInput(),
		},
		{
			name: "generation call fails",
			provider: &mockProvider{
				responses: []*LLMResponse{classifyResp(`{"can_auto_resolve": true, "confidence": 0.95}`)},
				errs:      []error{nil, errors.New("connection reset")},
			},
			input: testInput(),
		},
		{
			name: "empty generation",
			provider: &mockProvider{responses: []*LLMResponse{
				classifyResp(`{"can_auto_resolve": true, "confidence": 0.95}`),
				textResp("   "),
			}},
			input: testInput(),
		},
		{
			name:     "empty description",
			provider: &mockProvider{},
			input:    Input{TicketID: "tk-2", Title: "Help"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			d := newTestEngine(tt.provider, nil).Decide(context.Background(), tt.input)
			if d.CanAutoResolve || d.Confidence != 0 || d.SuggestedTeamID != "team-support" {
				t.Errorf("decision = %+v, want {false, 0, team-support}", d)
			}
			if !d.Degraded || d.Path != PathDegraded {
				t.Errorf("Degraded = %v, Path = %q", d.Degraded, d.Path)
			}
			if d.Response != "" {
				t.Errorf("Response = %q, want empty", d.Response)
			}
		})
	}
}

func TestDecide_EmptyTicketSkipsModel(t *testing.T) {
	t.Parallel()

	provider := &mockProvider{}
	newTestEngine(provider, nil).Decide(context.Background(), Input{TicketID: "tk", Title: " ", Description: "x"})
	if provider.calls() != 0 {
		t.Errorf("provider calls = %d, want 0", provider.calls())
	}
}

func TestDecide_TimeoutDegrades(t *testing.T) {
	t.Parallel()

	e := NewDecisionEngine(blockingProvider{}, nil, DecisionConfig{
		FallbackTeam: "team-support",
		LLMTimeout:   20 * time.Millisecond,
	}, log.Nop(), DecisionHooks{})

	start := time.Now()
	d := e.Decide(context.Background(), testInput())
	if time.Since(start) > 2*time.Second {
		t.Fatal("Decide did not honor the LLM timeout")
	}
	if !d.Degraded || d.SuggestedTeamID != "team-support" {
		t.Errorf("decision = %+v, want degraded to team-support", d)
	}
}

func TestClassify_TextFallback(t *testing.T) {
	t.Parallel()

	provider := &mockProvider{responses: []*LLMResponse{
		textResp("Here is my verdict:\n{\"can_auto_resolve\": false, \"confidence\": 0.6, \"suggested_team_id\": \"team-tech\"}"),
	}}

	c, err := newTestEngine(provider, nil).Classify(context.Background(), testInput())
	if err != nil {
		t.Fatalf("Classify: %v", err)
	}
	if c.CanAutoResolve || c.Confidence != 0.6 || c.SuggestedTeamID != "team-tech" {
		t.Errorf("classification = %+v", c)
	}
}

func TestClassify_ReturnsClassificationError(t *testing.T) {
	t.Parallel()

	provider := &mockProvider{errs: []error{errors.New("boom")}}
	_, err := newTestEngine(provider, nil).Classify(context.Background(), testInput())

	var ce *ClassificationError
	if !errors.As(err, &ce) {
		t.Fatalf("err = %v, want *ClassificationError", err)
	}
	if !strings.Contains(err.Error(), "boom") {
		t.Errorf("error %q does not carry the cause", err)
	}
}

func TestGenerate_ToolLoop(t *testing.T) {
	t.Parallel()

	registry := tools.NewRegistry()
	registry.Register(&mockTool{name: "kb_search", output: json.RawMessage(`{"results":[{"title":"Reset your password"}]}`)})

	provider := &mockProvider{responses: []*LLMResponse{
		{
			Content:    []ContentBlock{{Type: "tool_use", ID: "t-1", Name: "kb_search", Input: json.RawMessage(`{"query":"reset password"}`)}},
			StopReason: StopToolUse,
		},
		textResp("Follow the steps in 'Reset your password'."),
	}}

	text, err := newTestEngine(provider, registry).Generate(context.Background(), testInput())
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if text != "Follow the steps in 'Reset your password'." {
		t.Errorf("text = %q", text)
	}

	second := provider.request(1)
	if len(second.Messages) != 3 {
		t.Fatalf("second request messages = %d, want 3", len(second.Messages))
	}
	result := second.Messages[2].Content[0]
	if result.Type != "tool_result" || result.ToolUseID != "t-1" || result.IsError {
		t.Errorf("tool result block = %+v", result)
	}
}

func TestGenerate_UnknownToolAndErrors(t *testing.T) {
	t.Parallel()

	registry := tools.NewRegistry()
	registry.Register(&mockTool{name: "kb_search", err: errors.New("kb unavailable")})

	provider := &mockProvider{responses: []*LLMResponse{
		{
			Content: []ContentBlock{
				{Type: "tool_use", ID: "t-1", Name: "kb_search", Input: json.RawMessage(`{}`)},
				{Type: "tool_use", ID: "t-2", Name: "nonexistent", Input: json.RawMessage(`{}`)},
			},
			StopReason: StopToolUse,
		},
		textResp("Answer without the knowledge base."),
	}}

	if _, err := newTestEngine(provider, registry).Generate(context.Background(), testInput()); err != nil {
		t.Fatalf("Generate: %v", err)
	}

	results := provider.request(1).Messages[2].Content
	if len(results) != 2 {
		t.Fatalf("tool results = %d, want 2", len(results))
	}
	for _, r := range results {
		if !r.IsError {
			t.Errorf("result %s IsError = false, want true", r.ToolUseID)
		}
	}
	if !strings.Contains(results[1].Content, "unknown tool") {
		t.Errorf("unknown tool result = %q", results[1].Content)
	}
}

func TestGenerate_ToolBudget(t *testing.T) {
	t.Parallel()

	registry := tools.NewRegistry()
	registry.Register(&mockTool{name: "kb_search", output: json.RawMessage(`{"results":[]}`)})

	toolCall := &LLMResponse{
		Content:    []ContentBlock{{Type: "tool_use", ID: "t", Name: "kb_search", Input: json.RawMessage(`{"query":"x"}`)}},
		StopReason: StopToolUse,
	}
	provider := &mockProvider{responses: []*LLMResponse{toolCall, textResp("final")}}

	e := NewDecisionEngine(provider, registry, DecisionConfig{FallbackTeam: "team-support", MaxToolRounds: 1}, log.Nop(), DecisionHooks{})
	text, err := e.Generate(context.Background(), testInput())
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if text != "final" {
		t.Errorf("text = %q, want final", text)
	}
	if len(provider.request(0).Tools) != 1 {
		t.Errorf("first request tools = %d, want 1", len(provider.request(0).Tools))
	}
	if len(provider.request(1).Tools) != 0 {
		t.Errorf("tools offered after budget exhausted: %d", len(provider.request(1).Tools))
	}
}

func TestGenerate_EmptyTextIsGenerationError(t *testing.T) {
	t.Parallel()

	provider := &mockProvider{responses: []*LLMResponse{textResp("")}}
	_, err := newTestEngine(provider, nil).Generate(context.Background(), testInput())

	var ge *GenerationError
	if !errors.As(err, &ge) {
		t.Fatalf("err = %v, want *GenerationError", err)
	}
}

func TestNewDecisionEngine_RequiresFallbackTeam(t *testing.T) {
	t.Parallel()

	defer func() {
		if recover() == nil {
			t.Fatal("expected panic for empty fallback team")
		}
	}()
	NewDecisionEngine(&mockProvider{}, nil, DecisionConfig{}, log.Nop(), DecisionHooks{})
}

func TestBuildTicketPrompt(t *testing.T) {
	t.Parallel()

	author := "user-1"
	in := testInput()
	in.Transcript = []ticket.Response{
		{ID: "r1", AuthorID: &author, Content: "Still broken", Type: ticket.ResponseHuman},
		{ID: "r2", AuthorID: &author, Content: "Checked logs, SSO misconfigured", Type: ticket.ResponseHuman, IsInternal: true},
		{ID: "r3", Content: "Try clearing cookies", Type: ticket.ResponseAI},
	}

	p := buildTicketPrompt(in)
	for _, want := range []string{in.Title, in.Description, "Still broken", "[internal note", "Support (automatic)"} {
		if !strings.Contains(p, want) {
			t.Errorf("prompt missing %q", want)
		}
	}
	if strings.Index(p, "Still broken") > strings.Index(p, "Try clearing cookies") {
		t.Error("transcript not rendered oldest first")
	}
}

func TestDecide_HooksCalled(t *testing.T) {
	t.Parallel()

	registry := tools.NewRegistry()
	registry.Register(&mockTool{name: "kb_search", output: json.RawMessage(`{"results":[]}`)})

	provider := &mockProvider{responses: []*LLMResponse{
		classifyResp(`{"can_auto_resolve": true, "confidence": 0.9}`),
		{
			Content:    []ContentBlock{{Type: "tool_use", ID: "t-1", Name: "kb_search", Input: json.RawMessage(`{"query":"x"}`)}},
			StopReason: StopToolUse,
			Usage:      Usage{InputTokens: 100, OutputTokens: 20},
		},
		textResp("done"),
	}}

	var (
		mu        sync.Mutex
		phases    []string
		tokensIn  int
		toolNames []string
		decisions []string
	)
	hooks := DecisionHooks{
		OnLLMCall: func(phase string, in, _ int, _ float64, _ error) {
			mu.Lock()
			defer mu.Unlock()
			phases = append(phases, phase)
			tokensIn += in
		},
		OnToolCall: func(name string, _ float64, _, _ int, _ bool) {
			mu.Lock()
			defer mu.Unlock()
			toolNames = append(toolNames, name)
		},
		OnDecision: func(d *Decision) {
			mu.Lock()
			defer mu.Unlock()
			decisions = append(decisions, d.Path)
		},
	}

	e := NewDecisionEngine(provider, registry, DecisionConfig{FallbackTeam: "team-support"}, log.Nop(), hooks)
	d := e.Decide(context.Background(), testInput())
	if !d.CanAutoResolve {
		t.Fatalf("decision = %+v", d)
	}

	mu.Lock()
	defer mu.Unlock()
	if strings.Join(phases, ",") != "classify,generate,generate" {
		t.Errorf("phases = %v", phases)
	}
	if tokensIn != 900 {
		t.Errorf("tokens in = %d, want 900", tokensIn)
	}
	if len(toolNames) != 1 || toolNames[0] != "kb_search" {
		t.Errorf("tools = %v", toolNames)
	}
	if len(decisions) != 1 || decisions[0] != PathAutoResolve {
		t.Errorf("decisions = %v", decisions)
	}
	if d.ToolCalls != 1 {
		t.Errorf("ToolCalls = %d, want 1", d.ToolCalls)
	}
}

func TestDecide_CreatesSpans(t *testing.T) {
	// Not parallel: swaps the global OTel tracer provider.

	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))
	defer func() { _ = tp.Shutdown(context.Background()) }()

	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	defer otel.SetTracerProvider(prev)

	registry := tools.NewRegistry()
	registry.Register(&mockTool{name: "kb_search", output: json.RawMessage(`{"ok":true}`)})

	provider := &mockProvider{responses: []*LLMResponse{
		classifyResp(`{"can_auto_resolve": true, "confidence": 0.9}`),
		{
			Content:    []ContentBlock{{Type: "tool_use", ID: "c-1", Name: "kb_search", Input: json.RawMessage(`{"q":"x"}`)}},
			StopReason: StopToolUse,
			Model:      claudeTestModel,
		},
		textResp("done"),
	}}

	newTestEngine(provider, registry).Decide(context.Background(), testInput())

	counts := make(map[string]int)
	for _, s := range exporter.GetSpans() {
		counts[s.Name]++
		attrs := make(map[string]any)
		for _, a := range s.Attributes {
			attrs[string(a.Key)] = a.Value.AsInterface()
		}
		switch s.Name {
		case "llm.call":
			if attrs["gen_ai.operation.name"] != "llm.call" {
				t.Errorf("llm.call gen_ai.operation.name = %v", attrs["gen_ai.operation.name"])
			}
			if attrs["gen_ai.response.model"] != claudeTestModel {
				t.Errorf("llm.call gen_ai.response.model = %v", attrs["gen_ai.response.model"])
			}
			if attrs["warden.ticket.id"] != "tk-1" {
				t.Errorf("llm.call warden.ticket.id = %v", attrs["warden.ticket.id"])
			}
		case "tool.execute":
			if attrs["gen_ai.tool.name"] != "kb_search" {
				t.Errorf("tool span gen_ai.tool.name = %v", attrs["gen_ai.tool.name"])
			}
			if attrs["warden.tool.is_error"] != false {
				t.Errorf("tool span warden.tool.is_error = %v", attrs["warden.tool.is_error"])
			}
			if attrs["warden.tool.input"] != `{"q":"x"}` {
				t.Errorf("tool span warden.tool.input = %v", attrs["warden.tool.input"])
			}
		}
	}

	if counts["llm.call"] != 3 {
		t.Errorf("llm.call spans = %d, want 3", counts["llm.call"])
	}
	if counts["tool.execute"] != 1 {
		t.Errorf("tool.execute spans = %d, want 1", counts["tool.execute"])
	}
}

func TestClampConfidence(t *testing.T) {
	t.Parallel()

	if got := clampConfidence(math.NaN()); got != 0 {
		t.Errorf("clamp(NaN) = %v, want 0", got)
	}
	if got := clampConfidence(math.Inf(1)); got != 1 {
		t.Errorf("clamp(+Inf) = %v, want 1", got)
	}
}

func TestProperty_ClampConfidence(t *testing.T) {
	t.Parallel()

	rapid.Check(t, func(rt *rapid.T) {
		c := rapid.Float64().Draw(rt, "c")
		got := clampConfidence(c)
		if got < 0 || got > 1 {
			rt.Fatalf("clamp(%v) = %v, outside [0,1]", c, got)
		}
		if c >= 0 && c <= 1 && got != c {
			rt.Fatalf("clamp(%v) = %v, changed an in-range value", c, got)
		}
	})
}

// Whatever the model says, a decision has a confidence in [0,1], an
// auto-resolved decision carries a reply, and a degraded one routes to the
// fallback team with zero confidence.
func TestProperty_DecisionInvariants(t *testing.T) {
	t.Parallel()

	rapid.Check(t, func(rt *rapid.T) {
		payload, _ := json.Marshal(map[string]any{
			"can_auto_resolve": rapid.Bool().Draw(rt, "can"),
			"confidence":       rapid.Float64Range(-5, 5).Draw(rt, "conf"),
		})
		reply := rapid.SampledFrom([]string{"", "  ", "Here is how to fix it."}).Draw(rt, "reply")
		fail := rapid.Bool().Draw(rt, "fail")

		p := &mockProvider{responses: []*LLMResponse{classifyResp(string(payload)), textResp(reply)}}
		if fail {
			p.errs = []error{errors.New("provider down")}
		}

		d := newTestEngine(p, nil).Decide(context.Background(), testInput())
		if d.Confidence < 0 || d.Confidence > 1 {
			rt.Fatalf("confidence %v outside [0,1]", d.Confidence)
		}
		if d.CanAutoResolve && strings.TrimSpace(d.Response) == "" {
			rt.Fatal("auto-resolved decision without a reply")
		}
		if !d.CanAutoResolve && d.Response != "" {
			rt.Fatal("routed decision carries a reply")
		}
		if d.Degraded && (d.Confidence != 0 || d.SuggestedTeamID != "team-support") {
			rt.Fatalf("degraded decision = %+v", d)
		}
	})
}
