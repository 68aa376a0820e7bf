package triageapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/warden/internal/routing"
	"github.com/linnemanlabs/warden/internal/ticket"
	"github.com/linnemanlabs/warden/internal/ticket/memstore"
	"github.com/linnemanlabs/warden/internal/triage"
)

type fixedDecider struct{ d triage.Decision }

func (f fixedDecider) Decide(context.Context, triage.Input) triage.Decision { return f.d }

type stubPipeline struct{ err error }

func (s stubPipeline) OnTicketCreated(context.Context, string) (*triage.Outcome, error) {
	return nil, s.err
}

func (s stubPipeline) OnHumanResponseAdded(context.Context, string, string) (*triage.Outcome, error) {
	return nil, s.err
}

type testEnv struct {
	router chi.Router
	store  *memstore.Store
	rules  *routing.Engine
}

func newTestEnv(t *testing.T, d triage.Decision) *testEnv {
	t.Helper()
	ctx := context.Background()
	store := memstore.New()
	if _, err := store.PutTicket(ctx, &ticket.Ticket{ID: "tk-1", Title: "Refund request", Status: ticket.StatusNew, Priority: ticket.PriorityHigh}); err != nil {
		t.Fatalf("PutTicket: %v", err)
	}
	if _, err := store.PutRule(ctx, routing.Rule{
		ID: "high", IsActive: true, Priority: 1,
		Conditions:   []routing.Condition{{Field: "priority", Operator: routing.OpEquals, Value: "high"}},
		Action:       routing.ActionAssignTeam,
		ActionTarget: "team-escalations",
	}); err != nil {
		t.Fatalf("PutRule: %v", err)
	}

	rules := routing.NewEngine(store, nil, "team-support", log.Nop(), routing.Hooks{})
	p := triage.NewPipeline(store, fixedDecider{d}, rules, log.Nop())

	r := chi.NewRouter()
	New(nil, p, store, rules).RegisterRoutes(r)
	return &testEnv{router: r, store: store, rules: rules}
}

func do(t *testing.T, r http.Handler, method, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	return rec
}

func TestNew_NilPipeline_Panics(t *testing.T) {
	t.Parallel()

	defer func() {
		if r := recover(); r == nil {
			t.Fatal("New with nil pipeline did not panic")
		}
	}()
	New(nil, nil, nil, nil)
}

func TestNew_NilLogger(t *testing.T) {
	t.Parallel()

	a := New(nil, stubPipeline{}, nil, nil)
	if a.logger == nil {
		t.Fatal("New left logger nil; expected Nop logger")
	}
}

func TestTriageTicket_Routes(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, triage.Decision{Confidence: 0.3, SuggestedTeamID: "team-billing", Path: triage.PathRoute})
	if err := env.rules.Reload(context.Background()); err != nil {
		t.Fatalf("Reload: %v", err)
	}

	rec := do(t, env.router, http.MethodPost, "/api/v1/tickets/tk-1/triage")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q", ct)
	}

	var out triage.Outcome
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.Action != triage.OutcomeRouted || out.Target == nil || out.Target.TeamID != "team-escalations" {
		t.Errorf("outcome = %+v", out)
	}
}

func TestTriageResponse_AutoResolves(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, triage.Decision{CanAutoResolve: true, Confidence: 0.9, Response: "Refund issued.", Path: triage.PathAutoResolve})
	author := "cust-1"
	resp, err := env.store.AddResponse(context.Background(), ticket.Response{TicketID: "tk-1", AuthorID: &author, Content: "any update?", Type: ticket.ResponseHuman})
	if err != nil {
		t.Fatalf("AddResponse: %v", err)
	}

	rec := do(t, env.router, http.MethodPost, fmt.Sprintf("/api/v1/tickets/tk-1/responses/%s/triage", resp.ID))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body)
	}
	var out triage.Outcome
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.Action != triage.OutcomeAutoResolved || out.Response == nil || out.Response.Content != "Refund issued." {
		t.Errorf("outcome = %+v", out)
	}
}

func TestTriage_ErrorStatus(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, triage.Decision{SuggestedTeamID: "team-billing"})

	tests := []struct {
		name string
		path string
		want int
	}{
		{"unknown ticket", "/api/v1/tickets/nope/triage", http.StatusNotFound},
		{"unknown response", "/api/v1/tickets/tk-1/responses/nope/triage", http.StatusUnprocessableEntity},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if rec := do(t, env.router, http.MethodPost, tt.path); rec.Code != tt.want {
				t.Errorf("status = %d, want %d (body %s)", rec.Code, tt.want, rec.Body)
			}
		})
	}
}

func TestTriage_RetryableErrorIs503(t *testing.T) {
	t.Parallel()

	r := chi.NewRouter()
	New(nil, stubPipeline{err: &triage.AssignmentWriteError{TicketID: "tk-1", Err: errors.New("conn reset")}}, nil, nil).RegisterRoutes(r)

	rec := do(t, r, http.MethodPost, "/api/v1/tickets/tk-1/triage")
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", rec.Code)
	}
}

func TestRegisterRoutes_MethodsAndOptionalEndpoints(t *testing.T) {
	t.Parallel()

	r := chi.NewRouter()
	New(nil, stubPipeline{}, nil, nil).RegisterRoutes(r)

	tests := []struct {
		name   string
		method string
		path   string
		want   int
	}{
		{"GET triage not allowed", http.MethodGet, "/api/v1/tickets/tk-1/triage", http.StatusMethodNotAllowed},
		{"history disabled", http.MethodGet, "/api/v1/tickets/tk-1/history", http.StatusNotFound},
		{"reload disabled", http.MethodPost, "/api/v1/rules/reload", http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if rec := do(t, r, tt.method, tt.path); rec.Code != tt.want {
				t.Errorf("%s %s = %d, want %d", tt.method, tt.path, rec.Code, tt.want)
			}
		})
	}
}

func TestListHistory(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, triage.Decision{SuggestedTeamID: "team-billing", Path: triage.PathRoute})

	rec := do(t, env.router, http.MethodGet, "/api/v1/tickets/tk-1/history")
	if rec.Code != http.StatusOK || rec.Body.String() != "{\"history\":[]}\n" {
		t.Fatalf("empty history = %d %s", rec.Code, rec.Body)
	}

	if rec := do(t, env.router, http.MethodPost, "/api/v1/tickets/tk-1/triage"); rec.Code != http.StatusOK {
		t.Fatalf("triage status = %d", rec.Code)
	}

	rec = do(t, env.router, http.MethodGet, "/api/v1/tickets/tk-1/history")
	var body struct {
		History []ticket.HistoryEntry `json:"history"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(body.History) != 1 || body.History[0].Action != ticket.ActionRoute || body.History[0].ActorID != nil {
		t.Errorf("history = %+v", body.History)
	}

	if rec := do(t, env.router, http.MethodGet, "/api/v1/tickets/nope/history"); rec.Code != http.StatusNotFound {
		t.Errorf("unknown ticket history = %d, want 404", rec.Code)
	}
}

func TestReloadRules(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, triage.Decision{})

	rec := do(t, env.router, http.MethodPost, "/api/v1/rules/reload")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body)
	}
	var body struct {
		Rules int      `json:"rules"`
		IDs   []string `json:"ids"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Rules != 1 || len(body.IDs) != 1 || body.IDs[0] != "high" {
		t.Errorf("body = %+v", body)
	}
}
