package triageapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/go-chi/chi/v5"
	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/go-core/xerrors"
	"github.com/linnemanlabs/warden/internal/routing"
	"github.com/linnemanlabs/warden/internal/ticket"
	"github.com/linnemanlabs/warden/internal/triage"
)

// Pipeline is the trigger surface the API exposes.
type Pipeline interface {
	OnTicketCreated(ctx context.Context, ticketID string) (*triage.Outcome, error)
	OnHumanResponseAdded(ctx context.Context, ticketID, responseID string) (*triage.Outcome, error)
}

// HistoryReader lists a ticket's audit entries.
type HistoryReader interface {
	ListHistory(ctx context.Context, ticketID string) ([]ticket.HistoryEntry, error)
}

// RuleReloader swaps in the current routing rules.
type RuleReloader interface {
	Reload(ctx context.Context) error
	Rules() *routing.RuleSet
}

// API holds dependencies for HTTP handlers.
type API struct {
	logger   log.Logger
	pipeline Pipeline
	history  HistoryReader
	rules    RuleReloader
}

// New creates the API. history and rules may be nil, which disables their
// endpoints.
func New(logger log.Logger, pipeline Pipeline, history HistoryReader, rules RuleReloader) *API {
	if logger == nil {
		logger = log.Nop()
	}
	if pipeline == nil {
		panic(xerrors.New("triage pipeline is required"))
	}
	return &API{
		logger:   logger,
		pipeline: pipeline,
		history:  history,
		rules:    rules,
	}
}

// RegisterRoutes attaches API endpoints to the router.
func (a *API) RegisterRoutes(r chi.Router) {
	r.Route("/api/v1", func(r chi.Router) {
		r.Route("/tickets/{ticketID}", func(r chi.Router) {
			r.Post("/triage", a.handleTriageTicket)
			r.Post("/responses/{responseID}/triage", a.handleTriageResponse)
			if a.history != nil {
				r.Get("/history", a.handleListHistory)
			}
		})
		if a.rules != nil {
			r.Post("/rules/reload", a.handleReloadRules)
		}
	})
}

func (a *API) handleTriageTicket(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "ticketID")
	trace.SpanFromContext(r.Context()).SetAttributes(attribute.String("warden.ticket.id", id))

	out, err := a.pipeline.OnTicketCreated(r.Context(), id)
	a.writeOutcome(w, r, out, err)
}

func (a *API) handleTriageResponse(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "ticketID")
	rid := chi.URLParam(r, "responseID")
	trace.SpanFromContext(r.Context()).SetAttributes(
		attribute.String("warden.ticket.id", id),
		attribute.String("warden.response.id", rid),
	)

	out, err := a.pipeline.OnHumanResponseAdded(r.Context(), id, rid)
	a.writeOutcome(w, r, out, err)
}

func (a *API) writeOutcome(w http.ResponseWriter, r *http.Request, out *triage.Outcome, err error) {
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	span := trace.SpanFromContext(r.Context())
	span.SetAttributes(
		attribute.String("warden.triage.action", string(out.Action)),
		attribute.Bool("warden.triage.audit_warning", out.AuditWarning),
	)
	writeJSON(w, http.StatusOK, out)
}

func (a *API) handleListHistory(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "ticketID")
	trace.SpanFromContext(r.Context()).SetAttributes(attribute.String("warden.ticket.id", id))

	entries, err := a.history.ListHistory(r.Context(), id)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	if entries == nil {
		entries = []ticket.HistoryEntry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"history": entries})
}

func (a *API) handleReloadRules(w http.ResponseWriter, r *http.Request) {
	if err := a.rules.Reload(r.Context()); err != nil {
		a.logger.Error(r.Context(), err, "routing rule reload failed")
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "rule source unavailable"})
		return
	}
	rs := a.rules.Rules()
	writeJSON(w, http.StatusOK, map[string]any{"rules": rs.Len(), "ids": rs.IDs()})
}

// writeError maps pipeline errors onto status codes: unknown tickets are 404,
// triggers that can never succeed are 422 and everything else is 503 so the
// caller retries.
func (a *API) writeError(w http.ResponseWriter, r *http.Request, err error) {
	span := trace.SpanFromContext(r.Context())
	span.RecordError(err)

	switch {
	case errors.Is(err, ticket.ErrNotFound):
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "not found"})
	case errors.Is(err, triage.ErrInvalidTrigger):
		writeJSON(w, http.StatusUnprocessableEntity, map[string]string{"error": err.Error()})
	default:
		a.logger.Error(r.Context(), err, "triage request failed", "path", r.URL.Path)
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "triage unavailable, retry later"})
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
