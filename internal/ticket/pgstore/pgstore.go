// Package pgstore provides a PostgreSQL implementation of ticket.Store,
// routing.Source and the triage trigger log.
package pgstore

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/oklog/ulid/v2"

	"github.com/linnemanlabs/warden/internal/routing"
	"github.com/linnemanlabs/warden/internal/ticket"
)

var tracer = otel.Tracer("github.com/linnemanlabs/warden/internal/ticket/pgstore")

//go:embed schema.sql
var schema string

// Store persists tickets, transcripts, audit history, routing rules and
// processed triggers in PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

// New applies the schema on pool and returns a ready Store. The pool is
// owned by the caller.
func New(ctx context.Context, pool *pgxpool.Pool) (*Store, error) {
	if _, err := pool.Exec(ctx, schema); err != nil {
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{pool: pool}, nil
}

func startSpan(ctx context.Context, name, op string) (context.Context, trace.Span) {
	return tracer.Start(ctx, "pgstore."+name, trace.WithAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation.name", op),
	))
}

func fail(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}

const ticketColumns = `id, title, description, status, priority, source, team_id, assigned_agent_id,
	tags, metadata, custom_fields, created_at, updated_at`

// PutTicket inserts or replaces a ticket, assigning an ID if it has none.
func (s *Store) PutTicket(ctx context.Context, t *ticket.Ticket) (*ticket.Ticket, error) {
	ctx, span := startSpan(ctx, "PutTicket", "UPSERT")
	defer span.End()

	id := t.ID
	if id == "" {
		id = ulid.Make().String()
	}
	tags := t.Tags
	if tags == nil {
		tags = []string{}
	}

	row := s.pool.QueryRow(ctx, `INSERT INTO tickets (
		id, title, description, status, priority, source, team_id, assigned_agent_id,
		tags, metadata, custom_fields
	) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
	ON CONFLICT (id) DO UPDATE SET
		title             = EXCLUDED.title,
		description       = EXCLUDED.description,
		status            = EXCLUDED.status,
		priority          = EXCLUDED.priority,
		source            = EXCLUDED.source,
		team_id           = EXCLUDED.team_id,
		assigned_agent_id = EXCLUDED.assigned_agent_id,
		tags              = EXCLUDED.tags,
		metadata          = EXCLUDED.metadata,
		custom_fields     = EXCLUDED.custom_fields,
		updated_at        = now()
	RETURNING `+ticketColumns,
		id, t.Title, t.Description, string(t.Status), string(t.Priority), t.Source, t.TeamID, t.AgentID,
		tags, jsonObject(t.Metadata), jsonObject(t.CustomFields),
	)
	out, err := scanTicket(row)
	if err != nil {
		return nil, fail(span, fmt.Errorf("upsert ticket: %w", err))
	}
	return out, nil
}

// GetTicket retrieves a ticket by ID.
func (s *Store) GetTicket(ctx context.Context, id string) (*ticket.Ticket, error) {
	ctx, span := startSpan(ctx, "GetTicket", "SELECT")
	defer span.End()

	t, err := scanTicket(s.pool.QueryRow(ctx, `SELECT `+ticketColumns+` FROM tickets WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("ticket %s: %w", id, ticket.ErrNotFound)
	}
	if err != nil {
		return nil, fail(span, fmt.Errorf("get ticket: %w", err))
	}
	return t, nil
}

const responseColumns = `id, ticket_id, author_id, content, type, is_internal, metadata, created_at, updated_at`

// GetResponses returns the transcript of a ticket, oldest first.
func (s *Store) GetResponses(ctx context.Context, ticketID string) ([]ticket.Response, error) {
	ctx, span := startSpan(ctx, "GetResponses", "SELECT")
	defer span.End()

	rows, err := s.pool.Query(ctx,
		`SELECT `+responseColumns+` FROM ticket_responses WHERE ticket_id = $1 ORDER BY created_at, id`,
		ticketID,
	)
	if err != nil {
		return nil, fail(span, fmt.Errorf("query responses: %w", err))
	}
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (ticket.Response, error) {
		r, err := scanResponse(row)
		if err != nil {
			return ticket.Response{}, err
		}
		return *r, nil
	})
	if err != nil {
		return nil, fail(span, fmt.Errorf("scan responses: %w", err))
	}
	if len(out) == 0 {
		if err := s.requireTicket(ctx, ticketID); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// AddResponse stores an existing response, such as a human reply, verbatim.
func (s *Store) AddResponse(ctx context.Context, r ticket.Response) (*ticket.Response, error) {
	if err := r.Validate(); err != nil {
		return nil, err
	}
	if r.ID == "" {
		r.ID = ulid.Make().String()
	}
	return s.insertResponse(ctx, "AddResponse", &r)
}

// InsertResponse appends a system-authored response to the transcript.
func (s *Store) InsertResponse(ctx context.Context, nr ticket.NewResponse) (*ticket.Response, error) {
	r := &ticket.Response{
		ID:         ulid.Make().String(),
		TicketID:   nr.TicketID,
		Content:    nr.Content,
		Type:       nr.Type,
		IsInternal: nr.IsInternal,
		Metadata:   nr.Metadata,
	}
	if err := r.Validate(); err != nil {
		return nil, err
	}
	return s.insertResponse(ctx, "InsertResponse", r)
}

func (s *Store) insertResponse(ctx context.Context, name string, r *ticket.Response) (*ticket.Response, error) {
	ctx, span := startSpan(ctx, name, "INSERT")
	defer span.End()

	createdAt := r.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	row := s.pool.QueryRow(ctx, `INSERT INTO ticket_responses (
		id, ticket_id, author_id, content, type, is_internal, metadata, created_at, updated_at
	) SELECT $1::text, t.id, $2::text, $3::text, $4::text, $5::boolean, $6::jsonb, $7::timestamptz, $7::timestamptz
	  FROM tickets t WHERE t.id = $8
	RETURNING `+responseColumns,
		r.ID, r.AuthorID, r.Content, string(r.Type), r.IsInternal, jsonObject(r.Metadata), createdAt, r.TicketID,
	)
	out, err := scanResponse(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("ticket %s: %w", r.TicketID, ticket.ErrNotFound)
	}
	if err != nil {
		return nil, fail(span, fmt.Errorf("insert response: %w", err))
	}
	return out, nil
}

// UpdateTicketAssignment sets the non-nil assignment fields; "" clears one.
func (s *Store) UpdateTicketAssignment(ctx context.Context, ticketID string, teamID, agentID *string) (*ticket.Ticket, error) {
	ctx, span := startSpan(ctx, "UpdateTicketAssignment", "UPDATE")
	defer span.End()

	row := s.pool.QueryRow(ctx, `UPDATE tickets SET
		team_id           = CASE WHEN $2::text IS NULL THEN team_id ELSE NULLIF($2::text, '') END,
		assigned_agent_id = CASE WHEN $3::text IS NULL THEN assigned_agent_id ELSE NULLIF($3::text, '') END,
		updated_at        = now()
	WHERE id = $1
	RETURNING `+ticketColumns,
		ticketID, teamID, agentID,
	)
	t, err := scanTicket(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("ticket %s: %w", ticketID, ticket.ErrNotFound)
	}
	if err != nil {
		return nil, fail(span, fmt.Errorf("update assignment: %w", err))
	}
	return t, nil
}

// AppendHistory records an audit entry.
func (s *Store) AppendHistory(ctx context.Context, ticketID string, actorID *string, action ticket.Action, changes map[string]any) (*ticket.HistoryEntry, error) {
	ctx, span := startSpan(ctx, "AppendHistory", "INSERT")
	defer span.End()

	h := ticket.HistoryEntry{
		ID:       ulid.Make().String(),
		TicketID: ticketID,
		ActorID:  actorID,
		Action:   action,
		Changes:  changes,
	}
	err := s.pool.QueryRow(ctx,
		`INSERT INTO ticket_history (id, ticket_id, actor_id, action, changes)
		 SELECT $1::text, t.id, $2::text, $3::text, $4::jsonb FROM tickets t WHERE t.id = $5
		 RETURNING created_at`,
		h.ID, actorID, string(action), jsonObject(changes), ticketID,
	).Scan(&h.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("ticket %s: %w", ticketID, ticket.ErrNotFound)
	}
	if err != nil {
		return nil, fail(span, fmt.Errorf("insert history: %w", err))
	}
	return &h, nil
}

// ListHistory returns the audit entries for a ticket, oldest first.
func (s *Store) ListHistory(ctx context.Context, ticketID string) ([]ticket.HistoryEntry, error) {
	ctx, span := startSpan(ctx, "ListHistory", "SELECT")
	defer span.End()

	rows, err := s.pool.Query(ctx,
		`SELECT id, ticket_id, actor_id, action, changes, created_at
		 FROM ticket_history WHERE ticket_id = $1 ORDER BY created_at, id`,
		ticketID,
	)
	if err != nil {
		return nil, fail(span, fmt.Errorf("query history: %w", err))
	}
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (ticket.HistoryEntry, error) {
		var (
			h      ticket.HistoryEntry
			action string
		)
		err := row.Scan(&h.ID, &h.TicketID, &h.ActorID, &action, &h.Changes, &h.CreatedAt)
		h.Action = ticket.Action(action)
		return h, err
	})
	if err != nil {
		return nil, fail(span, fmt.Errorf("scan history: %w", err))
	}
	if len(out) == 0 {
		if err := s.requireTicket(ctx, ticketID); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// PutRule inserts or replaces a routing rule.
func (s *Store) PutRule(ctx context.Context, r routing.Rule) (routing.Rule, error) {
	ctx, span := startSpan(ctx, "PutRule", "UPSERT")
	defer span.End()

	if r.ID == "" {
		r.ID = ulid.Make().String()
	}
	conds := r.Conditions
	if conds == nil {
		conds = []routing.Condition{}
	}
	err := s.pool.QueryRow(ctx, `INSERT INTO routing_rules (
		id, name, team_id, is_active, priority, conditions, action, action_target
	) VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
	ON CONFLICT (id) DO UPDATE SET
		name          = EXCLUDED.name,
		team_id       = EXCLUDED.team_id,
		is_active     = EXCLUDED.is_active,
		priority      = EXCLUDED.priority,
		conditions    = EXCLUDED.conditions,
		action        = EXCLUDED.action,
		action_target = EXCLUDED.action_target,
		updated_at    = now()
	RETURNING created_at, updated_at`,
		r.ID, r.Name, r.TeamID, r.IsActive, r.Priority, conds, string(r.Action), r.ActionTarget,
	).Scan(&r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		return routing.Rule{}, fail(span, fmt.Errorf("upsert rule: %w", err))
	}
	return r, nil
}

// ListActiveRules returns the active routing rules.
func (s *Store) ListActiveRules(ctx context.Context) ([]routing.Rule, error) {
	ctx, span := startSpan(ctx, "ListActiveRules", "SELECT")
	defer span.End()

	rows, err := s.pool.Query(ctx,
		`SELECT id, name, team_id, is_active, priority, conditions, action, action_target, created_at, updated_at
		 FROM routing_rules WHERE is_active ORDER BY priority, id`,
	)
	if err != nil {
		return nil, fail(span, fmt.Errorf("query rules: %w", err))
	}
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (routing.Rule, error) {
		var (
			r      routing.Rule
			action string
		)
		err := row.Scan(&r.ID, &r.Name, &r.TeamID, &r.IsActive, &r.Priority, &r.Conditions,
			&action, &r.ActionTarget, &r.CreatedAt, &r.UpdatedAt)
		r.Action = routing.ActionType(action)
		return r, err
	})
	if err != nil {
		return nil, fail(span, fmt.Errorf("scan rules: %w", err))
	}
	span.SetAttributes(attribute.Int("routing.rules", len(out)))
	return out, nil
}

// Seen reports whether a trigger key has been marked as processed.
func (s *Store) Seen(ctx context.Context, key string) (bool, error) {
	ctx, span := startSpan(ctx, "Seen", "SELECT")
	defer span.End()

	var seen bool
	if err := s.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM triage_triggers WHERE key = $1)`, key).Scan(&seen); err != nil {
		return false, fail(span, fmt.Errorf("check trigger: %w", err))
	}
	return seen, nil
}

// Mark records a trigger key as processed. Marking twice is a no-op.
func (s *Store) Mark(ctx context.Context, key string) error {
	ctx, span := startSpan(ctx, "Mark", "INSERT")
	defer span.End()

	if _, err := s.pool.Exec(ctx, `INSERT INTO triage_triggers (key) VALUES ($1) ON CONFLICT (key) DO NOTHING`, key); err != nil {
		return fail(span, fmt.Errorf("mark trigger: %w", err))
	}
	return nil
}

func (s *Store) requireTicket(ctx context.Context, id string) error {
	var exists bool
	if err := s.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM tickets WHERE id = $1)`, id).Scan(&exists); err != nil {
		return fmt.Errorf("check ticket: %w", err)
	}
	if !exists {
		return fmt.Errorf("ticket %s: %w", id, ticket.ErrNotFound)
	}
	return nil
}

func scanTicket(row pgx.Row) (*ticket.Ticket, error) {
	var (
		t                ticket.Ticket
		status, priority string
	)
	err := row.Scan(&t.ID, &t.Title, &t.Description, &status, &priority, &t.Source, &t.TeamID, &t.AgentID,
		&t.Tags, &t.Metadata, &t.CustomFields, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return nil, err
	}
	t.Status = ticket.Status(status)
	t.Priority = ticket.Priority(priority)
	return &t, nil
}

func scanResponse(row pgx.Row) (*ticket.Response, error) {
	var (
		r   ticket.Response
		typ string
	)
	err := row.Scan(&r.ID, &r.TicketID, &r.AuthorID, &r.Content, &typ, &r.IsInternal, &r.Metadata, &r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		return nil, err
	}
	r.Type = ticket.ResponseType(typ)
	return &r, nil
}

// jsonObject keeps nil maps from being written as JSON null.
func jsonObject(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}
