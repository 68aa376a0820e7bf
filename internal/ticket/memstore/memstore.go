// Package memstore provides an in-memory implementation of ticket.Store,
// routing.Source and the triage trigger log.
package memstore

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/linnemanlabs/warden/internal/routing"
	"github.com/linnemanlabs/warden/internal/ticket"
)

// Store holds tickets, transcripts, audit history and routing rules in
// memory. Suitable for dev/testing.
type Store struct {
	mu        sync.RWMutex
	tickets   map[string]*ticket.Ticket
	responses map[string][]ticket.Response     // ticket ID -> transcript, oldest first
	history   map[string][]ticket.HistoryEntry // ticket ID -> audit entries
	rules     map[string]routing.Rule
	triggers  map[string]time.Time
	now       func() time.Time
}

// New initializes a new in-memory Store.
func New() *Store {
	return &Store{
		tickets:   make(map[string]*ticket.Ticket),
		responses: make(map[string][]ticket.Response),
		history:   make(map[string][]ticket.HistoryEntry),
		rules:     make(map[string]routing.Rule),
		triggers:  make(map[string]time.Time),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// PutTicket stores a copy of the ticket, assigning an ID if it has none.
func (s *Store) PutTicket(_ context.Context, t *ticket.Ticket) (*ticket.Ticket, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := copyTicket(t)
	if cp.ID == "" {
		cp.ID = ulid.Make().String()
	}
	now := s.now()
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = now
	}
	cp.UpdatedAt = now
	s.tickets[cp.ID] = cp
	return copyTicket(cp), nil
}

// AddResponse appends an existing response (for example a human reply) to a
// ticket's transcript.
func (s *Store) AddResponse(_ context.Context, r ticket.Response) (*ticket.Response, error) {
	if err := r.Validate(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tickets[r.TicketID]; !ok {
		return nil, fmt.Errorf("ticket %s: %w", r.TicketID, ticket.ErrNotFound)
	}
	if r.ID == "" {
		r.ID = ulid.Make().String()
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = s.now()
	}
	r.UpdatedAt = r.CreatedAt
	r.Metadata = maps.Clone(r.Metadata)
	s.responses[r.TicketID] = append(s.responses[r.TicketID], r)
	return &r, nil
}

// GetTicket returns a copy of the ticket.
func (s *Store) GetTicket(_ context.Context, id string) (*ticket.Ticket, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tickets[id]
	if !ok {
		return nil, fmt.Errorf("ticket %s: %w", id, ticket.ErrNotFound)
	}
	return copyTicket(t), nil
}

// GetResponses returns a copy of the transcript, oldest first.
func (s *Store) GetResponses(_ context.Context, ticketID string) ([]ticket.Response, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.tickets[ticketID]; !ok {
		return nil, fmt.Errorf("ticket %s: %w", ticketID, ticket.ErrNotFound)
	}
	out := make([]ticket.Response, len(s.responses[ticketID]))
	for i, r := range s.responses[ticketID] {
		r.Metadata = maps.Clone(r.Metadata)
		out[i] = r
	}
	return out, nil
}

// InsertResponse appends a system-authored response to the transcript.
func (s *Store) InsertResponse(_ context.Context, nr ticket.NewResponse) (*ticket.Response, error) {
	r := ticket.Response{
		TicketID:   nr.TicketID,
		Content:    nr.Content,
		Type:       nr.Type,
		IsInternal: nr.IsInternal,
		Metadata:   maps.Clone(nr.Metadata),
	}
	if err := r.Validate(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tickets[nr.TicketID]; !ok {
		return nil, fmt.Errorf("ticket %s: %w", nr.TicketID, ticket.ErrNotFound)
	}
	r.ID = ulid.Make().String()
	r.CreatedAt = s.now()
	r.UpdatedAt = r.CreatedAt
	s.responses[nr.TicketID] = append(s.responses[nr.TicketID], r)
	cp := r
	cp.Metadata = maps.Clone(r.Metadata)
	return &cp, nil
}

// UpdateTicketAssignment sets the non-nil assignment fields; "" clears one.
func (s *Store) UpdateTicketAssignment(_ context.Context, ticketID string, teamID, agentID *string) (*ticket.Ticket, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tickets[ticketID]
	if !ok {
		return nil, fmt.Errorf("ticket %s: %w", ticketID, ticket.ErrNotFound)
	}
	if teamID != nil {
		t.TeamID = assigned(*teamID)
	}
	if agentID != nil {
		t.AgentID = assigned(*agentID)
	}
	t.UpdatedAt = s.now()
	return copyTicket(t), nil
}

func assigned(id string) *string {
	if id == "" {
		return nil
	}
	return &id
}

// AppendHistory records an audit entry.
func (s *Store) AppendHistory(_ context.Context, ticketID string, actorID *string, action ticket.Action, changes map[string]any) (*ticket.HistoryEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tickets[ticketID]; !ok {
		return nil, fmt.Errorf("ticket %s: %w", ticketID, ticket.ErrNotFound)
	}
	h := ticket.HistoryEntry{
		ID:        ulid.Make().String(),
		TicketID:  ticketID,
		ActorID:   actorID,
		Action:    action,
		Changes:   maps.Clone(changes),
		CreatedAt: s.now(),
	}
	s.history[ticketID] = append(s.history[ticketID], h)
	cp := h
	cp.Changes = maps.Clone(h.Changes)
	return &cp, nil
}

// ListHistory returns the audit entries for a ticket, oldest first.
func (s *Store) ListHistory(_ context.Context, ticketID string) ([]ticket.HistoryEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.tickets[ticketID]; !ok {
		return nil, fmt.Errorf("ticket %s: %w", ticketID, ticket.ErrNotFound)
	}
	out := make([]ticket.HistoryEntry, len(s.history[ticketID]))
	for i, h := range s.history[ticketID] {
		h.Changes = maps.Clone(h.Changes)
		out[i] = h
	}
	return out, nil
}

// PutRule stores a routing rule, replacing any rule with the same ID. An ID
// is assigned if the rule has none.
func (s *Store) PutRule(_ context.Context, r routing.Rule) (routing.Rule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r.ID == "" {
		r.ID = ulid.Make().String()
	}
	now := s.now()
	if r.CreatedAt.IsZero() {
		r.CreatedAt = now
	}
	r.UpdatedAt = now
	r.Conditions = slices.Clone(r.Conditions)
	s.rules[r.ID] = r
	return r, nil
}

// ListActiveRules returns the active routing rules in no particular order.
func (s *Store) ListActiveRules(_ context.Context) ([]routing.Rule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]routing.Rule, 0, len(s.rules))
	for _, r := range s.rules {
		if r.IsActive {
			r.Conditions = slices.Clone(r.Conditions)
			out = append(out, r)
		}
	}
	return out, nil
}

// Seen reports whether a trigger key has been marked as processed.
func (s *Store) Seen(_ context.Context, key string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.triggers[key]
	return ok, nil
}

// Mark records a trigger key as processed.
func (s *Store) Mark(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.triggers[key]; !ok {
		s.triggers[key] = s.now()
	}
	return nil
}

func copyTicket(t *ticket.Ticket) *ticket.Ticket {
	cp := *t
	if t.TeamID != nil {
		v := *t.TeamID
		cp.TeamID = &v
	}
	if t.AgentID != nil {
		v := *t.AgentID
		cp.AgentID = &v
	}
	cp.Tags = slices.Clone(t.Tags)
	cp.Metadata = maps.Clone(t.Metadata)
	cp.CustomFields = maps.Clone(t.CustomFields)
	return &cp
}
