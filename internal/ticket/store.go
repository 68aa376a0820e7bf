package ticket

import (
	"context"
	"errors"
)

// ErrNotFound is returned when a ticket or response does not exist.
var ErrNotFound = errors.New("not found")

// NewResponse carries the fields needed to append a response.
type NewResponse struct {
	TicketID   string
	Content    string
	Type       ResponseType
	IsInternal bool
	Metadata   map[string]any
}

// Store is the persistence interface the triage pipeline works against.
type Store interface {
	GetTicket(ctx context.Context, id string) (*Ticket, error)
	// GetResponses returns the transcript ordered by creation time, oldest first.
	GetResponses(ctx context.Context, ticketID string) ([]Response, error)
	InsertResponse(ctx context.Context, nr NewResponse) (*Response, error)
	// UpdateTicketAssignment sets the non-nil assignment fields and leaves
	// the others untouched. A pointer to "" clears the field.
	UpdateTicketAssignment(ctx context.Context, ticketID string, teamID, agentID *string) (*Ticket, error)
	AppendHistory(ctx context.Context, ticketID string, actorID *string, action Action, changes map[string]any) (*HistoryEntry, error)
	ListHistory(ctx context.Context, ticketID string) ([]HistoryEntry, error)
}
