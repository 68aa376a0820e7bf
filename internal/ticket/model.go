package ticket

import (
	"errors"
	"fmt"
	"time"
)

// Status tracks where a ticket is in its lifecycle.
type Status string

const (
	StatusNew      Status = "new"
	StatusOpen     Status = "open"
	StatusPending  Status = "pending"
	StatusResolved Status = "resolved"
	StatusClosed   Status = "closed"
)

// Priority is the urgency assigned to a ticket.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

// ResponseType distinguishes AI-authored responses from human ones.
type ResponseType string

const (
	ResponseAI    ResponseType = "ai"
	ResponseHuman ResponseType = "human"
)

// Action tags a history entry with the kind of change it records.
type Action string

const (
	ActionAddResponse Action = "add_response"
	ActionRoute       Action = "route"
	ActionUpdate      Action = "update"
)

// Ticket is a unit of customer support work.
type Ticket struct {
	ID           string         `json:"id"`
	Title        string         `json:"title"`
	Description  string         `json:"description"`
	Status       Status         `json:"status"`
	Priority     Priority       `json:"priority"`
	Source       string         `json:"source,omitempty"`
	TeamID       *string        `json:"team_id,omitempty"`
	AgentID      *string        `json:"assigned_agent_id,omitempty"`
	Tags         []string       `json:"tags,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
	CustomFields map[string]any `json:"custom_fields,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
}

// Assigned reports whether the ticket has a team or agent assignment.
func (t *Ticket) Assigned() bool {
	return (t.TeamID != nil && *t.TeamID != "") || (t.AgentID != nil && *t.AgentID != "")
}

// Response is one entry in a ticket's conversation transcript. A nil AuthorID
// means the response was written by the system.
type Response struct {
	ID         string         `json:"id"`
	TicketID   string         `json:"ticket_id"`
	AuthorID   *string        `json:"author_id,omitempty"`
	Content    string         `json:"content"`
	Type       ResponseType   `json:"type"`
	IsInternal bool           `json:"is_internal"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
	UpdatedAt  time.Time      `json:"updated_at"`
}

// Validate checks the response invariants that every store enforces.
func (r *Response) Validate() error {
	switch r.Type {
	case ResponseAI:
		if r.AuthorID != nil {
			return errors.New("ai response must not have an author")
		}
	case ResponseHuman:
	default:
		return fmt.Errorf("unknown response type %q", r.Type)
	}
	if r.TicketID == "" {
		return errors.New("response ticket id is required")
	}
	return nil
}

// HistoryEntry is an append-only audit record. A nil ActorID marks a system action.
type HistoryEntry struct {
	ID        string         `json:"id"`
	TicketID  string         `json:"ticket_id"`
	ActorID   *string        `json:"actor_id,omitempty"`
	Action    Action         `json:"action"`
	Changes   map[string]any `json:"changes"`
	CreatedAt time.Time      `json:"created_at"`
}
