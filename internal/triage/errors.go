package triage

import (
	"errors"
	"fmt"

	"github.com/linnemanlabs/warden/internal/ticket"
)

// ErrInvalidTrigger is returned when a follow-up trigger does not reference
// a non-internal human response on the ticket.
var ErrInvalidTrigger = errors.New("invalid trigger")

// ClassificationError means the model's classification could not be obtained
// or did not have the expected shape.
type ClassificationError struct {
	Reason string
	Err    error
}

func (e *ClassificationError) Error() string {
	if e.Err == nil {
		return "classification failed: " + e.Reason
	}
	return fmt.Sprintf("classification failed: %s: %v", e.Reason, e.Err)
}

func (e *ClassificationError) Unwrap() error { return e.Err }

// GenerationError means no usable customer reply was produced.
type GenerationError struct {
	Reason string
	Err    error
}

func (e *GenerationError) Error() string {
	if e.Err == nil {
		return "response generation failed: " + e.Reason
	}
	return fmt.Sprintf("response generation failed: %s: %v", e.Reason, e.Err)
}

func (e *GenerationError) Unwrap() error { return e.Err }

// AssignmentWriteError means the routing decision could not be persisted.
type AssignmentWriteError struct {
	TicketID string
	Err      error
}

func (e *AssignmentWriteError) Error() string {
	return fmt.Sprintf("ticket %s: write assignment: %v", e.TicketID, e.Err)
}

func (e *AssignmentWriteError) Unwrap() error { return e.Err }

// ResponseWriteError means the AI response could not be persisted.
type ResponseWriteError struct {
	TicketID string
	Err      error
}

func (e *ResponseWriteError) Error() string {
	return fmt.Sprintf("ticket %s: write response: %v", e.TicketID, e.Err)
}

func (e *ResponseWriteError) Unwrap() error { return e.Err }

// HistoryWriteError means the primary effect was applied but its audit entry
// could not be written.
type HistoryWriteError struct {
	TicketID string
	Action   ticket.Action
	Err      error
}

func (e *HistoryWriteError) Error() string {
	return fmt.Sprintf("ticket %s: write %s history: %v", e.TicketID, e.Action, e.Err)
}

func (e *HistoryWriteError) Unwrap() error { return e.Err }

// Retryable reports whether a pipeline error is worth retrying later. Missing
// tickets and invalid triggers are not.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	return !errors.Is(err, ticket.ErrNotFound) && !errors.Is(err, ErrInvalidTrigger)
}
