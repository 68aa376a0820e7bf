// Package triage decides what happens to a support ticket when it is created
// or a customer replies. The DecisionEngine asks the language model whether
// the ticket can be answered automatically and drafts the answer. The
// Pipeline serializes runs per ticket, applies the decision through a
// ticket.Store and routing.Engine, and writes the audit entry.
package triage
