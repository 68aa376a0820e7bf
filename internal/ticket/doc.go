// Package ticket defines the support ticket domain model shared by the triage
// pipeline and its stores: tickets, responses, audit history entries, and the
// Store interface the pipeline reads and writes through.
package ticket
