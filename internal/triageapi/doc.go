// Package triageapi exposes the triage pipeline over HTTP: manual
// triggers, the audit history of a ticket and routing rule reloads.
package triageapi
