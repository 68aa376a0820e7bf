// Package routing selects a destination team or agent for a ticket by
// evaluating configured routing rules. Rules are validated and compiled into
// typed conditions when they are loaded; evaluation only reads the compiled
// set, so a single RuleSet is safe to share across concurrent triage runs.
package routing
