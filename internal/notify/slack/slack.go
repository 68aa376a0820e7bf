// Package slack posts triage outcomes to a Slack incoming webhook.
package slack

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/warden/internal/routing"
	"github.com/linnemanlabs/warden/internal/triage"
)

const (
	maxReplyLen = 3000
	httpTimeout = 10 * time.Second
)

// Notifier is a triage.Notifier that posts to a Slack webhook.
type Notifier struct {
	webhookURL    string
	attentionOnly bool
	client        *http.Client
	logger        log.Logger
}

// New creates a Slack notifier. If webhookURL is empty, Notify is a no-op.
// With attentionOnly set, only degraded runs, fallback routing and runs
// missing their audit entry are posted.
func New(webhookURL string, attentionOnly bool, logger log.Logger) *Notifier {
	if logger == nil {
		logger = log.Nop()
	}
	return &Notifier{
		webhookURL:    webhookURL,
		attentionOnly: attentionOnly,
		client:        &http.Client{Timeout: httpTimeout},
		logger:        logger,
	}
}

// Notify posts one outcome.
func (n *Notifier) Notify(ctx context.Context, o *triage.Outcome) error {
	if n.webhookURL == "" || o == nil || o.Action == triage.OutcomeDuplicate {
		return nil
	}
	if n.attentionOnly && !needsAttention(o) {
		return nil
	}

	body, err := json.Marshal(buildMessage(o))
	if err != nil {
		return fmt.Errorf("slack: marshal message: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.webhookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("slack: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req) //nolint:gosec // G704: webhookURL is from trusted config, not user input
	if err != nil {
		return fmt.Errorf("slack: post webhook: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("slack: webhook returned %d: %s", resp.StatusCode, string(respBody))
	}
	n.logger.Info(ctx, "slack notification sent", "ticket_id", o.TicketID, "action", o.Action)
	return nil
}

func needsAttention(o *triage.Outcome) bool {
	if o.AuditWarning {
		return true
	}
	if o.Decision != nil && o.Decision.Degraded {
		return true
	}
	return o.Target != nil && o.Target.Source == routing.SourceDefault
}

func buildMessage(o *triage.Outcome) map[string]any {
	return map[string]any{
		"blocks": []map[string]any{
			headerBlock(o),
			{"type": "divider"},
			fieldsBlock(o),
			{"type": "divider"},
			bodyBlock(o),
			{"type": "divider"},
			contextBlock(o),
		},
	}
}

func headerBlock(o *triage.Outcome) map[string]any {
	var text string
	switch o.Action {
	case triage.OutcomeAutoResolved:
		text = fmt.Sprintf("%s Auto-replied: ticket %s", statusEmoji(o), o.TicketID)
	default:
		dest := "unassigned"
		if o.Target != nil {
			dest = o.Target.TeamID
			if o.Target.AgentID != "" {
				dest = "agent " + o.Target.AgentID
			}
		}
		text = fmt.Sprintf("%s Routed: ticket %s to %s", statusEmoji(o), o.TicketID, dest)
	}
	return map[string]any{
		"type": "header",
		"text": map[string]any{
			"type": "plain_text",
			"text": text,
		},
	}
}

func fieldsBlock(o *triage.Outcome) map[string]any {
	field := func(label string, v any) map[string]any {
		return map[string]any{"type": "mrkdwn", "text": fmt.Sprintf("*%s:* %v", label, v)}
	}

	fields := []map[string]any{
		field("Trigger", o.Trigger),
		field("Duration", fmt.Sprintf("%.1fs", o.Duration)),
	}
	if d := o.Decision; d != nil {
		fields = append(fields,
			field("Path", d.Path),
			field("Confidence", fmt.Sprintf("%.2f", d.Confidence)),
			field("Model", shortModel(d.Model)),
			field("Tokens", d.InputTokens+d.OutputTokens),
			field("Tool calls", d.ToolCalls),
		)
	}
	if t := o.Target; t != nil {
		src := string(t.Source)
		if t.RuleID != "" {
			src += " (" + t.RuleID + ")"
		}
		fields = append(fields, field("Routed by", src))
	}
	if o.AuditWarning {
		fields = append(fields, field("Audit", "history entry missing"))
	}

	return map[string]any{
		"type":   "section",
		"fields": fields,
	}
}

func bodyBlock(o *triage.Outcome) map[string]any {
	title, text := "Reason", ""
	if o.Decision != nil {
		text = o.Decision.Reason
	}
	if o.Response != nil {
		title, text = "Reply", o.Response.Content
		if o.Response.IsInternal {
			title = "Suggested reply (internal)"
		}
	}
	text = truncate(text, maxReplyLen)
	if text == "" {
		text = "_None given._"
	}
	return map[string]any{
		"type": "section",
		"text": map[string]any{
			"type": "mrkdwn",
			"text": fmt.Sprintf("*%s*\n\n%s", title, text),
		},
	}
}

func contextBlock(o *triage.Outcome) map[string]any {
	ts := time.Now()
	if o.History != nil {
		ts = o.History.CreatedAt
	}
	return map[string]any{
		"type": "context",
		"elements": []map[string]any{{
			"type": "mrkdwn",
			"text": fmt.Sprintf("warden • ticket %s • %s", o.TicketID, ts.UTC().Format("2006-01-02 15:04 UTC")),
		}},
	}
}

func statusEmoji(o *triage.Outcome) string {
	if needsAttention(o) {
		return "\U0001f534" // red circle
	}
	if o.Action == triage.OutcomeAutoResolved {
		return "\U0001f7e2" // green circle
	}
	return "\U0001f7e1" // yellow circle
}

// dateModelRe matches model names ending with a YYYYMMDD date suffix.
var dateModelRe = regexp.MustCompile(`-\d{8}$`)

func shortModel(model string) string {
	if model == "" {
		return "n/a"
	}
	return dateModelRe.ReplaceAllString(model, "")
}

func truncate(s string, limit int) string {
	s = strings.TrimSpace(s)
	if len(s) <= limit {
		return s
	}
	return s[:limit-3] + "..."
}
