package cfg

import (
	"errors"
	"flag"
	"fmt"
	"math"
	"net/url"
	"strings"
	"time"

	"github.com/linnemanlabs/warden/internal/routing"
	"github.com/linnemanlabs/warden/internal/tools"
)

// lockMargin covers the store reads and writes around a decision.
const lockMargin = 30 * time.Second

// Config holds the application settings. go-core packages register their
// own flags alongside these.
type Config struct {
	DrainSeconds          int
	ShutdownBudgetSeconds int
	APIPort               int
	APIToken              string

	ClaudeAPIKey             string
	ClaudeModel              string
	LLMTimeoutSeconds        int
	MinAutoResolveConfidence float64
	MaxToolRounds            int
	KnowledgeBaseURL         string
	KnowledgeBaseToken       string

	FallbackTeamID             string
	AutoReplyVisibleOnCreate   bool
	AutoReplyVisibleOnFollowUp bool
	DedupTriggers              bool

	RulesFile           string
	RulesRefreshSeconds int
	CustomFields        string

	DatabaseURL string

	RedisAddr       string
	RedisPassword   string
	RedisDB         int
	LockTTLSeconds  int
	TriggerTTLHours int

	AMQPURL      string
	AMQPExchange string
	AMQPQueue    string
	AMQPPrefetch int

	SlackWebhookURL    string
	SlackAttentionOnly bool
}

// RegisterFlags binds Config fields to the given FlagSet with defaults inline
func (c *Config) RegisterFlags(fs *flag.FlagSet) {
	fs.IntVar(&c.DrainSeconds, "drain-seconds", 60, "seconds to wait for in-flight requests to drain before shutdown (1..300)")
	fs.IntVar(&c.ShutdownBudgetSeconds, "shutdown-budget-seconds", 90, "total seconds for component shutdown after drain (1..300)")
	fs.IntVar(&c.APIPort, "http-port", 8080, "API listen TCP port (1..65535)")
	fs.StringVar(&c.APIToken, "api-token", "", "bearer token required on /api routes (comma-separated for rotation, empty = no auth)")

	fs.StringVar(&c.ClaudeAPIKey, "claude-api-key", "", "API key for accessing the Claude LLM provider")
	fs.StringVar(&c.ClaudeModel, "claude-model", "claude-sonnet-4-20250514", "Claude model to use")
	fs.IntVar(&c.LLMTimeoutSeconds, "llm-timeout-seconds", 30, "timeout for a single model call (1..300)")
	fs.Float64Var(&c.MinAutoResolveConfidence, "min-auto-resolve-confidence", 0.7, "confidence needed before replying automatically (0..1]")
	fs.IntVar(&c.MaxToolRounds, "max-tool-rounds", 4, "maximum tool calls while drafting a reply (0..20)")
	fs.StringVar(&c.KnowledgeBaseURL, "kb-endpoint", "", "knowledge base search endpoint offered to the model as a tool (empty = disabled)")
	fs.StringVar(&c.KnowledgeBaseToken, "kb-token", "", "bearer token for the knowledge base endpoint")

	fs.StringVar(&c.FallbackTeamID, "fallback-team-id", "", "team that receives tickets no rule or suggestion places")
	fs.BoolVar(&c.AutoReplyVisibleOnCreate, "auto-reply-visible-on-create", true, "show automatic replies to new tickets to the customer")
	fs.BoolVar(&c.AutoReplyVisibleOnFollowUp, "auto-reply-visible-on-followup", false, "show automatic replies to follow-ups to the customer")
	fs.BoolVar(&c.DedupTriggers, "dedup-triggers", true, "skip triggers that were already applied")

	fs.StringVar(&c.RulesFile, "rules-file", "", "YAML routing rules file (empty = rules from the database)")
	fs.IntVar(&c.RulesRefreshSeconds, "rules-refresh-seconds", 60, "routing rule reload interval (0 = only at start and on demand)")
	fs.StringVar(&c.CustomFields, "custom-fields", "", "custom ticket field types, e.g. plan:select,seats:number")

	fs.StringVar(&c.DatabaseURL, "database-url", "", "PostgreSQL connection URL (empty = in-memory store)")

	fs.StringVar(&c.RedisAddr, "redis-addr", "", "Redis address for ticket locks and trigger dedup across instances (empty = in-process)")
	fs.StringVar(&c.RedisPassword, "redis-password", "", "Redis password")
	fs.IntVar(&c.RedisDB, "redis-db", 0, "Redis database number")
	fs.IntVar(&c.LockTTLSeconds, "lock-ttl-seconds", 300, "expiry of a ticket lock held by a crashed instance (must exceed the worst-case decision time)")
	fs.IntVar(&c.TriggerTTLHours, "trigger-ttl-hours", 24*7, "how long processed triggers are remembered in Redis")

	fs.StringVar(&c.AMQPURL, "amqp-url", "", "RabbitMQ URL for ticket events (empty = HTTP triggers only)")
	fs.StringVar(&c.AMQPExchange, "amqp-exchange", "tickets", "topic exchange ticket events are published to")
	fs.StringVar(&c.AMQPQueue, "amqp-queue", "warden.triage", "durable queue consumed for triage triggers")
	fs.IntVar(&c.AMQPPrefetch, "amqp-prefetch", 8, "unacknowledged deliveries and concurrent triage runs per instance (1..256)")

	fs.StringVar(&c.SlackWebhookURL, "slack-webhook-url", "", "Slack webhook URL for notifications")
	fs.BoolVar(&c.SlackAttentionOnly, "slack-attention-only", false, "only notify on degraded runs, fallback routing and audit failures")
}

// LLMTimeout returns the model call timeout.
func (c *Config) LLMTimeout() time.Duration { return time.Duration(c.LLMTimeoutSeconds) * time.Second }

// DecisionBound is the longest one triage run can hold a ticket lock: one
// classify call, one generate call per tool round plus the final one, each
// knowledge base request, and store traffic.
func (c *Config) DecisionBound() time.Duration {
	rounds := 0
	if c.KnowledgeBaseURL != "" {
		rounds = c.MaxToolRounds
	}
	return time.Duration(rounds+2)*c.LLMTimeout() + time.Duration(rounds)*tools.KBSearchTimeout + lockMargin
}

// APITokens splits APIToken into the accepted tokens.
func (c *Config) APITokens() []string {
	var out []string
	for _, t := range strings.Split(c.APIToken, ",") {
		if t = strings.TrimSpace(t); t != "" {
			out = append(out, t)
		}
	}
	return out
}

// Validate checks all configuration fields for correctness.
// It returns an error if any field is invalid, or nil if all fields are valid.
func (c *Config) Validate() error {
	var errs []error

	// Drain and shutdown budgets
	if c.DrainSeconds <= 0 || c.DrainSeconds > 300 {
		errs = append(errs, fmt.Errorf("invalid DRAIN_SECONDS %d (must be 1..300)", c.DrainSeconds))
	}
	if c.ShutdownBudgetSeconds <= 0 || c.ShutdownBudgetSeconds > 300 {
		errs = append(errs, fmt.Errorf("invalid SHUTDOWN_BUDGET_SECONDS %d (must be 1..300)", c.ShutdownBudgetSeconds))
	}
	if c.ShutdownBudgetSeconds <= c.DrainSeconds {
		errs = append(errs, fmt.Errorf("SHUTDOWN_BUDGET_SECONDS %d must be greater than DRAIN_SECONDS %d", c.ShutdownBudgetSeconds, c.DrainSeconds))
	}

	if c.APIPort <= 0 || c.APIPort > 65535 {
		errs = append(errs, fmt.Errorf("invalid HTTP_PORT %d (must be 1..65535)", c.APIPort))
	}

	if c.ClaudeAPIKey == "" {
		errs = append(errs, errors.New("CLAUDE_API_KEY is required"))
	}
	if c.ClaudeModel == "" {
		errs = append(errs, errors.New("CLAUDE_MODEL is required"))
	}
	if c.LLMTimeoutSeconds <= 0 || c.LLMTimeoutSeconds > 300 {
		errs = append(errs, fmt.Errorf("invalid LLM_TIMEOUT_SECONDS %d (must be 1..300)", c.LLMTimeoutSeconds))
	}
	if math.IsNaN(c.MinAutoResolveConfidence) || c.MinAutoResolveConfidence <= 0 || c.MinAutoResolveConfidence > 1 {
		errs = append(errs, fmt.Errorf("invalid MIN_AUTO_RESOLVE_CONFIDENCE %v (must be in (0, 1])", c.MinAutoResolveConfidence))
	}
	if c.MaxToolRounds < 0 || c.MaxToolRounds > 20 {
		errs = append(errs, fmt.Errorf("invalid MAX_TOOL_ROUNDS %d (must be 0..20)", c.MaxToolRounds))
	}
	if c.KnowledgeBaseURL != "" {
		if err := checkURL(c.KnowledgeBaseURL, "http", "https"); err != nil {
			errs = append(errs, fmt.Errorf("invalid KB_ENDPOINT: %w", err))
		}
	}

	// routing needs somewhere to send tickets when nothing else applies
	if strings.TrimSpace(c.FallbackTeamID) == "" {
		errs = append(errs, errors.New("FALLBACK_TEAM_ID is required"))
	}

	if c.RulesRefreshSeconds < 0 {
		errs = append(errs, fmt.Errorf("invalid RULES_REFRESH_SECONDS %d (must be >= 0)", c.RulesRefreshSeconds))
	}
	if _, err := routing.ParseSchema(c.CustomFields); err != nil {
		errs = append(errs, fmt.Errorf("invalid CUSTOM_FIELDS: %w", err))
	}

	if c.RedisAddr != "" {
		if ttl, bound := time.Duration(c.LockTTLSeconds)*time.Second, c.DecisionBound(); ttl <= bound {
			errs = append(errs, fmt.Errorf("LOCK_TTL_SECONDS %d must exceed the worst-case decision time %s (llm timeout x (max tool rounds + 2) + kb requests + margin)", c.LockTTLSeconds, bound))
		}
		if c.TriggerTTLHours < 0 {
			errs = append(errs, fmt.Errorf("invalid TRIGGER_TTL_HOURS %d (must be >= 0)", c.TriggerTTLHours))
		}
	}

	if c.AMQPURL != "" {
		if err := checkURL(c.AMQPURL, "amqp", "amqps"); err != nil {
			errs = append(errs, fmt.Errorf("invalid AMQP_URL: %w", err))
		}
		if c.AMQPExchange == "" || c.AMQPQueue == "" {
			errs = append(errs, errors.New("AMQP_EXCHANGE and AMQP_QUEUE are required with AMQP_URL"))
		}
		if c.AMQPPrefetch <= 0 || c.AMQPPrefetch > 256 {
			errs = append(errs, fmt.Errorf("invalid AMQP_PREFETCH %d (must be 1..256)", c.AMQPPrefetch))
		}
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

func checkURL(raw string, schemes ...string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	for _, s := range schemes {
		if u.Scheme == s && u.Host != "" {
			return nil
		}
	}
	return fmt.Errorf("%q must be an absolute %s URL", raw, strings.Join(schemes, "/"))
}
