package main

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"github.com/linnemanlabs/go-core/log"
	wc "github.com/linnemanlabs/warden/internal/cfg"
	"github.com/linnemanlabs/warden/internal/events"
	"github.com/linnemanlabs/warden/internal/llm/claude"
	"github.com/linnemanlabs/warden/internal/notify/slack"
	"github.com/linnemanlabs/warden/internal/postgres"
	"github.com/linnemanlabs/warden/internal/redisx"
	"github.com/linnemanlabs/warden/internal/routing"
	"github.com/linnemanlabs/warden/internal/ticket"
	"github.com/linnemanlabs/warden/internal/ticket/memstore"
	"github.com/linnemanlabs/warden/internal/ticket/pgstore"
	"github.com/linnemanlabs/warden/internal/tools"
	"github.com/linnemanlabs/warden/internal/triage"
)

// appStore is what both ticket stores provide: tickets, rules and the
// processed-trigger log.
type appStore interface {
	ticket.Store
	routing.Source
	triage.TriggerLog
}

// app is the assembled triage core plus the resources it holds open.
type app struct {
	store    appStore
	router   *routing.Engine
	pipeline *triage.Pipeline
	consumer *events.Consumer // nil without -amqp-url

	closers []func()
}

func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}

// buildApp connects the stores, coordination and model provider and
// assembles the pipeline. On error everything opened so far is closed.
func buildApp(ctx context.Context, c wc.Config, reg prometheus.Registerer, L log.Logger) (_ *app, err error) {
	a := &app{}
	defer func() {
		if err != nil {
			a.close()
		}
	}()

	sh, err := openStore(ctx, c.DatabaseURL, L)
	if err != nil {
		return nil, err
	}
	a.store = sh.store
	a.closers = append(a.closers, sh.close)

	co, err := openCoordination(ctx, c, sh.store, L)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, co.close)

	m := triage.NewMetrics(reg)

	a.router, err = newRouter(ctx, c, sh.store, m, L)
	if err != nil {
		return nil, err
	}

	toolbox := tools.NewRegistry()
	if c.KnowledgeBaseURL != "" {
		kb := tools.NewKBSearch(c.KnowledgeBaseURL, c.KnowledgeBaseToken)
		toolbox.Register(kb)
		L.Info(ctx, "registered tool", "name", kb.Name(), "endpoint", c.KnowledgeBaseURL)
	}

	decider := triage.NewDecisionEngine(claude.New(c.ClaudeAPIKey, c.ClaudeModel), toolbox, triage.DecisionConfig{
		FallbackTeam:             c.FallbackTeamID,
		LLMTimeout:               c.LLMTimeout(),
		MinAutoResolveConfidence: c.MinAutoResolveConfidence,
		MaxToolRounds:            c.MaxToolRounds,
	}, L, m.DecisionHooks())
	L.Info(ctx, "decision engine ready", "provider", "claude", "model", c.ClaudeModel, "tools", toolbox.Len())

	opts := []triage.PipelineOption{
		triage.WithLocker(co.locker),
		triage.WithPipelineConfig(triage.PipelineConfig{
			AutoReplyVisibleOnCreate:   c.AutoReplyVisibleOnCreate,
			AutoReplyVisibleOnFollowUp: c.AutoReplyVisibleOnFollowUp,
		}),
		triage.WithPipelineHooks(m.PipelineHooks()),
	}
	if co.triggers != nil {
		opts = append(opts, triage.WithTriggerLog(co.triggers))
	}
	if c.SlackWebhookURL != "" {
		opts = append(opts, triage.WithNotifier(slack.New(c.SlackWebhookURL, c.SlackAttentionOnly, L)))
		L.Info(ctx, "notifier enabled", "type", "slack", "attention_only", c.SlackAttentionOnly)
	}
	a.pipeline = triage.NewPipeline(sh.store, decider, a.router, L, opts...)

	if c.AMQPURL != "" {
		a.consumer, err = events.Dial(events.ConsumerConfig{
			URL:      c.AMQPURL,
			Exchange: c.AMQPExchange,
			Queue:    c.AMQPQueue,
			Prefetch: c.AMQPPrefetch,
		}, events.NewHandler(a.pipeline, L), L)
		if err != nil {
			return nil, fmt.Errorf("amqp consumer: %w", err)
		}
		a.closers = append(a.closers, func() { _ = a.consumer.Close() })
	}
	return a, nil
}

// newRouter loads routing rules from -rules-file when set, otherwise from
// the store. A failed first load is logged and the fallback team handles
// every ticket until a refresh succeeds.
func newRouter(ctx context.Context, c wc.Config, store routing.Source, m *triage.Metrics, L log.Logger) (*routing.Engine, error) {
	schema, err := routing.ParseSchema(c.CustomFields)
	if err != nil {
		return nil, fmt.Errorf("custom fields: %w", err)
	}
	src := store
	if c.RulesFile != "" {
		src = routing.NewFileSource(c.RulesFile)
	}
	e := routing.NewEngine(src, schema, c.FallbackTeamID, L, m.RoutingHooks())
	if err := e.Reload(postgres.WithOrigin(ctx, "rules")); err != nil {
		L.Error(ctx, err, "initial routing rule load failed", "rules_file", c.RulesFile)
	}
	if c.RulesRefreshSeconds > 0 {
		go e.Refresh(postgres.WithOrigin(ctx, "rules"), time.Duration(c.RulesRefreshSeconds)*time.Second)
	}
	return e, nil
}

type storeHandle struct {
	store appStore
	close func()
}

func openStore(ctx context.Context, databaseURL string, L log.Logger) (*storeHandle, error) {
	if databaseURL == "" {
		L.Info(ctx, "using in-memory ticket store (no database-url configured)")
		return &storeHandle{store: memstore.New(), close: func() {}}, nil
	}

	ctx = postgres.WithOrigin(ctx, "startup")
	pool, err := postgres.NewPool(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("postgres pool: %w", err)
	}
	pg, err := pgstore.New(ctx, pool)
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("pgstore init: %w", err)
	}
	L.Info(ctx, "using postgres ticket store")
	return &storeHandle{store: pg, close: pool.Close}, nil
}

type coordination struct {
	locker   triage.Locker
	triggers triage.TriggerLog // nil when dedup is off
	close    func()
}

// openCoordination picks the ticket lock and trigger log. Redis coordinates
// several instances; without it locks are in-process and processed triggers
// are kept in the ticket store.
func openCoordination(ctx context.Context, c wc.Config, store triage.TriggerLog, L log.Logger) (*coordination, error) {
	if c.RedisAddr == "" {
		co := &coordination{locker: triage.NewKeyedLocker(), close: func() {}}
		if c.DedupTriggers {
			co.triggers = store
		}
		L.Info(ctx, "using in-process ticket locks", "dedup_triggers", c.DedupTriggers)
		return co, nil
	}

	client, err := redisx.Connect(ctx, c.RedisAddr, c.RedisPassword, c.RedisDB)
	if err != nil {
		return nil, err
	}
	L.Info(ctx, "using redis ticket locks", "redis_addr", c.RedisAddr, "dedup_triggers", c.DedupTriggers)
	return newRedisCoordination(client, c, L), nil
}

func newRedisCoordination(client redis.UniversalClient, c wc.Config, L log.Logger) *coordination {
	co := &coordination{
		locker: redisx.NewLocker(client, "warden:lock:", time.Duration(c.LockTTLSeconds)*time.Second, L),
		close:  func() { _ = client.Close() },
	}
	if c.DedupTriggers {
		co.triggers = redisx.NewTriggerLog(client, "warden:trigger:", time.Duration(c.TriggerTTLHours)*time.Hour)
	}
	return co
}

// startConsumer runs the consumer in the background and returns its stop
// function for the shutdown sequence. A nil consumer yields a no-op.
func startConsumer(ctx context.Context, consumer *events.Consumer, L log.Logger) func(context.Context) error {
	if consumer == nil {
		return func(context.Context) error { return nil }
	}
	runCtx, cancel := context.WithCancel(postgres.WithOrigin(ctx, "amqp"))
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := consumer.Run(runCtx); err != nil {
			L.Error(ctx, err, "trigger consumer stopped")
		}
	}()

	return func(stopCtx context.Context) error {
		cancel()
		select {
		case <-done:
			return nil
		case <-stopCtx.Done():
			return fmt.Errorf("trigger consumer: %w", stopCtx.Err())
		}
	}
}
