// Package events delivers ticket triggers from a RabbitMQ queue to the
// triage pipeline.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/warden/internal/ticket"
	"github.com/linnemanlabs/warden/internal/triage"
)

// Event types published by the ticketing system.
const (
	TypeTicketCreated = "ticket.created"
	TypeResponseAdded = "ticket.response_added"
)

// Event is the JSON message body.
type Event struct {
	Type       string `json:"type"`
	TicketID   string `json:"ticket_id"`
	ResponseID string `json:"response_id,omitempty"`
}

// Triggerer is the part of the pipeline the consumer drives.
type Triggerer interface {
	OnTicketCreated(ctx context.Context, ticketID string) (*triage.Outcome, error)
	OnHumanResponseAdded(ctx context.Context, ticketID, responseID string) (*triage.Outcome, error)
}

// Disposition is what to do with a delivery after handling it.
type Disposition int

const (
	Ack Disposition = iota
	Requeue
)

// String returns "ack" or "requeue".
func (d Disposition) String() string {
	if d == Requeue {
		return "requeue"
	}
	return "ack"
}

// Handler turns message bodies into pipeline triggers.
type Handler struct {
	pipeline Triggerer
	logger   log.Logger
}

// NewHandler creates a Handler that runs triggers on p. A nil logger
// discards output.
func NewHandler(p Triggerer, logger log.Logger) *Handler {
	if logger == nil {
		logger = log.Nop()
	}
	return &Handler{pipeline: p, logger: logger}
}

// Handle runs the trigger in body. Only retryable failures are requeued;
// malformed messages, unknown tickets and invalid triggers are dropped.
func (h *Handler) Handle(ctx context.Context, body []byte) Disposition {
	var ev Event
	if err := json.Unmarshal(body, &ev); err != nil {
		h.logger.Warn(ctx, "dropping malformed trigger message", "error", err, "bytes", len(body))
		return Ack
	}
	L := h.logger.With("event_type", ev.Type, "ticket_id", ev.TicketID)

	var err error
	switch ev.Type {
	case TypeTicketCreated:
		_, err = h.pipeline.OnTicketCreated(ctx, ev.TicketID)
	case TypeResponseAdded:
		L = L.With("response_id", ev.ResponseID)
		_, err = h.pipeline.OnHumanResponseAdded(ctx, ev.TicketID, ev.ResponseID)
	default:
		L.Warn(ctx, "dropping trigger message with unknown type")
		return Ack
	}

	switch {
	case err == nil:
		return Ack
	case errors.Is(err, ticket.ErrNotFound), errors.Is(err, triage.ErrInvalidTrigger):
		L.Warn(ctx, "dropping trigger", "error", err)
		return Ack
	case triage.Retryable(err):
		L.Error(ctx, err, "triage failed, requeueing")
		return Requeue
	default:
		L.Error(ctx, err, "triage failed, dropping")
		return Ack
	}
}

// ConsumerConfig names the topology the consumer declares.
type ConsumerConfig struct {
	URL        string
	Exchange   string
	Queue      string
	BindingKey string
	Prefetch   int
}

// Consumer reads trigger messages from a durable queue.
type Consumer struct {
	conn    *amqp.Connection
	channel *amqp.Channel
	queue   string
	tag     string
	workers int
	handler *Handler
	logger  log.Logger
}

// Dial connects, declares the exchange and queue and binds them.
func Dial(c ConsumerConfig, h *Handler, logger log.Logger) (*Consumer, error) {
	if logger == nil {
		logger = log.Nop()
	}
	if c.Prefetch <= 0 {
		c.Prefetch = 8
	}
	if c.BindingKey == "" {
		c.BindingKey = "ticket.*"
	}

	conn, err := amqp.Dial(c.URL)
	if err != nil {
		return nil, fmt.Errorf("dial amqp: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}
	if err := ch.ExchangeDeclare(c.Exchange, "topic", true, false, false, false, nil); err != nil {
		conn.Close()
		return nil, fmt.Errorf("declare exchange %s: %w", c.Exchange, err)
	}
	q, err := ch.QueueDeclare(c.Queue, true, false, false, false, nil)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("declare queue %s: %w", c.Queue, err)
	}
	if err := ch.QueueBind(q.Name, c.BindingKey, c.Exchange, false, nil); err != nil {
		conn.Close()
		return nil, fmt.Errorf("bind queue %s: %w", q.Name, err)
	}
	if err := ch.Qos(c.Prefetch, 0, false); err != nil {
		conn.Close()
		return nil, fmt.Errorf("set prefetch: %w", err)
	}

	return &Consumer{
		conn:    conn,
		channel: ch,
		queue:   q.Name,
		tag:     "warden-" + uuid.NewString(),
		workers: c.Prefetch,
		handler: h,
		logger:  logger,
	}, nil
}

// Run consumes until ctx is cancelled or the broker closes the channel.
// In-flight deliveries finish before Run returns.
func (c *Consumer) Run(ctx context.Context) error {
	closed := c.channel.NotifyClose(make(chan *amqp.Error, 1))
	deliveries, err := c.channel.Consume(c.queue, c.tag, false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("consume %s: %w", c.queue, err)
	}
	c.logger.Info(ctx, "consuming triggers", "queue", c.queue, "consumer_tag", c.tag, "workers", c.workers)

	var wg sync.WaitGroup
	for range c.workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for d := range deliveries {
				c.dispatch(ctx, d)
			}
		}()
	}

	var runErr error
	select {
	case <-ctx.Done():
		if err := c.channel.Cancel(c.tag, false); err != nil {
			c.logger.Warn(ctx, "cancel consumer failed", "error", err)
		}
	case aerr, ok := <-closed:
		runErr = errors.New("amqp channel closed")
		if ok && aerr != nil {
			runErr = fmt.Errorf("amqp channel closed: %w", aerr)
		}
	}
	wg.Wait()
	return runErr
}

func (c *Consumer) dispatch(ctx context.Context, d amqp.Delivery) {
	// let an in-flight trigger finish during shutdown
	ctx = context.WithoutCancel(ctx)
	switch c.handler.Handle(ctx, d.Body) {
	case Requeue:
		if err := d.Nack(false, true); err != nil {
			c.logger.Warn(ctx, "nack failed", "delivery_tag", d.DeliveryTag, "error", err)
		}
	default:
		if err := d.Ack(false); err != nil {
			c.logger.Warn(ctx, "ack failed", "delivery_tag", d.DeliveryTag, "error", err)
		}
	}
}

// Close tears down the channel and connection.
func (c *Consumer) Close() error {
	if c == nil {
		return nil
	}
	if err := c.channel.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
		c.logger.Warn(context.Background(), "close channel failed", "error", err)
	}
	return c.conn.Close()
}
