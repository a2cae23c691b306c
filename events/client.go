/*
Package events fans override mutations out to every running instance.

PURPOSE:
  Each instance keeps its own process-scoped view cache. When one instance
  writes an override it invalidates its own cache synchronously, then
  publishes OverrideChanged on a fanout exchange. Every other instance
  consumes the event and invalidates its local cache.

DELIVERY:
  Best effort. A failed publish is logged and swallowed: the write has
  already succeeded and been invalidated locally, and peers converge when
  their cache TTL expires. Each instance consumes from its own exclusive,
  auto-deleted queue, so a restarted instance starts empty and has nothing
  stale to catch up on.

SEE ALSO:
  - cache/views.go: The invalidated cache
  - allocation/store.go: Invalidator, implemented by Client
*/
package events

import (
	"context"
	"fmt"
	"time"

	"github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/warp/allocation-engine/allocation"
)

const publishTimeout = 5 * time.Second

// channel is the subset of *amqp091.Channel used for publishing.
type channel interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp091.Publishing) error
}

type Client struct {
	conn       *amqp091.Connection
	ch         *amqp091.Channel
	publisher  channel
	exchange   string
	instanceID string
	logger     *zap.Logger
}

var _ allocation.Invalidator = (*Client)(nil)

// Dial connects and declares the fanout exchange.
func Dial(url, exchange, instanceID string, logger *zap.Logger) (*Client, error) {
	conn, err := amqp091.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("dial AMQP: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}

	err = ch.ExchangeDeclare(
		exchange, // name
		"fanout", // type
		true,     // durable
		false,    // auto-deleted
		false,    // internal
		false,    // no-wait
		nil,      // arguments
	)
	if err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("declare exchange: %w", err)
	}

	c := newClient(ch, exchange, instanceID, logger)
	c.conn = conn
	c.ch = ch
	return c, nil
}

func newClient(pub channel, exchange, instanceID string, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		publisher:  pub,
		exchange:   exchange,
		instanceID: instanceID,
		logger:     logger.With(zap.String("component", "events")),
	}
}

// InstanceID identifies this process in published events.
func (c *Client) InstanceID() string { return c.instanceID }

// Invalidate publishes OverrideChanged. Publish failures are logged, never returned.
func (c *Client) Invalidate(ctx context.Context, ws allocation.WorkspaceID, month allocation.MonthKey) error {
	if err := c.Publish(ctx, NewOverrideChanged(ws, month, c.instanceID)); err != nil {
		c.logger.Warn("override event not published; peers will rely on cache TTL",
			zap.String("workspace", string(ws)),
			zap.Stringer("month", month),
			zap.Error(err))
	}
	return nil
}

// Publish sends msg to the exchange.
func (c *Client) Publish(ctx context.Context, msg *OverrideChanged) error {
	body, err := msg.ToJSON()
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()

	err = c.publisher.PublishWithContext(
		ctx,
		c.exchange,             // exchange
		RoutingOverrideChanged, // routing key (ignored by fanout)
		false,                  // mandatory
		false,                  // immediate
		amqp091.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp091.Transient,
			Timestamp:    msg.Timestamp,
			AppId:        c.instanceID,
			Type:         RoutingOverrideChanged,
			Body:         body,
		},
	)
	if err != nil {
		return fmt.Errorf("publish message: %w", err)
	}

	c.logger.Debug("published override event",
		zap.String("workspace", msg.WorkspaceID),
		zap.String("month", msg.Month))
	return nil
}

// Consume declares this instance's queue and feeds every peer event to
// inv until ctx is done or the delivery channel closes.
func (c *Client) Consume(ctx context.Context, inv allocation.Invalidator) error {
	if c.ch == nil {
		return fmt.Errorf("consume: client has no AMQP channel")
	}

	q, err := c.ch.QueueDeclare(
		"",    // name (server-generated)
		false, // durable
		true,  // delete when unused
		true,  // exclusive
		false, // no-wait
		nil,   // arguments
	)
	if err != nil {
		return fmt.Errorf("declare queue: %w", err)
	}

	if err := c.ch.QueueBind(q.Name, "", c.exchange, false, nil); err != nil {
		return fmt.Errorf("bind queue: %w", err)
	}

	msgs, err := c.ch.Consume(
		q.Name,       // queue
		c.instanceID, // consumer
		false,        // auto-ack (we want manual ack)
		true,         // exclusive
		false,        // no-local
		false,        // no-wait
		nil,          // args
	)
	if err != nil {
		return fmt.Errorf("start consuming: %w", err)
	}

	c.logger.Info("consuming override events", zap.String("queue", q.Name))

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case delivery, ok := <-msgs:
			if !ok {
				return fmt.Errorf("message channel closed")
			}
			switch err := c.Handle(ctx, delivery.Body, inv); {
			case err == nil:
				delivery.Ack(false)
			case allocation.IsClientError(err):
				delivery.Nack(false, false) // malformed, don't requeue
			default:
				delivery.Nack(false, true)
			}
		}
	}
}

// Handle applies one event body. Events this instance published are skipped:
// its cache was invalidated before the publish.
func (c *Client) Handle(ctx context.Context, body []byte, inv allocation.Invalidator) error {
	msg, err := OverrideChangedFromJSON(body)
	if err != nil {
		c.logger.Error("dropping malformed override event", zap.Error(err))
		if !allocation.IsClientError(err) {
			err = allocation.NewValidationError("body", "", err.Error())
		}
		return err
	}
	if msg.Origin == c.instanceID {
		return nil
	}

	if err := inv.Invalidate(ctx, allocation.WorkspaceID(msg.WorkspaceID), msg.MonthKey()); err != nil {
		c.logger.Error("peer invalidation failed",
			zap.String("workspace", msg.WorkspaceID),
			zap.String("origin", msg.Origin),
			zap.Error(err))
		return err
	}
	c.logger.Debug("applied peer invalidation",
		zap.String("workspace", msg.WorkspaceID),
		zap.String("month", msg.Month),
		zap.String("origin", msg.Origin))
	return nil
}

func (c *Client) Close() error {
	if c.ch != nil {
		c.ch.Close()
	}
	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}
