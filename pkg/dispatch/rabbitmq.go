package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/nimburion/findings-scheduler/pkg/observability/logger"
)

type amqpPublisher interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// RabbitMQConfig configures the exchange target.
type RabbitMQConfig struct {
	URL              string
	Exchange         string
	ExchangeType     string
	RoutingKey       string
	OperationTimeout time.Duration
}

func (c *RabbitMQConfig) normalize() {
	if strings.TrimSpace(c.Exchange) == "" {
		c.Exchange = "findings"
	}
	if strings.TrimSpace(c.ExchangeType) == "" {
		c.ExchangeType = "direct"
	}
	if strings.TrimSpace(c.RoutingKey) == "" {
		c.RoutingKey = "findings.process"
	}
	if c.OperationTimeout <= 0 {
		c.OperationTimeout = 10 * time.Second
	}
}

// RabbitMQTarget publishes persistent messages to a durable exchange.
type RabbitMQTarget struct {
	conn    *amqp.Connection
	channel amqpPublisher
	log     logger.Logger
	config  RabbitMQConfig

	mu     sync.RWMutex
	closed bool
}

func NewRabbitMQTarget(cfg RabbitMQConfig, log logger.Logger) (*RabbitMQTarget, error) {
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, dispatchError(ErrInvalidArgument, "rabbitmq URL is required")
	}
	cfg.normalize()

	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to rabbitmq: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to create rabbitmq channel: %w", err)
	}
	if err := ch.ExchangeDeclare(cfg.Exchange, cfg.ExchangeType, true, false, false, false, nil); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, fmt.Errorf("failed to declare exchange: %w", err)
	}

	target, err := newRabbitMQTargetWithChannel(ch, cfg, log)
	if err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, err
	}
	target.conn = conn
	log.Info("rabbitmq dispatch target initialized", "exchange", cfg.Exchange, "routing_key", cfg.RoutingKey)
	return target, nil
}

func newRabbitMQTargetWithChannel(channel amqpPublisher, cfg RabbitMQConfig, log logger.Logger) (*RabbitMQTarget, error) {
	if channel == nil {
		return nil, dispatchError(ErrInvalidArgument, "rabbitmq channel is required")
	}
	if log == nil {
		return nil, dispatchError(ErrInvalidArgument, "logger is required")
	}
	cfg.normalize()
	return &RabbitMQTarget{channel: channel, log: log, config: cfg}, nil
}

func (t *RabbitMQTarget) Name() string { return "rabbitmq" }

func (t *RabbitMQTarget) Invoke(ctx context.Context, request Request) (Ack, error) {
	t.mu.RLock()
	closed := t.closed
	t.mu.RUnlock()
	if closed {
		return Ack{}, dispatchError(ErrClosed, "rabbitmq target")
	}

	messageID := uuid.NewString()
	publishing := amqp.Publishing{
		MessageId:    messageID,
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now().UTC(),
		Body:         request.Payload,
		Headers:      amqp.Table{"provider_id": request.ProviderID},
	}
	if err := t.channel.PublishWithContext(ctx, t.config.Exchange, t.config.RoutingKey, false, false, publishing); err != nil {
		return Ack{}, fmt.Errorf("failed to publish task for %s: %w", request.ProviderID, err)
	}
	return Ack{RequestID: messageID}, nil
}

func (t *RabbitMQTarget) HealthCheck(context.Context) error {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.closed {
		return dispatchError(ErrClosed, "rabbitmq target")
	}
	if t.conn != nil && t.conn.IsClosed() {
		return fmt.Errorf("rabbitmq connection is closed")
	}
	return nil
}

func (t *RabbitMQTarget) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true

	var errs []error
	if err := t.channel.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close publish channel: %w", err))
	}
	if t.conn != nil {
		if err := t.conn.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close connection: %w", err))
		}
	}
	return errors.Join(errs...)
}
