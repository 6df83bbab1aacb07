package dispatch

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/nimburion/findings-scheduler/pkg/observability/logger"
	"github.com/nimburion/findings-scheduler/pkg/timewindow"
)

type kafkaWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaConfig configures the Kafka topic target.
type KafkaConfig struct {
	Brokers          []string
	Topic            string
	OperationTimeout time.Duration
}

func (c *KafkaConfig) normalize() {
	brokers := make([]string, 0, len(c.Brokers))
	for _, broker := range c.Brokers {
		if trimmed := strings.TrimSpace(broker); trimmed != "" {
			brokers = append(brokers, trimmed)
		}
	}
	c.Brokers = brokers
	c.Topic = strings.TrimSpace(c.Topic)
	if c.OperationTimeout <= 0 {
		c.OperationTimeout = 10 * time.Second
	}
}

// KafkaTarget produces one record per task keyed by provider id, so every
// task of a provider lands on the same partition.
type KafkaTarget struct {
	writer kafkaWriter
	log    logger.Logger
	config KafkaConfig

	mu     sync.RWMutex
	closed bool
}

func NewKafkaTarget(cfg KafkaConfig, log logger.Logger) (*KafkaTarget, error) {
	cfg.normalize()
	if len(cfg.Brokers) == 0 {
		return nil, dispatchError(ErrInvalidArgument, "at least one broker address is required")
	}
	writer := &kafka.Writer{
		Addr:                   kafka.TCP(cfg.Brokers...),
		Topic:                  cfg.Topic,
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireAll,
		WriteTimeout:           cfg.OperationTimeout,
		ReadTimeout:            cfg.OperationTimeout,
		AllowAutoTopicCreation: false,
	}
	target, err := newKafkaTargetWithWriter(writer, cfg, log)
	if err != nil {
		_ = writer.Close()
		return nil, err
	}
	log.Info("kafka dispatch target initialized", "brokers", cfg.Brokers, "topic", cfg.Topic)
	return target, nil
}

func newKafkaTargetWithWriter(writer kafkaWriter, cfg KafkaConfig, log logger.Logger) (*KafkaTarget, error) {
	if writer == nil {
		return nil, dispatchError(ErrInvalidArgument, "kafka writer is required")
	}
	if log == nil {
		return nil, dispatchError(ErrInvalidArgument, "logger is required")
	}
	cfg.normalize()
	if cfg.Topic == "" {
		return nil, dispatchError(ErrInvalidArgument, "kafka topic is required")
	}
	return &KafkaTarget{writer: writer, log: log, config: cfg}, nil
}

func (t *KafkaTarget) Name() string { return "kafka" }

func (t *KafkaTarget) Invoke(ctx context.Context, request Request) (Ack, error) {
	t.mu.RLock()
	closed := t.closed
	t.mu.RUnlock()
	if closed {
		return Ack{}, dispatchError(ErrClosed, "kafka target")
	}

	msg := kafka.Message{
		Key:   []byte(request.ProviderID),
		Value: request.Payload,
		Headers: []kafka.Header{
			{Key: "provider_id", Value: []byte(request.ProviderID)},
			{Key: "start_date", Value: []byte(timewindow.Format(request.Start))},
			{Key: "content-type", Value: []byte("application/json")},
		},
	}
	if err := t.writer.WriteMessages(ctx, msg); err != nil {
		return Ack{}, fmt.Errorf("failed to produce task for %s: %w", request.ProviderID, err)
	}
	return Ack{}, nil
}

// HealthCheck dials the first reachable broker.
func (t *KafkaTarget) HealthCheck(ctx context.Context) error {
	hcCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	var lastErr error
	for _, broker := range t.config.Brokers {
		conn, err := kafka.DialContext(hcCtx, "tcp", broker)
		if err != nil {
			lastErr = err
			continue
		}
		_ = conn.Close()
		return nil
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("no brokers configured")
	}
	return fmt.Errorf("kafka health check failed: %w", lastErr)
}

func (t *KafkaTarget) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true
	if err := t.writer.Close(); err != nil {
		return fmt.Errorf("close kafka writer: %w", err)
	}
	return nil
}
