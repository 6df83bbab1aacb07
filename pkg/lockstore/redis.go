package lockstore

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/nimburion/findings-scheduler/pkg/observability/logger"
)

const (
	defaultRedisPrefix           = "findings-scheduler:lock"
	defaultRedisOperationTimeout = 3 * time.Second
)

// RedisConfig configures lock rows stored as Redis hashes.
type RedisConfig struct {
	URL              string
	Prefix           string
	OperationTimeout time.Duration
}

func (c *RedisConfig) normalize() {
	if strings.TrimSpace(c.Prefix) == "" {
		c.Prefix = defaultRedisPrefix
	}
	c.Prefix = strings.TrimSuffix(strings.TrimSpace(c.Prefix), ":")
	if c.OperationTimeout <= 0 {
		c.OperationTimeout = defaultRedisOperationTimeout
	}
}

// RedisStore keeps one hash per provider under "<prefix>:<provider id>".
type RedisStore struct {
	client *redis.Client
	log    logger.Logger
	config RedisConfig
}

// NewRedisStore connects to Redis and pings it.
func NewRedisStore(cfg RedisConfig, log logger.Logger) (*RedisStore, error) {
	if log == nil {
		return nil, storeError(ErrInvalidArgument, "logger is required")
	}
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, storeError(ErrInvalidArgument, "redis url is required")
	}
	cfg.normalize()

	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, errors.Join(storeError(ErrInvalidArgument, "parse redis url failed"), err)
	}
	opts.ReadTimeout = cfg.OperationTimeout
	opts.WriteTimeout = cfg.OperationTimeout
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), cfg.OperationTimeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis failed: %w", err)
	}

	log.Info("redis lock store initialized", "prefix", cfg.Prefix)
	return &RedisStore{client: client, log: log, config: cfg}, nil
}

func (s *RedisStore) key(providerID string) string {
	return s.config.Prefix + ":" + providerID
}

// BatchGet pipelines one HGETALL per id. Empty hashes mean "not found".
func (s *RedisStore) BatchGet(ctx context.Context, ids []string) ([]Record, error) {
	keys := uniqueIDs(ids)
	if len(keys) == 0 {
		return []Record{}, nil
	}
	opCtx, cancel := context.WithTimeout(ctx, s.config.OperationTimeout)
	defer cancel()

	pipe := s.client.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, 0, len(keys))
	for _, id := range keys {
		cmds = append(cmds, pipe.HGetAll(opCtx, s.key(id)))
	}
	if _, err := pipe.Exec(opCtx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("redis batch get failed: %w", err)
	}

	records := make([]Record, 0, len(keys))
	for _, cmd := range cmds {
		fields, err := cmd.Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("redis hgetall failed: %w", err)
		}
		if len(fields) == 0 {
			continue
		}
		record, err := decodeRedisHash(fields)
		if err != nil {
			return nil, err
		}
		records = append(records, record)
	}
	return records, nil
}

// BatchPut writes every hash inside one MULTI/EXEC transaction.
func (s *RedisStore) BatchPut(ctx context.Context, records []Record) error {
	if err := validateRecords(records); err != nil {
		return err
	}
	if len(records) == 0 {
		return nil
	}
	opCtx, cancel := context.WithTimeout(ctx, s.config.OperationTimeout)
	defer cancel()

	_, err := s.client.TxPipelined(opCtx, func(pipe redis.Pipeliner) error {
		for _, record := range records {
			encoded := encodeRecord(record)
			pipe.HSet(opCtx, s.key(record.ProviderID), map[string]any{
				AttrProviderID:      encoded.ProviderID,
				AttrLocked:          encoded.Locked,
				AttrLastLockedAt:    encoded.LastLockedAt,
				AttrLastProcessedAt: encoded.LastProcessedAt,
			})
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis batch put failed: %w", err)
	}
	s.log.Info("inserted lock rows", "store", "redis", "count", len(records))
	return nil
}

func (s *RedisStore) HealthCheck(ctx context.Context) error {
	hcCtx, cancel := context.WithTimeout(ctx, s.config.OperationTimeout)
	defer cancel()
	if err := s.client.Ping(hcCtx).Err(); err != nil {
		return fmt.Errorf("redis health check failed: %w", err)
	}
	return nil
}

func (s *RedisStore) Close() error {
	if s == nil || s.client == nil {
		return nil
	}
	return s.client.Close()
}

func decodeRedisHash(fields map[string]string) (Record, error) {
	encoded := encodedRecord{
		ProviderID:      fields[AttrProviderID],
		LastLockedAt:    fields[AttrLastLockedAt],
		LastProcessedAt: fields[AttrLastProcessedAt],
	}
	if raw := strings.TrimSpace(fields[AttrLocked]); raw != "" {
		locked, err := strconv.Atoi(raw)
		if err != nil {
			return Record{}, errors.Join(storeError(ErrCorruptRecord, fmt.Sprintf("%s %s", encoded.ProviderID, AttrLocked)), err)
		}
		encoded.Locked = locked
	}
	return encoded.decode()
}
