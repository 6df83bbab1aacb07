package lockstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/nimburion/findings-scheduler/pkg/observability/logger"
)

const (
	defaultPostgresTable            = "provider_locks"
	defaultPostgresOperationTimeout = 3 * time.Second
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// PostgresConfig configures the Postgres lock store.
type PostgresConfig struct {
	URL              string
	Table            string
	OperationTimeout time.Duration
}

func (c *PostgresConfig) normalize() {
	if strings.TrimSpace(c.Table) == "" {
		c.Table = defaultPostgresTable
	}
	if c.OperationTimeout <= 0 {
		c.OperationTimeout = defaultPostgresOperationTimeout
	}
}

// PostgresStore keeps lock rows in a single Postgres table.
type PostgresStore struct {
	db     *sql.DB
	log    logger.Logger
	config PostgresConfig
}

// NewPostgresStore opens the database, pings it and creates the table if missing.
func NewPostgresStore(cfg PostgresConfig, log logger.Logger) (*PostgresStore, error) {
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, storeError(ErrInvalidArgument, "postgres url is required")
	}
	db, err := sql.Open("postgres", cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("open postgres failed: %w", err)
	}
	store, err := newPostgresStoreWithDB(db, cfg, log)
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	ctx, cancel := context.WithTimeout(context.Background(), store.config.OperationTimeout)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres failed: %w", err)
	}
	if err := store.ensureTable(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	log.Info("postgres lock store initialized", "table", store.config.Table)
	return store, nil
}

func newPostgresStoreWithDB(db *sql.DB, cfg PostgresConfig, log logger.Logger) (*PostgresStore, error) {
	if db == nil {
		return nil, storeError(ErrInvalidArgument, "db is required")
	}
	if log == nil {
		return nil, storeError(ErrInvalidArgument, "logger is required")
	}
	cfg.normalize()
	if !validTableName.MatchString(cfg.Table) {
		return nil, storeError(ErrInvalidArgument, fmt.Sprintf("invalid postgres lock table name %q", cfg.Table))
	}
	return &PostgresStore{db: db, log: log, config: cfg}, nil
}

func (s *PostgresStore) ensureTable(ctx context.Context) error {
	query := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	%s TEXT PRIMARY KEY,
	%s BOOLEAN NOT NULL DEFAULT FALSE,
	%s TIMESTAMPTZ NOT NULL,
	%s TIMESTAMPTZ NOT NULL
)`, s.config.Table, AttrProviderID, AttrLocked, AttrLastLockedAt, AttrLastProcessedAt)
	if _, err := s.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("create postgres lock table failed: %w", err)
	}
	return nil
}

func (s *PostgresStore) operationContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, s.config.OperationTimeout)
}

func (s *PostgresStore) BatchGet(ctx context.Context, ids []string) ([]Record, error) {
	keys := uniqueIDs(ids)
	if len(keys) == 0 {
		return []Record{}, nil
	}
	opCtx, cancel := s.operationContext(ctx)
	defer cancel()

	query := fmt.Sprintf(`SELECT %s, %s, %s, %s FROM %s WHERE %s = ANY($1)`,
		AttrProviderID, AttrLocked, AttrLastLockedAt, AttrLastProcessedAt, s.config.Table, AttrProviderID)
	rows, err := s.db.QueryContext(opCtx, query, pq.Array(keys))
	if err != nil {
		return nil, fmt.Errorf("postgres batch get failed: %w", err)
	}
	defer rows.Close()

	records := make([]Record, 0, len(keys))
	for rows.Next() {
		var record Record
		if err := rows.Scan(&record.ProviderID, &record.Locked, &record.LastLockedAt, &record.LastProcessedAt); err != nil {
			return nil, errors.Join(storeError(ErrCorruptRecord, "scan postgres lock row"), err)
		}
		record.LastLockedAt = record.LastLockedAt.UTC()
		record.LastProcessedAt = record.LastProcessedAt.UTC()
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres batch get failed: %w", err)
	}
	return records, nil
}

// BatchPut upserts every row inside one transaction.
func (s *PostgresStore) BatchPut(ctx context.Context, records []Record) (err error) {
	if err := validateRecords(records); err != nil {
		return err
	}
	if len(records) == 0 {
		return nil
	}
	opCtx, cancel := s.operationContext(ctx)
	defer cancel()

	tx, err := s.db.BeginTx(opCtx, nil)
	if err != nil {
		return fmt.Errorf("postgres begin failed: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	query := fmt.Sprintf(`INSERT INTO %[1]s (%[2]s, %[3]s, %[4]s, %[5]s) VALUES ($1, $2, $3, $4)
ON CONFLICT (%[2]s) DO UPDATE SET %[3]s = EXCLUDED.%[3]s, %[4]s = EXCLUDED.%[4]s, %[5]s = EXCLUDED.%[5]s`,
		s.config.Table, AttrProviderID, AttrLocked, AttrLastLockedAt, AttrLastProcessedAt)
	for _, record := range records {
		if _, err = tx.ExecContext(opCtx, query, record.ProviderID, record.Locked, record.LastLockedAt.UTC(), record.LastProcessedAt.UTC()); err != nil {
			return fmt.Errorf("postgres upsert %s failed: %w", record.ProviderID, err)
		}
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("postgres commit failed: %w", err)
	}
	s.log.Info("inserted lock rows", "store", "postgres", "table", s.config.Table, "count", len(records))
	return nil
}

// ListRecords returns every row ordered by provider id.
func (s *PostgresStore) ListRecords(ctx context.Context) ([]Record, error) {
	opCtx, cancel := s.operationContext(ctx)
	defer cancel()
	query := fmt.Sprintf(`SELECT %s, %s, %s, %s FROM %s ORDER BY %s`,
		AttrProviderID, AttrLocked, AttrLastLockedAt, AttrLastProcessedAt, s.config.Table, AttrProviderID)
	rows, err := s.db.QueryContext(opCtx, query)
	if err != nil {
		return nil, fmt.Errorf("postgres list failed: %w", err)
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		var record Record
		if err := rows.Scan(&record.ProviderID, &record.Locked, &record.LastLockedAt, &record.LastProcessedAt); err != nil {
			return nil, errors.Join(storeError(ErrCorruptRecord, "scan postgres lock row"), err)
		}
		record.LastLockedAt = record.LastLockedAt.UTC()
		record.LastProcessedAt = record.LastProcessedAt.UTC()
		records = append(records, record)
	}
	return records, rows.Err()
}

func (s *PostgresStore) HealthCheck(ctx context.Context) error {
	opCtx, cancel := s.operationContext(ctx)
	defer cancel()
	if err := s.db.PingContext(opCtx); err != nil {
		return fmt.Errorf("postgres health check failed: %w", err)
	}
	return nil
}

func (s *PostgresStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}
