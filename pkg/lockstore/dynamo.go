package lockstore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/nimburion/findings-scheduler/pkg/observability/logger"
)

const (
	// DynamoDB hard limits per request.
	maxBatchGetKeys   = 100
	maxBatchWriteRows = 25

	defaultDynamoOperationTimeout = 5 * time.Second
	defaultUnprocessedRounds      = 5
	unprocessedBackoff            = 50 * time.Millisecond
	tableCreateWait               = 2 * time.Minute
)

// dynamoAPI is the subset of *dynamodb.Client used by the store.
type dynamoAPI interface {
	BatchGetItem(ctx context.Context, params *dynamodb.BatchGetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.BatchGetItemOutput, error)
	BatchWriteItem(ctx context.Context, params *dynamodb.BatchWriteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.BatchWriteItemOutput, error)
	DescribeTable(ctx context.Context, params *dynamodb.DescribeTableInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DescribeTableOutput, error)
	CreateTable(ctx context.Context, params *dynamodb.CreateTableInput, optFns ...func(*dynamodb.Options)) (*dynamodb.CreateTableOutput, error)
	Scan(ctx context.Context, params *dynamodb.ScanInput, optFns ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error)
}

// DynamoConfig holds DynamoDB lock store configuration.
type DynamoConfig struct {
	Region           string
	Endpoint         string
	AccessKeyID      string
	SecretAccessKey  string
	SessionToken     string
	Table            string
	ConsistentRead   bool
	OperationTimeout time.Duration
	// UnprocessedRounds bounds how many times throttled keys are resubmitted per call.
	UnprocessedRounds int
}

func (c *DynamoConfig) normalize() {
	if c.OperationTimeout <= 0 {
		c.OperationTimeout = defaultDynamoOperationTimeout
	}
	if c.UnprocessedRounds <= 0 {
		c.UnprocessedRounds = defaultUnprocessedRounds
	}
	c.Table = strings.TrimSpace(c.Table)
}

// DynamoStore keeps lock rows in a DynamoDB table keyed by product_arn.
type DynamoStore struct {
	client dynamoAPI
	log    logger.Logger
	config DynamoConfig

	mu     sync.RWMutex
	closed bool
}

// NewDynamoStore builds an AWS SDK v2 client, honouring a custom endpoint for
// DynamoDB Local, and verifies that the lock table is reachable.
// It does not create the table; see CreateTable.
func NewDynamoStore(ctx context.Context, cfg DynamoConfig, log logger.Logger) (*DynamoStore, error) {
	if cfg.Region == "" {
		return nil, storeError(ErrInvalidArgument, "aws region is required")
	}

	loadOptions := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.Region)}
	if cfg.AccessKeyID != "" || cfg.SecretAccessKey != "" {
		loadOptions = append(loadOptions, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, cfg.SessionToken),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOptions...)
	if err != nil {
		return nil, fmt.Errorf("failed to load aws config: %w", err)
	}

	var opts []func(*dynamodb.Options)
	if cfg.Endpoint != "" {
		opts = append(opts, func(o *dynamodb.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		})
	}

	store, err := newDynamoStoreWithClient(dynamodb.NewFromConfig(awsCfg, opts...), cfg, log)
	if err != nil {
		return nil, err
	}
	log.Info("dynamodb lock store initialized", "region", cfg.Region, "endpoint", cfg.Endpoint, "table", store.config.Table)
	return store, nil
}

func newDynamoStoreWithClient(client dynamoAPI, cfg DynamoConfig, log logger.Logger) (*DynamoStore, error) {
	if client == nil {
		return nil, storeError(ErrInvalidArgument, "dynamodb client is required")
	}
	if log == nil {
		return nil, storeError(ErrInvalidArgument, "logger is required")
	}
	cfg.normalize()
	if cfg.Table == "" {
		return nil, storeError(ErrInvalidArgument, "lock table name is required")
	}
	return &DynamoStore{client: client, log: log, config: cfg}, nil
}

func (s *DynamoStore) checkOpen() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return storeError(ErrClosed, "dynamodb lock store")
	}
	return nil
}

// BatchGet reads rows in chunks of 100 keys and resubmits UnprocessedKeys.
func (s *DynamoStore) BatchGet(ctx context.Context, ids []string) ([]Record, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	keys := uniqueIDs(ids)
	records := make([]Record, 0, len(keys))

	for start := 0; start < len(keys); start += maxBatchGetKeys {
		end := min(start+maxBatchGetKeys, len(keys))
		request := make([]map[string]types.AttributeValue, 0, end-start)
		for _, id := range keys[start:end] {
			request = append(request, map[string]types.AttributeValue{
				AttrProviderID: &types.AttributeValueMemberS{Value: id},
			})
		}

		pending := map[string]types.KeysAndAttributes{
			s.config.Table: {Keys: request, ConsistentRead: aws.Bool(s.config.ConsistentRead)},
		}
		for round := 0; len(pending) > 0; round++ {
			if round >= s.config.UnprocessedRounds {
				return nil, fmt.Errorf("dynamodb batch get on %s left %d keys unprocessed", s.config.Table, len(pending[s.config.Table].Keys))
			}
			if round > 0 {
				if err := sleepContext(ctx, time.Duration(round)*unprocessedBackoff); err != nil {
					return nil, err
				}
			}

			opCtx, cancel := s.withOperationTimeout(ctx)
			out, err := s.client.BatchGetItem(opCtx, &dynamodb.BatchGetItemInput{
				RequestItems:           pending,
				ReturnConsumedCapacity: types.ReturnConsumedCapacityTotal,
			})
			cancel()
			if err != nil {
				return nil, fmt.Errorf("dynamodb batch get on %s failed: %w", s.config.Table, err)
			}

			var items []encodedRecord
			if err := attributevalue.UnmarshalListOfMaps(out.Responses[s.config.Table], &items); err != nil {
				return nil, errors.Join(storeError(ErrCorruptRecord, "unmarshal dynamodb items"), err)
			}
			for _, item := range items {
				record, err := item.decode()
				if err != nil {
					return nil, err
				}
				records = append(records, record)
			}

			pending = nonEmptyKeys(out.UnprocessedKeys)
		}
	}

	s.log.Debug("fetched lock rows", "table", s.config.Table, "requested", len(keys), "found", len(records))
	return records, nil
}

// BatchPut writes rows in chunks of 25 and resubmits UnprocessedItems.
// Duplicate provider ids keep the last row so a chunk never repeats a key.
func (s *DynamoStore) BatchPut(ctx context.Context, records []Record) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	if err := validateRecords(records); err != nil {
		return err
	}
	rows := lastWriteWins(records)
	if len(rows) == 0 {
		return nil
	}

	for start := 0; start < len(rows); start += maxBatchWriteRows {
		end := min(start+maxBatchWriteRows, len(rows))
		writes := make([]types.WriteRequest, 0, end-start)
		for _, record := range rows[start:end] {
			item, err := attributevalue.MarshalMap(encodeRecord(record))
			if err != nil {
				return fmt.Errorf("marshal lock row %s: %w", record.ProviderID, err)
			}
			writes = append(writes, types.WriteRequest{PutRequest: &types.PutRequest{Item: item}})
		}

		pending := map[string][]types.WriteRequest{s.config.Table: writes}
		for round := 0; len(pending) > 0; round++ {
			if round >= s.config.UnprocessedRounds {
				return fmt.Errorf("dynamodb batch write on %s left %d rows unprocessed", s.config.Table, len(pending[s.config.Table]))
			}
			if round > 0 {
				if err := sleepContext(ctx, time.Duration(round)*unprocessedBackoff); err != nil {
					return err
				}
			}

			opCtx, cancel := s.withOperationTimeout(ctx)
			out, err := s.client.BatchWriteItem(opCtx, &dynamodb.BatchWriteItemInput{RequestItems: pending})
			cancel()
			if err != nil {
				return fmt.Errorf("dynamodb batch write on %s failed: %w", s.config.Table, err)
			}
			pending = nonEmptyWrites(out.UnprocessedItems)
		}
	}

	s.log.Info("inserted lock rows", "table", s.config.Table, "count", len(rows))
	return nil
}

// ListRecords scans the whole lock table.
func (s *DynamoStore) ListRecords(ctx context.Context) ([]Record, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	var records []Record
	paginator := dynamodb.NewScanPaginator(s.client, &dynamodb.ScanInput{
		TableName:      aws.String(s.config.Table),
		ConsistentRead: aws.Bool(s.config.ConsistentRead),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("dynamodb scan on %s failed: %w", s.config.Table, err)
		}
		var items []encodedRecord
		if err := attributevalue.UnmarshalListOfMaps(page.Items, &items); err != nil {
			return nil, errors.Join(storeError(ErrCorruptRecord, "unmarshal dynamodb items"), err)
		}
		for _, item := range items {
			record, err := item.decode()
			if err != nil {
				return nil, err
			}
			records = append(records, record)
		}
	}
	return records, nil
}

// CreateTable provisions the lock table (hash key product_arn, 30/20 capacity)
// and waits until it is active. An existing table is not an error.
func (s *DynamoStore) CreateTable(ctx context.Context) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	_, err := s.client.CreateTable(ctx, &dynamodb.CreateTableInput{
		TableName: aws.String(s.config.Table),
		AttributeDefinitions: []types.AttributeDefinition{
			{AttributeName: aws.String(AttrProviderID), AttributeType: types.ScalarAttributeTypeS},
		},
		KeySchema: []types.KeySchemaElement{
			{AttributeName: aws.String(AttrProviderID), KeyType: types.KeyTypeHash},
		},
		ProvisionedThroughput: &types.ProvisionedThroughput{
			ReadCapacityUnits:  aws.Int64(30),
			WriteCapacityUnits: aws.Int64(20),
		},
		StreamSpecification: &types.StreamSpecification{StreamEnabled: aws.Bool(false)},
	})
	if err != nil {
		var inUse *types.ResourceInUseException
		if errors.As(err, &inUse) {
			s.log.Info("lock table exists", "table", s.config.Table)
			return nil
		}
		return fmt.Errorf("create table %s failed: %w", s.config.Table, err)
	}

	s.log.Info("waiting for table creation", "table", s.config.Table)
	waiter := dynamodb.NewTableExistsWaiter(s.client)
	if err := waiter.Wait(ctx, &dynamodb.DescribeTableInput{TableName: aws.String(s.config.Table)}, tableCreateWait); err != nil {
		return fmt.Errorf("wait for table %s failed: %w", s.config.Table, err)
	}
	s.log.Info("table created", "table", s.config.Table)
	return nil
}

// HealthCheck describes the lock table.
func (s *DynamoStore) HealthCheck(ctx context.Context) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	hcCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if _, err := s.client.DescribeTable(hcCtx, &dynamodb.DescribeTableInput{TableName: aws.String(s.config.Table)}); err != nil {
		s.log.Error("dynamodb health check failed", "table", s.config.Table, "error", err)
		return fmt.Errorf("dynamodb health check failed: %w", err)
	}
	return nil
}

func (s *DynamoStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *DynamoStore) withOperationTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.config.OperationTimeout <= 0 {
		return ctx, func() {}
	}
	if _, hasDeadline := ctx.Deadline(); hasDeadline {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, s.config.OperationTimeout)
}

// IsThrottlingError reports whether err is a DynamoDB throughput rejection.
func IsThrottlingError(err error) bool {
	if err == nil {
		return false
	}
	var pte *types.ProvisionedThroughputExceededException
	return errors.As(err, &pte)
}

func nonEmptyKeys(in map[string]types.KeysAndAttributes) map[string]types.KeysAndAttributes {
	out := make(map[string]types.KeysAndAttributes, len(in))
	for table, keys := range in {
		if len(keys.Keys) > 0 {
			out[table] = keys
		}
	}
	return out
}

func nonEmptyWrites(in map[string][]types.WriteRequest) map[string][]types.WriteRequest {
	out := make(map[string][]types.WriteRequest, len(in))
	for table, writes := range in {
		if len(writes) > 0 {
			out[table] = writes
		}
	}
	return out
}

func lastWriteWins(records []Record) []Record {
	index := make(map[string]int, len(records))
	out := make([]Record, 0, len(records))
	for _, record := range records {
		if pos, ok := index[record.ProviderID]; ok {
			out[pos] = record
			continue
		}
		index[record.ProviderID] = len(out)
		out = append(out, record)
	}
	return out
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
