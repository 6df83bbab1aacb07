package lockstore

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/nimburion/findings-scheduler/pkg/observability/logger"
)

// fakeDynamo keeps items in memory and can defer a number of keys or writes
// to UnprocessedKeys/UnprocessedItems on the first call.
type fakeDynamo struct {
	mu    sync.Mutex
	items map[string]encodedRecord

	unprocessedOnFirstGet   int
	unprocessedOnFirstWrite int
	alwaysUnprocessed       bool
	writeErr                error
	describeErr             error
	createErr               error

	getCalls   int
	writeCalls int
	getSizes   []int
	writeSizes []int
}

func newFakeDynamo(seed ...Record) *fakeDynamo {
	f := &fakeDynamo{items: map[string]encodedRecord{}}
	for _, record := range seed {
		f.items[record.ProviderID] = encodeRecord(record)
	}
	return f
}

func (f *fakeDynamo) BatchGetItem(_ context.Context, params *dynamodb.BatchGetItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.BatchGetItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.getCalls++

	out := &dynamodb.BatchGetItemOutput{
		Responses:       map[string][]map[string]types.AttributeValue{},
		UnprocessedKeys: map[string]types.KeysAndAttributes{},
	}
	for table, request := range params.RequestItems {
		f.getSizes = append(f.getSizes, len(request.Keys))
		keys := request.Keys
		if f.alwaysUnprocessed || (f.getCalls == 1 && f.unprocessedOnFirstGet > 0) {
			deferred := len(keys)
			if !f.alwaysUnprocessed {
				deferred = min(f.unprocessedOnFirstGet, len(keys))
			}
			out.UnprocessedKeys[table] = types.KeysAndAttributes{Keys: keys[:deferred], ConsistentRead: request.ConsistentRead}
			keys = keys[deferred:]
		}
		for _, key := range keys {
			id := key[AttrProviderID].(*types.AttributeValueMemberS).Value
			item, ok := f.items[id]
			if !ok {
				continue
			}
			av, err := attributevalue.MarshalMap(item)
			if err != nil {
				return nil, err
			}
			out.Responses[table] = append(out.Responses[table], av)
		}
	}
	return out, nil
}

func (f *fakeDynamo) BatchWriteItem(_ context.Context, params *dynamodb.BatchWriteItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.BatchWriteItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.writeCalls++
	if f.writeErr != nil {
		return nil, f.writeErr
	}

	out := &dynamodb.BatchWriteItemOutput{UnprocessedItems: map[string][]types.WriteRequest{}}
	for table, writes := range params.RequestItems {
		f.writeSizes = append(f.writeSizes, len(writes))
		if f.writeCalls == 1 && f.unprocessedOnFirstWrite > 0 {
			deferred := min(f.unprocessedOnFirstWrite, len(writes))
			out.UnprocessedItems[table] = writes[:deferred]
			writes = writes[deferred:]
		}
		for _, write := range writes {
			var item encodedRecord
			if err := attributevalue.UnmarshalMap(write.PutRequest.Item, &item); err != nil {
				return nil, err
			}
			f.items[item.ProviderID] = item
		}
	}
	return out, nil
}

func (f *fakeDynamo) DescribeTable(context.Context, *dynamodb.DescribeTableInput, ...func(*dynamodb.Options)) (*dynamodb.DescribeTableOutput, error) {
	if f.describeErr != nil {
		return nil, f.describeErr
	}
	return &dynamodb.DescribeTableOutput{Table: &types.TableDescription{TableStatus: types.TableStatusActive}}, nil
}

func (f *fakeDynamo) CreateTable(context.Context, *dynamodb.CreateTableInput, ...func(*dynamodb.Options)) (*dynamodb.CreateTableOutput, error) {
	if f.createErr != nil {
		return nil, f.createErr
	}
	return &dynamodb.CreateTableOutput{}, nil
}

func (f *fakeDynamo) Scan(context.Context, *dynamodb.ScanInput, ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := &dynamodb.ScanOutput{}
	for _, item := range f.items {
		av, err := attributevalue.MarshalMap(item)
		if err != nil {
			return nil, err
		}
		out.Items = append(out.Items, av)
	}
	return out, nil
}

func newTestDynamoStore(t *testing.T, client dynamoAPI) *DynamoStore {
	t.Helper()
	store, err := newDynamoStoreWithClient(client, DynamoConfig{Table: "locks", ConsistentRead: true}, logger.NewNop())
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	return store
}

func TestNewDynamoStoreValidation(t *testing.T) {
	if _, err := newDynamoStoreWithClient(nil, DynamoConfig{Table: "locks"}, logger.NewNop()); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("expected ErrInvalidArgument for nil client, got %v", err)
	}
	if _, err := newDynamoStoreWithClient(newFakeDynamo(), DynamoConfig{Table: " "}, logger.NewNop()); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("expected ErrInvalidArgument for empty table, got %v", err)
	}
	if _, err := NewDynamoStore(context.Background(), DynamoConfig{Table: "locks"}, logger.NewNop()); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("expected ErrInvalidArgument for missing region, got %v", err)
	}
}

func TestDynamoStoreBatchGetReturnsOnlyExistingRows(t *testing.T) {
	locked := NewRecord("p1")
	locked.Locked = true
	store := newTestDynamoStore(t, newFakeDynamo(locked))

	records, err := store.BatchGet(context.Background(), []string{"p1", "p2"})
	if err != nil {
		t.Fatalf("batch get: %v", err)
	}
	if len(records) != 1 || records[0].ProviderID != "p1" || !records[0].Locked {
		t.Fatalf("unexpected records %+v", records)
	}
}

func TestDynamoStoreBatchGetChunksAndResubmitsUnprocessedKeys(t *testing.T) {
	ids := make([]string, 0, 150)
	var seed []Record
	for i := range 150 {
		id := fmt.Sprintf("p%03d", i)
		ids = append(ids, id)
		seed = append(seed, NewRecord(id))
	}
	fake := newFakeDynamo(seed...)
	fake.unprocessedOnFirstGet = 10
	store := newTestDynamoStore(t, fake)

	records, err := store.BatchGet(context.Background(), ids)
	if err != nil {
		t.Fatalf("batch get: %v", err)
	}
	if len(records) != 150 {
		t.Fatalf("expected 150 rows, got %d", len(records))
	}
	if fake.getCalls != 3 {
		t.Fatalf("expected 3 calls (2 chunks + 1 resubmission), got %d", fake.getCalls)
	}
	for _, size := range fake.getSizes {
		if size > maxBatchGetKeys {
			t.Fatalf("request exceeded %d keys: %d", maxBatchGetKeys, size)
		}
	}
}

func TestDynamoStoreBatchGetGivesUpAfterBoundedRounds(t *testing.T) {
	fake := newFakeDynamo(NewRecord("p1"))
	fake.alwaysUnprocessed = true
	store, err := newDynamoStoreWithClient(fake, DynamoConfig{Table: "locks", UnprocessedRounds: 2}, logger.NewNop())
	if err != nil {
		t.Fatalf("new store: %v", err)
	}

	if _, err := store.BatchGet(context.Background(), []string{"p1"}); err == nil {
		t.Fatal("expected error when keys stay unprocessed")
	}
	if fake.getCalls != 2 {
		t.Fatalf("expected 2 attempts, got %d", fake.getCalls)
	}
}

func TestDynamoStoreBatchPutChunksAndResubmitsUnprocessedItems(t *testing.T) {
	fake := newFakeDynamo()
	fake.unprocessedOnFirstWrite = 3
	store := newTestDynamoStore(t, fake)

	records := make([]Record, 0, 30)
	for i := range 30 {
		records = append(records, NewRecord(fmt.Sprintf("p%02d", i)))
	}
	if err := store.BatchPut(context.Background(), records); err != nil {
		t.Fatalf("batch put: %v", err)
	}
	if len(fake.items) != 30 {
		t.Fatalf("expected 30 stored rows, got %d", len(fake.items))
	}
	if fake.writeCalls != 3 {
		t.Fatalf("expected 3 write calls, got %d", fake.writeCalls)
	}
	for _, size := range fake.writeSizes {
		if size > maxBatchWriteRows {
			t.Fatalf("request exceeded %d rows: %d", maxBatchWriteRows, size)
		}
	}
}

func TestDynamoStoreBatchPutPropagatesFailure(t *testing.T) {
	fake := newFakeDynamo()
	fake.writeErr = errors.New("throttled")
	store := newTestDynamoStore(t, fake)

	err := store.BatchPut(context.Background(), []Record{NewRecord("p1")})
	if err == nil || !errors.Is(err, fake.writeErr) {
		t.Fatalf("expected wrapped write error, got %v", err)
	}
}

func TestDynamoStoreListRecords(t *testing.T) {
	store := newTestDynamoStore(t, newFakeDynamo(NewRecord("p1"), NewRecord("p2")))
	records, err := store.ListRecords(context.Background())
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("expected 2 rows, got %d", len(records))
	}
}

func TestDynamoStoreCreateTableTreatsExistingTableAsSuccess(t *testing.T) {
	fake := newFakeDynamo()
	fake.createErr = &types.ResourceInUseException{Message: aws.String("Table already exists")}
	store := newTestDynamoStore(t, fake)

	if err := store.CreateTable(context.Background()); err != nil {
		t.Fatalf("expected existing table to be accepted, got %v", err)
	}
}

func TestDynamoStoreHealthCheckAndClose(t *testing.T) {
	fake := newFakeDynamo()
	store := newTestDynamoStore(t, fake)
	if err := store.HealthCheck(context.Background()); err != nil {
		t.Fatalf("health check: %v", err)
	}

	fake.describeErr = errors.New("unreachable")
	if err := store.HealthCheck(context.Background()); err == nil {
		t.Fatal("expected health check failure")
	}

	if err := store.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if _, err := store.BatchGet(context.Background(), []string{"p1"}); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}

func TestIsThrottlingError(t *testing.T) {
	if IsThrottlingError(nil) {
		t.Fatal("nil is not throttling")
	}
	err := fmt.Errorf("wrapped: %w", &types.ProvisionedThroughputExceededException{})
	if !IsThrottlingError(err) {
		t.Fatal("expected throttling error to be detected")
	}
}
