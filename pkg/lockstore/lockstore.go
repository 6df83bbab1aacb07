// Package lockstore persists the per-provider lock rows that keep at most one
// processing task in flight per provider.
package lockstore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nimburion/findings-scheduler/pkg/timewindow"
)

// Attribute names shared by every persistent backend.
const (
	AttrProviderID      = "product_arn"
	AttrLocked          = "is_locked"
	AttrLastLockedAt    = "last_locked_date"
	AttrLastProcessedAt = "last_event_date"
)

var (
	// ErrInvalidArgument classifies invalid caller arguments.
	ErrInvalidArgument = errors.New("lockstore invalid argument")
	// ErrClosed classifies operations performed on closed stores.
	ErrClosed = errors.New("lockstore closed")
	// ErrCorruptRecord classifies rows that cannot be decoded.
	ErrCorruptRecord = errors.New("lockstore corrupt record")
)

func storeError(kind error, message string) error {
	if message == "" {
		return kind
	}
	return fmt.Errorf("%w: %s", kind, message)
}

// Record is the persisted lock row of one provider.
type Record struct {
	ProviderID      string    `json:"provider_id"`
	Locked          bool      `json:"is_locked"`
	LastLockedAt    time.Time `json:"last_locked_at"`
	LastProcessedAt time.Time `json:"last_processed_at"`
}

// NewRecord returns the placeholder row for a provider seen for the first time.
func NewRecord(providerID string) Record {
	epoch := timewindow.EpochZero()
	return Record{
		ProviderID:      providerID,
		Locked:          false,
		LastLockedAt:    epoch,
		LastProcessedAt: epoch,
	}
}

// Validate checks the fields every backend relies on.
func (r Record) Validate() error {
	if strings.TrimSpace(r.ProviderID) == "" {
		return storeError(ErrInvalidArgument, "provider id is required")
	}
	return nil
}

// Store is a durable map from provider id to lock row.
type Store interface {
	// BatchGet returns the rows found for ids. Missing ids are simply absent.
	BatchGet(ctx context.Context, ids []string) ([]Record, error)
	// BatchPut upserts rows. Either the whole call succeeds or an error is returned.
	BatchPut(ctx context.Context, records []Record) error
	HealthCheck(ctx context.Context) error
	Close() error
}

// Lister is implemented by stores able to enumerate every row (operator tooling).
type Lister interface {
	ListRecords(ctx context.Context) ([]Record, error)
}

// encodedRecord is the string/number form shared by the DynamoDB, Redis and
// Postgres backends.
type encodedRecord struct {
	ProviderID      string `dynamodbav:"product_arn"`
	Locked          int    `dynamodbav:"is_locked"`
	LastLockedAt    string `dynamodbav:"last_locked_date"`
	LastProcessedAt string `dynamodbav:"last_event_date"`
}

func encodeRecord(r Record) encodedRecord {
	locked := 0
	if r.Locked {
		locked = 1
	}
	return encodedRecord{
		ProviderID:      r.ProviderID,
		Locked:          locked,
		LastLockedAt:    timewindow.Format(r.LastLockedAt),
		LastProcessedAt: timewindow.Format(r.LastProcessedAt),
	}
}

func (e encodedRecord) decode() (Record, error) {
	if strings.TrimSpace(e.ProviderID) == "" {
		return Record{}, storeError(ErrCorruptRecord, "missing "+AttrProviderID)
	}
	lockedAt, err := decodeTimestamp(e.LastLockedAt)
	if err != nil {
		return Record{}, errors.Join(storeError(ErrCorruptRecord, fmt.Sprintf("%s %s", e.ProviderID, AttrLastLockedAt)), err)
	}
	processedAt, err := decodeTimestamp(e.LastProcessedAt)
	if err != nil {
		return Record{}, errors.Join(storeError(ErrCorruptRecord, fmt.Sprintf("%s %s", e.ProviderID, AttrLastProcessedAt)), err)
	}
	return Record{
		ProviderID:      e.ProviderID,
		Locked:          e.Locked != 0,
		LastLockedAt:    lockedAt,
		LastProcessedAt: processedAt,
	}, nil
}

// Missing timestamps fall back to epoch zero so a half-written row is still
// processed from the beginning rather than rejected forever.
func decodeTimestamp(raw string) (time.Time, error) {
	if strings.TrimSpace(raw) == "" {
		return timewindow.EpochZero(), nil
	}
	return timewindow.Parse(raw)
}

func uniqueIDs(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

func validateRecords(records []Record) error {
	var errs []error
	for idx, record := range records {
		if err := record.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("record %d: %w", idx, err))
		}
	}
	return errors.Join(errs...)
}
