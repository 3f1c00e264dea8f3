package db

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrNoRecord is returned when a lookup or claim finds nothing.
var ErrNoRecord = errors.New("no record")

type ClaimNextRecordParams struct {
	// Now is stamped as the record's last operated time.
	Now time.Time
	// EligibleBefore excludes records operated on after this instant.
	EligibleBefore time.Time
}

type UpdateRecordStateParams struct {
	ID    uuid.UUID
	State State
}

type SaveSubscriberProgressParams struct {
	RecordID    uuid.UUID
	Subscribers []SubscriberProgress
}

type UpsertSubscriberProgressParams struct {
	RecordID   uuid.UUID
	Subscriber SubscriberProgress
}

type ListRecordsParams struct {
	// State filters by record state when non-empty.
	State State
	Limit int32
}

// Querier is the durable queue store.
type Querier interface {
	InsertRecord(ctx context.Context, arg Record) (Record, error)
	// ClaimNextRecord atomically moves the oldest READY or RETRY record to
	// PROCESSING and returns its contents as they were before the update.
	ClaimNextRecord(ctx context.Context, arg ClaimNextRecordParams) (Record, error)
	UpdateRecordState(ctx context.Context, arg UpdateRecordStateParams) error
	// SaveSubscriberProgress writes every given entry in a single operation.
	SaveSubscriberProgress(ctx context.Context, arg SaveSubscriberProgressParams) error
	// UpsertSubscriberProgress updates one entry by subscriber id, appending it
	// if the record has no entry for that subscriber.
	UpsertSubscriberProgress(ctx context.Context, arg UpsertSubscriberProgressParams) error
	GetRecordByID(ctx context.Context, id uuid.UUID) (Record, error)
	ListRecords(ctx context.Context, arg ListRecordsParams) ([]Record, error)
	// ResetStaleProcessing returns records stuck in PROCESSING since before the
	// given instant to RETRY, along with their PROCESSING subscribers.
	ResetStaleProcessing(ctx context.Context, before time.Time) (int64, error)
}
