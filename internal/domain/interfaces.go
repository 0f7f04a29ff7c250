package domain

import (
	"context"
	"time"

	"hearthsync/internal/models"
)

// RecordStore is the durable key/value storage backing the queue.
// Each call is atomic for a single record; no multi-record transaction is assumed.
type RecordStore interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Put(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
	ListByPrefix(ctx context.Context, prefix string) ([]Record, error)
	Close() error
}

// Record is one key/value pair returned by ListByPrefix.
type Record struct {
	Key   string
	Value []byte
}

// Transport delivers a batch of operations to the server of record.
type Transport interface {
	SendBatch(ctx context.Context, requestID string, ops []models.QueuedWrite) (models.BatchResult, error)
}

// OutcomeQuerier looks up the outcome of an earlier request.
// known is false when the server has no record of requestID.
type OutcomeQuerier interface {
	QueryOutcome(ctx context.Context, requestID string) (result models.BatchResult, known bool, err error)
}

// Importer bulk-imports previously local-only entities into an account.
type Importer interface {
	Import(ctx context.Context, req models.ImportRequest) (models.ImportResponse, error)
}

// UploadLimiter is consulted before binary uploads are enqueued.
type UploadLimiter interface {
	Check(subjectID string, now time.Time) models.RateDecision
}

type EventPublisher interface {
	PublishJSON(eventType string, payload interface{}) error
}
