package models

import "time"

// WriteStatus is the persisted state of a QueuedWrite.
type WriteStatus string

const (
	StatusPending         WriteStatus = "PENDING"
	StatusRetrying        WriteStatus = "RETRYING"
	StatusFailedPermanent WriteStatus = "FAILED_PERMANENT"
)

// Active reports whether the entry is still eligible for automatic batches.
func (s WriteStatus) Active() bool {
	return s == StatusPending || s == StatusRetrying
}

// Op is the kind of mutation carried by a QueuedWrite.
type Op string

const (
	OpCreate Op = "create"
	OpUpdate Op = "update"
	OpDelete Op = "delete"
)

func (o Op) Valid() bool {
	switch o {
	case OpCreate, OpUpdate, OpDelete:
		return true
	}
	return false
}

// Entity kinds known to the household client. The queue treats them as opaque tags.
const (
	EntityShoppingList = "shopping_list"
	EntityShoppingItem = "shopping_item"
	EntityRecipe       = "recipe"
	EntityChore        = "chore"
	EntityAttachment   = "attachment"
)

const (
	// CurrentRecordVersion is stamped by every writer.
	CurrentRecordVersion = 1

	// LegacyRecordVersion is assumed for records written without a version field.
	LegacyRecordVersion = 1

	DefaultMaxAttempts   = 8
	DefaultInitialDelay  = 2 * time.Second
	DefaultMaxDelay      = 5 * time.Minute
	DefaultBackoffFactor = 2.0
	DefaultBatchSize     = 50
	DefaultCheckpointTTL = 10 * time.Minute
	DefaultSyncInterval  = 5 * time.Second
	DefaultSyncMaxIdle   = 2 * time.Minute
	DefaultBatchTimeout  = 30 * time.Second
	DefaultUploadRefill  = 0.2
	DefaultUploadBurst   = 5
)
