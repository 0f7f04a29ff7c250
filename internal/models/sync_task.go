package models

import (
	"encoding/json"
	"time"
)

// QueueTargetID identifies an entity across an offline period.
// LocalID is always set; ServerID appears once the server acknowledged the entity.
type QueueTargetID struct {
	LocalID  string `json:"local_id"`
	ServerID string `json:"server_id,omitempty"`
}

// Confirmed reports whether the server identity is known.
func (t QueueTargetID) Confirmed() bool {
	return t.ServerID != ""
}

// QueuedWrite is one pending mutation.
type QueuedWrite struct {
	ID              string          `json:"id"`
	OperationID     string          `json:"operation_id"`
	EntityType      string          `json:"entity_type"`
	Op              Op              `json:"op"`
	Target          QueueTargetID   `json:"target"`
	Payload         json.RawMessage `json:"payload,omitempty"`
	ClientTimestamp time.Time       `json:"client_timestamp"`
	AttemptCount    int             `json:"attempt_count"`
	LastAttemptAt   *time.Time      `json:"last_attempt_at,omitempty"`
	Status          WriteStatus     `json:"status"`
	LastError       *string         `json:"last_error,omitempty"`
	// Exhausted is set when the attempt cap, not the server, ended the entry.
	Exhausted       bool            `json:"exhausted,omitempty"`
	RequestID       *string         `json:"request_id,omitempty"`
	Version         int             `json:"version"`
}

// Before orders entries by (ClientTimestamp, ID).
func (w *QueuedWrite) Before(other *QueuedWrite) bool {
	if !w.ClientTimestamp.Equal(other.ClientTimestamp) {
		return w.ClientTimestamp.Before(other.ClientTimestamp)
	}
	return w.ID < other.ID
}

// SyncCheckpoint marks a batch that was (or is about to be) transmitted.
type SyncCheckpoint struct {
	CheckpointID         string    `json:"checkpoint_id"`
	UserID               string    `json:"user_id"`
	HouseholdID          string    `json:"household_id,omitempty"`
	CreatedAt            time.Time `json:"created_at"`
	LastAttemptAt        time.Time `json:"last_attempt_at"`
	AttemptCount         int       `json:"attempt_count"`
	TTLMs                int64     `json:"ttl_ms"`
	RequestID            string    `json:"request_id"`
	InFlightOperationIDs []string  `json:"in_flight_operation_ids"`
	Version              int       `json:"version"`
}

// TTL returns the checkpoint lifetime as a duration.
func (c *SyncCheckpoint) TTL() time.Duration {
	return time.Duration(c.TTLMs) * time.Millisecond
}

// Expired reports whether the checkpoint has been open longer than its TTL.
func (c *SyncCheckpoint) Expired(now time.Time) bool {
	return now.Sub(c.CreatedAt) > c.TTL()
}

// IdentityMapping records the server identity assigned to a local entity.
type IdentityMapping struct {
	LocalID    string    `json:"local_id"`
	ServerID   string    `json:"server_id"`
	EntityType string    `json:"entity_type,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	Version    int       `json:"version"`
}

// IdentityPair is a {localId, serverId} pair returned by the server.
type IdentityPair struct {
	LocalID  string `json:"local_id"`
	ServerID string `json:"server_id"`
}
