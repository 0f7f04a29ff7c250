package models

import (
	"encoding/json"
	"time"
)

// OutcomeKind classifies the server's answer for one operation.
type OutcomeKind string

const (
	OutcomeConfirmed OutcomeKind = "confirmed"
	OutcomeRejected  OutcomeKind = "rejected"
	OutcomeTransient OutcomeKind = "transient"
)

// OperationOutcome is the result for a single operationId within a batch.
type OperationOutcome struct {
	OperationID string      `json:"operation_id"`
	Kind        OutcomeKind `json:"status"`
	ServerID    string      `json:"server_id,omitempty"`
	Reason      string      `json:"reason,omitempty"`
}

// BatchResult maps operationId to its outcome.
type BatchResult map[string]OperationOutcome

// Outcome returns the result for an operation. Operations the server did not
// mention are transient: their fate is unknown and they must be resent.
func (r BatchResult) Outcome(operationID string) OperationOutcome {
	if out, ok := r[operationID]; ok {
		return out
	}
	return OperationOutcome{OperationID: operationID, Kind: OutcomeTransient, Reason: "no result for operation"}
}

// NewBatchResult indexes a list of outcomes by operation id.
func NewBatchResult(outcomes []OperationOutcome) BatchResult {
	res := make(BatchResult, len(outcomes))
	for _, o := range outcomes {
		res[o.OperationID] = o
	}
	return res
}

// UniformResult gives every operation the same outcome.
func UniformResult(operationIDs []string, kind OutcomeKind, reason string) BatchResult {
	res := make(BatchResult, len(operationIDs))
	for _, id := range operationIDs {
		res[id] = OperationOutcome{OperationID: id, Kind: kind, Reason: reason}
	}
	return res
}

// ImportEntity is a local-only entity offered for import.
type ImportEntity struct {
	LocalID    string          `json:"local_id"`
	EntityType string          `json:"entity_type"`
	Payload    json.RawMessage `json:"payload,omitempty"`
}

// ImportRequest asks the server to adopt local-only entities into an account.
type ImportRequest struct {
	UserID      string         `json:"user_id"`
	HouseholdID string         `json:"household_id,omitempty"`
	Entities    []ImportEntity `json:"entities"`
}

// ImportResponse lists the server identities assigned during an import.
type ImportResponse struct {
	Pairs []IdentityPair `json:"pairs"`
}

// RateDecision is the answer of the upload rate limiter.
type RateDecision struct {
	Allowed    bool
	RetryAfter time.Duration
}

// RetryAfterSeconds rounds the suggested wait up to whole seconds.
func (d RateDecision) RetryAfterSeconds() int {
	if d.Allowed || d.RetryAfter <= 0 {
		return 0
	}
	secs := int(d.RetryAfter / time.Second)
	if d.RetryAfter%time.Second != 0 {
		secs++
	}
	return secs
}
