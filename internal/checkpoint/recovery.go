package checkpoint

import (
	"context"
	"time"

	"hearthsync/internal/events"
	"hearthsync/internal/metrics"
	"hearthsync/internal/models"
)

// Resolution says how a leftover checkpoint was resolved at startup.
type Resolution string

const (
	// ResolutionExpired: open longer than its TTL, every operation is retried.
	ResolutionExpired Resolution = "expired"
	// ResolutionResolved: the server reported the batch outcome.
	ResolutionResolved Resolution = "resolved"
	// ResolutionUnknown: within TTL but the outcome could not be learned.
	ResolutionUnknown Resolution = "unknown"
)

// UnknownOutcomeReason is recorded on entries retried because their batch was interrupted.
const UnknownOutcomeReason = "outcome unknown after interrupted batch"

// RecoveredBatch is one leftover checkpoint and what to do with its operations.
type RecoveredBatch struct {
	Checkpoint models.SyncCheckpoint
	Resolution Resolution
	Result     models.BatchResult
}

// Outcome returns the outcome to apply to operationID. Unresolved batches,
// and operations a resolved batch does not mention, are transient.
func (b RecoveredBatch) Outcome(operationID string) models.OperationOutcome {
	if b.Resolution == ResolutionResolved {
		return b.Result.Outcome(operationID)
	}
	return models.OperationOutcome{OperationID: operationID, Kind: models.OutcomeTransient, Reason: UnknownOutcomeReason}
}

// RecoveryPlan lists every checkpoint found at startup. The caller applies
// the outcomes to the queue and then closes each checkpoint.
type RecoveryPlan struct {
	Batches []RecoveredBatch
}

func (p *RecoveryPlan) Empty() bool { return p == nil || len(p.Batches) == 0 }

// RetryOperationIDs lists the operations whose outcome stays unknown.
func (p *RecoveryPlan) RetryOperationIDs() []string {
	if p == nil {
		return nil
	}
	var ids []string
	for _, b := range p.Batches {
		for _, id := range b.Checkpoint.InFlightOperationIDs {
			if b.Outcome(id).Kind == models.OutcomeTransient {
				ids = append(ids, id)
			}
		}
	}
	return ids
}

// RecoverOnStartup inspects every persisted checkpoint of the scope. Expired
// checkpoints are retried wholesale. Fresh ones are re-queried through the
// OutcomeQuerier when one is configured; any query failure falls back to retry.
// The coordinator lock is released before any query so enqueues never wait on
// the network.
func (c *Coordinator) RecoverOnStartup(ctx context.Context) (*RecoveryPlan, error) {
	batches, now, err := c.snapshotForRecovery(ctx)
	if err != nil {
		return nil, err
	}

	plan := &RecoveryPlan{}
	for i := range batches {
		batch := batches[i]
		cp := batch.Checkpoint

		if batch.Resolution == ResolutionUnknown && c.querier != nil {
			result, known, err := c.querier.QueryOutcome(ctx, cp.RequestID)
			switch {
			case err != nil:
				c.logger.Warn().Err(err).
					Str("checkpoint_id", cp.CheckpointID).
					Str("request_id", cp.RequestID).
					Msg("outcome query failed, retrying batch")
			case known:
				batch.Resolution = ResolutionResolved
				batch.Result = result
			}
		}

		c.logger.Info().
			Str("checkpoint_id", cp.CheckpointID).
			Str("request_id", cp.RequestID).
			Str("resolution", string(batch.Resolution)).
			Int("operations", len(cp.InFlightOperationIDs)).
			Dur("age", now.Sub(cp.CreatedAt)).
			Msg("recovering checkpoint")
		metrics.IncRecovery(string(batch.Resolution))
		c.publish(events.EventCheckpointRecovered, &batch.Checkpoint, batch.Resolution)
		plan.Batches = append(plan.Batches, batch)
	}
	return plan, nil
}

// snapshotForRecovery lists the open checkpoints and records a resolution
// attempt on every fresh one that is about to be queried.
func (c *Coordinator) snapshotForRecovery(ctx context.Context) ([]RecoveredBatch, time.Time, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now().UTC()
	open, err := c.list(ctx)
	if err != nil {
		return nil, now, err
	}

	batches := make([]RecoveredBatch, 0, len(open))
	for _, cp := range open {
		batch := RecoveredBatch{Checkpoint: cp, Resolution: ResolutionUnknown}
		switch {
		case cp.Expired(now):
			batch.Resolution = ResolutionExpired
		case c.querier != nil:
			bumped, err := c.markAttempt(ctx, cp.CheckpointID)
			if err != nil {
				return nil, now, err
			}
			batch.Checkpoint = *bumped
		}
		batches = append(batches, batch)
	}
	return batches, now, nil
}
