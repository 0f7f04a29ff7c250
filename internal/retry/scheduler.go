package retry

import (
	"fmt"
	"time"

	"hearthsync/internal/models"
)

// Decision is what the queue must do with an entry after an attempt.
type Decision int

const (
	// DecisionRemove means the server confirmed the operation.
	DecisionRemove Decision = iota
	DecisionRetry
	DecisionFail
)

func (d Decision) String() string {
	switch d {
	case DecisionRemove:
		return "remove"
	case DecisionRetry:
		return "retry"
	case DecisionFail:
		return "fail"
	default:
		return "unknown"
	}
}

// Apply moves w through the status machine for one attempt outcome and
// returns the resulting decision. w is modified in place; a DecisionRemove
// entry is expected to be deleted rather than persisted.
func (p Policy) Apply(w *models.QueuedWrite, out models.OperationOutcome, now time.Time) Decision {
	w.AttemptCount++
	at := now
	w.LastAttemptAt = &at

	switch out.Kind {
	case models.OutcomeConfirmed:
		if out.ServerID != "" && w.Target.ServerID == "" {
			w.Target.ServerID = out.ServerID
		}
		return DecisionRemove

	case models.OutcomeRejected:
		w.Status = models.StatusFailedPermanent
		w.LastError = strPtr(reasonOr(out.Reason, "rejected by server"))
		return DecisionFail

	default:
		reason := reasonOr(out.Reason, "transient failure")
		if p.Exhausted(w.AttemptCount) {
			w.Status = models.StatusFailedPermanent
			w.Exhausted = true
			w.LastError = strPtr(fmt.Sprintf("gave up after %d attempts: %s", w.AttemptCount, reason))
			return DecisionFail
		}
		w.Status = models.StatusRetrying
		w.LastError = strPtr(reason)
		return DecisionRetry
	}
}

// FailDependent marks an entry permanently failed because the create it
// depends on failed permanently. The attempt counter is untouched.
func FailDependent(w *models.QueuedWrite, createOpID string) {
	w.Status = models.StatusFailedPermanent
	w.LastError = strPtr(fmt.Sprintf("create %s failed permanently", createOpID))
}

// SelectBatch picks up to limit entries for the next transmission from entries,
// which must be sorted by (ClientTimestamp, ID) and may include failed ones.
//
// Entries for one localId go out in order: once an entry for a localId is
// skipped, every later entry for it waits too. Non-create entries without a
// serverId wait while a create for the same localId is still queued.
func (p Policy) SelectBatch(entries []models.QueuedWrite, now time.Time, limit int) []models.QueuedWrite {
	creates := make(map[string]bool)
	for i := range entries {
		if entries[i].Op == models.OpCreate {
			creates[entries[i].Target.LocalID] = true
		}
	}

	blocked := make(map[string]bool)
	size := len(entries)
	if limit > 0 && limit < size {
		size = limit
	}
	batch := make([]models.QueuedWrite, 0, size)

	for i := range entries {
		w := &entries[i]
		local := w.Target.LocalID
		if blocked[local] {
			continue
		}
		if !w.Status.Active() {
			continue
		}
		if w.Op != models.OpCreate && !w.Target.Confirmed() && creates[local] {
			blocked[local] = true
			continue
		}
		if !p.Eligible(w, now) {
			blocked[local] = true
			continue
		}

		batch = append(batch, *w)
		if w.Op == models.OpCreate {
			// later entries need the server id this create will produce
			blocked[local] = true
		}
		if limit > 0 && len(batch) >= limit {
			break
		}
	}
	return batch
}

// NextWake returns the earliest eligibility time among active entries, or
// the zero time when nothing is waiting on backoff.
func (p Policy) NextWake(entries []models.QueuedWrite, now time.Time) time.Time {
	var next time.Time
	for i := range entries {
		if !entries[i].Status.Active() {
			continue
		}
		at := p.EligibleAt(&entries[i])
		if !at.After(now) {
			return now
		}
		if next.IsZero() || at.Before(next) {
			next = at
		}
	}
	return next
}

func reasonOr(reason, fallback string) string {
	if reason == "" {
		return fallback
	}
	return reason
}

func strPtr(s string) *string { return &s }
