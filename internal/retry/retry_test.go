package retry

import (
	"fmt"
	"testing"
	"time"

	"hearthsync/internal/config"
	"hearthsync/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func entry(id, local string, op models.Op, offset time.Duration) models.QueuedWrite {
	return models.QueuedWrite{
		ID:              id,
		OperationID:     "op-" + id,
		EntityType:      models.EntityShoppingItem,
		Op:              op,
		Target:          models.QueueTargetID{LocalID: local},
		ClientTimestamp: t0.Add(offset),
		Status:          models.StatusPending,
	}
}

func ids(ws []models.QueuedWrite) []string {
	out := make([]string, 0, len(ws))
	for _, w := range ws {
		out = append(out, w.ID)
	}
	return out
}

func TestNextDelay(t *testing.T) {
	p := Policy{InitialDelay: time.Second, MaxDelay: 10 * time.Second, BackoffFactor: 2}

	assert.Equal(t, time.Second, p.NextDelay(0))
	assert.Equal(t, time.Second, p.NextDelay(1))
	assert.Equal(t, 2*time.Second, p.NextDelay(2))
	assert.Equal(t, 4*time.Second, p.NextDelay(3))
	assert.Equal(t, 10*time.Second, p.NextDelay(5))
	assert.Equal(t, 10*time.Second, p.NextDelay(500))
}

func TestNextDelayDefaults(t *testing.T) {
	p := Policy{}
	assert.Equal(t, time.Second, p.NextDelay(1))
	assert.Equal(t, 2*time.Second, p.NextDelay(2))
	assert.Positive(t, p.NextDelay(1000), "unbounded policy must not overflow into negative delays")
}

func TestBackoffMonotonicUntilCap(t *testing.T) {
	p := Policy{MaxAttempts: 6, InitialDelay: 300 * time.Millisecond, MaxDelay: 4 * time.Second, BackoffFactor: 1.7}
	w := entry("1", "L", models.OpUpdate, 0)

	var last time.Duration
	now := t0
	for i := 1; i < p.MaxAttempts; i++ {
		d := p.Apply(&w, models.OperationOutcome{Kind: models.OutcomeTransient, Reason: "503"}, now)
		require.Equal(t, DecisionRetry, d, "attempt %d", i)
		assert.Equal(t, models.StatusRetrying, w.Status)
		assert.Equal(t, i, w.AttemptCount)

		delay := p.NextDelay(w.AttemptCount)
		assert.GreaterOrEqual(t, delay, last)
		assert.LessOrEqual(t, delay, p.MaxDelay)
		last = delay
		now = now.Add(delay)
	}

	d := p.Apply(&w, models.OperationOutcome{Kind: models.OutcomeTransient, Reason: "503"}, now)
	assert.Equal(t, DecisionFail, d)
	assert.Equal(t, models.StatusFailedPermanent, w.Status)
	assert.Equal(t, p.MaxAttempts, w.AttemptCount)
	assert.True(t, w.Exhausted)
	require.NotNil(t, w.LastError)
	assert.Contains(t, *w.LastError, "503")
}

func TestApply(t *testing.T) {
	p := DefaultPolicy()

	t.Run("confirmed", func(t *testing.T) {
		w := entry("1", "L", models.OpCreate, 0)
		d := p.Apply(&w, models.OperationOutcome{Kind: models.OutcomeConfirmed, ServerID: "S"}, t0)
		assert.Equal(t, DecisionRemove, d)
		assert.Equal(t, "S", w.Target.ServerID)
		assert.Equal(t, "L", w.Target.LocalID)
	})

	t.Run("rejected", func(t *testing.T) {
		w := entry("1", "L", models.OpUpdate, 0)
		d := p.Apply(&w, models.OperationOutcome{Kind: models.OutcomeRejected, Reason: "name too long"}, t0)
		assert.Equal(t, DecisionFail, d)
		assert.Equal(t, models.StatusFailedPermanent, w.Status)
		assert.Equal(t, 1, w.AttemptCount)
		require.NotNil(t, w.LastAttemptAt)
		assert.True(t, w.LastAttemptAt.Equal(t0))
		assert.Equal(t, "name too long", *w.LastError)
	})

	t.Run("transient keeps operation id", func(t *testing.T) {
		w := entry("1", "L", models.OpUpdate, 0)
		d := p.Apply(&w, models.OperationOutcome{Kind: models.OutcomeTransient}, t0)
		assert.Equal(t, DecisionRetry, d)
		assert.Equal(t, "op-1", w.OperationID)
		assert.Equal(t, "transient failure", *w.LastError)
	})
}

func TestFromConfig(t *testing.T) {
	p := FromConfig(config.QueueConfig{MaxAttempts: 3, InitialDelay: time.Second, MaxDelay: time.Minute, BackoffFactor: 3})
	assert.Equal(t, Policy{MaxAttempts: 3, InitialDelay: time.Second, MaxDelay: time.Minute, BackoffFactor: 3}, p)
	assert.True(t, p.Exhausted(3))
	assert.False(t, p.Exhausted(2))
	assert.False(t, Policy{}.Exhausted(1000))
}

func TestEligible(t *testing.T) {
	p := Policy{InitialDelay: 10 * time.Second, MaxDelay: time.Minute, BackoffFactor: 2}
	w := entry("1", "L", models.OpUpdate, 0)
	assert.True(t, p.Eligible(&w, t0))

	p.Apply(&w, models.OperationOutcome{Kind: models.OutcomeTransient}, t0)
	assert.False(t, p.Eligible(&w, t0.Add(9*time.Second)))
	assert.True(t, p.Eligible(&w, t0.Add(10*time.Second)))

	w.Status = models.StatusFailedPermanent
	assert.False(t, p.Eligible(&w, t0.Add(time.Hour)))
}

func TestSelectBatchOrderAndLimit(t *testing.T) {
	p := DefaultPolicy()
	var entries []models.QueuedWrite
	for i := 0; i < 5; i++ {
		entries = append(entries, entry(fmt.Sprintf("%d", i), fmt.Sprintf("L%d", i), models.OpUpdate, time.Duration(i)*time.Second))
	}

	assert.Equal(t, []string{"0", "1", "2"}, ids(p.SelectBatch(entries, t0, 3)))
	assert.Len(t, p.SelectBatch(entries, t0, 0), 5)
}

func TestSelectBatchPerEntityOrder(t *testing.T) {
	p := Policy{InitialDelay: time.Minute, MaxDelay: time.Hour, BackoffFactor: 2}

	first := entry("a", "L", models.OpUpdate, 0)
	first.Target.ServerID = "S"
	p.Apply(&first, models.OperationOutcome{Kind: models.OutcomeTransient}, t0)

	second := entry("b", "L", models.OpUpdate, time.Second)
	second.Target.ServerID = "S"
	other := entry("c", "M", models.OpUpdate, 2*time.Second)

	batch := p.SelectBatch([]models.QueuedWrite{first, second, other}, t0.Add(time.Second), 10)
	assert.Equal(t, []string{"c"}, ids(batch), "later entry for L must wait behind the backing-off one")

	batch = p.SelectBatch([]models.QueuedWrite{first, second, other}, t0.Add(2*time.Minute), 10)
	assert.Equal(t, []string{"a", "b", "c"}, ids(batch))
}

func TestSelectBatchCreateGating(t *testing.T) {
	p := DefaultPolicy()
	create := entry("1", "L", models.OpCreate, 0)
	update := entry("2", "L", models.OpUpdate, time.Second)
	confirmed := entry("3", "M", models.OpUpdate, 2*time.Second)
	confirmed.Target.ServerID = "SM"

	batch := p.SelectBatch([]models.QueuedWrite{create, update, confirmed}, t0, 10)
	assert.Equal(t, []string{"1", "3"}, ids(batch))

	// a rejected create keeps its dependents out of every batch
	create.Status = models.StatusFailedPermanent
	batch = p.SelectBatch([]models.QueuedWrite{create, update, confirmed}, t0, 10)
	assert.Equal(t, []string{"3"}, ids(batch))

	// once reconciled the update travels on its own
	update.Target.ServerID = "S"
	batch = p.SelectBatch([]models.QueuedWrite{update}, t0, 10)
	assert.Equal(t, []string{"2"}, ids(batch))
}

func TestSelectBatchSkipsFailedWithoutBlocking(t *testing.T) {
	p := DefaultPolicy()
	failed := entry("1", "L", models.OpUpdate, 0)
	failed.Target.ServerID = "S"
	failed.Status = models.StatusFailedPermanent
	next := entry("2", "L", models.OpUpdate, time.Second)
	next.Target.ServerID = "S"

	assert.Equal(t, []string{"2"}, ids(p.SelectBatch([]models.QueuedWrite{failed, next}, t0, 10)))
}

func TestFailDependent(t *testing.T) {
	w := entry("2", "L", models.OpUpdate, 0)
	FailDependent(&w, "op-1")
	assert.Equal(t, models.StatusFailedPermanent, w.Status)
	assert.Equal(t, 0, w.AttemptCount)
	assert.Contains(t, *w.LastError, "op-1")
}

func TestNextWake(t *testing.T) {
	p := Policy{InitialDelay: 10 * time.Second, MaxDelay: time.Minute, BackoffFactor: 2}

	assert.True(t, p.NextWake(nil, t0).IsZero())

	a := entry("a", "L", models.OpUpdate, 0)
	p.Apply(&a, models.OperationOutcome{Kind: models.OutcomeTransient}, t0)
	b := entry("b", "M", models.OpUpdate, 0)
	p.Apply(&b, models.OperationOutcome{Kind: models.OutcomeTransient}, t0)
	p.Apply(&b, models.OperationOutcome{Kind: models.OutcomeTransient}, t0)

	assert.Equal(t, t0.Add(10*time.Second), p.NextWake([]models.QueuedWrite{b, a}, t0))

	fresh := entry("c", "N", models.OpUpdate, 0)
	assert.Equal(t, t0, p.NextWake([]models.QueuedWrite{b, fresh}, t0))
}

func TestDecisionString(t *testing.T) {
	assert.Equal(t, "remove", DecisionRemove.String())
	assert.Equal(t, "retry", DecisionRetry.String())
	assert.Equal(t, "fail", DecisionFail.String())
	assert.Equal(t, "unknown", Decision(42).String())
}
