package export

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"hearthsync/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"
)

type stubWrites struct {
	writes []models.QueuedWrite
	err    error
}

func (s stubWrites) ListAll(ctx context.Context) ([]models.QueuedWrite, error) { return s.writes, s.err }

type stubCheckpoints []models.SyncCheckpoint

func (s stubCheckpoints) List(ctx context.Context) ([]models.SyncCheckpoint, error) { return s, nil }

func TestWriteQueueReport(t *testing.T) {
	now := time.Date(2026, 5, 1, 9, 30, 0, 0, time.UTC)
	reason := "rejected by server"
	writes := stubWrites{writes: []models.QueuedWrite{
		{ID: "w1", OperationID: "op1", EntityType: models.EntityChore, Op: models.OpCreate,
			Target: models.QueueTargetID{LocalID: "L1"}, Status: models.StatusPending, ClientTimestamp: now},
		{ID: "w2", OperationID: "op2", EntityType: models.EntityRecipe, Op: models.OpUpdate,
			Target: models.QueueTargetID{LocalID: "L2", ServerID: "S2"}, Status: models.StatusFailedPermanent,
			AttemptCount: 1, LastAttemptAt: &now, LastError: &reason, ClientTimestamp: now},
	}}
	checkpoints := stubCheckpoints{{
		CheckpointID: "cp1", RequestID: "req1", CreatedAt: now, LastAttemptAt: now,
		AttemptCount: 1, TTLMs: 600000, InFlightOperationIDs: []string{"op1"},
	}}

	scope := models.Scope{UserID: "u1", HouseholdID: "h1"}
	report, err := Collect(context.Background(), scope, writes, checkpoints, now)
	require.NoError(t, err)

	dir := t.TempDir()
	path, err := WriteQueueReport(dir, report)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "queue_u1_h1_20260501_093000.xlsx"), path)

	f, err := excelize.OpenFile(path)
	require.NoError(t, err)
	defer f.Close()

	assert.Equal(t, []string{"Writes", "Checkpoints"}, f.GetSheetList())

	rows, err := f.GetRows("Writes")
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, "Status", rows[0][6])
	assert.Equal(t, "w1", rows[1][0])
	assert.Equal(t, "FAILED_PERMANENT", rows[2][6])
	assert.Equal(t, "S2", rows[2][5])
	assert.Equal(t, reason, rows[2][9])

	rows, err = f.GetRows("Checkpoints")
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "req1", rows[1][1])
	assert.Equal(t, "10m0s", rows[1][5])
}

func TestCollectPropagatesErrors(t *testing.T) {
	_, err := Collect(context.Background(), models.Scope{UserID: "u1"},
		stubWrites{err: errors.New("store down")}, stubCheckpoints{}, time.Now())
	assert.ErrorContains(t, err, "store down")
}
