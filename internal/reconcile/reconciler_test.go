package reconcile

import (
	"context"
	"errors"
	"testing"
	"time"

	"hearthsync/internal/events"
	"hearthsync/internal/models"
	"hearthsync/internal/queue"
	"hearthsync/internal/repository"
	"hearthsync/internal/retry"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

var scope = models.Scope{UserID: "u1"}

type mockImporter struct {
	mock.Mock
}

func (m *mockImporter) Import(ctx context.Context, req models.ImportRequest) (models.ImportResponse, error) {
	args := m.Called(ctx, req)
	return args.Get(0).(models.ImportResponse), args.Error(1)
}

type countingRewriter struct {
	calls int
	err   error
}

func (c *countingRewriter) RewriteTarget(ctx context.Context, localID, serverID string) (int, error) {
	c.calls++
	return 0, c.err
}

func setup(t *testing.T) (*repository.MemoryRecordStore, *queue.Manager, *Reconciler) {
	t.Helper()
	store := repository.NewMemoryRecordStore()
	mgr := queue.NewManager(store, scope, retry.DefaultPolicy(), nil)
	return store, mgr, New(store, scope, mgr, nil)
}

func TestReconcileRewritesPendingUpdate(t *testing.T) {
	ctx := context.Background()
	_, mgr, rec := setup(t)

	create, err := mgr.Enqueue(ctx, models.EntityShoppingList, models.OpCreate, models.QueueTargetID{LocalID: "L"}, nil)
	require.NoError(t, err)
	update, err := mgr.Enqueue(ctx, models.EntityShoppingList, models.OpUpdate, models.QueueTargetID{LocalID: "L"}, []byte(`{"title":"Weekend"}`))
	require.NoError(t, err)

	n, err := rec.ReconcileCreated(ctx, models.EntityShoppingList, "L", "S")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	require.NoError(t, mgr.Remove(ctx, create.ID))

	got, err := mgr.Get(ctx, update.ID)
	require.NoError(t, err)
	assert.Equal(t, "S", got.Target.ServerID)
	assert.Equal(t, "L", got.Target.LocalID)
	assert.Equal(t, update.OperationID, got.OperationID)

	serverID, ok, err := rec.Lookup(ctx, "L")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "S", serverID)

	// later enqueues pick the mapping up on their own
	del, err := mgr.Enqueue(ctx, models.EntityShoppingList, models.OpDelete, models.QueueTargetID{LocalID: "L"}, nil)
	require.NoError(t, err)
	assert.Equal(t, queue.Queued, del.Disposition)
	assert.Equal(t, "S", del.Target.ServerID)
}

func TestReconcileIdempotentAndConflict(t *testing.T) {
	ctx := context.Background()
	store := repository.NewMemoryRecordStore()
	rw := &countingRewriter{}
	bus := events.NewEventBus()
	var mapped int
	bus.Subscribe(events.EventIdentityMapped, func(*events.Event) error { mapped++; return nil })
	rec := New(store, scope, rw, nil, WithEvents(bus), WithClock(func() time.Time { return time.Unix(0, 0) }))

	_, err := rec.ReconcileCreated(ctx, models.EntityRecipe, "L", "S")
	require.NoError(t, err)
	_, err = rec.ReconcileCreated(ctx, models.EntityRecipe, "L", "S")
	require.NoError(t, err)
	assert.Equal(t, 2, rw.calls, "a repeated pair redoes the rewrite")
	assert.Equal(t, 2, mapped)

	_, err = rec.ReconcileCreated(ctx, models.EntityRecipe, "L", "OTHER")
	assert.ErrorIs(t, err, models.ErrIdentityConflict)
	assert.Equal(t, 2, rw.calls)

	mappings, err := rec.Mappings(ctx)
	require.NoError(t, err)
	require.Len(t, mappings, 1)
	assert.Equal(t, models.IdentityMapping{
		LocalID:    "L",
		ServerID:   "S",
		EntityType: models.EntityRecipe,
		CreatedAt:  time.Unix(0, 0).UTC(),
		Version:    models.CurrentRecordVersion,
	}, mappings[0])

	_, err = rec.ReconcileCreated(ctx, models.EntityRecipe, "", "S")
	assert.ErrorIs(t, err, models.ErrInvalidWrite)
}

func TestReconcileMappingFirst(t *testing.T) {
	ctx := context.Background()
	store := repository.NewMemoryRecordStore()
	rw := &countingRewriter{err: models.NewStorageError("put", "k", errors.New("disk full"))}
	rec := New(store, scope, rw, nil)

	_, err := rec.ReconcileCreated(ctx, models.EntityChore, "L", "S")
	assert.ErrorIs(t, err, models.ErrStorage)

	// the mapping is already durable, so a redo can finish the rewrite
	serverID, ok, err := rec.Lookup(ctx, "L")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "S", serverID)
}

func TestReconcileStorageFailure(t *testing.T) {
	ctx := context.Background()
	faulty := repository.NewFaultyRecordStore(repository.NewMemoryRecordStore())
	rw := &countingRewriter{}
	rec := New(faulty, scope, rw, nil)

	faulty.FailAfter(0)
	_, err := rec.ReconcileCreated(ctx, models.EntityChore, "L", "S")
	assert.ErrorIs(t, err, models.ErrStorage)
	assert.Zero(t, rw.calls, "no rewrite without a durable mapping")

	faulty.FailReads(true)
	_, _, err = rec.Lookup(ctx, "L")
	assert.ErrorIs(t, err, models.ErrStorage)
}

func TestImport(t *testing.T) {
	ctx := context.Background()
	_, mgr, rec := setup(t)

	upd, err := mgr.Enqueue(ctx, models.EntityChore, models.OpUpdate, models.QueueTargetID{LocalID: "chore-1"}, []byte(`{"done":true}`))
	require.NoError(t, err)

	importer := &mockImporter{}
	req := models.ImportRequest{Entities: []models.ImportEntity{
		{LocalID: "chore-1", EntityType: models.EntityChore},
		{LocalID: "recipe-1", EntityType: models.EntityRecipe},
	}}
	expectedReq := req
	expectedReq.UserID = "u1"

	importer.On("Import", mock.Anything, expectedReq).Return(models.ImportResponse{Pairs: []models.IdentityPair{
		{LocalID: "chore-1", ServerID: "srv-c1"},
		{LocalID: "recipe-1", ServerID: "srv-r1"},
		{LocalID: "stranger", ServerID: "srv-x"},
	}}, nil).Once()

	resp, err := rec.Import(ctx, importer, req)
	require.NoError(t, err)
	assert.Len(t, resp.Pairs, 3)
	importer.AssertExpectations(t)

	got, err := mgr.Get(ctx, upd.ID)
	require.NoError(t, err)
	assert.Equal(t, "srv-c1", got.Target.ServerID)

	_, ok, err := rec.Lookup(ctx, "stranger")
	require.NoError(t, err)
	assert.False(t, ok)

	mappings, err := rec.Mappings(ctx)
	require.NoError(t, err)
	assert.Len(t, mappings, 2)
}

func TestImportErrors(t *testing.T) {
	ctx := context.Background()
	_, _, rec := setup(t)

	resp, err := rec.Import(ctx, &mockImporter{}, models.ImportRequest{})
	require.NoError(t, err)
	assert.Empty(t, resp.Pairs)

	_, err = rec.Import(ctx, &mockImporter{}, models.ImportRequest{UserID: "someone-else", Entities: []models.ImportEntity{{LocalID: "x"}}})
	assert.Error(t, err)

	failing := &mockImporter{}
	failing.On("Import", mock.Anything, mock.Anything).Return(models.ImportResponse{}, &models.TransientNetworkError{StatusCode: 503, Err: errors.New("unavailable")})
	_, err = rec.Import(ctx, failing, models.ImportRequest{Entities: []models.ImportEntity{{LocalID: "x", EntityType: models.EntityRecipe}}})
	var tne *models.TransientNetworkError
	assert.True(t, errors.As(err, &tne))

	_, err = rec.ReconcileCreated(ctx, models.EntityRecipe, "x", "S1")
	require.NoError(t, err)
	conflicting := &mockImporter{}
	conflicting.On("Import", mock.Anything, mock.Anything).Return(models.ImportResponse{Pairs: []models.IdentityPair{
		{LocalID: "x", ServerID: "S2"},
		{LocalID: "y", ServerID: "S3"},
	}}, nil)
	_, err = rec.Import(ctx, conflicting, models.ImportRequest{Entities: []models.ImportEntity{
		{LocalID: "x", EntityType: models.EntityRecipe},
		{LocalID: "y", EntityType: models.EntityRecipe},
	}})
	assert.ErrorIs(t, err, models.ErrIdentityConflict)

	serverID, ok, err := rec.Lookup(ctx, "y")
	require.NoError(t, err)
	assert.True(t, ok, "one conflicting pair must not block the rest")
	assert.Equal(t, "S3", serverID)
}
