package checkpoint

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"hearthsync/internal/domain"
	"hearthsync/internal/events"
	"hearthsync/internal/models"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Coordinator owns the in-flight batch markers of one account scope.
type Coordinator struct {
	store   domain.RecordStore
	scope   models.Scope
	ttl     time.Duration
	querier domain.OutcomeQuerier
	events  domain.EventPublisher
	logger  *zerolog.Logger
	now     func() time.Time

	mu sync.Mutex
}

type Option func(*Coordinator)

// WithQuerier enables the outcome re-query for checkpoints found within their TTL.
func WithQuerier(q domain.OutcomeQuerier) Option {
	return func(c *Coordinator) { c.querier = q }
}

func WithEvents(p domain.EventPublisher) Option {
	return func(c *Coordinator) { c.events = p }
}

func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) { c.now = now }
}

func New(store domain.RecordStore, scope models.Scope, ttl time.Duration, logger *zerolog.Logger, opts ...Option) *Coordinator {
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	if ttl <= 0 {
		ttl = models.DefaultCheckpointTTL
	}
	l := logger.With().Str("component", "checkpoint").Logger()
	c := &Coordinator{
		store:  store,
		scope:  scope,
		ttl:    ttl,
		logger: &l,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Open persists a checkpoint for the batch about to be sent. It fails with a
// *models.ConflictError while another checkpoint of the scope is open.
func (c *Coordinator) Open(ctx context.Context, operationIDs []string, requestID string) (*models.SyncCheckpoint, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	open, err := c.list(ctx)
	if err != nil {
		return nil, err
	}
	if len(open) > 0 {
		return nil, &models.ConflictError{Scope: c.scope, CheckpointID: open[0].CheckpointID}
	}

	now := c.now().UTC()
	cp := &models.SyncCheckpoint{
		CheckpointID:         uuid.NewString(),
		UserID:               c.scope.UserID,
		HouseholdID:          c.scope.HouseholdID,
		CreatedAt:            now,
		LastAttemptAt:        now,
		AttemptCount:         1,
		TTLMs:                c.ttl.Milliseconds(),
		RequestID:            requestID,
		InFlightOperationIDs: append([]string(nil), operationIDs...),
	}
	if err := c.save(ctx, cp); err != nil {
		return nil, err
	}

	c.logger.Debug().
		Str("checkpoint_id", cp.CheckpointID).
		Str("request_id", requestID).
		Int("operations", len(operationIDs)).
		Msg("checkpoint opened")
	c.publish(events.EventCheckpointOpened, cp, "")
	return cp, nil
}

// Close deletes the checkpoint. It must be the last step of a batch cycle.
func (c *Coordinator) Close(ctx context.Context, checkpointID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	key := c.scope.CheckpointKey(checkpointID)
	if err := c.store.Delete(ctx, key); err != nil && !errors.Is(err, models.ErrNotFound) {
		return models.NewStorageError("delete", key, err)
	}
	c.logger.Debug().Str("checkpoint_id", checkpointID).Msg("checkpoint closed")
	c.publish(events.EventCheckpointClosed, &models.SyncCheckpoint{CheckpointID: checkpointID}, "")
	return nil
}

// List returns the open checkpoints of the scope, oldest first.
func (c *Coordinator) List(ctx context.Context) ([]models.SyncCheckpoint, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.list(ctx)
}

// InFlight returns the operation ids listed by any open checkpoint.
func (c *Coordinator) InFlight(ctx context.Context) (map[string]bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	open, err := c.list(ctx)
	if err != nil {
		return nil, err
	}
	ids := make(map[string]bool)
	for _, cp := range open {
		for _, id := range cp.InFlightOperationIDs {
			ids[id] = true
		}
	}
	return ids, nil
}

// MarkAttempt records another attempt at resolving the checkpoint.
func (c *Coordinator) MarkAttempt(ctx context.Context, checkpointID string) (*models.SyncCheckpoint, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.markAttempt(ctx, checkpointID)
}

func (c *Coordinator) markAttempt(ctx context.Context, checkpointID string) (*models.SyncCheckpoint, error) {
	cp, err := c.get(ctx, checkpointID)
	if err != nil {
		return nil, err
	}
	cp.AttemptCount++
	cp.LastAttemptAt = c.now().UTC()
	if err := c.save(ctx, cp); err != nil {
		return nil, err
	}
	return cp, nil
}

func (c *Coordinator) list(ctx context.Context) ([]models.SyncCheckpoint, error) {
	prefix := c.scope.CheckpointsPrefix()
	records, err := c.store.ListByPrefix(ctx, prefix)
	if err != nil {
		return nil, models.NewStorageError("list", prefix, err)
	}
	out := make([]models.SyncCheckpoint, 0, len(records))
	for _, rec := range records {
		cp, err := models.DecodeCheckpoint(rec.Value)
		if err != nil {
			return nil, models.NewStorageError("decode", rec.Key, err)
		}
		out = append(out, *cp)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].CheckpointID < out[j].CheckpointID
	})
	return out, nil
}

func (c *Coordinator) get(ctx context.Context, checkpointID string) (*models.SyncCheckpoint, error) {
	key := c.scope.CheckpointKey(checkpointID)
	raw, err := c.store.Get(ctx, key)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return nil, models.ErrNotFound
		}
		return nil, models.NewStorageError("get", key, err)
	}
	cp, err := models.DecodeCheckpoint(raw)
	if err != nil {
		return nil, models.NewStorageError("decode", key, err)
	}
	return cp, nil
}

func (c *Coordinator) save(ctx context.Context, cp *models.SyncCheckpoint) error {
	key := c.scope.CheckpointKey(cp.CheckpointID)
	raw, err := models.EncodeCheckpoint(cp)
	if err != nil {
		return models.NewStorageError("encode", key, err)
	}
	if err := c.store.Put(ctx, key, raw); err != nil {
		return models.NewStorageError("put", key, err)
	}
	cp.Version = models.CurrentRecordVersion
	return nil
}

func (c *Coordinator) publish(eventType string, cp *models.SyncCheckpoint, resolution Resolution) {
	if c.events == nil {
		return
	}
	payload := events.CheckpointPayload{
		UserID:       c.scope.UserID,
		HouseholdID:  c.scope.HouseholdID,
		CheckpointID: cp.CheckpointID,
		RequestID:    cp.RequestID,
		OperationIDs: cp.InFlightOperationIDs,
		Resolution:   string(resolution),
	}
	if err := c.events.PublishJSON(eventType, payload); err != nil {
		c.logger.Warn().Err(err).Str("event", eventType).Msg("publish event")
	}
}
