package reconcile

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"hearthsync/internal/domain"
	"hearthsync/internal/events"
	"hearthsync/internal/models"

	"github.com/rs/zerolog"
)

// PendingRewriter stamps a server id onto queued entries of a local id.
type PendingRewriter interface {
	RewriteTarget(ctx context.Context, localID, serverID string) (int, error)
}

// Reconciler maps local ids to server ids once the server confirms a create
// and keeps the queue routed accordingly. localId stays the join key; the
// server id is only ever added.
type Reconciler struct {
	store    domain.RecordStore
	scope    models.Scope
	rewriter PendingRewriter
	events   domain.EventPublisher
	logger   *zerolog.Logger
	now      func() time.Time

	mu sync.Mutex
}

type Option func(*Reconciler)

func WithEvents(p domain.EventPublisher) Option {
	return func(r *Reconciler) { r.events = p }
}

func WithClock(now func() time.Time) Option {
	return func(r *Reconciler) { r.now = now }
}

func New(store domain.RecordStore, scope models.Scope, rewriter PendingRewriter, logger *zerolog.Logger, opts ...Option) *Reconciler {
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	l := logger.With().Str("component", "reconcile").Logger()
	r := &Reconciler{
		store:    store,
		scope:    scope,
		rewriter: rewriter,
		logger:   &l,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// ReconcileCreated records localID -> serverID durably and then rewrites the
// pending entries of localID. Calling it again with the same pair redoes the
// rewrite; a different serverID for a known localID is ErrIdentityConflict.
func (r *Reconciler) ReconcileCreated(ctx context.Context, entityType, localID, serverID string) (int, error) {
	if localID == "" || serverID == "" {
		return 0, fmt.Errorf("%w: empty identity pair %q -> %q", models.ErrInvalidWrite, localID, serverID)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	existing, err := r.get(ctx, localID)
	switch {
	case err == nil:
		if existing.ServerID != serverID {
			return 0, fmt.Errorf("%w: %s is %s, server now says %s", models.ErrIdentityConflict, localID, existing.ServerID, serverID)
		}
	case errors.Is(err, models.ErrNotFound):
		mapping := &models.IdentityMapping{
			LocalID:    localID,
			ServerID:   serverID,
			EntityType: entityType,
			CreatedAt:  r.now().UTC(),
		}
		if err := r.save(ctx, mapping); err != nil {
			return 0, err
		}
	default:
		return 0, err
	}

	n, err := r.rewriter.RewriteTarget(ctx, localID, serverID)
	if err != nil {
		return n, err
	}

	r.logger.Debug().
		Str("local_id", localID).
		Str("server_id", serverID).
		Int("rewritten", n).
		Msg("identity reconciled")
	r.publish(localID, serverID, n)
	return n, nil
}

// Lookup returns the server id recorded for localID.
func (r *Reconciler) Lookup(ctx context.Context, localID string) (string, bool, error) {
	m, err := r.get(ctx, localID)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return "", false, nil
		}
		return "", false, err
	}
	return m.ServerID, true, nil
}

// Mappings lists every recorded identity of the scope.
func (r *Reconciler) Mappings(ctx context.Context) ([]models.IdentityMapping, error) {
	prefix := r.scope.IdentityPrefix()
	records, err := r.store.ListByPrefix(ctx, prefix)
	if err != nil {
		return nil, models.NewStorageError("list", prefix, err)
	}
	out := make([]models.IdentityMapping, 0, len(records))
	for _, rec := range records {
		m, err := models.DecodeIdentityMapping(rec.Value)
		if err != nil {
			return nil, models.NewStorageError("decode", rec.Key, err)
		}
		out = append(out, *m)
	}
	return out, nil
}

// Import offers local-only entities to the server and applies the returned
// identity pairs. Pairs for entities that were not offered are ignored. A
// failing pair does not stop the others; their errors are joined.
func (r *Reconciler) Import(ctx context.Context, importer domain.Importer, req models.ImportRequest) (models.ImportResponse, error) {
	if req.UserID == "" {
		req.UserID = r.scope.UserID
		req.HouseholdID = r.scope.HouseholdID
	}
	if req.UserID != r.scope.UserID || req.HouseholdID != r.scope.HouseholdID {
		return models.ImportResponse{}, fmt.Errorf("import for %s/%s sent to reconciler of %s", req.UserID, req.HouseholdID, r.scope)
	}
	if len(req.Entities) == 0 {
		return models.ImportResponse{}, nil
	}

	offered := make(map[string]string, len(req.Entities))
	for _, e := range req.Entities {
		offered[e.LocalID] = e.EntityType
	}

	resp, err := importer.Import(ctx, req)
	if err != nil {
		return models.ImportResponse{}, fmt.Errorf("import: %w", err)
	}

	var errs []error
	for _, pair := range resp.Pairs {
		entityType, ok := offered[pair.LocalID]
		if !ok {
			r.logger.Warn().Str("local_id", pair.LocalID).Msg("import returned an entity that was not offered")
			continue
		}
		if _, err := r.ReconcileCreated(ctx, entityType, pair.LocalID, pair.ServerID); err != nil {
			errs = append(errs, err)
		}
	}

	r.logger.Info().
		Int("offered", len(req.Entities)).
		Int("pairs", len(resp.Pairs)).
		Int("failed", len(errs)).
		Msg("import reconciled")
	return resp, errors.Join(errs...)
}

func (r *Reconciler) get(ctx context.Context, localID string) (*models.IdentityMapping, error) {
	key := r.scope.IdentityKey(localID)
	raw, err := r.store.Get(ctx, key)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return nil, models.ErrNotFound
		}
		return nil, models.NewStorageError("get", key, err)
	}
	m, err := models.DecodeIdentityMapping(raw)
	if err != nil {
		return nil, models.NewStorageError("decode", key, err)
	}
	return m, nil
}

func (r *Reconciler) save(ctx context.Context, m *models.IdentityMapping) error {
	key := r.scope.IdentityKey(m.LocalID)
	raw, err := models.EncodeIdentityMapping(m)
	if err != nil {
		return models.NewStorageError("encode", key, err)
	}
	if err := r.store.Put(ctx, key, raw); err != nil {
		return models.NewStorageError("put", key, err)
	}
	return nil
}

func (r *Reconciler) publish(localID, serverID string, rewritten int) {
	if r.events == nil {
		return
	}
	err := r.events.PublishJSON(events.EventIdentityMapped, events.IdentityPayload{
		UserID:      r.scope.UserID,
		HouseholdID: r.scope.HouseholdID,
		LocalID:     localID,
		ServerID:    serverID,
		Rewritten:   rewritten,
	})
	if err != nil {
		r.logger.Warn().Err(err).Msg("publish identity event")
	}
}
