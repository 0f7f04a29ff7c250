package queue

import (
	"context"
	"errors"
	"sort"

	"hearthsync/internal/models"
)

// loadAll reads every queued write of the scope, sorted for replay.
func (m *Manager) loadAll(ctx context.Context) ([]models.QueuedWrite, error) {
	records, err := m.store.ListByPrefix(ctx, m.scope.WritesPrefix())
	if err != nil {
		return nil, models.NewStorageError("list", m.scope.WritesPrefix(), err)
	}

	writes := make([]models.QueuedWrite, 0, len(records))
	for _, rec := range records {
		w, err := models.DecodeQueuedWrite(rec.Value)
		if err != nil {
			return nil, models.NewStorageError("decode", rec.Key, err)
		}
		writes = append(writes, *w)
	}
	sortWrites(writes)
	return writes, nil
}

func (m *Manager) load(ctx context.Context, id string) (*models.QueuedWrite, error) {
	key := m.scope.WriteKey(id)
	raw, err := m.store.Get(ctx, key)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return nil, models.ErrNotFound
		}
		return nil, models.NewStorageError("get", key, err)
	}
	w, err := models.DecodeQueuedWrite(raw)
	if err != nil {
		return nil, models.NewStorageError("decode", key, err)
	}
	return w, nil
}

func (m *Manager) save(ctx context.Context, w *models.QueuedWrite) error {
	key := m.scope.WriteKey(w.ID)
	raw, err := models.EncodeQueuedWrite(w)
	if err != nil {
		return models.NewStorageError("encode", key, err)
	}
	if err := m.store.Put(ctx, key, raw); err != nil {
		return models.NewStorageError("put", key, err)
	}
	w.Version = models.CurrentRecordVersion
	return nil
}

func (m *Manager) drop(ctx context.Context, id string) error {
	key := m.scope.WriteKey(id)
	if err := m.store.Delete(ctx, key); err != nil && !errors.Is(err, models.ErrNotFound) {
		return models.NewStorageError("delete", key, err)
	}
	return nil
}

// serverIDFor returns the reconciled server id of localID, if any.
func (m *Manager) serverIDFor(ctx context.Context, localID string) (string, error) {
	key := m.scope.IdentityKey(localID)
	raw, err := m.store.Get(ctx, key)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return "", nil
		}
		return "", models.NewStorageError("get", key, err)
	}
	mapping, err := models.DecodeIdentityMapping(raw)
	if err != nil {
		return "", models.NewStorageError("decode", key, err)
	}
	return mapping.ServerID, nil
}

func (m *Manager) inFlight(ctx context.Context) (map[string]bool, error) {
	if m.inflight == nil {
		return map[string]bool{}, nil
	}
	return m.inflight.InFlight(ctx)
}

func sortWrites(writes []models.QueuedWrite) {
	sort.SliceStable(writes, func(i, j int) bool {
		return writes[i].Before(&writes[j])
	})
}
