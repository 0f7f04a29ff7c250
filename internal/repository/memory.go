package repository

import (
	"context"
	"sort"
	"strings"
	"sync"

	"hearthsync/internal/domain"
	"hearthsync/internal/models"
)

// MemoryRecordStore is a process-local RecordStore. It does not survive a
// restart and is meant for tests and ephemeral sessions.
type MemoryRecordStore struct {
	records sync.Map
}

var _ domain.RecordStore = (*MemoryRecordStore)(nil)

func NewMemoryRecordStore() *MemoryRecordStore {
	return &MemoryRecordStore{}
}

func (r *MemoryRecordStore) Get(ctx context.Context, key string) ([]byte, error) {
	val, ok := r.records.Load(key)
	if !ok {
		return nil, models.ErrNotFound
	}
	return clone(val.([]byte)), nil
}

func (r *MemoryRecordStore) Put(ctx context.Context, key string, value []byte) error {
	r.records.Store(key, clone(value))
	return nil
}

func (r *MemoryRecordStore) Delete(ctx context.Context, key string) error {
	r.records.Delete(key)
	return nil
}

func (r *MemoryRecordStore) ListByPrefix(ctx context.Context, prefix string) ([]domain.Record, error) {
	var records []domain.Record
	r.records.Range(func(k, v any) bool {
		key := k.(string)
		if strings.HasPrefix(key, prefix) {
			records = append(records, domain.Record{Key: key, Value: clone(v.([]byte))})
		}
		return true
	})
	sort.Slice(records, func(i, j int) bool { return records[i].Key < records[j].Key })
	return records, nil
}

// Len returns the number of stored records.
func (r *MemoryRecordStore) Len() int {
	n := 0
	r.records.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}

func (r *MemoryRecordStore) Close() error { return nil }

func clone(b []byte) []byte {
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
