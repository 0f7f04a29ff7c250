package repository

import (
	"context"
	"errors"
	"sync"

	"hearthsync/internal/domain"
)

// ErrInjected is returned by FaultyRecordStore once its budget is spent.
var ErrInjected = errors.New("injected store failure")

// FaultyRecordStore wraps a RecordStore and starts failing mutations after a
// configurable number of successful ones. It simulates a process that dies
// between two record writes: everything before the failure is durable,
// nothing after it happens.
type FaultyRecordStore struct {
	inner domain.RecordStore

	mu        sync.Mutex
	budget    int // remaining successful mutations; <0 means unlimited
	failReads bool
	mutations int
}

func NewFaultyRecordStore(inner domain.RecordStore) *FaultyRecordStore {
	return &FaultyRecordStore{inner: inner, budget: -1}
}

// FailAfter lets n more Put/Delete calls succeed, then fails the rest.
func (f *FaultyRecordStore) FailAfter(n int) {
	f.mu.Lock()
	f.budget = n
	f.mu.Unlock()
}

// FailReads makes Get and ListByPrefix fail as well once the budget is spent.
func (f *FaultyRecordStore) FailReads(on bool) {
	f.mu.Lock()
	f.failReads = on
	f.mu.Unlock()
}

// Heal removes any configured failure.
func (f *FaultyRecordStore) Heal() {
	f.mu.Lock()
	f.budget = -1
	f.failReads = false
	f.mu.Unlock()
}

// Mutations returns how many Put/Delete calls reached the inner store.
func (f *FaultyRecordStore) Mutations() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.mutations
}

func (f *FaultyRecordStore) allowMutation() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.budget == 0 {
		return false
	}
	if f.budget > 0 {
		f.budget--
	}
	f.mutations++
	return true
}

func (f *FaultyRecordStore) allowRead() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return !(f.failReads && f.budget == 0)
}

func (f *FaultyRecordStore) Get(ctx context.Context, key string) ([]byte, error) {
	if !f.allowRead() {
		return nil, ErrInjected
	}
	return f.inner.Get(ctx, key)
}

func (f *FaultyRecordStore) Put(ctx context.Context, key string, value []byte) error {
	if !f.allowMutation() {
		return ErrInjected
	}
	return f.inner.Put(ctx, key, value)
}

func (f *FaultyRecordStore) Delete(ctx context.Context, key string) error {
	if !f.allowMutation() {
		return ErrInjected
	}
	return f.inner.Delete(ctx, key)
}

func (f *FaultyRecordStore) ListByPrefix(ctx context.Context, prefix string) ([]domain.Record, error) {
	if !f.allowRead() {
		return nil, ErrInjected
	}
	return f.inner.ListByPrefix(ctx, prefix)
}

func (f *FaultyRecordStore) Close() error { return f.inner.Close() }
