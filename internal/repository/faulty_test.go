package repository

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFaultyRecordStore(t *testing.T) {
	ctx := context.Background()
	inner := NewMemoryRecordStore()
	f := NewFaultyRecordStore(inner)

	require.NoError(t, f.Put(ctx, "a", []byte("1")))

	f.FailAfter(1)
	require.NoError(t, f.Put(ctx, "b", []byte("2")))
	assert.ErrorIs(t, f.Put(ctx, "c", []byte("3")), ErrInjected)
	assert.ErrorIs(t, f.Delete(ctx, "a"), ErrInjected)
	assert.Equal(t, 2, inner.Len())
	assert.Equal(t, 2, f.Mutations())

	// reads still work until asked to fail
	_, err := f.Get(ctx, "a")
	require.NoError(t, err)
	f.FailReads(true)
	_, err = f.Get(ctx, "a")
	assert.ErrorIs(t, err, ErrInjected)
	_, err = f.ListByPrefix(ctx, "")
	assert.ErrorIs(t, err, ErrInjected)

	f.Heal()
	require.NoError(t, f.Delete(ctx, "a"))
	assert.Equal(t, 1, inner.Len())
	assert.NoError(t, f.Close())
}
