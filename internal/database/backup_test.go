package database

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"hearthsync/internal/config"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPerformBackupRestores(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	require.NoError(t, db.Put(ctx, "acct/u/-/w/1", []byte(`{"id":"1"}`)))

	s := NewBackupService(db, config.BackupConfig{Enabled: true, StoragePath: t.TempDir()}, nil)
	path, err := s.PerformBackup(ctx)
	require.NoError(t, err)
	assert.FileExists(t, path)

	restored, err := NewDB(path, nil)
	require.NoError(t, err)
	defer restored.Close()

	value, err := restored.Get(ctx, "acct/u/-/w/1")
	require.NoError(t, err)
	assert.JSONEq(t, `{"id":"1"}`, string(value))
}

func TestCleanupKeepsNewestSnapshot(t *testing.T) {
	dir := t.TempDir()
	now := time.Date(2026, 5, 10, 12, 0, 0, 0, time.UTC)
	s := NewBackupService(nil, config.BackupConfig{StoragePath: dir, RetentionDays: 1}, nil)
	s.now = func() time.Time { return now }

	write := func(at time.Time) string {
		name := backupPrefix + at.Format(backupTimeLayout) + backupSuffix
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte("x"), 0o644))
		return name
	}
	write(now.AddDate(0, 0, -5))
	write(now.AddDate(0, 0, -3))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("keep"), 0o644))

	// both snapshots are expired but the newer one survives
	assert.Equal(t, 1, s.CleanupOldBackups())

	snaps, err := s.Snapshots()
	require.NoError(t, err)
	require.Len(t, snaps, 1)
	assert.True(t, snaps[0].TakenAt.Equal(now.AddDate(0, 0, -3)))
	assert.FileExists(t, filepath.Join(dir, "notes.txt"))

	fresh := write(now.Add(-time.Hour))
	assert.Equal(t, 1, s.CleanupOldBackups())
	snaps, err = s.Snapshots()
	require.NoError(t, err)
	require.Len(t, snaps, 1)
	assert.Equal(t, filepath.Join(dir, fresh), snaps[0].Path)
}

func TestSnapshotsMissingDirectory(t *testing.T) {
	s := NewBackupService(nil, config.BackupConfig{StoragePath: filepath.Join(t.TempDir(), "none")}, nil)
	snaps, err := s.Snapshots()
	require.NoError(t, err)
	assert.Empty(t, snaps)
}

func TestBackupServiceDisabled(t *testing.T) {
	s := NewBackupService(nil, config.BackupConfig{Enabled: false}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	s.Start(ctx)
}
