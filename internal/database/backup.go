package database

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"hearthsync/internal/config"

	"github.com/rs/zerolog"
)

const (
	backupPrefix     = "queue_"
	backupSuffix     = ".db"
	backupTimeLayout = "20060102_150405.000"
)

// Snapshot is one backup file on disk.
type Snapshot struct {
	Path    string
	TakenAt time.Time
	Size    int64
}

// BackupService periodically snapshots the record store so an operator can
// inspect or restore the queue as it was before a destructive action.
type BackupService struct {
	db     *DB
	config config.BackupConfig
	logger *zerolog.Logger
	now    func() time.Time
}

func NewBackupService(db *DB, cfg config.BackupConfig, logger *zerolog.Logger) *BackupService {
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	child := logger.With().Str("component", "backup").Logger()
	return &BackupService{db: db, config: cfg, logger: &child, now: time.Now}
}

// Start takes a snapshot immediately and then on every interval until ctx
// is done.
func (s *BackupService) Start(ctx context.Context) {
	if !s.config.Enabled {
		s.logger.Info().Msg("backup service is disabled")
		return
	}

	interval := s.config.Interval
	if interval <= 0 {
		interval = 24 * time.Hour
	}
	s.logger.Info().Dur("interval", interval).Str("dir", s.config.StoragePath).Msg("backup service started")

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.runOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.runOnce(ctx)
		}
	}
}

func (s *BackupService) runOnce(ctx context.Context) {
	if _, err := s.PerformBackup(ctx); err != nil {
		s.logger.Error().Err(err).Msg("queue backup failed")
		return
	}
	s.CleanupOldBackups()
}

// PerformBackup writes a consistent copy of the store with VACUUM INTO and
// returns its path.
func (s *BackupService) PerformBackup(ctx context.Context) (string, error) {
	if err := os.MkdirAll(s.config.StoragePath, 0o755); err != nil {
		return "", fmt.Errorf("create backup directory: %w", err)
	}

	var records int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM records`).Scan(&records); err != nil {
		return "", fmt.Errorf("count records: %w", err)
	}

	name := backupPrefix + s.now().UTC().Format(backupTimeLayout) + backupSuffix
	path := filepath.Join(s.config.StoragePath, name)
	quoted := strings.ReplaceAll(path, "'", "''")
	if _, err := s.db.ExecContext(ctx, fmt.Sprintf("VACUUM INTO '%s'", quoted)); err != nil {
		return "", fmt.Errorf("vacuum into %s: %w", path, err)
	}

	s.logger.Info().Str("path", path).Int("records", records).Msg("queue snapshot written")
	return path, nil
}

// Snapshots lists the backups in the storage directory, newest first. Files
// whose name does not carry a snapshot timestamp are ignored.
func (s *BackupService) Snapshots() ([]Snapshot, error) {
	entries, err := os.ReadDir(s.config.StoragePath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var out []Snapshot
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, backupPrefix) || !strings.HasSuffix(name, backupSuffix) {
			continue
		}
		stamp := strings.TrimSuffix(strings.TrimPrefix(name, backupPrefix), backupSuffix)
		takenAt, err := time.Parse(backupTimeLayout, stamp)
		if err != nil {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		out = append(out, Snapshot{Path: filepath.Join(s.config.StoragePath, name), TakenAt: takenAt, Size: info.Size()})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TakenAt.After(out[j].TakenAt) })
	return out, nil
}

// CleanupOldBackups removes snapshots older than the retention window. The
// newest snapshot is always kept. It returns the number of files removed.
func (s *BackupService) CleanupOldBackups() int {
	if s.config.RetentionDays <= 0 {
		return 0
	}

	snaps, err := s.Snapshots()
	if err != nil {
		s.logger.Error().Err(err).Msg("failed to read backup directory for cleanup")
		return 0
	}

	cutoff := s.now().UTC().AddDate(0, 0, -s.config.RetentionDays)
	removed := 0
	for i, snap := range snaps {
		if i == 0 || !snap.TakenAt.Before(cutoff) {
			continue
		}
		if err := os.Remove(snap.Path); err != nil {
			s.logger.Warn().Err(err).Str("path", snap.Path).Msg("failed to delete old backup")
			continue
		}
		removed++
	}
	if removed > 0 {
		s.logger.Info().Int("removed", removed).Msg("old backups deleted")
	}
	return removed
}
