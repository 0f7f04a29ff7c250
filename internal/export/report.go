package export

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"hearthsync/internal/models"

	"github.com/xuri/excelize/v2"
)

const (
	writesSheet      = "Writes"
	checkpointsSheet = "Checkpoints"
)

var writeHeaders = []string{
	"ID", "Operation", "Entity", "Op", "Local ID", "Server ID",
	"Status", "Attempts", "Last attempt", "Last error", "Enqueued at",
}

var checkpointHeaders = []string{
	"Checkpoint", "Request", "Created at", "Last attempt", "Attempts", "TTL", "Operations",
}

// Source is what a report reads from. queue.Manager and
// checkpoint.Coordinator satisfy the two halves.
type Source interface {
	ListAll(ctx context.Context) ([]models.QueuedWrite, error)
}

type CheckpointSource interface {
	List(ctx context.Context) ([]models.SyncCheckpoint, error)
}

// Report is a snapshot of one account's queue.
type Report struct {
	Scope       models.Scope
	GeneratedAt time.Time
	Writes      []models.QueuedWrite
	Checkpoints []models.SyncCheckpoint
}

// Collect takes a snapshot of the queue and its open checkpoints.
func Collect(ctx context.Context, scope models.Scope, writes Source, checkpoints CheckpointSource, now time.Time) (*Report, error) {
	all, err := writes.ListAll(ctx)
	if err != nil {
		return nil, fmt.Errorf("list writes: %w", err)
	}
	open, err := checkpoints.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("list checkpoints: %w", err)
	}
	return &Report{Scope: scope, GeneratedAt: now.UTC(), Writes: all, Checkpoints: open}, nil
}

// WriteQueueReport saves the report as an XLSX workbook in dir and returns
// the file path.
func WriteQueueReport(dir string, r *Report) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create export directory: %w", err)
	}

	f := excelize.NewFile()
	defer f.Close()

	index, err := f.NewSheet(writesSheet)
	if err != nil {
		return "", fmt.Errorf("create sheet: %w", err)
	}
	f.SetActiveSheet(index)
	if _, err := f.NewSheet(checkpointsSheet); err != nil {
		return "", fmt.Errorf("create sheet: %w", err)
	}
	_ = f.DeleteSheet("Sheet1")

	header, _ := f.NewStyle(&excelize.Style{
		Fill: excelize.Fill{Type: "pattern", Color: []string{"#DDEBF7"}, Pattern: 1},
		Font: &excelize.Font{Bold: true},
	})
	failed, _ := f.NewStyle(&excelize.Style{
		Fill: excelize.Fill{Type: "pattern", Color: []string{"#F8CBAD"}, Pattern: 1},
	})

	writeRow(f, writesSheet, 1, toCells(writeHeaders), header)
	for i, w := range r.Writes {
		style := 0
		if w.Status == models.StatusFailedPermanent {
			style = failed
		}
		writeRow(f, writesSheet, i+2, []interface{}{
			w.ID,
			w.OperationID,
			w.EntityType,
			string(w.Op),
			w.Target.LocalID,
			w.Target.ServerID,
			string(w.Status),
			w.AttemptCount,
			formatTime(w.LastAttemptAt),
			deref(w.LastError),
			w.ClientTimestamp.Format(time.RFC3339),
		}, style)
	}
	_ = f.SetColWidth(writesSheet, "A", "B", 38)
	_ = f.SetColWidth(writesSheet, "C", "I", 16)
	_ = f.SetColWidth(writesSheet, "J", "J", 40)
	_ = f.SetColWidth(writesSheet, "K", "K", 22)

	writeRow(f, checkpointsSheet, 1, toCells(checkpointHeaders), header)
	for i, cp := range r.Checkpoints {
		writeRow(f, checkpointsSheet, i+2, []interface{}{
			cp.CheckpointID,
			cp.RequestID,
			cp.CreatedAt.Format(time.RFC3339),
			cp.LastAttemptAt.Format(time.RFC3339),
			cp.AttemptCount,
			cp.TTL().String(),
			strings.Join(cp.InFlightOperationIDs, "\n"),
		}, 0)
	}
	_ = f.SetColWidth(checkpointsSheet, "A", "B", 38)
	_ = f.SetColWidth(checkpointsSheet, "C", "F", 22)
	_ = f.SetColWidth(checkpointsSheet, "G", "G", 40)

	name := fmt.Sprintf("queue_%s_%s.xlsx", fileSafe(r.Scope.String()), r.GeneratedAt.Format("20060102_150405"))
	path := filepath.Join(dir, name)
	if err := f.SaveAs(path); err != nil {
		return "", fmt.Errorf("save report: %w", err)
	}
	return path, nil
}

func writeRow(f *excelize.File, sheet string, row int, values []interface{}, style int) {
	for col, v := range values {
		cell, _ := excelize.CoordinatesToCellName(col+1, row)
		_ = f.SetCellValue(sheet, cell, v)
	}
	if style != 0 && len(values) > 0 {
		first, _ := excelize.CoordinatesToCellName(1, row)
		last, _ := excelize.CoordinatesToCellName(len(values), row)
		_ = f.SetCellStyle(sheet, first, last, style)
	}
}

func toCells(headers []string) []interface{} {
	out := make([]interface{}, len(headers))
	for i, h := range headers {
		out[i] = h
	}
	return out
}

func formatTime(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func fileSafe(s string) string {
	return strings.NewReplacer("/", "_", "\\", "_", ":", "_", " ", "_").Replace(s)
}
