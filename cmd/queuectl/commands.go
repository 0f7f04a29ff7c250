package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"hearthsync/internal/database"
	"hearthsync/internal/export"
	"hearthsync/internal/models"

	"github.com/spf13/cobra"
)

func pendingCommand(app *cliApp) *cobra.Command {
	var entityType string
	cmd := &cobra.Command{
		Use:   "pending",
		Short: "List writes waiting to be sent",
		RunE: func(cmd *cobra.Command, args []string) error {
			writes, err := app.worker.Queue().ListPending(cmd.Context(), entityType)
			if err != nil {
				return err
			}
			return printWrites(app.out, writes)
		},
	}
	cmd.Flags().StringVar(&entityType, "entity", "", "only this entity type")
	return cmd
}

func failedCommand(app *cliApp) *cobra.Command {
	return &cobra.Command{
		Use:   "failed",
		Short: "List writes that need a decision",
		RunE: func(cmd *cobra.Command, args []string) error {
			writes, err := app.worker.Queue().ListFailed(cmd.Context())
			if err != nil {
				return err
			}
			return printWrites(app.out, writes)
		},
	}
}

func discardCommand(app *cliApp) *cobra.Command {
	return &cobra.Command{
		Use:   "discard <id>...",
		Short: "Drop permanently failed writes",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			for _, id := range args {
				if err := app.worker.Queue().Discard(cmd.Context(), id); err != nil {
					return fmt.Errorf("discard %s: %w", id, err)
				}
				fmt.Fprintf(app.out, "discarded %s\n", id)
			}
			return nil
		},
	}
}

func requeueCommand(app *cliApp) *cobra.Command {
	return &cobra.Command{
		Use:   "requeue <id>...",
		Short: "Give permanently failed writes a fresh set of attempts",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			for _, id := range args {
				w, err := app.worker.Queue().Requeue(cmd.Context(), id)
				if err != nil {
					return fmt.Errorf("requeue %s: %w", id, err)
				}
				fmt.Fprintf(app.out, "requeued %s (%s %s)\n", w.ID, w.Op, w.Target.LocalID)
			}
			return nil
		},
	}
}

func statsCommand(app *cliApp) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Summarize the queue",
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := app.worker.Queue().Stats(cmd.Context())
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(app.out, 0, 4, 2, ' ', 0)
			fmt.Fprintf(tw, "pending\t%d\n", st.Pending)
			fmt.Fprintf(tw, "retrying\t%d\n", st.Retrying)
			fmt.Fprintf(tw, "failed\t%d\n", st.Failed)
			for entity, n := range st.ByEntity {
				fmt.Fprintf(tw, "  %s\t%d\n", entity, n)
			}
			if st.OldestPending != nil {
				fmt.Fprintf(tw, "oldest\t%s\n", st.OldestPending.Format(time.RFC3339))
			}
			return tw.Flush()
		},
	}
}

func checkpointsCommand(app *cliApp) *cobra.Command {
	return &cobra.Command{
		Use:   "checkpoints",
		Short: "List open checkpoints",
		RunE: func(cmd *cobra.Command, args []string) error {
			open, err := app.worker.Checkpoints().List(cmd.Context())
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(app.out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "CHECKPOINT\tREQUEST\tCREATED\tATTEMPTS\tOPERATIONS")
			for _, cp := range open {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%d\n",
					cp.CheckpointID, cp.RequestID, cp.CreatedAt.Format(time.RFC3339),
					cp.AttemptCount, len(cp.InFlightOperationIDs))
			}
			return tw.Flush()
		},
	}
}

func recoverCommand(app *cliApp) *cobra.Command {
	return &cobra.Command{
		Use:   "recover",
		Short: "Resolve checkpoints left by an interrupted run",
		RunE: func(cmd *cobra.Command, args []string) error {
			report, err := app.worker.Init(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(app.out, "checkpoints=%d resolved=%d retried=%d compacted=%d\n",
				report.Checkpoints, report.Resolved, report.Retried, report.Compacted)
			return nil
		},
	}
}

func syncCommand(app *cliApp) *cobra.Command {
	var cycles int
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Send queued writes now",
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := app.worker.Init(cmd.Context()); err != nil {
				return err
			}
			for i := 0; cycles <= 0 || i < cycles; i++ {
				report, err := app.worker.RunCycle(cmd.Context())
				if err != nil {
					return err
				}
				if report.Sent == 0 {
					break
				}
				fmt.Fprintf(app.out, "request %s: sent=%d confirmed=%d retrying=%d failed=%d\n",
					report.RequestID, report.Sent, report.Confirmed, report.Retrying, report.Failed)
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&cycles, "cycles", 0, "stop after this many batches (0 sends until nothing is eligible)")
	return cmd
}

func exportCommand(app *cliApp) *cobra.Command {
	var dir string
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Write an XLSX report of the queue",
		RunE: func(cmd *cobra.Command, args []string) error {
			w := app.worker
			report, err := export.Collect(cmd.Context(), w.Scope(), w.Queue(), w.Checkpoints(), time.Now())
			if err != nil {
				return err
			}
			path, err := export.WriteQueueReport(dir, report)
			if err != nil {
				return err
			}
			app.logger.Info().Str("file_path", path).Msg("queue report created")
			fmt.Fprintln(app.out, path)
			return nil
		},
	}
	cmd.Flags().StringVar(&dir, "dir", "exports", "output directory")
	return cmd
}

func backupCommand(app *cliApp) *cobra.Command {
	return &cobra.Command{
		Use:   "backup",
		Short: "Snapshot the sqlite record store and prune old snapshots",
		RunE: func(cmd *cobra.Command, args []string) error {
			db, ok := app.store.(*database.DB)
			if !ok {
				return errors.New("backup needs the sqlite store driver")
			}
			svc := database.NewBackupService(db, app.cfg.Backup, app.logger)
			path, err := svc.PerformBackup(cmd.Context())
			if err != nil {
				return err
			}
			removed := svc.CleanupOldBackups()
			fmt.Fprintf(app.out, "%s (removed %d old snapshots)\n", path, removed)
			return nil
		},
	}
}

func importCommand(app *cliApp) *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Adopt local-only entities into the account",
		RunE: func(cmd *cobra.Command, args []string) error {
			entities, err := readEntities(file)
			if err != nil {
				return err
			}
			resp, err := app.worker.Reconciler().Import(cmd.Context(), app.client, models.ImportRequest{Entities: entities})
			for _, p := range resp.Pairs {
				fmt.Fprintf(app.out, "%s -> %s\n", p.LocalID, p.ServerID)
			}
			return err
		},
	}
	cmd.Flags().StringVar(&file, "file", "", "JSON array of {local_id, entity_type, payload}")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func readEntities(path string) ([]models.ImportEntity, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	var entities []models.ImportEntity
	if err := json.Unmarshal(data, &entities); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return entities, nil
}

func printWrites(out io.Writer, writes []models.QueuedWrite) error {
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tENTITY\tOP\tLOCAL\tSERVER\tSTATUS\tATTEMPTS\tERROR")
	for _, w := range writes {
		errText := ""
		if w.LastError != nil {
			errText = strings.ReplaceAll(*w.LastError, "\n", " ")
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%d\t%s\n",
			w.ID, w.EntityType, w.Op, w.Target.LocalID, w.Target.ServerID, w.Status, w.AttemptCount, errText)
	}
	return tw.Flush()
}
