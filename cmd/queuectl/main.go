package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"hearthsync/internal/config"
	"hearthsync/internal/database"
	"hearthsync/internal/domain"
	"hearthsync/internal/logging"
	"hearthsync/internal/models"
	"hearthsync/internal/repository"
	"hearthsync/internal/transport"
	"hearthsync/internal/worker"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

// cliApp holds what every subcommand needs once the persistent pre-run has
// loaded the configuration.
type cliApp struct {
	configPath  string
	userID      string
	householdID string

	cfg    *config.Config
	logger *zerolog.Logger
	closer io.Closer
	store  domain.RecordStore
	client *transport.Client
	worker *worker.SyncWorker
	out    io.Writer
}

func preRun(app *cliApp) func(cmd *cobra.Command, args []string) error {
	return func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(app.configPath)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		app.cfg = cfg

		logger, closer, err := logging.New(cfg.Logging, cfg.App)
		if err != nil {
			return fmt.Errorf("init logger: %w", err)
		}
		app.logger = logger
		app.closer = closer

		scope, err := resolveScope(cfg.Accounts, app.userID, app.householdID)
		if err != nil {
			return err
		}

		store, err := openStore(cmd.Context(), cfg, logger)
		if err != nil {
			return err
		}
		app.store = store

		app.client = transport.NewClient(cfg.Transport, logger)
		var opts []worker.Option
		if cfg.Checkpoint.QueryOutcome {
			opts = append(opts, worker.WithQuerier(app.client))
		}
		app.worker = worker.New(store, scope, app.client, worker.ConfigFrom(cfg), logger, opts...)
		return nil
	}
}

func postRun(app *cliApp) func(cmd *cobra.Command, args []string) error {
	return func(cmd *cobra.Command, args []string) error {
		var errs []error
		if app.store != nil {
			errs = append(errs, app.store.Close())
		}
		if app.closer != nil {
			errs = append(errs, app.closer.Close())
		}
		return errors.Join(errs...)
	}
}

// resolveScope picks the account to operate on. Without --user the only
// configured account is used.
func resolveScope(accounts []models.Scope, userID, householdID string) (models.Scope, error) {
	if userID != "" {
		return models.Scope{UserID: userID, HouseholdID: householdID}, nil
	}
	switch len(accounts) {
	case 0:
		return models.Scope{}, errors.New("no account configured, pass --user")
	case 1:
		return accounts[0], nil
	default:
		return models.Scope{}, fmt.Errorf("%d accounts configured, pass --user", len(accounts))
	}
}

func openStore(ctx context.Context, cfg *config.Config, logger *zerolog.Logger) (domain.RecordStore, error) {
	switch cfg.Store.Driver {
	case config.StoreRedis:
		client := repository.NewRedisClient(cfg.Store.Redis)
		if err := repository.Ping(ctx, client); err != nil {
			_ = client.Close()
			return nil, err
		}
		return repository.NewRedisRecordStore(client), nil
	case config.StoreMemory:
		return nil, errors.New("memory store holds nothing between runs")
	default:
		db, err := database.NewDB(cfg.Store.Path, logger)
		if err != nil {
			return nil, err
		}
		return db, nil
	}
}

func newCLI() *cobra.Command {
	app := &cliApp{out: os.Stdout}

	rootCmd := &cobra.Command{
		Use:           "queuectl",
		Short:         "Inspect and repair the offline write queue",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	defaultConfig := os.Getenv("CONFIG_PATH")
	if defaultConfig == "" {
		defaultConfig = "configs/config.yaml"
	}
	rootCmd.PersistentFlags().StringVar(&app.configPath, "config", defaultConfig, "configuration file")
	rootCmd.PersistentFlags().StringVar(&app.userID, "user", "", "account user id")
	rootCmd.PersistentFlags().StringVar(&app.householdID, "household", "", "account household id")

	rootCmd.PersistentPreRunE = preRun(app)
	rootCmd.PersistentPostRunE = postRun(app)

	rootCmd.AddCommand(pendingCommand(app))
	rootCmd.AddCommand(failedCommand(app))
	rootCmd.AddCommand(discardCommand(app))
	rootCmd.AddCommand(requeueCommand(app))
	rootCmd.AddCommand(statsCommand(app))
	rootCmd.AddCommand(checkpointsCommand(app))
	rootCmd.AddCommand(recoverCommand(app))
	rootCmd.AddCommand(syncCommand(app))
	rootCmd.AddCommand(exportCommand(app))
	rootCmd.AddCommand(importCommand(app))
	rootCmd.AddCommand(backupCommand(app))

	return rootCmd
}

func main() {
	if err := newCLI().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
