package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/quadtile/drover/internal/log"
	"github.com/quadtile/drover/internal/storage"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply schema migrations to the history and event stores",
	RunE:  runMigrate,
}

func init() {
	rootCmd.AddCommand(migrateCmd)
}

func runMigrate(*cobra.Command, []string) error {
	logger := log.WithComponent("migrate")

	historyDB, err := storage.Open(cfg.HistoryDB)
	if err != nil {
		return fmt.Errorf("failed to open history store: %w", err)
	}
	defer historyDB.Close()
	if err := storage.MigrateHistory(historyDB); err != nil {
		return err
	}
	logger.Info().Str("path", cfg.HistoryDB).Msg("history store migrated")

	logDB, err := storage.Open(cfg.LogDB)
	if err != nil {
		return fmt.Errorf("failed to open event store: %w", err)
	}
	defer logDB.Close()
	if err := storage.MigrateEvents(logDB); err != nil {
		return err
	}
	logger.Info().Str("path", cfg.LogDB).Msg("event store migrated")
	return nil
}
