package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/vietddude/reclaimer/internal/core/cursor"
	"github.com/vietddude/reclaimer/internal/core/domain"
	"github.com/vietddude/reclaimer/internal/infra/storage/postgres"
)

var pauseReason string

var pauseCmd = &cobra.Command{
	Use:   "pause [chain_id]",
	Short: "Stop a chain's cursor from advancing",
	Long: `Pause a chain's persisted cursor. A running coordinator holds fetched
batches until the chain is resumed. Needs PostgreSQL storage; with memory
storage use POST /chains/{id}/pause instead.`,
	Args: cobra.ExactArgs(1),
	Run:  runPause,
}

var resumeCmd = &cobra.Command{
	Use:   "resume [chain_id]",
	Short: "Let a paused chain's cursor advance again",
	Args:  cobra.ExactArgs(1),
	Run:   runResume,
}

func init() {
	pauseCmd.Flags().StringVar(&pauseReason, "reason", "operator pause", "reason recorded with the pause")
	rootCmd.AddCommand(pauseCmd)
	rootCmd.AddCommand(resumeCmd)
}

// withCursors parses the chain id and runs fn against the persisted cursors.
func withCursors(raw string, fn func(ctx context.Context, m cursor.Manager, chainID domain.ChainID) error) {
	chainID, err := domain.ParseChainID(raw)
	if err != nil {
		fmt.Printf("Invalid chain id: %v\n", err)
		os.Exit(1)
	}

	cfg := loadConfig()
	if cfg.Database.URL == "" {
		slog.Error("No database configured, cursors only live inside the coordinator process")
		os.Exit(1)
	}

	ctx := context.Background()
	db, err := postgres.NewDB(ctx, cfg.Database)
	if err != nil {
		slog.Error("Failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer func() {
		_ = db.Close()
	}()

	if err := fn(ctx, cursor.NewManager(postgres.NewCursorRepo(db)), chainID); err != nil {
		slog.Error("Failed to update cursor", "chain", chainID.Label(), "error", err)
		os.Exit(1)
	}
}

func runPause(cmd *cobra.Command, args []string) {
	withCursors(args[0], func(ctx context.Context, m cursor.Manager, chainID domain.ChainID) error {
		if err := m.Pause(ctx, chainID, pauseReason); err != nil {
			return err
		}
		fmt.Printf("Paused %s\n", chainID.Label())
		return nil
	})
}

func runResume(cmd *cobra.Command, args []string) {
	withCursors(args[0], func(ctx context.Context, m cursor.Manager, chainID domain.ChainID) error {
		if err := m.Resume(ctx, chainID); err != nil {
			return err
		}
		fmt.Printf("Resumed %s\n", chainID.Label())
		return nil
	})
}
