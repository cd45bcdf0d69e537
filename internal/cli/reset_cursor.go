package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/vietddude/reclaimer/internal/core/cursor"
	"github.com/vietddude/reclaimer/internal/core/domain"
	"github.com/vietddude/reclaimer/internal/infra/storage/postgres"
)

var resetCursorCmd = &cobra.Command{
	Use:   "reset-cursor [chain_id] [block]",
	Short: "Reposition a chain's cursor, clearing a halt",
	Long: `Reposition a chain's cursor to the given last-processed block and
return it to init. This is the only way to resume a halted chain.`,
	Args: cobra.ExactArgs(2),
	Run:  runResetCursor,
}

func init() {
	rootCmd.AddCommand(resetCursorCmd)
}

func runResetCursor(cmd *cobra.Command, args []string) {
	chainID, err := domain.ParseChainID(args[0])
	if err != nil {
		fmt.Printf("Invalid chain id: %v\n", err)
		os.Exit(1)
	}
	block, err := strconv.ParseUint(args[1], 10, 64)
	if err != nil {
		fmt.Printf("Invalid block: %v\n", err)
		os.Exit(1)
	}

	cfg := loadConfig()

	ctx := context.Background()
	db, err := postgres.NewDB(ctx, cfg.Database)
	if err != nil {
		slog.Error("Failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer func() {
		_ = db.Close()
	}()

	if err := cursor.NewManager(postgres.NewCursorRepo(db)).Reset(ctx, chainID, block); err != nil {
		slog.Error("Failed to reset cursor", "error", err)
		os.Exit(1)
	}

	fmt.Printf("Successfully reset cursor for %s to block %d\n", chainID.Label(), block)
}
