package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/vietddude/reclaimer/internal/core/cursor"
	"github.com/vietddude/reclaimer/internal/infra/storage/postgres"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the persisted cursor of every chain",
	Run:   runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) {
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

	cursors, err := postgres.NewCursorRepo(db).List(ctx)
	if err != nil {
		slog.Error("Failed to list cursors", "error", err)
		os.Exit(1)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', tabwriter.Debug)
	_, _ = fmt.Fprintln(w, "CHAIN\tNAME\tBLOCK\tSTATE\tUPDATED\tMEANING")
	for _, c := range cursors {
		_, _ = fmt.Fprintf(w, "%d\t%s\t%d\t%s\t%s\t%s\n",
			c.ChainID, c.ChainID.Label(), c.CurrentBlock, c.State, c.UpdatedAt.Format(time.RFC3339),
			cursor.StateDescription(c.State))
	}
	_ = w.Flush()
}
