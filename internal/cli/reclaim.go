package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/vietddude/reclaimer/internal/indexing/health"
)

var (
	reclaimChain  string
	reclaimRental uint64
	reclaimAddr   string
)

var reclaimCmd = &cobra.Command{
	Use:   "reclaim",
	Short: "Ask a running coordinator to reclaim one rental now",
	Run:   runReclaim,
}

func init() {
	reclaimCmd.Flags().StringVar(&reclaimChain, "chain", "", "chain id")
	reclaimCmd.Flags().Uint64Var(&reclaimRental, "rental", 0, "rental id")
	reclaimCmd.Flags().StringVar(&reclaimAddr, "addr", "", "coordinator address (default http://localhost:<server.port>)")
	_ = reclaimCmd.MarkFlagRequired("chain")
	_ = reclaimCmd.MarkFlagRequired("rental")
	rootCmd.AddCommand(reclaimCmd)
}

func runReclaim(cmd *cobra.Command, args []string) {
	cfg := loadConfig()
	cc, err := chainConfig(cfg, reclaimChain)
	if err != nil {
		slog.Error("Invalid chain", "error", err)
		os.Exit(1)
	}

	addr := reclaimAddr
	if addr == "" {
		if cfg.Server.Port <= 0 {
			slog.Error("Server port is disabled, pass --addr")
			os.Exit(1)
		}
		addr = fmt.Sprintf("http://localhost:%d", cfg.Server.Port)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	url := fmt.Sprintf("%s/chains/%d/rentals/%d/reclaim", addr, cc.ChainID, reclaimRental)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, nil)
	if err != nil {
		slog.Error("Failed to build request", "error", err)
		os.Exit(1)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		slog.Error("Coordinator unreachable", "addr", addr, "error", err)
		os.Exit(1)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	var res health.ReclaimResponse
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		slog.Error("Unexpected response", "status", resp.Status, "error", err)
		os.Exit(1)
	}

	if res.Outcome == "" {
		// Error replies carry only an error field.
		fmt.Printf("Reclaim rejected (%s): %s\n", resp.Status, res.Error)
		os.Exit(1)
	}
	fmt.Printf("Rental %d on %s: %s\n", reclaimRental, cc.Label(), res.Outcome)
	if res.TxHash != nil {
		fmt.Printf("Transaction: %s\n", res.TxHash.Hex())
	}
	if res.Error != "" {
		fmt.Printf("Error: %s\n", res.Error)
	}
	if !res.Success {
		os.Exit(1)
	}
}
