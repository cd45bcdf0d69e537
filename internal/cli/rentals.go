package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"text/tabwriter"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/spf13/cobra"

	"github.com/vietddude/reclaimer/internal/control"
	"github.com/vietddude/reclaimer/internal/core/config"
	"github.com/vietddude/reclaimer/internal/core/domain"
	"github.com/vietddude/reclaimer/internal/infra/chain/evm"
)

var (
	rentalsChain  string
	rentalsStatus string
	rentalsOwner  string
	rentalsRenter string
)

var rentalsCmd = &cobra.Command{
	Use:   "rentals",
	Short: "List rentals read straight from a chain's contract",
	Run:   runRentals,
}

func init() {
	rentalsCmd.Flags().StringVar(&rentalsChain, "chain", "", "chain id")
	rentalsCmd.Flags().StringVar(&rentalsStatus, "status", "", "only rentals in this status (available, active, reclaimed)")
	rentalsCmd.Flags().StringVar(&rentalsOwner, "owner", "", "only rentals listed by this address")
	rentalsCmd.Flags().StringVar(&rentalsRenter, "renter", "", "only rentals rented or reserved by this address")
	_ = rentalsCmd.MarkFlagRequired("chain")
	rootCmd.AddCommand(rentalsCmd)
}

// chainConfig finds the configured chain with the given id.
func chainConfig(cfg *config.AppConfig, raw string) (config.ChainConfig, error) {
	id, err := domain.ParseChainID(raw)
	if err != nil {
		return config.ChainConfig{}, err
	}
	for _, c := range cfg.Chains {
		if c.ChainID == id {
			return c, nil
		}
	}
	return config.ChainConfig{}, fmt.Errorf("chain %d: %w", id, domain.ErrChainNotConfigured)
}

func runRentals(cmd *cobra.Command, args []string) {
	cfg := loadConfig()
	cc, err := chainConfig(cfg, rentalsChain)
	if err != nil {
		slog.Error("Invalid chain", "error", err)
		os.Exit(1)
	}
	filter, err := domain.ParseRentalFilter(rentalsStatus, rentalsOwner, rentalsRenter)
	if err != nil {
		slog.Error("Invalid filter", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	providers := make([]evm.Provider, 0, len(cc.Providers))
	for _, p := range cc.Providers {
		providers = append(providers, evm.Provider{Name: p.Name, URL: p.URL})
	}
	adapter, err := evm.Connect(ctx, evm.Config{
		ChainID:   cc.ChainID,
		Name:      cc.Label(),
		Contract:  common.HexToAddress(cc.ContractAddress),
		Providers: providers,
	})
	if err != nil {
		slog.Error("Failed to connect", "chain", cc.Label(), "error", err)
		os.Exit(1)
	}
	defer adapter.Close()

	head, err := adapter.LatestHead(ctx)
	if err != nil {
		slog.Error("Failed to get head", "error", err)
		os.Exit(1)
	}
	rentals, err := control.ReadRentals(ctx, adapter)
	if err != nil {
		slog.Error("Failed to read rentals", "error", err)
		os.Exit(1)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', tabwriter.Debug)
	_, _ = fmt.Fprintln(w, "ID\tSTATUS\tOWNER\tRENTER\tEXPIRY\tREMAINING")
	for _, r := range filter.Apply(rentals) {
		expiry := "-"
		if e, ok := r.ExpiryTime(); ok {
			expiry = time.Unix(int64(e), 0).UTC().Format(time.RFC3339)
		}
		_, _ = fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\t%ds\n",
			r.RentalID, r.Status, r.Owner.Hex(), r.Renter.Hex(), expiry, r.TimeRemaining(head.Time))
	}
	_ = w.Flush()
}
