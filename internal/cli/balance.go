package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"quote-engine/internal/app"
)

var (
	fundCurrency string
	fundAmount   string
	fundPromo    string
)

var balanceCmd = &cobra.Command{
	Use:   "balance <account>",
	Short: "Display balances and allocations of an account",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Balance(cmd.Context(), cmd.OutOrStdout(), args[0])
	},
}

var fundCmd = &cobra.Command{
	Use:   "fund <account>",
	Short: "Credit an account or grant promotional credit",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		amount, err := parseAmount("--amount", fundAmount)
		if err != nil {
			return err
		}
		opts := app.FundOptions{
			AccountID: args[0],
			Currency:  fundCurrency,
			Amount:    amount,
		}
		if fundPromo != "" {
			validity, err := parseValidity(fundPromo)
			if err != nil {
				return err
			}
			opts.PromoValidity = validity
		}
		return getApp().Fund(cmd.Context(), cmd.OutOrStdout(), opts)
	},
}

func init() {
	fundCmd.Flags().StringVar(&fundCurrency, "currency", "AUXM", "Currency to credit")
	fundCmd.Flags().StringVar(&fundAmount, "amount", "", "Amount to credit")
	fundCmd.Flags().StringVar(&fundPromo, "promo", "", "Add promotional credit valid for this duration (e.g. 720h) instead of a deposit; an active promotion is topped up")
}

func parseValidity(raw string) (time.Duration, error) {
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid --promo value: %w", err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("--promo must be positive")
	}
	return d, nil
}
