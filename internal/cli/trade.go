package cli

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"quote-engine/internal/app"
	"quote-engine/internal/pricing"
)

var (
	tradeAccount  string
	tradeSide     string
	tradeAsset    string
	tradeQuantity string
	tradePayment  string
)

var quoteCmd = &cobra.Command{
	Use:   "quote",
	Short: "Request a price-locked quote",
	RunE: func(cmd *cobra.Command, args []string) error {
		side, err := pricing.ParseSide(tradeSide)
		if err != nil {
			return fmt.Errorf("invalid --side value: %w", err)
		}
		qty, err := parseAmount("--quantity", tradeQuantity)
		if err != nil {
			return err
		}
		return getApp().Quote(cmd.Context(), cmd.OutOrStdout(), app.QuoteOptions{
			AccountID:       tradeAccount,
			Side:            side,
			Asset:           tradeAsset,
			Quantity:        qty,
			PaymentCurrency: tradePayment,
		})
	},
}

var confirmCmd = &cobra.Command{
	Use:   "confirm <quote-id>",
	Short: "Confirm a quote and settle the trade",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Confirm(cmd.Context(), cmd.OutOrStdout(), args[0])
	},
}

var previewCmd = &cobra.Command{
	Use:   "preview",
	Short: "Show how a purchase would split into allocated and fractional grams",
	RunE: func(cmd *cobra.Command, args []string) error {
		qty, err := parseAmount("--quantity", tradeQuantity)
		if err != nil {
			return err
		}
		return getApp().Preview(cmd.Context(), cmd.OutOrStdout(), app.PreviewOptions{
			AccountID:       tradeAccount,
			Asset:           tradeAsset,
			Quantity:        qty,
			PaymentCurrency: tradePayment,
		})
	},
}

func parseAmount(flag, raw string) (decimal.Decimal, error) {
	if strings.TrimSpace(raw) == "" {
		return decimal.Zero, fmt.Errorf("%s must be provided", flag)
	}
	v, err := decimal.NewFromString(strings.TrimSpace(raw))
	if err != nil {
		return decimal.Zero, fmt.Errorf("invalid %s value: %w", flag, err)
	}
	return v, nil
}

func init() {
	for _, c := range []*cobra.Command{quoteCmd, previewCmd} {
		c.Flags().StringVar(&tradeAccount, "account", "", "Account address")
		c.Flags().StringVar(&tradeAsset, "asset", "", "Asset symbol, e.g. AUXG")
		c.Flags().StringVar(&tradeQuantity, "quantity", "", "Asset quantity")
		c.Flags().StringVar(&tradePayment, "pay", "", "Payment currency (defaults to the quote currency)")
	}
	quoteCmd.Flags().StringVar(&tradeSide, "side", "buy", "buy or sell")
}
