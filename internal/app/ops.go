package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/shopspring/decimal"

	"quote-engine/internal/allocation"
	"quote-engine/internal/pricing"
	"quote-engine/internal/quote"
	"quote-engine/internal/storage"
	"quote-engine/internal/trade"
)

// QuoteOptions configure the quote command.
type QuoteOptions struct {
	AccountID       string
	Side            pricing.Side
	Asset           string
	Quantity        decimal.Decimal
	PaymentCurrency string
}

// PreviewOptions configure the preview command.
type PreviewOptions struct {
	AccountID       string
	Asset           string
	Quantity        decimal.Decimal
	PaymentCurrency string
}

// FundOptions configure the fund command. A positive PromoValidity grants
// promotional credit instead of a regular deposit.
type FundOptions struct {
	AccountID     string
	Currency      string
	Amount        decimal.Decimal
	PromoValidity time.Duration
}

// MigrateOptions configure the migrate command.
type MigrateOptions struct {
	Down  bool
	Steps int
}

// Quote issues a quote and prints it.
func (a *App) Quote(ctx context.Context, out io.Writer, opts QuoteOptions) error {
	rt, err := a.build(ctx, false)
	if err != nil {
		return err
	}
	defer rt.close()

	view, err := rt.engine.RequestQuote(ctx, quote.Request{
		AccountID:       opts.AccountID,
		Side:            opts.Side,
		Asset:           opts.Asset,
		Quantity:        opts.Quantity,
		PaymentCurrency: opts.PaymentCurrency,
	})
	if err != nil {
		return err
	}
	printQuote(out, view)
	return nil
}

// Confirm settles a stored quote.
func (a *App) Confirm(ctx context.Context, out io.Writer, quoteID string) error {
	rt, err := a.requireStore(ctx)
	if err != nil {
		return err
	}
	defer rt.close()

	res, err := rt.engine.Confirm(ctx, quoteID)
	if err != nil {
		return err
	}

	writer := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintf(writer, "Quote\t%s\n", res.QuoteID)
	fmt.Fprintf(writer, "Account\t%s\n", res.AccountID)
	fmt.Fprintf(writer, "Side\t%s\n", res.Side)
	fmt.Fprintf(writer, "Debited\t%s %s\n", res.Debited.Amount, res.Debited.Currency)
	fmt.Fprintf(writer, "Credited\t%s %s\n", res.Credited.Amount, res.Credited.Currency)
	if res.Funding.FromPromotional.IsPositive() {
		fmt.Fprintf(writer, "From promotional\t%s\n", res.Funding.FromPromotional)
	}
	if res.Allocation != nil {
		fmt.Fprintf(writer, "Allocated\t%s\n", res.Allocation.AllocatedGrams)
		fmt.Fprintf(writer, "Non-allocated\t%s\n", res.Allocation.NonAllocatedGrams)
	}
	fmt.Fprintf(writer, "Settled at\t%s\n", res.SettledAt.Format(time.RFC3339))
	return writer.Flush()
}

// Preview prints the allocation split of a candidate purchase.
func (a *App) Preview(ctx context.Context, out io.Writer, opts PreviewOptions) error {
	rt, err := a.build(ctx, false)
	if err != nil {
		return err
	}
	defer rt.close()

	split, err := rt.engine.Preview(ctx, trade.PreviewRequest{
		AccountID:       opts.AccountID,
		Asset:           opts.Asset,
		Quantity:        opts.Quantity,
		PaymentCurrency: opts.PaymentCurrency,
	})
	if err != nil {
		return err
	}
	printSplit(out, split)
	return nil
}

// Balance prints an account's balances and allocation history.
func (a *App) Balance(ctx context.Context, out io.Writer, accountID string) error {
	rt, err := a.requireStore(ctx)
	if err != nil {
		return err
	}
	defer rt.close()

	view, err := rt.engine.Balances(ctx, accountID)
	if err != nil {
		return err
	}
	allocs, err := rt.engine.Allocations(ctx, accountID)
	if err != nil {
		return err
	}

	if len(view.Balances) == 0 && !view.Promotional.Amount.IsPositive() {
		fmt.Fprintln(out, "no balances found")
		return nil
	}

	writer := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Currency\tBalance\tSpendable")
	for _, ccy := range view.Currencies() {
		fmt.Fprintf(writer, "%s\t%s\t%s\n", ccy, view.Balances[ccy], view.Spendable[ccy])
	}
	if view.Promotional.Amount.IsPositive() {
		fmt.Fprintf(writer, "promotional\t%s\texpires %s\n", view.Promotional.Amount, view.Promotional.ExpiresAt.Format(time.RFC3339))
	}
	if err := writer.Flush(); err != nil {
		return err
	}

	if len(allocs) > 0 {
		fmt.Fprintln(out)
		printAllocations(out, allocs)
	}
	return nil
}

// Fund credits an account or grants promotional balance.
func (a *App) Fund(ctx context.Context, out io.Writer, opts FundOptions) error {
	rt, err := a.requireStore(ctx)
	if err != nil {
		return err
	}
	defer rt.close()

	if opts.PromoValidity > 0 {
		if err := rt.engine.GrantPromotion(ctx, opts.AccountID, opts.Amount, opts.PromoValidity); err != nil {
			return err
		}
		fmt.Fprintf(out, "granted %s promotional credit to %s for %s\n", opts.Amount, opts.AccountID, opts.PromoValidity)
		return nil
	}
	if err := rt.engine.Deposit(ctx, opts.AccountID, opts.Currency, opts.Amount); err != nil {
		return err
	}
	fmt.Fprintf(out, "credited %s %s to %s\n", opts.Amount, opts.Currency, opts.AccountID)
	return nil
}

// Migrate applies or rolls back the schema.
func (a *App) Migrate(ctx context.Context, out io.Writer, opts MigrateOptions) error {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		return errors.New("database.dsn not configured; nothing to migrate")
	}
	defer closeStore()

	steps := opts.Steps
	if opts.Down && steps <= 0 {
		steps = 1
	}
	n, err := storage.Migrate(ctx, store.Pool(), !opts.Down, steps)
	if err != nil {
		return err
	}
	direction := "up"
	if opts.Down {
		direction = "down"
	}
	fmt.Fprintf(out, "applied %d migration(s) %s\n", n, direction)
	return nil
}

func printQuote(out io.Writer, v quote.View) {
	q := v.Quote
	writer := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintf(writer, "Quote\t%s\n", q.ID)
	fmt.Fprintf(writer, "Side\t%s %s %s\n", q.Side, q.Quantity, q.Asset)
	fmt.Fprintf(writer, "Reference\t%s %s\n", q.ReferencePrice, q.PaymentCurrency)
	fmt.Fprintf(writer, "Price\t%s %s\n", q.PricePerUnit, q.PaymentCurrency)
	fmt.Fprintf(writer, "Spread%%\t%s\n", q.SpreadPercent)
	fmt.Fprintf(writer, "Fee\t%s (%s%%)\n", q.FeeAmount, q.FeePercent)
	fmt.Fprintf(writer, "Total\t%s %s\n", q.Total, q.PaymentCurrency)
	fmt.Fprintf(writer, "Tier\t%d\n", q.Tier)
	fmt.Fprintf(writer, "Expires\t%s (%s)\n", q.ExpiresAt.Format(time.RFC3339), v.TimeRemaining.Round(time.Second))
	writer.Flush()
}

func printSplit(out io.Writer, s allocation.Split) {
	writer := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintf(writer, "Total grams\t%s\n", s.TotalGrams)
	fmt.Fprintf(writer, "Allocated\t%s\n", s.AllocatedGrams)
	fmt.Fprintf(writer, "Non-allocated\t%s\n", s.NonAllocatedGrams)
	if s.Suggestion != nil {
		fmt.Fprintf(writer, "Suggestion\tadd %s to reach %s (about %s)\n", s.Suggestion.GramsToAdd, s.Suggestion.TargetGrams, s.Suggestion.CostToAdd)
	}
	writer.Flush()
}

func printAllocations(out io.Writer, recs []allocation.Record) {
	writer := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Time (UTC)\tAsset\tQuote\tAllocated\tNon-allocated")
	for _, rec := range recs {
		fmt.Fprintf(writer, "%s\t%s\t%s\t%s\t%s\n",
			rec.CreatedAt.UTC().Format(time.RFC3339),
			rec.Asset,
			rec.QuoteID,
			rec.AllocatedGrams,
			rec.NonAllocatedGrams,
		)
	}
	writer.Flush()
}
