package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"quote-engine/internal/errs"
	"quote-engine/internal/pricing"
	"quote-engine/internal/quote"
)

const (
	insertQuoteSQL = `INSERT INTO quotes (
        id,
        account_id,
        side,
        asset,
        payment_currency,
        quantity,
        reference_price,
        price_per_unit,
        spread_pct,
        fee_pct,
        gross_amount,
        fee_amount,
        total_amount,
        tier,
        created_at,
        expires_at
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16
    );`

	quoteColumns = `id::text,
        account_id,
        side,
        asset,
        payment_currency,
        quantity::text,
        reference_price::text,
        price_per_unit::text,
        spread_pct::text,
        fee_pct::text,
        gross_amount::text,
        fee_amount::text,
        total_amount::text,
        tier,
        created_at,
        expires_at,
        consumed_at`

	getQuoteSQL = `SELECT ` + quoteColumns + `
    FROM quotes
    WHERE id = $1;`

	// consumeQuoteSQL is the single compare-and-set for a quote.
	consumeQuoteSQL = `UPDATE quotes
    SET consumed_at = $2
    WHERE id = $1
      AND consumed_at IS NULL
      AND expires_at >= $2
    RETURNING ` + quoteColumns + `;`

	deleteExpiredQuotesSQL = `DELETE FROM quotes WHERE expires_at < $1;`
)

// QuoteStore persists quotes in PostgreSQL.
type QuoteStore struct {
	*Store
}

// Quotes returns the quote store view of s.
func (s *Store) Quotes() *QuoteStore { return &QuoteStore{Store: s} }

// Insert stores a new quote.
func (q *QuoteStore) Insert(ctx context.Context, qt quote.Quote) error {
	pool, err := q.getPool()
	if err != nil {
		return err
	}
	_, execErr := pool.Exec(ctx, insertQuoteSQL,
		qt.ID,
		qt.AccountID,
		string(qt.Side),
		qt.Asset,
		qt.PaymentCurrency,
		qt.Quantity.String(),
		qt.ReferencePrice.String(),
		qt.PricePerUnit.String(),
		qt.SpreadPercent.String(),
		qt.FeePercent.String(),
		qt.GrossAmount.String(),
		qt.FeeAmount.String(),
		qt.Total.String(),
		int(qt.Tier),
		qt.CreatedAt,
		qt.ExpiresAt,
	)
	if execErr != nil {
		return fmt.Errorf("insert quote: %w", execErr)
	}
	return nil
}

// Get loads a quote with its consumption mark.
func (q *QuoteStore) Get(ctx context.Context, id string) (quote.Stored, error) {
	pool, err := q.getPool()
	if err != nil {
		return quote.Stored{}, err
	}
	stored, scanErr := scanQuote(pool.QueryRow(ctx, getQuoteSQL, id))
	if errors.Is(scanErr, pgx.ErrNoRows) {
		return quote.Stored{}, errs.ErrNotFound
	}
	if scanErr != nil {
		return quote.Stored{}, fmt.Errorf("get quote: %w", scanErr)
	}
	return stored, nil
}

// Consume marks the quote used with a conditional update. When no row
// matches, a follow-up read classifies the failure.
func (q *QuoteStore) Consume(ctx context.Context, id string, now time.Time) (quote.Quote, error) {
	pool, err := q.getPool()
	if err != nil {
		return quote.Quote{}, err
	}
	stored, scanErr := scanQuote(pool.QueryRow(ctx, consumeQuoteSQL, id, now))
	if scanErr == nil {
		return stored.Quote, nil
	}
	if !errors.Is(scanErr, pgx.ErrNoRows) {
		return quote.Quote{}, fmt.Errorf("consume quote: %w", scanErr)
	}

	current, err := q.Get(ctx, id)
	if err != nil {
		return quote.Quote{}, err
	}
	if !current.ConsumedAt.IsZero() {
		return quote.Quote{}, errs.ErrAlreadyConsumed
	}
	return quote.Quote{}, errs.ErrExpired
}

// DeleteExpiredBefore removes quotes that expired before cutoff.
func (q *QuoteStore) DeleteExpiredBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	pool, err := q.getPool()
	if err != nil {
		return 0, err
	}
	tag, execErr := pool.Exec(ctx, deleteExpiredQuotesSQL, cutoff)
	if execErr != nil {
		return 0, fmt.Errorf("delete expired quotes: %w", execErr)
	}
	return tag.RowsAffected(), nil
}

func scanQuote(row pgx.Row) (quote.Stored, error) {
	var (
		out                          quote.Stored
		qt                           = &out.Quote
		side                         string
		qty, ref, price, spread, fee string
		gross, feeAmt, total         string
		tier                         int
		consumedAt                   *time.Time
	)
	if err := row.Scan(
		&qt.ID,
		&qt.AccountID,
		&side,
		&qt.Asset,
		&qt.PaymentCurrency,
		&qty,
		&ref,
		&price,
		&spread,
		&fee,
		&gross,
		&feeAmt,
		&total,
		&tier,
		&qt.CreatedAt,
		&qt.ExpiresAt,
		&consumedAt,
	); err != nil {
		return quote.Stored{}, err
	}
	if err := parseDecimals(
		decimalField{"quantity", &qty, &qt.Quantity},
		decimalField{"reference_price", &ref, &qt.ReferencePrice},
		decimalField{"price_per_unit", &price, &qt.PricePerUnit},
		decimalField{"spread_pct", &spread, &qt.SpreadPercent},
		decimalField{"fee_pct", &fee, &qt.FeePercent},
		decimalField{"gross_amount", &gross, &qt.GrossAmount},
		decimalField{"fee_amount", &feeAmt, &qt.FeeAmount},
		decimalField{"total_amount", &total, &qt.Total},
	); err != nil {
		return quote.Stored{}, err
	}
	qt.Side = pricing.Side(side)
	qt.Tier = pricing.Tier(tier)
	qt.CreatedAt = qt.CreatedAt.UTC()
	qt.ExpiresAt = qt.ExpiresAt.UTC()
	if consumedAt != nil {
		out.ConsumedAt = consumedAt.UTC()
	}
	return out, nil
}

var _ quote.Store = (*QuoteStore)(nil)
