package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"quote-engine/internal/allocation"
	"quote-engine/internal/balance"
	"quote-engine/internal/errs"
)

const (
	ensureAccountSQL = `INSERT INTO accounts (account_id) VALUES ($1)
    ON CONFLICT (account_id) DO NOTHING;`

	lockAccountSQL = `SELECT
        version,
        promo_amount::text,
        promo_expires_at
    FROM accounts
    WHERE account_id = $1
    FOR UPDATE;`

	selectAccountSQL = `SELECT
        version,
        promo_amount::text,
        promo_expires_at
    FROM accounts
    WHERE account_id = $1;`

	selectBalancesSQL = `SELECT currency, amount::text
    FROM balances
    WHERE account_id = $1
    ORDER BY currency;`

	upsertBalanceSQL = `INSERT INTO balances (account_id, currency, amount, updated_at)
    VALUES ($1, $2, $3, $4)
    ON CONFLICT (account_id, currency) DO UPDATE
    SET amount = EXCLUDED.amount,
        updated_at = EXCLUDED.updated_at;`

	updateAccountSQL = `UPDATE accounts
    SET version = $2,
        promo_amount = $3,
        promo_expires_at = $4,
        updated_at = $5
    WHERE account_id = $1;`

	insertAllocationSQL = `INSERT INTO allocations (
        account_id,
        asset,
        quote_id,
        total_grams,
        allocated_grams,
        non_allocated_grams,
        certificate_ref,
        created_at
    ) VALUES ($1,$2,$3,$4,$5,$6,$7,$8);`

	listAllocationsSQL = `SELECT
        account_id,
        asset,
        quote_id::text,
        total_grams::text,
        allocated_grams::text,
        non_allocated_grams::text,
        COALESCE(certificate_ref, ''),
        created_at
    FROM allocations
    WHERE account_id = $1
    ORDER BY created_at, id;`
)

// BalanceLedger is the PostgreSQL balance.Ledger. The accounts row is locked
// FOR UPDATE for the length of each mutation, serializing per account only.
type BalanceLedger struct {
	*Store
}

// Balances returns the balance ledger view of s.
func (s *Store) Balances() *BalanceLedger { return &BalanceLedger{Store: s} }

func (b *BalanceLedger) Balances(ctx context.Context, accountID string) (balance.Set, error) {
	pool, err := b.getPool()
	if err != nil {
		return balance.Set{}, err
	}
	set, err := loadSet(ctx, pool, accountID, selectAccountSQL)
	if errors.Is(err, pgx.ErrNoRows) {
		return balance.NewSet(accountID), nil
	}
	if err != nil {
		return balance.Set{}, errs.Internal(err)
	}
	return set, nil
}

func (b *BalanceLedger) Balance(ctx context.Context, accountID, currency string) (decimal.Decimal, error) {
	set, err := b.Balances(ctx, accountID)
	if err != nil {
		return decimal.Zero, err
	}
	return balance.Spendable(set, currency, b.promoCcy, b.clock()), nil
}

func (b *BalanceLedger) ReserveAndDebit(ctx context.Context, accountID, currency string, amount decimal.Decimal) (balance.Debit, error) {
	var out balance.Debit
	err := b.Update(ctx, accountID, func(tx *balance.Tx) error {
		var err error
		out, err = tx.Debit(currency, amount)
		return err
	})
	return out, err
}

func (b *BalanceLedger) Credit(ctx context.Context, accountID, currency string, amount decimal.Decimal) error {
	return b.Update(ctx, accountID, func(tx *balance.Tx) error {
		return tx.Credit(currency, amount)
	})
}

func (b *BalanceLedger) GrantPromotion(ctx context.Context, accountID string, amount decimal.Decimal, expiresAt time.Time) error {
	return b.Update(ctx, accountID, func(tx *balance.Tx) error {
		return tx.Grant(amount, expiresAt)
	})
}

// Update runs fn inside one database transaction. Nothing is written unless
// fn and the balance invariants both succeed.
func (b *BalanceLedger) Update(ctx context.Context, accountID string, fn func(tx *balance.Tx) error) error {
	if strings.TrimSpace(accountID) == "" {
		return errs.New(errs.CodeInvalidRequest, "account id required")
	}
	pool, err := b.getPool()
	if err != nil {
		return errs.Internal(err)
	}

	dbtx, err := pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return errs.Internal(fmt.Errorf("begin balance tx: %w", err))
	}
	defer func() { _ = dbtx.Rollback(context.Background()) }()

	if _, err := dbtx.Exec(ctx, ensureAccountSQL, accountID); err != nil {
		return errs.Internal(fmt.Errorf("ensure account: %w", err))
	}
	set, err := loadSet(ctx, dbtx, accountID, lockAccountSQL)
	if err != nil {
		return errs.Internal(fmt.Errorf("lock account: %w", err))
	}

	now := b.clock().UTC()
	applied, err := balance.Apply(set, now, b.promoCcy, fn)
	if err != nil {
		return err
	}
	next := applied.Set()

	for _, ccy := range applied.Changed() {
		if _, err := dbtx.Exec(ctx, upsertBalanceSQL, accountID, ccy, next.Balances[ccy].String(), now); err != nil {
			return errs.Internal(fmt.Errorf("write balance %s: %w", ccy, err))
		}
	}

	var promoExpiry any
	if !next.Promotional.ExpiresAt.IsZero() {
		promoExpiry = next.Promotional.ExpiresAt
	}
	if _, err := dbtx.Exec(ctx, updateAccountSQL, accountID, next.Version, next.Promotional.Amount.String(), promoExpiry, now); err != nil {
		return errs.Internal(fmt.Errorf("write account: %w", err))
	}

	for _, rec := range applied.Allocations() {
		if _, err := dbtx.Exec(ctx, insertAllocationSQL,
			rec.AccountID,
			rec.Asset,
			rec.QuoteID,
			rec.TotalGrams.String(),
			rec.AllocatedGrams.String(),
			rec.NonAllocatedGrams.String(),
			nullableString(rec.CertificateRef),
			rec.CreatedAt,
		); err != nil {
			return errs.Internal(fmt.Errorf("insert allocation: %w", err))
		}
	}

	if err := dbtx.Commit(ctx); err != nil {
		return errs.Internal(fmt.Errorf("commit balance tx: %w", err))
	}
	return nil
}

func (b *BalanceLedger) Allocations(ctx context.Context, accountID string) ([]allocation.Record, error) {
	pool, err := b.getPool()
	if err != nil {
		return nil, errs.Internal(err)
	}
	rows, queryErr := pool.Query(ctx, listAllocationsSQL, accountID)
	if queryErr != nil {
		return nil, errs.Internal(fmt.Errorf("list allocations: %w", queryErr))
	}
	defer rows.Close()

	out := make([]allocation.Record, 0)
	for rows.Next() {
		var (
			rec                    allocation.Record
			total, alloc, nonAlloc string
		)
		if err := rows.Scan(&rec.AccountID, &rec.Asset, &rec.QuoteID, &total, &alloc, &nonAlloc, &rec.CertificateRef, &rec.CreatedAt); err != nil {
			return nil, errs.Internal(err)
		}
		if err := parseDecimals(
			decimalField{"total_grams", &total, &rec.TotalGrams},
			decimalField{"allocated_grams", &alloc, &rec.AllocatedGrams},
			decimalField{"non_allocated_grams", &nonAlloc, &rec.NonAllocatedGrams},
		); err != nil {
			return nil, errs.Internal(err)
		}
		rec.CreatedAt = rec.CreatedAt.UTC()
		out = append(out, rec)
	}
	if rows.Err() != nil {
		return nil, errs.Internal(rows.Err())
	}
	return out, nil
}

type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

func loadSet(ctx context.Context, q querier, accountID, accountSQL string) (balance.Set, error) {
	set := balance.NewSet(accountID)

	var (
		promoRaw    string
		promoExpiry *time.Time
	)
	if err := q.QueryRow(ctx, accountSQL, accountID).Scan(&set.Version, &promoRaw, &promoExpiry); err != nil {
		return balance.Set{}, err
	}
	promo, err := parseDecimal("promo_amount", promoRaw)
	if err != nil {
		return balance.Set{}, err
	}
	set.Promotional.Amount = promo
	if promoExpiry != nil {
		set.Promotional.ExpiresAt = promoExpiry.UTC()
	}

	rows, err := q.Query(ctx, selectBalancesSQL, accountID)
	if err != nil {
		return balance.Set{}, fmt.Errorf("select balances: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var ccy, raw string
		if err := rows.Scan(&ccy, &raw); err != nil {
			return balance.Set{}, err
		}
		amt, err := parseDecimal("amount", raw)
		if err != nil {
			return balance.Set{}, err
		}
		set.Balances[ccy] = amt
	}
	return set, rows.Err()
}

var _ balance.Ledger = (*BalanceLedger)(nil)
