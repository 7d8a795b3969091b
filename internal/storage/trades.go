package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"quote-engine/internal/errs"
	"quote-engine/internal/pricing"
	"quote-engine/internal/trade"
)

const (
	upsertTradeSQL = `INSERT INTO trades (
        quote_id,
        account_id,
        side,
        status,
        failure_code,
        result,
        updated_at
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7
    )
    ON CONFLICT (quote_id) DO UPDATE
    SET status       = EXCLUDED.status,
        failure_code = EXCLUDED.failure_code,
        result       = EXCLUDED.result,
        updated_at   = EXCLUDED.updated_at;`

	tradeColumns = `quote_id::text,
        account_id,
        side,
        status,
        COALESCE(failure_code, ''),
        result,
        updated_at`

	getTradeSQL = `SELECT ` + tradeColumns + `
    FROM trades
    WHERE quote_id = $1;`

	listTradesSQL = `SELECT ` + tradeColumns + `
    FROM trades
    WHERE account_id = $1
    ORDER BY updated_at DESC
    LIMIT $2;`
)

// TradeJournal persists trade attempts in PostgreSQL.
type TradeJournal struct {
	*Store
}

// Trades returns the trade journal view of s.
func (s *Store) Trades() *TradeJournal { return &TradeJournal{Store: s} }

func (j *TradeJournal) Save(ctx context.Context, rec trade.Record) error {
	pool, err := j.getPool()
	if err != nil {
		return err
	}
	var result []byte
	if rec.Result != nil {
		result, err = json.Marshal(rec.Result)
		if err != nil {
			return fmt.Errorf("marshal trade result: %w", err)
		}
	}
	if _, execErr := pool.Exec(ctx, upsertTradeSQL,
		rec.QuoteID,
		rec.AccountID,
		string(rec.Side),
		string(rec.Status),
		nullableString(string(rec.FailureCode)),
		result,
		rec.UpdatedAt,
	); execErr != nil {
		return fmt.Errorf("upsert trade: %w", execErr)
	}
	return nil
}

func (j *TradeJournal) Get(ctx context.Context, quoteID string) (trade.Record, error) {
	pool, err := j.getPool()
	if err != nil {
		return trade.Record{}, err
	}
	rec, scanErr := scanTrade(pool.QueryRow(ctx, getTradeSQL, quoteID))
	if errors.Is(scanErr, pgx.ErrNoRows) {
		return trade.Record{}, errs.New(errs.CodeNotFound, "trade not found")
	}
	if scanErr != nil {
		return trade.Record{}, fmt.Errorf("get trade: %w", scanErr)
	}
	return rec, nil
}

func (j *TradeJournal) ListByAccount(ctx context.Context, accountID string, limit int) ([]trade.Record, error) {
	pool, err := j.getPool()
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 50
	}
	rows, queryErr := pool.Query(ctx, listTradesSQL, accountID, limit)
	if queryErr != nil {
		return nil, fmt.Errorf("list trades: %w", queryErr)
	}
	defer rows.Close()

	out := make([]trade.Record, 0, limit)
	for rows.Next() {
		rec, scanErr := scanTrade(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		out = append(out, rec)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return out, nil
}

func scanTrade(row pgx.Row) (trade.Record, error) {
	var (
		rec                       trade.Record
		side, status, failureCode string
		result                    []byte
	)
	if err := row.Scan(&rec.QuoteID, &rec.AccountID, &side, &status, &failureCode, &result, &rec.UpdatedAt); err != nil {
		return trade.Record{}, err
	}
	rec.Side = pricing.Side(side)
	rec.Status = trade.Status(status)
	rec.FailureCode = errs.Code(failureCode)
	rec.UpdatedAt = rec.UpdatedAt.UTC()
	if len(result) > 0 {
		var res trade.Result
		if err := json.Unmarshal(result, &res); err != nil {
			return trade.Record{}, fmt.Errorf("decode trade result: %w", err)
		}
		rec.Result = &res
	}
	return rec, nil
}

var _ trade.Journal = (*TradeJournal)(nil)
