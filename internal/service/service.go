package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"quote-engine/internal/allocation"
	"quote-engine/internal/balance"
	"quote-engine/internal/errs"
	"quote-engine/internal/quote"
	"quote-engine/internal/scheduler"
	"quote-engine/internal/storage"
	"quote-engine/internal/trade"
)

// MaxTradesPage caps how many journal entries one Trades call returns.
const MaxTradesPage = 100

// Options tune the background maintenance of the engine.
type Options struct {
	QuoteRetention  time.Duration
	AdvisoryLockKey int64
	PromoCurrency   string
}

// BalanceView is an account's balances together with what it can spend now.
type BalanceView struct {
	balance.Set
	Spendable map[string]decimal.Decimal `json:"spendable"`
}

// Engine is the single entry point used by the HTTP API and the CLI.
type Engine struct {
	quotes    *quote.Ledger
	executor  *trade.Executor
	balances  balance.Ledger
	scheduler *scheduler.Scheduler
	locker    storage.AdvisoryLocker
	opts      Options
	logger    zerolog.Logger
}

// New composes the engine. sched may be nil when no maintenance loop runs;
// locker may be nil for single-instance deployments.
func New(quotes *quote.Ledger, executor *trade.Executor, balances balance.Ledger, sched *scheduler.Scheduler, locker storage.AdvisoryLocker, opts Options, logger zerolog.Logger) *Engine {
	if opts.PromoCurrency == "" {
		opts.PromoCurrency = balance.DefaultPromotionalCurrency
	}
	return &Engine{
		quotes:    quotes,
		executor:  executor,
		balances:  balances,
		scheduler: sched,
		locker:    locker,
		opts:      opts,
		logger:    logger.With().Str("component", "service").Logger(),
	}
}

// RequestQuote issues a new quote and returns it as an open view.
func (e *Engine) RequestQuote(ctx context.Context, req quote.Request) (quote.View, error) {
	q, err := e.quotes.Issue(ctx, req)
	if err != nil {
		return quote.View{}, err
	}
	return quote.ViewAt(quote.Stored{Quote: q}, e.quotes.Now()), nil
}

// GetQuote returns the current state of a quote.
func (e *Engine) GetQuote(ctx context.Context, id string) (quote.View, error) {
	return e.quotes.Get(ctx, id)
}

// Confirm settles a quote.
func (e *Engine) Confirm(ctx context.Context, quoteID string) (trade.Result, error) {
	return e.executor.Confirm(ctx, quoteID)
}

// Preview reports the allocation split of a candidate purchase.
func (e *Engine) Preview(ctx context.Context, req trade.PreviewRequest) (allocation.Split, error) {
	return e.executor.Preview(ctx, req)
}

// Trade returns the journal entry for a quote.
func (e *Engine) Trade(ctx context.Context, quoteID string) (trade.Record, error) {
	return e.executor.Journal().Get(ctx, quoteID)
}

// Trades lists an account's journal entries, most recently updated first.
// A limit of zero or one above MaxTradesPage returns MaxTradesPage entries.
func (e *Engine) Trades(ctx context.Context, accountID string, limit int) ([]trade.Record, error) {
	if strings.TrimSpace(accountID) == "" {
		return nil, errs.New(errs.CodeInvalidRequest, "account id required")
	}
	if limit <= 0 || limit > MaxTradesPage {
		limit = MaxTradesPage
	}
	recs, err := e.executor.Journal().ListByAccount(ctx, accountID, limit)
	if err != nil {
		return nil, errs.Internal(fmt.Errorf("list trades: %w", err))
	}
	return recs, nil
}

// Balances returns the account's balance set and spendable amounts.
func (e *Engine) Balances(ctx context.Context, accountID string) (BalanceView, error) {
	if strings.TrimSpace(accountID) == "" {
		return BalanceView{}, errs.New(errs.CodeInvalidRequest, "account id required")
	}
	set, err := e.balances.Balances(ctx, accountID)
	if err != nil {
		return BalanceView{}, err
	}
	now := e.quotes.Now()
	view := BalanceView{Set: set, Spendable: make(map[string]decimal.Decimal, len(set.Balances)+1)}
	for _, ccy := range set.Currencies() {
		view.Spendable[ccy] = balance.Spendable(set, ccy, e.opts.PromoCurrency, now)
	}
	if set.Promotional.Active(now) {
		view.Spendable[e.opts.PromoCurrency] = balance.Spendable(set, e.opts.PromoCurrency, e.opts.PromoCurrency, now)
	}
	return view, nil
}

// Allocations lists the allocation records of an account.
func (e *Engine) Allocations(ctx context.Context, accountID string) ([]allocation.Record, error) {
	return e.balances.Allocations(ctx, accountID)
}

// Deposit credits a configured currency to an account.
func (e *Engine) Deposit(ctx context.Context, accountID, currency string, amount decimal.Decimal) error {
	asset, ok := e.quotes.Assets().Lookup(currency)
	if !ok {
		return errs.New(errs.CodeUnsupportedAsset, "unsupported currency %q", currency)
	}
	if !amount.IsPositive() {
		return errs.New(errs.CodeInvalidQuantity, "amount must be positive")
	}
	if err := e.balances.Credit(ctx, accountID, asset.Symbol, amount); err != nil {
		return err
	}
	e.logger.Info().Str("account", accountID).Str("currency", asset.Symbol).Str("amount", amount.String()).Msg("deposit credited")
	return nil
}

// GrantPromotion adds amount to the promotional overlay. The expiry moves
// out to validFor from now unless the active promotion already runs longer.
func (e *Engine) GrantPromotion(ctx context.Context, accountID string, amount decimal.Decimal, validFor time.Duration) error {
	if !amount.IsPositive() {
		return errs.New(errs.CodeInvalidQuantity, "amount must be positive")
	}
	if validFor <= 0 {
		return errs.New(errs.CodeInvalidRequest, "promotion validity must be positive")
	}
	expiresAt := e.quotes.Now().Add(validFor)
	if err := e.balances.GrantPromotion(ctx, accountID, amount, expiresAt); err != nil {
		return err
	}
	e.logger.Info().Str("account", accountID).Str("amount", amount.String()).Time("expires_at", expiresAt).Msg("promotion granted")
	return nil
}

// Run begins the maintenance loop.
func (e *Engine) Run(ctx context.Context) error {
	if e.scheduler == nil {
		return fmt.Errorf("scheduler not configured")
	}
	return e.scheduler.Run(ctx, e.ProcessSweep)
}

// ProcessSweep removes quotes that expired longer than the retention ago.
// Only one instance sweeps at a time when an advisory lock is configured.
func (e *Engine) ProcessSweep(ctx context.Context, at time.Time) error {
	unlock, proceed, err := e.acquireLock(ctx)
	if err != nil {
		return err
	}
	if !proceed {
		e.logger.Debug().Time("at", at).Msg("skip sweep because advisory lock held elsewhere")
		return nil
	}
	if unlock != nil {
		defer unlock()
	}

	cutoff := at.Add(-e.opts.QuoteRetention)
	removed, err := e.quotes.Sweep(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("sweep quotes: %w", err)
	}
	e.logger.Debug().Int64("removed", removed).Time("cutoff", cutoff).Msg("sweep complete")
	return nil
}

func (e *Engine) acquireLock(ctx context.Context) (func(), bool, error) {
	if e.opts.AdvisoryLockKey == 0 || e.locker == nil {
		return nil, true, nil
	}
	unlock, acquired, err := e.locker.TryAdvisoryLock(ctx, e.opts.AdvisoryLockKey)
	if err != nil {
		return nil, false, fmt.Errorf("acquire advisory lock: %w", err)
	}
	if !acquired {
		return nil, false, nil
	}
	return unlock, true, nil
}
