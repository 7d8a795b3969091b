package trade

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"quote-engine/internal/allocation"
	"quote-engine/internal/balance"
	"quote-engine/internal/custody"
	"quote-engine/internal/errs"
	"quote-engine/internal/metrics"
	"quote-engine/internal/pricing"
	"quote-engine/internal/quote"
)

// Transfer is one leg of a settlement.
type Transfer struct {
	Currency string          `json:"currency"`
	Amount   decimal.Decimal `json:"amount"`
}

// Result is the outcome of a settled trade.
type Result struct {
	QuoteID    string             `json:"quoteId"`
	AccountID  string             `json:"accountId"`
	Side       pricing.Side       `json:"side"`
	Asset      string             `json:"asset"`
	SettledAt  time.Time          `json:"settledAt"`
	Debited    Transfer           `json:"debited"`
	Credited   Transfer           `json:"credited"`
	Funding    balance.Debit      `json:"funding"`
	Allocation *allocation.Record `json:"allocation,omitempty"`
}

// PreviewRequest asks how a candidate buy would split.
type PreviewRequest struct {
	AccountID       string
	Asset           string
	Quantity        decimal.Decimal
	PaymentCurrency string
}

// Executor turns consumed quotes into balance mutations. It is the only writer
// of balances and allocation records on the trade path.
type Executor struct {
	quotes     *quote.Ledger
	balances   balance.Ledger
	reconciler *allocation.Reconciler
	journal    Journal
	custody    custody.Notifier
	logger     zerolog.Logger
	metrics    *metrics.EngineMetrics
	tracer     trace.Tracer
	clock      func() time.Time
}

// NewExecutor wires an executor. A nil journal or notifier disables them.
func NewExecutor(quotes *quote.Ledger, balances balance.Ledger, reconciler *allocation.Reconciler, journal Journal, notifier custody.Notifier, logger zerolog.Logger) *Executor {
	if journal == nil {
		journal = NewMemoryJournal()
	}
	if notifier == nil {
		notifier = custody.Nop{}
	}
	return &Executor{
		quotes:     quotes,
		balances:   balances,
		reconciler: reconciler,
		journal:    journal,
		custody:    notifier,
		logger:     logger.With().Str("component", "trade_executor").Logger(),
		metrics:    metrics.Engine(),
		tracer:     otel.Tracer("quoted/trade"),
		clock:      time.Now,
	}
}

// WithClock overrides the settlement timestamp source.
func (e *Executor) WithClock(clock func() time.Time) *Executor {
	if clock != nil {
		e.clock = clock
	}
	return e
}

// Journal exposes the trade journal.
func (e *Executor) Journal() Journal { return e.journal }

// Confirm consumes the quote and settles it at the locked price.
func (e *Executor) Confirm(ctx context.Context, quoteID string) (Result, error) {
	start := e.clock()
	ctx, span := e.tracer.Start(ctx, "trade.confirm", trace.WithAttributes(attribute.String("quote.id", quoteID)))
	defer span.End()

	res, err := e.confirm(ctx, quoteID)
	e.metrics.Observe("confirm", e.clock().Sub(start), err)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return Result{}, err
	}
	span.SetStatus(codes.Ok, "trade settled")
	return res, nil
}

func (e *Executor) confirm(ctx context.Context, quoteID string) (Result, error) {
	q, err := e.quotes.Consume(ctx, quoteID)
	if err != nil {
		return Result{}, err
	}
	// Once consumed the settlement runs to completion.
	ctx = context.WithoutCancel(ctx)

	e.save(ctx, Record{QuoteID: q.ID, AccountID: q.AccountID, Side: q.Side, Status: StatusConfirming, UpdatedAt: e.clock().UTC()})

	res, err := e.settle(ctx, q)
	if err != nil {
		code := errs.CodeOf(err)
		if code == errs.CodeInternalConsistency {
			e.logger.Error().Err(err).Str("quote_id", q.ID).Msg("allocation invariant violated")
		} else {
			e.logger.Warn().Err(err).Str("quote_id", q.ID).Str("code", string(code)).Msg("trade failed")
		}
		e.save(ctx, Record{QuoteID: q.ID, AccountID: q.AccountID, Side: q.Side, Status: StatusFailed, FailureCode: code, UpdatedAt: e.clock().UTC()})
		return Result{}, err
	}

	e.save(ctx, Record{QuoteID: q.ID, AccountID: q.AccountID, Side: q.Side, Status: StatusSettled, Result: &res, UpdatedAt: res.SettledAt})
	if res.Allocation != nil {
		if err := e.custody.Notify(ctx, *res.Allocation); err != nil {
			e.logger.Warn().Err(err).Str("quote_id", q.ID).Msg("custody notification not queued")
		}
	}
	e.logger.Info().
		Str("quote_id", q.ID).
		Str("account", q.AccountID).
		Str("side", string(q.Side)).
		Str("debited", res.Debited.Amount.String()+" "+res.Debited.Currency).
		Str("credited", res.Credited.Amount.String()+" "+res.Credited.Currency).
		Msg("trade settled")
	return res, nil
}

// settle applies the quote in a single balance transaction. Amounts come from
// the quote, never from a live price.
func (e *Executor) settle(ctx context.Context, q quote.Quote) (Result, error) {
	res := Result{QuoteID: q.ID, AccountID: q.AccountID, Side: q.Side, Asset: q.Asset}

	err := e.balances.Update(ctx, q.AccountID, func(tx *balance.Tx) error {
		now := tx.Now().UTC()
		res.SettledAt = now
		switch q.Side {
		case pricing.SideBuy:
			funding, err := tx.Debit(q.PaymentCurrency, q.Total)
			if err != nil {
				return err
			}
			res.Funding = funding
			res.Debited = Transfer{Currency: q.PaymentCurrency, Amount: q.Total}
			if err := tx.Credit(q.Asset, q.Quantity); err != nil {
				return err
			}
			res.Credited = Transfer{Currency: q.Asset, Amount: q.Quantity}

			if e.reconciler != nil && e.reconciler.IsPhysical(q.Asset) {
				split := e.reconciler.Reconcile(q.Asset, q.Quantity, q.PricePerUnit)
				if err := split.Verify(); err != nil {
					return err
				}
				rec := split.Record(q.AccountID, q.Asset, q.ID, now)
				tx.RecordAllocation(rec)
				res.Allocation = &rec
			}
		case pricing.SideSell:
			funding, err := tx.DebitRegular(q.Asset, q.Quantity)
			if err != nil {
				return err
			}
			res.Funding = funding
			res.Debited = Transfer{Currency: q.Asset, Amount: q.Quantity}
			res.Credited = Transfer{Currency: q.PaymentCurrency, Amount: q.Total}
			if q.Total.IsPositive() {
				if err := tx.Credit(q.PaymentCurrency, q.Total); err != nil {
					return err
				}
			}
		default:
			return errs.New(errs.CodeInternalConsistency, "quote has unknown side %q", q.Side)
		}
		return nil
	})
	if err != nil {
		var coded *errs.Error
		if !errors.As(err, &coded) {
			err = errs.Internal(fmt.Errorf("settle quote %s: %w", q.ID, err))
		}
		return Result{}, err
	}
	return res, nil
}

// Preview prices a candidate buy and reports its allocation split. Nothing
// is stored.
func (e *Executor) Preview(ctx context.Context, req PreviewRequest) (allocation.Split, error) {
	if !req.Quantity.IsPositive() {
		return allocation.Split{}, errs.ErrInvalidQuantity
	}
	p, err := e.quotes.Price(ctx, quote.PriceRequest{
		AccountID:       req.AccountID,
		Side:            pricing.SideBuy,
		Asset:           req.Asset,
		PaymentCurrency: req.PaymentCurrency,
	})
	if err != nil {
		return allocation.Split{}, err
	}
	if e.reconciler == nil {
		return allocation.Split{TotalGrams: req.Quantity, AllocatedGrams: req.Quantity, NonAllocatedGrams: decimal.Zero}, nil
	}
	return e.reconciler.Reconcile(p.Asset.Symbol, req.Quantity, p.Execution.PricePerUnit), nil
}

func (e *Executor) save(ctx context.Context, rec Record) {
	if err := e.journal.Save(ctx, rec); err != nil {
		e.logger.Error().Err(err).Str("quote_id", rec.QuoteID).Str("status", string(rec.Status)).Msg("failed to journal trade")
	}
}
