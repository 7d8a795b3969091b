package quote

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"quote-engine/internal/errs"
	"quote-engine/internal/metrics"
	"quote-engine/internal/oracle"
	"quote-engine/internal/pricing"
	"quote-engine/internal/tier"
)

const (
	DefaultLockWindow = 30 * time.Second
	MinLockWindow     = 5 * time.Second
	MaxLockWindow     = 5 * time.Minute
)

// Request asks for a new quote.
type Request struct {
	AccountID       string
	Side            pricing.Side
	Asset           string
	Quantity        decimal.Decimal
	PaymentCurrency string
}

// PriceRequest asks for the current execution price without locking it.
type PriceRequest struct {
	AccountID       string
	Side            pricing.Side
	Asset           string
	PaymentCurrency string
}

// Pricing is an unlocked execution price.
type Pricing struct {
	Asset           Asset
	Payment         Asset
	Reference       pricing.Reference
	Execution       pricing.Execution
	Tier            pricing.Tier
	PaymentCurrency string
}

// Options configure a Ledger.
type Options struct {
	LockWindow time.Duration
	// QuoteCurrency is the payment currency when a request names none.
	QuoteCurrency string
}

// Ledger issues and consumes price locks.
type Ledger struct {
	store   Store
	oracle  oracle.PriceOracle
	policy  *pricing.Policy
	tiers   tier.Resolver
	assets  *Registry
	opts    Options
	logger  zerolog.Logger
	metrics *metrics.EngineMetrics
	tracer  trace.Tracer
	clock   func() time.Time
	newID   func() string
}

// NewLedger wires a quote ledger.
func NewLedger(store Store, priceOracle oracle.PriceOracle, policy *pricing.Policy, tiers tier.Resolver, assets *Registry, opts Options, logger zerolog.Logger) (*Ledger, error) {
	if store == nil || priceOracle == nil || policy == nil || tiers == nil || assets == nil {
		return nil, fmt.Errorf("quote ledger: missing dependency")
	}
	if opts.LockWindow == 0 {
		opts.LockWindow = DefaultLockWindow
	}
	if opts.LockWindow < MinLockWindow || opts.LockWindow > MaxLockWindow {
		return nil, fmt.Errorf("quote lock window %s outside [%s, %s]", opts.LockWindow, MinLockWindow, MaxLockWindow)
	}
	opts.QuoteCurrency = normalize(opts.QuoteCurrency)
	if opts.QuoteCurrency == "" {
		opts.QuoteCurrency = "AUXM"
	}
	if _, ok := assets.Lookup(opts.QuoteCurrency); !ok {
		return nil, fmt.Errorf("quote currency %s is not a configured asset", opts.QuoteCurrency)
	}
	return &Ledger{
		store:   store,
		oracle:  priceOracle,
		policy:  policy,
		tiers:   tiers,
		assets:  assets,
		opts:    opts,
		logger:  logger.With().Str("component", "quote_ledger").Logger(),
		metrics: metrics.Engine(),
		tracer:  otel.Tracer("quoted/quote"),
		clock:   time.Now,
		newID:   uuid.NewString,
	}, nil
}

// WithClock overrides the ledger clock for deterministic tests.
func (l *Ledger) WithClock(clock func() time.Time) *Ledger {
	if clock != nil {
		l.clock = clock
	}
	return l
}

// Assets exposes the asset registry.
func (l *Ledger) Assets() *Registry { return l.assets }

// LockWindow reports how long issued quotes stay open.
func (l *Ledger) LockWindow() time.Duration { return l.opts.LockWindow }

// Now is the ledger clock.
func (l *Ledger) Now() time.Time { return l.clock().UTC() }

// Issue prices and stores a new quote.
func (l *Ledger) Issue(ctx context.Context, req Request) (Quote, error) {
	start := l.clock()
	ctx, span := l.tracer.Start(ctx, "quote.issue",
		trace.WithAttributes(
			attribute.String("quote.asset", req.Asset),
			attribute.String("quote.side", string(req.Side)),
		))
	defer span.End()

	q, err := l.issue(ctx, req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		l.metrics.Observe("quote", l.clock().Sub(start), err)
		return Quote{}, err
	}
	span.SetAttributes(attribute.String("quote.id", q.ID))
	span.SetStatus(codes.Ok, "quote issued")
	l.metrics.Observe("quote", l.clock().Sub(start), nil)
	l.logger.Info().
		Str("quote_id", q.ID).
		Str("account", q.AccountID).
		Str("side", string(q.Side)).
		Str("asset", q.Asset).
		Str("quantity", q.Quantity.String()).
		Str("price", q.PricePerUnit.String()).
		Time("expires_at", q.ExpiresAt).
		Msg("quote issued")
	return q, nil
}

func (l *Ledger) issue(ctx context.Context, req Request) (Quote, error) {
	if !req.Quantity.IsPositive() {
		return Quote{}, errs.ErrInvalidQuantity
	}
	if a, ok := l.assets.Lookup(req.Asset); ok && !req.Quantity.Equal(req.Quantity.Truncate(a.Precision)) {
		return Quote{}, errs.New(errs.CodeInvalidQuantity, "quantity exceeds %d decimal places for %s", a.Precision, a.Symbol)
	}
	p, err := l.Price(ctx, PriceRequest{
		AccountID:       req.AccountID,
		Side:            req.Side,
		Asset:           req.Asset,
		PaymentCurrency: req.PaymentCurrency,
	})
	if err != nil {
		return Quote{}, err
	}

	totals := l.policy.Totals(p.Execution, req.Quantity, req.Side, p.Payment.Precision)
	ref := p.Reference.Ask
	if req.Side == pricing.SideSell {
		ref = p.Reference.Bid
	}
	now := l.clock().UTC()
	q := Quote{
		ID:              l.newID(),
		AccountID:       req.AccountID,
		Side:            req.Side,
		Asset:           p.Asset.Symbol,
		PaymentCurrency: p.PaymentCurrency,
		Quantity:        req.Quantity,
		ReferencePrice:  ref.Round(l.policy.Places()),
		PricePerUnit:    p.Execution.PricePerUnit,
		SpreadPercent:   p.Execution.SpreadPercent,
		FeePercent:      p.Execution.FeePercent,
		GrossAmount:     totals.Gross,
		FeeAmount:       totals.Fee,
		Total:           totals.Total,
		Tier:            p.Tier,
		CreatedAt:       now,
		ExpiresAt:       now.Add(l.opts.LockWindow),
	}
	if err := l.store.Insert(ctx, q); err != nil {
		return Quote{}, errs.Internal(fmt.Errorf("insert quote: %w", err))
	}
	return q, nil
}

// Price resolves the current execution price for a side without storing
// anything.
func (l *Ledger) Price(ctx context.Context, req PriceRequest) (Pricing, error) {
	if req.AccountID == "" {
		return Pricing{}, errs.New(errs.CodeInvalidRequest, "accountId is required")
	}
	if req.Side != pricing.SideBuy && req.Side != pricing.SideSell {
		return Pricing{}, errs.New(errs.CodeInvalidRequest, "side must be buy or sell")
	}
	asset, ok := l.assets.Lookup(req.Asset)
	if !ok {
		return Pricing{}, errs.New(errs.CodeUnsupportedAsset, "asset %q not supported", req.Asset)
	}
	paymentCode := normalize(req.PaymentCurrency)
	if paymentCode == "" {
		paymentCode = l.opts.QuoteCurrency
	}
	payment, ok := l.assets.Lookup(paymentCode)
	if !ok {
		return Pricing{}, errs.New(errs.CodeUnsupportedAsset, "payment currency %q not supported", req.PaymentCurrency)
	}
	if asset.Symbol == payment.Symbol {
		return Pricing{}, errs.New(errs.CodeInvalidRequest, "asset and payment currency must differ")
	}

	tierLevel, err := l.tiers.Tier(ctx, req.AccountID)
	if err != nil {
		return Pricing{}, errs.Internal(fmt.Errorf("resolve tier: %w", err))
	}

	assetRef, err := l.reference(ctx, asset)
	if err != nil {
		return Pricing{}, err
	}
	paymentRef, err := l.reference(ctx, payment)
	if err != nil {
		return Pricing{}, err
	}
	cross, err := pricing.CrossReference(assetRef, paymentRef, l.policy.Places())
	if err != nil {
		return Pricing{}, errs.Wrap(errs.CodePriceOracleUnavailable, err, errs.ErrPriceOracleUnavailable.Message)
	}

	pair := pricing.CategoryPair{From: payment.Category, To: asset.Category}
	exec, err := l.policy.ComputeExecutionPrice(cross, req.Side, pair, tierLevel)
	if err != nil {
		return Pricing{}, errs.Wrap(errs.CodePriceOracleUnavailable, err, errs.ErrPriceOracleUnavailable.Message)
	}
	return Pricing{
		Asset:           asset,
		Payment:         payment,
		Reference:       cross,
		Execution:       exec,
		Tier:            tierLevel,
		PaymentCurrency: payment.Symbol,
	}, nil
}

func (l *Ledger) reference(ctx context.Context, a Asset) (pricing.Reference, error) {
	if a.Pegged() {
		return pricing.Reference{Bid: a.Peg, Ask: a.Peg}, nil
	}
	p, err := l.oracle.ReferencePrice(ctx, a.Symbol)
	if err != nil {
		l.logger.Warn().Err(err).Str("asset", a.Symbol).Msg("reference price unavailable")
		return pricing.Reference{}, errs.Wrap(errs.CodePriceOracleUnavailable, err, errs.ErrPriceOracleUnavailable.Message)
	}
	return pricing.Reference{Bid: p.Bid, Ask: p.Ask}, nil
}

// Get returns the quote and its state as of now.
func (l *Ledger) Get(ctx context.Context, id string) (View, error) {
	if _, err := uuid.Parse(id); err != nil {
		return View{}, errs.ErrNotFound
	}
	s, err := l.store.Get(ctx, id)
	if err != nil {
		return View{}, storeError(err)
	}
	return ViewAt(s, l.clock()), nil
}

// Consume marks the quote used. At most one caller ever succeeds per id.
func (l *Ledger) Consume(ctx context.Context, id string) (Quote, error) {
	start := l.clock()
	ctx, span := l.tracer.Start(ctx, "quote.consume", trace.WithAttributes(attribute.String("quote.id", id)))
	defer span.End()

	var (
		q   Quote
		err error
	)
	if _, perr := uuid.Parse(id); perr != nil {
		err = errs.ErrNotFound
	} else {
		q, err = l.store.Consume(ctx, id, l.clock())
		err = storeError(err)
	}
	l.metrics.Observe("consume", l.clock().Sub(start), err)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return Quote{}, err
	}
	span.SetStatus(codes.Ok, "quote consumed")
	return q, nil
}

// Sweep removes quotes that expired before cutoff. Expiry never depends on it.
func (l *Ledger) Sweep(ctx context.Context, cutoff time.Time) (int64, error) {
	n, err := l.store.DeleteExpiredBefore(ctx, cutoff)
	if err != nil {
		return 0, errs.Internal(fmt.Errorf("sweep quotes: %w", err))
	}
	if n > 0 {
		l.logger.Info().Int64("deleted", n).Time("cutoff", cutoff).Msg("expired quotes swept")
	}
	return n, nil
}

func storeError(err error) error {
	if err == nil {
		return nil
	}
	var coded *errs.Error
	if errors.As(err, &coded) {
		return err
	}
	return errs.Internal(err)
}
