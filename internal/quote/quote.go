package quote

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"quote-engine/internal/pricing"
)

// Quote is an immutable price lock.
type Quote struct {
	ID              string          `json:"id"`
	AccountID       string          `json:"accountId"`
	Side            pricing.Side    `json:"side"`
	Asset           string          `json:"asset"`
	PaymentCurrency string          `json:"paymentCurrency"`
	Quantity        decimal.Decimal `json:"quantity"`
	ReferencePrice  decimal.Decimal `json:"referencePrice"`
	PricePerUnit    decimal.Decimal `json:"pricePerUnit"`
	SpreadPercent   decimal.Decimal `json:"spreadPercent"`
	FeePercent      decimal.Decimal `json:"feePercent"`
	GrossAmount     decimal.Decimal `json:"grossAmount"`
	FeeAmount       decimal.Decimal `json:"feeAmount"`
	Total           decimal.Decimal `json:"totalInQuoteCurrency"`
	Tier            pricing.Tier    `json:"tier"`
	CreatedAt       time.Time       `json:"createdAt"`
	ExpiresAt       time.Time       `json:"expiresAt"`
}

// Expired is true strictly after ExpiresAt.
func (q Quote) Expired(now time.Time) bool {
	return now.After(q.ExpiresAt)
}

// State is the lifecycle position of a quote.
type State string

const (
	StateOpen     State = "open"
	StateConsumed State = "consumed"
	StateExpired  State = "expired"
)

// Stored is a quote plus its consumption mark.
type Stored struct {
	Quote      Quote
	ConsumedAt time.Time
}

// View is a quote as observed at a point in time.
type View struct {
	Quote         Quote         `json:"quote"`
	State         State         `json:"state"`
	TimeRemaining time.Duration `json:"-"`
}

// ViewAt derives the state of s at now.
func ViewAt(s Stored, now time.Time) View {
	v := View{Quote: s.Quote, State: StateOpen}
	switch {
	case !s.ConsumedAt.IsZero():
		v.State = StateConsumed
	case s.Quote.Expired(now):
		v.State = StateExpired
	default:
		v.TimeRemaining = s.Quote.ExpiresAt.Sub(now)
	}
	return v
}

// Store persists quotes. Consume is the single serialization point: for a
// given id at most one call ever succeeds.
type Store interface {
	Insert(ctx context.Context, q Quote) error
	Get(ctx context.Context, id string) (Stored, error)
	// Consume marks the quote used if it exists, is unused and now is not
	// after its expiry. Errors are errs.ErrNotFound, errs.ErrAlreadyConsumed
	// or errs.ErrExpired.
	Consume(ctx context.Context, id string, now time.Time) (Quote, error)
	DeleteExpiredBefore(ctx context.Context, cutoff time.Time) (int64, error)
}
