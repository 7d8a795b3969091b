package oracle

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// ErrUnavailable signals the oracle could not produce a usable price.
var ErrUnavailable = errors.New("price unavailable")

// Price is a USD reference quote for one unit of an asset.
type Price struct {
	Asset      string
	Bid        decimal.Decimal
	Ask        decimal.Decimal
	Source     string
	ObservedAt time.Time
}

// PriceOracle supplies current reference prices.
type PriceOracle interface {
	ReferencePrice(ctx context.Context, asset string) (Price, error)
}

// Static serves fixed prices. Used for pegged currencies and development.
type Static struct {
	prices map[string]Price
	clock  func() time.Time
}

// NewStatic builds a Static oracle from mid prices; bid and ask are equal.
func NewStatic(mids map[string]decimal.Decimal) *Static {
	prices := make(map[string]Price, len(mids))
	for asset, mid := range mids {
		code := strings.ToUpper(strings.TrimSpace(asset))
		prices[code] = Price{Asset: code, Bid: mid, Ask: mid, Source: "static"}
	}
	return &Static{prices: prices, clock: time.Now}
}

// ReferencePrice returns the configured price for asset.
func (s *Static) ReferencePrice(_ context.Context, asset string) (Price, error) {
	p, ok := s.prices[strings.ToUpper(strings.TrimSpace(asset))]
	if !ok || !p.Bid.IsPositive() || !p.Ask.IsPositive() {
		return Price{}, ErrUnavailable
	}
	p.ObservedAt = s.clock().UTC()
	return p, nil
}

// Router dispatches per asset to a dedicated oracle, falling back to a default.
type Router struct {
	routes   map[string]PriceOracle
	fallback PriceOracle
}

// NewRouter builds a Router. fallback may be nil.
func NewRouter(fallback PriceOracle) *Router {
	return &Router{routes: make(map[string]PriceOracle), fallback: fallback}
}

// Route sends asset lookups to o.
func (r *Router) Route(asset string, o PriceOracle) *Router {
	r.routes[strings.ToUpper(strings.TrimSpace(asset))] = o
	return r
}

// ReferencePrice resolves asset through its route or the fallback.
func (r *Router) ReferencePrice(ctx context.Context, asset string) (Price, error) {
	if o, ok := r.routes[strings.ToUpper(strings.TrimSpace(asset))]; ok {
		return o.ReferencePrice(ctx, asset)
	}
	if r.fallback == nil {
		return Price{}, ErrUnavailable
	}
	return r.fallback.ReferencePrice(ctx, asset)
}

var (
	_ PriceOracle = (*Static)(nil)
	_ PriceOracle = (*Router)(nil)
)
