package pricing

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// Side is the direction of a trade from the account's point of view.
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// ParseSide normalises user input into a Side.
func ParseSide(raw string) (Side, error) {
	switch Side(strings.ToLower(strings.TrimSpace(raw))) {
	case SideBuy:
		return SideBuy, nil
	case SideSell:
		return SideSell, nil
	default:
		return "", fmt.Errorf("unknown side %q", raw)
	}
}

// Category groups assets for spread selection.
type Category string

const (
	CategoryMetal    Category = "metal"
	CategoryCrypto   Category = "crypto"
	CategoryPlatform Category = "platform"
	CategoryStable   Category = "stable"
)

// CategoryPair is the payment category converted into the asset category.
type CategoryPair struct {
	From Category
	To   Category
}

func (p CategoryPair) String() string {
	return string(p.From) + ":" + string(p.To)
}

// Tier is an externally resolved loyalty/volume level. Zero is the base tier.
type Tier int

// Reference is a bid/ask pair for one unit of an asset.
type Reference struct {
	Bid decimal.Decimal
	Ask decimal.Decimal
}

// Execution is the executable price for a side.
type Execution struct {
	PricePerUnit  decimal.Decimal
	SpreadPercent decimal.Decimal
	FeePercent    decimal.Decimal
}

// Totals is the settlement amount in the payment currency for a quantity.
type Totals struct {
	Gross decimal.Decimal
	Fee   decimal.Decimal
	Total decimal.Decimal
}

// Options configure a Policy.
type Options struct {
	// Spreads keyed by "<from>:<to>" category pair, in percent.
	Spreads map[string]decimal.Decimal
	// DefaultSpread applies when a pair has no entry.
	DefaultSpread decimal.Decimal
	// Fees keyed by asset category, in percent.
	Fees       map[Category]decimal.Decimal
	DefaultFee decimal.Decimal
	// TierDiscounts[i] is the fraction of spread and fee waived at tier i.
	TierDiscounts []decimal.Decimal
	// PricePlaces is the rounding precision for prices and amounts.
	PricePlaces int32
}

// Policy computes execution prices. It is safe for concurrent use and holds no
// mutable state after construction.
type Policy struct {
	spreads       map[string]decimal.Decimal
	defaultSpread decimal.Decimal
	fees          map[Category]decimal.Decimal
	defaultFee    decimal.Decimal
	discounts     []decimal.Decimal
	places        int32
}

var (
	hundred = decimal.NewFromInt(100)
	one     = decimal.NewFromInt(1)
)

// NewPolicy validates options and builds a Policy.
func NewPolicy(opts Options) (*Policy, error) {
	if opts.PricePlaces <= 0 {
		opts.PricePlaces = 8
	}
	if opts.DefaultSpread.IsNegative() || opts.DefaultFee.IsNegative() {
		return nil, fmt.Errorf("default spread and fee must not be negative")
	}
	spreads := make(map[string]decimal.Decimal, len(opts.Spreads))
	for key, pct := range opts.Spreads {
		if pct.IsNegative() || pct.GreaterThanOrEqual(hundred) {
			return nil, fmt.Errorf("spread %s out of range: %s", key, pct)
		}
		spreads[strings.ToLower(strings.TrimSpace(key))] = pct
	}
	fees := make(map[Category]decimal.Decimal, len(opts.Fees))
	for cat, pct := range opts.Fees {
		if pct.IsNegative() || pct.GreaterThanOrEqual(hundred) {
			return nil, fmt.Errorf("fee %s out of range: %s", cat, pct)
		}
		fees[cat] = pct
	}
	prev := decimal.Zero
	for i, d := range opts.TierDiscounts {
		if d.IsNegative() || d.GreaterThan(one) {
			return nil, fmt.Errorf("tier %d discount must be within [0,1]", i)
		}
		if d.LessThan(prev) {
			return nil, fmt.Errorf("tier %d discount %s is lower than tier %d", i, d, i-1)
		}
		prev = d
	}
	return &Policy{
		spreads:       spreads,
		defaultSpread: opts.DefaultSpread,
		fees:          fees,
		defaultFee:    opts.DefaultFee,
		discounts:     append([]decimal.Decimal(nil), opts.TierDiscounts...),
		places:        opts.PricePlaces,
	}, nil
}

// ComputeExecutionPrice applies the spread for pair and tier to ref. Buys pay
// above the ask, sells receive below the bid.
func (p *Policy) ComputeExecutionPrice(ref Reference, side Side, pair CategoryPair, tier Tier) (Execution, error) {
	if !ref.Bid.IsPositive() || !ref.Ask.IsPositive() {
		return Execution{}, fmt.Errorf("reference price must be positive")
	}
	keep := one.Sub(p.discount(tier))
	spread := p.spreadFor(pair).Mul(keep)
	fee := p.feeFor(pair.To).Mul(keep)

	var price decimal.Decimal
	switch side {
	case SideBuy:
		price = ref.Ask.Mul(one.Add(spread.Div(hundred))).RoundCeil(p.places)
	case SideSell:
		price = ref.Bid.Mul(one.Sub(spread.Div(hundred))).RoundFloor(p.places)
	default:
		return Execution{}, fmt.Errorf("unknown side %q", side)
	}
	return Execution{PricePerUnit: price, SpreadPercent: spread, FeePercent: fee}, nil
}

// Totals prices quantity at exec, rounding every amount to places, the
// precision of the payment currency. Buyers pay gross plus fee rounded up,
// sellers receive gross rounded down minus fee.
func (p *Policy) Totals(exec Execution, quantity decimal.Decimal, side Side, places int32) Totals {
	if places < 0 || places > p.places {
		places = p.places
	}
	gross := exec.PricePerUnit.Mul(quantity)
	fee := gross.Mul(exec.FeePercent).Div(hundred).RoundCeil(places)
	if side == SideBuy {
		gross = gross.RoundCeil(places)
		return Totals{Gross: gross, Fee: fee, Total: gross.Add(fee)}
	}
	gross = gross.RoundFloor(places)
	total := gross.Sub(fee)
	if total.IsNegative() {
		total = decimal.Zero
	}
	return Totals{Gross: gross, Fee: fee, Total: total}
}

// Places reports the rounding precision used for prices.
func (p *Policy) Places() int32 { return p.places }

func (p *Policy) discount(tier Tier) decimal.Decimal {
	if len(p.discounts) == 0 || tier < 0 {
		return decimal.Zero
	}
	if int(tier) >= len(p.discounts) {
		return p.discounts[len(p.discounts)-1]
	}
	return p.discounts[tier]
}

func (p *Policy) spreadFor(pair CategoryPair) decimal.Decimal {
	if pct, ok := p.spreads[pair.String()]; ok {
		return pct
	}
	return p.defaultSpread
}

func (p *Policy) feeFor(cat Category) decimal.Decimal {
	if pct, ok := p.fees[cat]; ok {
		return pct
	}
	return p.defaultFee
}

// CrossReference expresses asset in units of the payment currency, given both
// in a common numeraire. The bid uses the payment ask and the ask uses the
// payment bid so the cross never narrows the market.
func CrossReference(asset, payment Reference, places int32) (Reference, error) {
	if !payment.Bid.IsPositive() || !payment.Ask.IsPositive() {
		return Reference{}, fmt.Errorf("payment reference must be positive")
	}
	return Reference{
		Bid: asset.Bid.DivRound(payment.Ask, places+4),
		Ask: asset.Ask.DivRound(payment.Bid, places+4),
	}, nil
}
