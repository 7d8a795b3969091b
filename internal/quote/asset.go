package quote

import (
	"fmt"
	"sort"
	"strings"

	"github.com/shopspring/decimal"

	"quote-engine/internal/pricing"
)

// Asset describes a tradable currency or token.
type Asset struct {
	Symbol   string
	Category pricing.Category
	// Physical assets are backed by whole-gram vault allocation.
	Physical bool
	// Precision is the number of decimal places a quantity may carry.
	Precision int32
	// Peg fixes the USD price and bypasses the oracle when positive.
	Peg decimal.Decimal
}

// Pegged reports whether the asset has a fixed USD price.
func (a Asset) Pegged() bool { return a.Peg.IsPositive() }

// Registry is the set of configured assets.
type Registry struct {
	assets map[string]Asset
}

// NewRegistry validates and indexes assets.
func NewRegistry(assets []Asset) (*Registry, error) {
	if len(assets) == 0 {
		return nil, fmt.Errorf("at least one asset must be configured")
	}
	idx := make(map[string]Asset, len(assets))
	for _, a := range assets {
		a.Symbol = normalize(a.Symbol)
		if a.Symbol == "" {
			return nil, fmt.Errorf("asset symbol must not be empty")
		}
		if _, dup := idx[a.Symbol]; dup {
			return nil, fmt.Errorf("asset %s configured twice", a.Symbol)
		}
		if a.Precision < 0 || a.Precision > 18 {
			return nil, fmt.Errorf("asset %s precision %d out of range", a.Symbol, a.Precision)
		}
		if a.Peg.IsNegative() {
			return nil, fmt.Errorf("asset %s peg must not be negative", a.Symbol)
		}
		switch a.Category {
		case pricing.CategoryMetal, pricing.CategoryCrypto, pricing.CategoryPlatform, pricing.CategoryStable:
		default:
			return nil, fmt.Errorf("asset %s has unknown category %q", a.Symbol, a.Category)
		}
		idx[a.Symbol] = a
	}
	return &Registry{assets: idx}, nil
}

// Lookup finds an asset by symbol, case-insensitively.
func (r *Registry) Lookup(symbol string) (Asset, bool) {
	a, ok := r.assets[normalize(symbol)]
	return a, ok
}

// Physical lists the physically backed symbols.
func (r *Registry) Physical() []string {
	var out []string
	for sym, a := range r.assets {
		if a.Physical {
			out = append(out, sym)
		}
	}
	sort.Strings(out)
	return out
}

func normalize(s string) string {
	return strings.ToUpper(strings.TrimSpace(s))
}
