package tier

import (
	"context"
	"strings"

	"quote-engine/internal/pricing"
)

// Resolver reports the pricing tier of an account.
type Resolver interface {
	Tier(ctx context.Context, accountID string) (pricing.Tier, error)
}

// Static resolves tiers from a fixed account table.
type Static struct {
	def      pricing.Tier
	accounts map[string]pricing.Tier
}

// NewStatic builds a resolver. Account ids are matched case-insensitively.
func NewStatic(def pricing.Tier, accounts map[string]int) *Static {
	table := make(map[string]pricing.Tier, len(accounts))
	for id, t := range accounts {
		if t < 0 {
			t = 0
		}
		table[strings.ToLower(strings.TrimSpace(id))] = pricing.Tier(t)
	}
	if def < 0 {
		def = 0
	}
	return &Static{def: def, accounts: table}
}

// Tier returns the configured tier or the default.
func (s *Static) Tier(_ context.Context, accountID string) (pricing.Tier, error) {
	if t, ok := s.accounts[strings.ToLower(strings.TrimSpace(accountID))]; ok {
		return t, nil
	}
	return s.def, nil
}

var _ Resolver = (*Static)(nil)
