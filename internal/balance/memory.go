package balance

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"quote-engine/internal/allocation"
	"quote-engine/internal/errs"
)

type account struct {
	mu          sync.Mutex
	set         Set
	allocations []allocation.Record
}

// Memory is an in-process Ledger. Each account has its own mutex so unrelated
// accounts never serialize on each other.
type Memory struct {
	mu       sync.RWMutex
	accounts map[string]*account
	promoCcy string
	clock    func() time.Time
}

// NewMemory constructs an empty in-memory ledger.
func NewMemory(promoCurrency string) *Memory {
	if strings.TrimSpace(promoCurrency) == "" {
		promoCurrency = DefaultPromotionalCurrency
	}
	return &Memory{
		accounts: make(map[string]*account),
		promoCcy: normalize(promoCurrency),
		clock:    time.Now,
	}
}

// WithClock overrides the ledger clock for deterministic tests.
func (m *Memory) WithClock(clock func() time.Time) *Memory {
	if clock != nil {
		m.clock = clock
	}
	return m
}

func (m *Memory) account(id string) *account {
	if acct, ok := m.lookup(id); ok {
		return acct
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if acct, ok := m.accounts[id]; ok {
		return acct
	}
	acct := &account{set: NewSet(id)}
	m.accounts[id] = acct
	return acct
}

// lookup finds an existing account without creating one.
func (m *Memory) lookup(id string) (*account, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	acct, ok := m.accounts[id]
	return acct, ok
}

// Balances returns a snapshot of the account. Unknown accounts read as empty.
func (m *Memory) Balances(_ context.Context, accountID string) (Set, error) {
	acct, ok := m.lookup(accountID)
	if !ok {
		return NewSet(accountID), nil
	}
	acct.mu.Lock()
	defer acct.mu.Unlock()
	return acct.set.Clone(), nil
}

// Balance returns the spendable amount of currency.
func (m *Memory) Balance(ctx context.Context, accountID, currency string) (decimal.Decimal, error) {
	set, err := m.Balances(ctx, accountID)
	if err != nil {
		return decimal.Zero, err
	}
	return spendable(set, normalize(currency), m.promoCcy, m.clock()), nil
}

// ReserveAndDebit debits currency, promotional overlay first.
func (m *Memory) ReserveAndDebit(ctx context.Context, accountID, currency string, amount decimal.Decimal) (Debit, error) {
	var out Debit
	err := m.Update(ctx, accountID, func(tx *Tx) error {
		var err error
		out, err = tx.Debit(currency, amount)
		return err
	})
	return out, err
}

// Credit adds to the primary balance of currency.
func (m *Memory) Credit(ctx context.Context, accountID, currency string, amount decimal.Decimal) error {
	return m.Update(ctx, accountID, func(tx *Tx) error {
		return tx.Credit(currency, amount)
	})
}

// GrantPromotion adds to the account's promotional overlay.
func (m *Memory) GrantPromotion(ctx context.Context, accountID string, amount decimal.Decimal, expiresAt time.Time) error {
	return m.Update(ctx, accountID, func(tx *Tx) error {
		return tx.Grant(amount, expiresAt)
	})
}

// Update applies fn atomically under the account's lock.
func (m *Memory) Update(ctx context.Context, accountID string, fn func(tx *Tx) error) error {
	if strings.TrimSpace(accountID) == "" {
		return errs.New(errs.CodeInvalidRequest, "account id required")
	}
	if err := ctx.Err(); err != nil {
		return errs.Internal(err)
	}
	acct := m.account(accountID)
	acct.mu.Lock()
	defer acct.mu.Unlock()

	tx, err := Apply(acct.set, m.clock(), m.promoCcy, fn)
	if err != nil {
		return err
	}
	acct.set = tx.set
	acct.allocations = append(acct.allocations, tx.allocations...)
	return nil
}

// Allocations lists the account's allocation records in settlement order.
func (m *Memory) Allocations(_ context.Context, accountID string) ([]allocation.Record, error) {
	acct, ok := m.lookup(accountID)
	if !ok {
		return nil, nil
	}
	acct.mu.Lock()
	defer acct.mu.Unlock()
	return append([]allocation.Record(nil), acct.allocations...), nil
}

var _ Ledger = (*Memory)(nil)
