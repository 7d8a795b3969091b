package balance

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"quote-engine/internal/allocation"
	"quote-engine/internal/errs"
)

// DefaultPromotionalCurrency is the currency that carries the bonus overlay.
const DefaultPromotionalCurrency = "AUXM"

// Promotion is the time-limited bonus overlay on the promotional currency.
type Promotion struct {
	Amount    decimal.Decimal `json:"amount"`
	ExpiresAt time.Time       `json:"expiresAt"`
}

// Active reports whether the promotion can be spent at now.
func (p Promotion) Active(now time.Time) bool {
	return p.Amount.IsPositive() && !p.ExpiresAt.IsZero() && !now.After(p.ExpiresAt)
}

// Set is the balance state of one account.
type Set struct {
	AccountID   string                     `json:"accountId"`
	Balances    map[string]decimal.Decimal `json:"balances"`
	Promotional Promotion                  `json:"promotional"`
	Version     int64                      `json:"version"`
}

// NewSet returns an empty set for accountID.
func NewSet(accountID string) Set {
	return Set{AccountID: accountID, Balances: make(map[string]decimal.Decimal)}
}

// Clone deep-copies the set so a Tx can mutate freely.
func (s Set) Clone() Set {
	out := s
	out.Balances = make(map[string]decimal.Decimal, len(s.Balances))
	for k, v := range s.Balances {
		out.Balances[k] = v
	}
	return out
}

// Currencies lists held currencies in stable order.
func (s Set) Currencies() []string {
	keys := make([]string, 0, len(s.Balances))
	for k := range s.Balances {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Debit reports which sub-balances funded a debit.
type Debit struct {
	Currency        string          `json:"currency"`
	Amount          decimal.Decimal `json:"amount"`
	FromPromotional decimal.Decimal `json:"fromPromotional"`
	FromRegular     decimal.Decimal `json:"fromRegular"`
}

// Ledger is the authoritative balance store. Every mutation is atomic per
// account; different accounts never contend.
type Ledger interface {
	Balances(ctx context.Context, accountID string) (Set, error)
	Balance(ctx context.Context, accountID, currency string) (decimal.Decimal, error)
	ReserveAndDebit(ctx context.Context, accountID, currency string, amount decimal.Decimal) (Debit, error)
	Credit(ctx context.Context, accountID, currency string, amount decimal.Decimal) error
	// Update runs fn against a private copy of the account and commits all of
	// its effects, or none of them when fn returns an error.
	Update(ctx context.Context, accountID string, fn func(tx *Tx) error) error
	Allocations(ctx context.Context, accountID string) ([]allocation.Record, error)
	GrantPromotion(ctx context.Context, accountID string, amount decimal.Decimal, expiresAt time.Time) error
}

// Tx is a pending mutation of one account.
type Tx struct {
	set         Set
	now         time.Time
	promoCcy    string
	allocations []allocation.Record
	dirty       map[string]bool
}

func newTx(set Set, now time.Time, promoCurrency string) *Tx {
	return &Tx{set: set.Clone(), now: now, promoCcy: promoCurrency, dirty: make(map[string]bool)}
}

// Now is the clock reading the transaction evaluates expiry against.
func (tx *Tx) Now() time.Time { return tx.now }

// Set exposes the pending state.
func (tx *Tx) Set() Set { return tx.set }

// Spendable is what Debit could take from currency right now.
func (tx *Tx) Spendable(currency string) decimal.Decimal {
	return spendable(tx.set, normalize(currency), tx.promoCcy, tx.now)
}

// Debit removes amount from currency. For the promotional currency the
// unexpired promotional overlay is drained before the regular balance.
func (tx *Tx) Debit(currency string, amount decimal.Decimal) (Debit, error) {
	return tx.debit(currency, amount, true)
}

// DebitRegular removes amount from the primary balance only. The
// promotional overlay can pay for purchases but is never sold or withdrawn.
func (tx *Tx) DebitRegular(currency string, amount decimal.Decimal) (Debit, error) {
	return tx.debit(currency, amount, false)
}

func (tx *Tx) debit(currency string, amount decimal.Decimal, usePromo bool) (Debit, error) {
	currency = normalize(currency)
	if !amount.IsPositive() {
		return Debit{}, errs.New(errs.CodeInvalidRequest, "debit amount must be positive")
	}
	available := tx.set.Balances[currency]
	if usePromo {
		available = tx.Spendable(currency)
	}
	if available.LessThan(amount) {
		return Debit{}, errs.ErrInsufficientFunds
	}

	out := Debit{Currency: currency, Amount: amount, FromPromotional: decimal.Zero, FromRegular: amount}
	if usePromo && currency == tx.promoCcy && tx.set.Promotional.Active(tx.now) {
		fromPromo := decimal.Min(tx.set.Promotional.Amount, amount)
		tx.set.Promotional.Amount = tx.set.Promotional.Amount.Sub(fromPromo)
		out.FromPromotional = fromPromo
		out.FromRegular = amount.Sub(fromPromo)
	}
	if out.FromRegular.IsPositive() {
		tx.set.Balances[currency] = tx.set.Balances[currency].Sub(out.FromRegular)
		tx.dirty[currency] = true
	}
	return out, nil
}

// Credit adds amount to the primary balance of currency.
func (tx *Tx) Credit(currency string, amount decimal.Decimal) error {
	currency = normalize(currency)
	if !amount.IsPositive() {
		return errs.New(errs.CodeInvalidRequest, "credit amount must be positive")
	}
	tx.set.Balances[currency] = tx.set.Balances[currency].Add(amount)
	tx.dirty[currency] = true
	return nil
}

// RecordAllocation stages an allocation record for commit with the balances.
func (tx *Tx) RecordAllocation(rec allocation.Record) {
	tx.allocations = append(tx.allocations, rec)
}

// Grant adds amount to the promotional overlay. An active promotion keeps
// the later of the two expiries; an expired one is replaced outright.
func (tx *Tx) Grant(amount decimal.Decimal, expiresAt time.Time) error {
	if amount.IsNegative() {
		return errs.New(errs.CodeInvalidRequest, "promotional amount must not be negative")
	}
	expiresAt = expiresAt.UTC()
	current := tx.set.Promotional
	if !current.Active(tx.now) {
		tx.set.Promotional = Promotion{Amount: amount, ExpiresAt: expiresAt}
		return nil
	}
	if current.ExpiresAt.After(expiresAt) {
		expiresAt = current.ExpiresAt
	}
	tx.set.Promotional = Promotion{Amount: current.Amount.Add(amount), ExpiresAt: expiresAt}
	return nil
}

// Changed lists the currencies whose primary balance was touched.
func (tx *Tx) Changed() []string {
	out := make([]string, 0, len(tx.dirty))
	for k := range tx.dirty {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Allocations returns the staged allocation records.
func (tx *Tx) Allocations() []allocation.Record { return tx.allocations }

func (tx *Tx) validate() error {
	for ccy, amt := range tx.set.Balances {
		if amt.IsNegative() {
			return errs.Wrap(errs.CodeInternalConsistency, fmt.Errorf("%s balance negative: %s", ccy, amt), errs.ErrInternalConsistency.Message)
		}
	}
	if tx.set.Promotional.Amount.IsNegative() {
		return errs.Wrap(errs.CodeInternalConsistency, fmt.Errorf("promotional balance negative"), errs.ErrInternalConsistency.Message)
	}
	return nil
}

func spendable(set Set, currency, promoCurrency string, now time.Time) decimal.Decimal {
	total := set.Balances[currency]
	if currency == promoCurrency && set.Promotional.Active(now) {
		total = total.Add(set.Promotional.Amount)
	}
	return total
}

func normalize(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

// Apply runs fn in a fresh Tx over set and returns the validated result. It is
// the shared commit path for every Ledger implementation.
func Apply(set Set, now time.Time, promoCurrency string, fn func(tx *Tx) error) (*Tx, error) {
	if promoCurrency == "" {
		promoCurrency = DefaultPromotionalCurrency
	}
	tx := newTx(set, now, normalize(promoCurrency))
	if err := fn(tx); err != nil {
		return nil, err
	}
	if err := tx.validate(); err != nil {
		return nil, err
	}
	tx.set.Version++
	return tx, nil
}

// Spendable is the amount of currency that a debit at now could use.
func Spendable(set Set, currency, promoCurrency string, now time.Time) decimal.Decimal {
	if promoCurrency == "" {
		promoCurrency = DefaultPromotionalCurrency
	}
	return spendable(set, normalize(currency), normalize(promoCurrency), now)
}
