package trade

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"quote-engine/internal/allocation"
	"quote-engine/internal/balance"
	"quote-engine/internal/errs"
	"quote-engine/internal/oracle"
	"quote-engine/internal/pricing"
	"quote-engine/internal/quote"
	"quote-engine/internal/tier"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(dur time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(dur)
	c.mu.Unlock()
}

type capturingNotifier struct {
	mu   sync.Mutex
	recs []allocation.Record
}

func (n *capturingNotifier) Notify(_ context.Context, rec allocation.Record) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.recs = append(n.recs, rec)
	return nil
}

type harness struct {
	clock    *clock
	prices   map[string]decimal.Decimal
	quotes   *quote.Ledger
	balances *balance.Memory
	journal  *MemoryJournal
	custody  *capturingNotifier
	exec     *Executor
}

// switchable serves whatever the harness price table says at call time.
type switchable struct{ h *harness }

func (s switchable) ReferencePrice(ctx context.Context, asset string) (oracle.Price, error) {
	return oracle.NewStatic(s.h.prices).ReferencePrice(ctx, asset)
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		clock:   &clock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)},
		prices:  map[string]decimal.Decimal{"AUXG": d("64"), "BTC": d("50000")},
		journal: NewMemoryJournal(),
		custody: &capturingNotifier{},
	}

	reg, err := quote.NewRegistry([]quote.Asset{
		{Symbol: "AUXM", Category: pricing.CategoryPlatform, Precision: 2, Peg: d("1")},
		{Symbol: "AUXG", Category: pricing.CategoryMetal, Physical: true, Precision: 4},
		{Symbol: "BTC", Category: pricing.CategoryCrypto, Precision: 8},
	})
	require.NoError(t, err)
	policy, err := pricing.NewPolicy(pricing.Options{
		Spreads:     map[string]decimal.Decimal{"platform:metal": d("0.5"), "platform:crypto": d("1")},
		PricePlaces: 8,
	})
	require.NoError(t, err)

	ql, err := quote.NewLedger(quote.NewMemoryStore(), switchable{h}, policy, tier.NewStatic(0, nil), reg,
		quote.Options{LockWindow: 30 * time.Second, QuoteCurrency: "AUXM"}, zerolog.Nop())
	require.NoError(t, err)
	h.quotes = ql.WithClock(h.clock.Now)

	h.balances = balance.NewMemory("AUXM").WithClock(h.clock.Now)
	rec, err := allocation.NewReconciler(reg.Physical(), d("0.0001"), policy.Places())
	require.NoError(t, err)

	h.exec = NewExecutor(h.quotes, h.balances, rec, h.journal, h.custody, zerolog.Nop()).WithClock(h.clock.Now)
	return h
}

func (h *harness) fund(t *testing.T, account, currency, amount string) {
	t.Helper()
	require.NoError(t, h.balances.Credit(context.Background(), account, currency, d(amount)))
}

func (h *harness) issue(t *testing.T, account string, side pricing.Side, asset, qty string) quote.Quote {
	t.Helper()
	q, err := h.quotes.Issue(context.Background(), quote.Request{AccountID: account, Side: side, Asset: asset, Quantity: d(qty)})
	require.NoError(t, err)
	return q
}

func TestBuyPhysicalSettlesWithAllocation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.fund(t, "acct", "AUXM", "1000")
	require.NoError(t, h.balances.GrantPromotion(ctx, "acct", d("30"), h.clock.Now().Add(time.Hour)))

	q := h.issue(t, "acct", pricing.SideBuy, "AUXG", "2.75")
	require.True(t, q.Total.Equal(d("176.88")))

	res, err := h.exec.Confirm(ctx, q.ID)
	require.NoError(t, err)

	assert.True(t, res.Debited.Amount.Equal(d("176.88")))
	assert.True(t, res.Funding.FromPromotional.Equal(d("30")))
	assert.True(t, res.Funding.FromRegular.Equal(d("146.88")))
	require.NotNil(t, res.Allocation)
	assert.True(t, res.Allocation.AllocatedGrams.Equal(d("2")))
	assert.True(t, res.Allocation.NonAllocatedGrams.Equal(d("0.75")))

	set, err := h.balances.Balances(ctx, "acct")
	require.NoError(t, err)
	assert.True(t, set.Balances["AUXM"].Equal(d("853.12")), "got %s", set.Balances["AUXM"])
	assert.True(t, set.Balances["AUXG"].Equal(d("2.75")))
	assert.True(t, set.Promotional.Amount.IsZero())

	recs, err := h.balances.Allocations(ctx, "acct")
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, q.ID, recs[0].QuoteID)

	journal, err := h.journal.Get(ctx, q.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusSettled, journal.Status)
	require.Len(t, h.custody.recs, 1)
}

func TestSellCreditsPaymentWithoutAllocation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.fund(t, "acct", "AUXG", "3")

	q := h.issue(t, "acct", pricing.SideSell, "AUXG", "1.5")
	res, err := h.exec.Confirm(ctx, q.ID)
	require.NoError(t, err)
	assert.Nil(t, res.Allocation)

	set, _ := h.balances.Balances(ctx, "acct")
	assert.True(t, set.Balances["AUXG"].Equal(d("1.5")))
	// 64 * 0.995 = 63.68 per gram.
	assert.True(t, set.Balances["AUXM"].Equal(d("95.52")), "got %s", set.Balances["AUXM"])
	assert.Empty(t, h.custody.recs)
}

func TestSellOfPromotionalCurrencyLeavesBonusAlone(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.fund(t, "acct", "AUXM", "40")
	require.NoError(t, h.balances.GrantPromotion(ctx, "acct", d("30"), h.clock.Now().Add(time.Hour)))

	sellAUXM := func(qty string) quote.Quote {
		q, err := h.quotes.Issue(ctx, quote.Request{AccountID: "acct", Side: pricing.SideSell, Asset: "AUXM", Quantity: d(qty), PaymentCurrency: "BTC"})
		require.NoError(t, err)
		return q
	}

	// 50 is spendable on a buy but only 40 is regular balance.
	_, err := h.exec.Confirm(ctx, sellAUXM("50").ID)
	require.Error(t, err)
	assert.Equal(t, errs.CodeInsufficientFunds, errs.CodeOf(err))

	res, err := h.exec.Confirm(ctx, sellAUXM("40").ID)
	require.NoError(t, err)
	assert.True(t, res.Funding.FromPromotional.IsZero())
	assert.True(t, res.Funding.FromRegular.Equal(d("40")))

	set, err := h.balances.Balances(ctx, "acct")
	require.NoError(t, err)
	assert.True(t, set.Balances["AUXM"].IsZero())
	assert.True(t, set.Promotional.Amount.Equal(d("30")))
	assert.True(t, set.Balances["BTC"].IsPositive())
}

func TestBuyNonPhysicalHasNoAllocation(t *testing.T) {
	h := newHarness(t)
	h.fund(t, "acct", "AUXM", "100000")

	q := h.issue(t, "acct", pricing.SideBuy, "BTC", "0.5")
	res, err := h.exec.Confirm(context.Background(), q.ID)
	require.NoError(t, err)
	assert.Nil(t, res.Allocation)
	assert.True(t, res.Credited.Amount.Equal(d("0.5")))
}

func TestInsufficientFundsLeavesBalancesUntouched(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.fund(t, "acct", "AUXM", "10")
	before, _ := h.balances.Balances(ctx, "acct")

	q := h.issue(t, "acct", pricing.SideBuy, "AUXG", "1")
	_, err := h.exec.Confirm(ctx, q.ID)
	require.ErrorIs(t, err, errs.ErrInsufficientFunds)

	after, _ := h.balances.Balances(ctx, "acct")
	assert.Equal(t, before, after)
	recs, _ := h.balances.Allocations(ctx, "acct")
	assert.Empty(t, recs)

	journal, err := h.journal.Get(ctx, q.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, journal.Status)
	assert.Equal(t, errs.CodeInsufficientFunds, journal.FailureCode)

	// The quote was consumed by the failed attempt.
	_, err = h.exec.Confirm(ctx, q.ID)
	assert.ErrorIs(t, err, errs.ErrAlreadyConsumed)
}

func TestDoubleConfirmSettlesOnce(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.fund(t, "acct", "AUXM", "1000")
	q := h.issue(t, "acct", pricing.SideBuy, "AUXG", "1")

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		settled  int
		rejected int
	)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.exec.Confirm(ctx, q.ID)
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				settled++
			} else if errs.CodeOf(err) == errs.CodeAlreadyConsumed {
				rejected++
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, settled)
	assert.Equal(t, 15, rejected)

	set, _ := h.balances.Balances(ctx, "acct")
	assert.True(t, set.Balances["AUXG"].Equal(d("1")))
}

func TestExpiredQuoteThenRequoteSettlesAtNewPrice(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.fund(t, "acct", "AUXM", "1000")

	stale := h.issue(t, "acct", pricing.SideBuy, "AUXG", "1")
	h.clock.Advance(30*time.Second + time.Millisecond)
	before, _ := h.balances.Balances(ctx, "acct")

	_, err := h.exec.Confirm(ctx, stale.ID)
	require.ErrorIs(t, err, errs.ErrExpired)
	after, _ := h.balances.Balances(ctx, "acct")
	assert.Equal(t, before, after)

	h.prices["AUXG"] = d("70")
	fresh := h.issue(t, "acct", pricing.SideBuy, "AUXG", "1")
	require.False(t, fresh.PricePerUnit.Equal(stale.PricePerUnit))

	res, err := h.exec.Confirm(ctx, fresh.ID)
	require.NoError(t, err)
	assert.True(t, res.Debited.Amount.Equal(fresh.Total))
	assert.True(t, res.Debited.Amount.Equal(d("70.35")))
}

func TestConfirmSurvivesCallerCancellationAfterConsume(t *testing.T) {
	h := newHarness(t)
	h.fund(t, "acct", "AUXM", "1000")
	q := h.issue(t, "acct", pricing.SideBuy, "AUXG", "1")

	ctx, cancel := context.WithCancel(context.Background())
	h.exec.balances = cancellingLedger{Ledger: h.balances, cancel: cancel}
	_, err := h.exec.Confirm(ctx, q.ID)
	require.NoError(t, err)

	rec, err := h.journal.Get(context.Background(), q.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusSettled, rec.Status)
}

// cancellingLedger cancels the caller's context just before the balance
// transaction starts.
type cancellingLedger struct {
	balance.Ledger
	cancel context.CancelFunc
}

func (c cancellingLedger) Update(ctx context.Context, accountID string, fn func(tx *balance.Tx) error) error {
	c.cancel()
	return c.Ledger.Update(ctx, accountID, fn)
}

func TestPreviewIsReadOnly(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	split, err := h.exec.Preview(ctx, PreviewRequest{AccountID: "acct", Asset: "AUXG", Quantity: d("2.75")})
	require.NoError(t, err)
	assert.True(t, split.AllocatedGrams.Equal(d("2")))
	assert.True(t, split.HasPartialAllocation)
	require.NotNil(t, split.Suggestion)
	assert.True(t, split.Suggestion.GramsToAdd.Equal(d("0.25")))
	assert.True(t, split.Suggestion.CostToAdd.Equal(d("16.08")), "got %s", split.Suggestion.CostToAdd)

	whole, err := h.exec.Preview(ctx, PreviewRequest{AccountID: "acct", Asset: "AUXG", Quantity: d("5.0")})
	require.NoError(t, err)
	assert.False(t, whole.HasPartialAllocation)
	assert.Nil(t, whole.Suggestion)

	_, err = h.exec.Preview(ctx, PreviewRequest{AccountID: "acct", Asset: "AUXG", Quantity: d("0")})
	assert.ErrorIs(t, err, errs.ErrInvalidQuantity)

	set, _ := h.balances.Balances(ctx, "acct")
	assert.Empty(t, set.Balances)
}
