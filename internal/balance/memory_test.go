package balance

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"quote-engine/internal/allocation"
	"quote-engine/internal/errs"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

var now = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func seeded(t *testing.T, regular, promo string, promoExpiry time.Time) *Memory {
	t.Helper()
	m := NewMemory("AUXM").WithClock(func() time.Time { return now })
	ctx := context.Background()
	if regular != "" {
		require.NoError(t, m.Credit(ctx, "acct", "AUXM", d(regular)))
	}
	if promo != "" {
		require.NoError(t, m.GrantPromotion(ctx, "acct", d(promo), promoExpiry))
	}
	return m
}

func TestBonusFirstDebit(t *testing.T) {
	m := seeded(t, "100", "30", now.Add(time.Hour))

	debit, err := m.ReserveAndDebit(context.Background(), "acct", "AUXM", d("50"))
	require.NoError(t, err)
	assert.True(t, debit.FromPromotional.Equal(d("30")))
	assert.True(t, debit.FromRegular.Equal(d("20")))

	set, err := m.Balances(context.Background(), "acct")
	require.NoError(t, err)
	assert.True(t, set.Promotional.Amount.IsZero())
	assert.True(t, set.Balances["AUXM"].Equal(d("80")))
}

func TestRegularUntouchedWhilePromotionCovers(t *testing.T) {
	m := seeded(t, "100", "30", now.Add(time.Hour))

	_, err := m.ReserveAndDebit(context.Background(), "acct", "auxm", d("12.5"))
	require.NoError(t, err)

	set, _ := m.Balances(context.Background(), "acct")
	assert.True(t, set.Balances["AUXM"].Equal(d("100")))
	assert.True(t, set.Promotional.Amount.Equal(d("17.5")))
}

func TestExpiredPromotionIsIgnored(t *testing.T) {
	m := seeded(t, "100", "30", now.Add(-time.Millisecond))

	bal, err := m.Balance(context.Background(), "acct", "AUXM")
	require.NoError(t, err)
	assert.True(t, bal.Equal(d("100")))

	debit, err := m.ReserveAndDebit(context.Background(), "acct", "AUXM", d("50"))
	require.NoError(t, err)
	assert.True(t, debit.FromPromotional.IsZero())

	set, _ := m.Balances(context.Background(), "acct")
	assert.True(t, set.Balances["AUXM"].Equal(d("50")))
	assert.True(t, set.Promotional.Amount.Equal(d("30")), "expired overlay is left for the issuance flow")
}

func TestSpendableIncludesActivePromotion(t *testing.T) {
	m := seeded(t, "100", "30", now.Add(time.Minute))

	bal, err := m.Balance(context.Background(), "acct", "AUXM")
	require.NoError(t, err)
	assert.True(t, bal.Equal(d("130")))
}

func TestInsufficientFundsLeavesSetUntouched(t *testing.T) {
	m := seeded(t, "10", "5", now.Add(time.Hour))
	before, _ := m.Balances(context.Background(), "acct")

	_, err := m.ReserveAndDebit(context.Background(), "acct", "AUXM", d("15.01"))
	require.Error(t, err)
	assert.ErrorIs(t, err, errs.ErrInsufficientFunds)

	after, _ := m.Balances(context.Background(), "acct")
	assert.Equal(t, before, after)
}

func TestUpdateIsAllOrNothing(t *testing.T) {
	m := seeded(t, "100", "", time.Time{})
	before, _ := m.Balances(context.Background(), "acct")
	boom := errors.New("boom")

	err := m.Update(context.Background(), "acct", func(tx *Tx) error {
		if _, err := tx.Debit("AUXM", d("40")); err != nil {
			return err
		}
		if err := tx.Credit("AUXG", d("0.5")); err != nil {
			return err
		}
		tx.RecordAllocation(allocation.Record{AccountID: "acct", Asset: "AUXG"})
		return boom
	})
	require.ErrorIs(t, err, boom)

	after, _ := m.Balances(context.Background(), "acct")
	assert.Equal(t, before, after)
	recs, _ := m.Allocations(context.Background(), "acct")
	assert.Empty(t, recs)
}

func TestUpdateCommitsAllocations(t *testing.T) {
	m := seeded(t, "100", "", time.Time{})

	err := m.Update(context.Background(), "acct", func(tx *Tx) error {
		tx.RecordAllocation(allocation.Record{AccountID: "acct", Asset: "AUXG", TotalGrams: d("1.5")})
		return tx.Credit("AUXG", d("1.5"))
	})
	require.NoError(t, err)

	recs, err := m.Allocations(context.Background(), "acct")
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.True(t, recs[0].TotalGrams.Equal(d("1.5")))
}

func TestCreditRejectsNonPositive(t *testing.T) {
	m := NewMemory("")
	err := m.Credit(context.Background(), "acct", "AUXG", d("0"))
	assert.ErrorIs(t, err, errs.ErrInvalidRequest)
}

func TestConcurrentDebitsNeverOverdraw(t *testing.T) {
	m := seeded(t, "100", "", time.Time{})

	var wg sync.WaitGroup
	var mu sync.Mutex
	succeeded := 0
	for i := 0; i < 40; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := m.ReserveAndDebit(context.Background(), "acct", "AUXM", d("5")); err == nil {
				mu.Lock()
				succeeded++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 20, succeeded)
	bal, _ := m.Balance(context.Background(), "acct", "AUXM")
	assert.True(t, bal.IsZero())
}

func TestAccountsDoNotBlockEachOther(t *testing.T) {
	m := NewMemory("")
	release := make(chan struct{})
	entered := make(chan struct{})

	go func() {
		_ = m.Update(context.Background(), "slow", func(tx *Tx) error {
			close(entered)
			<-release
			return nil
		})
	}()
	<-entered

	done := make(chan error, 1)
	go func() { done <- m.Credit(context.Background(), "fast", "AUXM", d("1")) }()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("credit on another account blocked behind a held lock")
	}
	close(release)
}

func TestGrantAddsToActivePromotion(t *testing.T) {
	m := seeded(t, "", "10", now.Add(2*time.Hour))
	ctx := context.Background()

	require.NoError(t, m.GrantPromotion(ctx, "acct", d("20"), now.Add(time.Hour)))
	set, err := m.Balances(ctx, "acct")
	require.NoError(t, err)
	assert.True(t, set.Promotional.Amount.Equal(d("30")), "got %s", set.Promotional.Amount)
	assert.Equal(t, now.Add(2*time.Hour), set.Promotional.ExpiresAt)

	require.NoError(t, m.GrantPromotion(ctx, "acct", d("5"), now.Add(3*time.Hour)))
	set, _ = m.Balances(ctx, "acct")
	assert.True(t, set.Promotional.Amount.Equal(d("35")))
	assert.Equal(t, now.Add(3*time.Hour), set.Promotional.ExpiresAt)
}

func TestGrantReplacesExpiredPromotion(t *testing.T) {
	m := seeded(t, "", "10", now.Add(-time.Minute))
	ctx := context.Background()

	require.NoError(t, m.GrantPromotion(ctx, "acct", d("20"), now.Add(time.Hour)))
	set, err := m.Balances(ctx, "acct")
	require.NoError(t, err)
	assert.True(t, set.Promotional.Amount.Equal(d("20")))
	assert.Equal(t, now.Add(time.Hour), set.Promotional.ExpiresAt)
}

func TestDebitRegularSkipsPromotion(t *testing.T) {
	m := seeded(t, "40", "30", now.Add(time.Hour))
	ctx := context.Background()

	err := m.Update(ctx, "acct", func(tx *Tx) error {
		_, err := tx.DebitRegular("AUXM", d("50"))
		return err
	})
	assert.Equal(t, errs.CodeInsufficientFunds, errs.CodeOf(err))

	var debit Debit
	require.NoError(t, m.Update(ctx, "acct", func(tx *Tx) error {
		var err error
		debit, err = tx.DebitRegular("AUXM", d("25"))
		return err
	}))
	assert.True(t, debit.FromPromotional.IsZero())
	set, _ := m.Balances(ctx, "acct")
	assert.True(t, set.Balances["AUXM"].Equal(d("15")))
	assert.True(t, set.Promotional.Amount.Equal(d("30")))
}

func TestReadsDoNotCreateAccounts(t *testing.T) {
	m := NewMemory("AUXM")
	ctx := context.Background()

	set, err := m.Balances(ctx, "ghost")
	require.NoError(t, err)
	assert.Equal(t, "ghost", set.AccountID)
	assert.Empty(t, set.Balances)

	bal, err := m.Balance(ctx, "ghost", "AUXM")
	require.NoError(t, err)
	assert.True(t, bal.IsZero())

	recs, err := m.Allocations(ctx, "ghost")
	require.NoError(t, err)
	assert.Empty(t, recs)

	m.mu.RLock()
	assert.Empty(t, m.accounts)
	m.mu.RUnlock()
}
