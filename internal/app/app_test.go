package app

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"quote-engine/internal/config"
	"quote-engine/internal/oracle"
	"quote-engine/internal/pricing"
)

const testConfig = `
oracle:
  default: static
  static:
    auxg: 64
    btc: 50000
  routes:
    eth: chainlink
maintenance:
  enabled: false
`

func newTestApp(t *testing.T) *App {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(testConfig), 0o600))
	cfg, err := config.Load(path)
	require.NoError(t, err)
	return NewApp(cfg, zerolog.Nop())
}

func TestQuoteCommandPrintsLockedPrice(t *testing.T) {
	a := newTestApp(t)
	var out bytes.Buffer
	err := a.Quote(context.Background(), &out, QuoteOptions{
		AccountID: "0xabc",
		Side:      pricing.SideBuy,
		Asset:     "AUXG",
		Quantity:  decimal.RequireFromString("2.75"),
	})
	require.NoError(t, err)
	assert.Contains(t, out.String(), "64.32 AUXM")
	assert.Contains(t, out.String(), "176.88 AUXM")
}

func TestPreviewCommandPrintsSuggestion(t *testing.T) {
	a := newTestApp(t)
	var out bytes.Buffer
	err := a.Preview(context.Background(), &out, PreviewOptions{
		AccountID: "0xabc",
		Asset:     "AUXG",
		Quantity:  decimal.RequireFromString("2.75"),
	})
	require.NoError(t, err)
	assert.Contains(t, out.String(), "add 0.25 to reach 3")
}

func TestStatefulCommandsNeedDatabase(t *testing.T) {
	a := newTestApp(t)
	ctx := context.Background()
	var out bytes.Buffer

	assert.Error(t, a.Confirm(ctx, &out, "00000000-0000-0000-0000-000000000000"))
	assert.Error(t, a.Balance(ctx, &out, "0xabc"))
	assert.Error(t, a.Fund(ctx, &out, FundOptions{AccountID: "0xabc", Currency: "AUXM", Amount: decimal.NewFromInt(1)}))
	assert.Error(t, a.Migrate(ctx, &out, MigrateOptions{}))
}

func TestNewOracleRoutesProviders(t *testing.T) {
	a := newTestApp(t)
	o, err := a.newOracle(a.Config.Oracle)
	require.NoError(t, err)

	price, err := o.ReferencePrice(context.Background(), "BTC")
	require.NoError(t, err)
	assert.True(t, price.Ask.Equal(decimal.NewFromInt(50000)))

	_, err = o.ReferencePrice(context.Background(), "ETH")
	assert.ErrorIs(t, err, oracle.ErrUnavailable, "chainlink route without rpc url")

	bad := a.Config.Oracle
	bad.Default = "carrier-pigeon"
	_, err = a.newOracle(bad)
	assert.Error(t, err)
}
