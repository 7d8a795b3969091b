package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, "app:\n  name: quoted-test\n"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.App.Name != "quoted-test" {
		t.Fatalf("file value not applied: %q", cfg.App.Name)
	}
	if cfg.Quote.LockWindow != 30*time.Second {
		t.Fatalf("expected 30s lock window, got %s", cfg.Quote.LockWindow)
	}
	if !cfg.Allocation.MinIncrement.Equal(decimal.RequireFromString("0.0001")) {
		t.Fatalf("unexpected min increment %s", cfg.Allocation.MinIncrement)
	}
	if len(cfg.Assets) == 0 {
		t.Fatal("default assets missing")
	}
	if !cfg.Pricing.Spreads["platform:metal"].Equal(decimal.RequireFromString("0.5")) {
		t.Fatalf("default spreads not decoded: %v", cfg.Pricing.Spreads)
	}
	if len(cfg.Pricing.TierDiscounts) != 4 {
		t.Fatalf("expected 4 tier discounts, got %d", len(cfg.Pricing.TierDiscounts))
	}
}

func TestLoadFileOverrides(t *testing.T) {
	body := `
quote:
  lock_window: 45s
pricing:
  default_spread: 2.5
  tier_discounts: [0, 0.25]
assets:
  - symbol: AUXM
    category: platform
    precision: 2
    peg: "1"
  - symbol: AUXG
    category: metal
    physical: true
    precision: 4
oracle:
  default: static
  static:
    AUXG: 64.5
tiers:
  accounts:
    "0xabc": 2
`
	cfg, err := Load(writeConfig(t, body))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Quote.LockWindow != 45*time.Second {
		t.Fatalf("lock window not overridden: %s", cfg.Quote.LockWindow)
	}
	if !cfg.Pricing.DefaultSpread.Equal(decimal.RequireFromString("2.5")) {
		t.Fatalf("default spread %s", cfg.Pricing.DefaultSpread)
	}
	if len(cfg.Assets) != 2 || !cfg.Assets[1].Physical || !cfg.Assets[0].Peg.Equal(decimal.NewFromInt(1)) {
		t.Fatalf("assets not decoded: %+v", cfg.Assets)
	}
	if !cfg.Oracle.Static["auxg"].Equal(decimal.RequireFromString("64.5")) {
		t.Fatalf("static prices not decoded: %v", cfg.Oracle.Static)
	}
	if cfg.Tiers.Accounts["0xabc"] != 2 {
		t.Fatalf("tier accounts not decoded: %v", cfg.Tiers.Accounts)
	}
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("QUOTED_SERVER_ADDR", ":9999")
	t.Setenv("QUOTED_QUOTE_LOCK_WINDOW", "1m")
	cfg, err := Load(writeConfig(t, ""))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.Addr != ":9999" || cfg.Quote.LockWindow != time.Minute {
		t.Fatalf("env overrides not applied: %+v %+v", cfg.Server, cfg.Quote)
	}
}

func TestValidateRejects(t *testing.T) {
	cases := map[string]string{
		"lock window too short": "quote:\n  lock_window: 1s\n",
		"lock window too long":  "quote:\n  lock_window: 10m\n",
		"decreasing discounts":  "pricing:\n  tier_discounts: [0.2, 0.1]\n",
		"bad provider":          "oracle:\n  default: magic\n",
		"unknown quote ccy":     "quote:\n  quote_currency: EUR\n",
		"custody without url":   "custody:\n  enabled: true\n",
		"zero increment":        "allocation:\n  min_increment: 0\n",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := Load(writeConfig(t, body)); err == nil {
				t.Fatalf("expected validation error")
			}
		})
	}
}

func TestValidateMessageNamesKey(t *testing.T) {
	_, err := Load(writeConfig(t, "quote:\n  lock_window: 1s\n"))
	if err == nil || !strings.Contains(err.Error(), "quote.lock_window") {
		t.Fatalf("error should name the key: %v", err)
	}
}
