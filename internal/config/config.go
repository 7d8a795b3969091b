package config

import (
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"

	"quote-engine/internal/logging"
)

// Config materialises application configuration.
type Config struct {
	App         AppConfig         `mapstructure:"app"`
	Logging     logging.Config    `mapstructure:"logging"`
	Server      ServerConfig      `mapstructure:"server"`
	Database    DatabaseConfig    `mapstructure:"database"`
	Quote       QuoteConfig       `mapstructure:"quote"`
	Pricing     PricingConfig     `mapstructure:"pricing"`
	Assets      []AssetConfig     `mapstructure:"assets"`
	Oracle      OracleConfig      `mapstructure:"oracle"`
	Tiers       TierConfig        `mapstructure:"tiers"`
	Allocation  AllocationConfig  `mapstructure:"allocation"`
	Balance     BalanceConfig     `mapstructure:"balance"`
	Custody     CustodyConfig     `mapstructure:"custody"`
	Maintenance MaintenanceConfig `mapstructure:"maintenance"`
}

// AppConfig general metadata.
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"`
}

// ServerConfig controls the HTTP listener.
type ServerConfig struct {
	Addr            string        `mapstructure:"addr"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// DatabaseConfig encapsulates PostgreSQL connectivity. An empty DSN keeps all
// state in memory.
type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	MigrateOnStart  bool          `mapstructure:"migrate_on_start"`
}

// QuoteConfig governs price locks.
type QuoteConfig struct {
	LockWindow    time.Duration `mapstructure:"lock_window"`
	QuoteCurrency string        `mapstructure:"quote_currency"`
}

// PricingConfig feeds the spread and fee policy. Spreads are keyed
// "<payment category>:<asset category>"; all values are percentages except
// tier discounts, which are fractions.
type PricingConfig struct {
	Spreads       map[string]decimal.Decimal `mapstructure:"spreads"`
	DefaultSpread decimal.Decimal            `mapstructure:"default_spread"`
	Fees          map[string]decimal.Decimal `mapstructure:"fees"`
	DefaultFee    decimal.Decimal            `mapstructure:"default_fee"`
	TierDiscounts []decimal.Decimal          `mapstructure:"tier_discounts"`
	PricePlaces   int32                      `mapstructure:"price_places"`
}

// AssetConfig declares one tradable symbol.
type AssetConfig struct {
	Symbol    string          `mapstructure:"symbol"`
	Category  string          `mapstructure:"category"`
	Physical  bool            `mapstructure:"physical"`
	Precision int32           `mapstructure:"precision"`
	Peg       decimal.Decimal `mapstructure:"peg"`
}

// OracleConfig selects reference price sources per asset.
type OracleConfig struct {
	// Default names the provider for assets without an explicit route.
	Default   string                     `mapstructure:"default"`
	Routes    map[string]string          `mapstructure:"routes"`
	Static    map[string]decimal.Decimal `mapstructure:"static"`
	HTTP      HTTPOracleConfig           `mapstructure:"http"`
	Chainlink ChainlinkConfig            `mapstructure:"chainlink"`
}

// HTTPOracleConfig covers the JSON price feed.
type HTTPOracleConfig struct {
	BaseURL        string        `mapstructure:"base_url"`
	APIKey         string        `mapstructure:"api_key"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	MaxAge         time.Duration `mapstructure:"max_age"`
	UserAgent      string        `mapstructure:"user_agent"`
}

// ChainlinkConfig covers on-chain aggregator feeds.
type ChainlinkConfig struct {
	RPCURL         string        `mapstructure:"rpc_url"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	MaxAge         time.Duration `mapstructure:"max_age"`
	Feeds          []FeedConfig  `mapstructure:"feeds"`
}

// FeedConfig binds an asset to an aggregator contract.
type FeedConfig struct {
	Asset         string          `mapstructure:"asset"`
	Address       string          `mapstructure:"address"`
	UnitDivisor   decimal.Decimal `mapstructure:"unit_divisor"`
	HalfSpreadBps int64           `mapstructure:"half_spread_bps"`
}

// TierConfig is the static tier table.
type TierConfig struct {
	Default  int            `mapstructure:"default"`
	Accounts map[string]int `mapstructure:"accounts"`
}

// AllocationConfig tunes the whole-gram reconciler.
type AllocationConfig struct {
	MinIncrement decimal.Decimal `mapstructure:"min_increment"`
}

// BalanceConfig tunes the balance ledger.
type BalanceConfig struct {
	PromotionalCurrency string `mapstructure:"promotional_currency"`
}

// CustodyConfig defines the custodian webhook.
type CustodyConfig struct {
	Enabled        bool          `mapstructure:"enabled"`
	WebhookURL     string        `mapstructure:"webhook_url"`
	Token          string        `mapstructure:"token"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	QueueSize      int           `mapstructure:"queue_size"`
}

// MaintenanceConfig governs the background quote sweep.
type MaintenanceConfig struct {
	Enabled         bool          `mapstructure:"enabled"`
	Interval        time.Duration `mapstructure:"interval"`
	QuoteRetention  time.Duration `mapstructure:"quote_retention"`
	AdvisoryLockKey int64         `mapstructure:"advisory_lock_key"`
	StartupDelay    time.Duration `mapstructure:"startup_delay"`
}

// Provider names accepted by oracle.default and oracle.routes.
const (
	ProviderStatic    = "static"
	ProviderHTTP      = "http"
	ProviderChainlink = "chainlink"
)

// Load builds configuration from file, environment, and defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("QUOTED")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	if err := readConfig(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, decodeHook()); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func readConfig(v *viper.Viper) error {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "quoted")
	v.SetDefault("app.environment", "development")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.file.max_size_mb", 100)
	v.SetDefault("logging.file.max_backups", 5)
	v.SetDefault("logging.file.max_age_days", 14)

	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.read_timeout", "10s")
	v.SetDefault("server.write_timeout", "15s")
	v.SetDefault("server.shutdown_timeout", "10s")

	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 2)
	v.SetDefault("database.conn_max_lifetime", "30m")
	v.SetDefault("database.migrate_on_start", false)

	v.SetDefault("quote.lock_window", "30s")
	v.SetDefault("quote.quote_currency", "AUXM")

	v.SetDefault("pricing.spreads", map[string]any{
		"platform:metal":  "0.5",
		"stable:metal":    "0.5",
		"metal:metal":     "0.25",
		"crypto:metal":    "1.0",
		"platform:crypto": "1.0",
		"stable:crypto":   "1.0",
	})
	v.SetDefault("pricing.default_spread", "1.5")
	v.SetDefault("pricing.fees", map[string]any{})
	v.SetDefault("pricing.default_fee", "0")
	v.SetDefault("pricing.tier_discounts", []string{"0", "0.1", "0.2", "0.3"})
	v.SetDefault("pricing.price_places", 8)

	v.SetDefault("assets", []map[string]any{
		{"symbol": "AUXM", "category": "platform", "precision": 2, "peg": "1"},
		{"symbol": "USDT", "category": "stable", "precision": 6, "peg": "1"},
		{"symbol": "AUXG", "category": "metal", "physical": true, "precision": 4},
		{"symbol": "AUXS", "category": "metal", "physical": true, "precision": 4},
		{"symbol": "AUXPT", "category": "metal", "physical": true, "precision": 4},
		{"symbol": "AUXPD", "category": "metal", "physical": true, "precision": 4},
		{"symbol": "BTC", "category": "crypto", "precision": 8},
		{"symbol": "ETH", "category": "crypto", "precision": 8},
	})

	v.SetDefault("oracle.default", ProviderHTTP)
	v.SetDefault("oracle.http.request_timeout", "5s")
	v.SetDefault("oracle.http.max_age", "2m")
	v.SetDefault("oracle.http.user_agent", "quoted/1.0")
	v.SetDefault("oracle.chainlink.request_timeout", "10s")
	v.SetDefault("oracle.chainlink.max_age", "2h")

	v.SetDefault("tiers.default", 0)

	v.SetDefault("allocation.min_increment", "0.0001")

	v.SetDefault("balance.promotional_currency", "AUXM")

	v.SetDefault("custody.enabled", false)
	v.SetDefault("custody.request_timeout", "10s")
	v.SetDefault("custody.queue_size", 256)

	v.SetDefault("maintenance.enabled", true)
	v.SetDefault("maintenance.interval", "1m")
	v.SetDefault("maintenance.quote_retention", "24h")
	v.SetDefault("maintenance.advisory_lock_key", int64(0x71756f74))
	v.SetDefault("maintenance.startup_delay", "0s")
}

func decodeHook() viper.DecoderConfigOption {
	return func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
			stringToDecimalHook(),
		)
	}
}

var decimalType = reflect.TypeOf(decimal.Decimal{})

func stringToDecimalHook() mapstructure.DecodeHookFuncType {
	return func(_ reflect.Type, to reflect.Type, data any) (any, error) {
		if to != decimalType {
			return data, nil
		}
		switch v := data.(type) {
		case string:
			if strings.TrimSpace(v) == "" {
				return decimal.Zero, nil
			}
			return decimal.NewFromString(strings.TrimSpace(v))
		case float64:
			return decimal.NewFromFloat(v), nil
		case float32:
			return decimal.NewFromFloat32(v), nil
		case int:
			return decimal.NewFromInt(int64(v)), nil
		case int64:
			return decimal.NewFromInt(v), nil
		case int32:
			return decimal.NewFromInt32(v), nil
		}
		return data, nil
	}
}

// Validate performs basic sanity checks on the configuration values.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Server.Addr) == "" {
		return fmt.Errorf("server.addr must be set")
	}
	if c.Quote.LockWindow < 5*time.Second || c.Quote.LockWindow > 5*time.Minute {
		return fmt.Errorf("quote.lock_window must be within [5s, 5m], got %s", c.Quote.LockWindow)
	}
	if len(c.Assets) == 0 {
		return fmt.Errorf("at least one asset must be configured")
	}
	symbols := make(map[string]bool, len(c.Assets))
	for _, a := range c.Assets {
		symbols[strings.ToUpper(strings.TrimSpace(a.Symbol))] = true
	}
	if !symbols[strings.ToUpper(c.Quote.QuoteCurrency)] {
		return fmt.Errorf("quote.quote_currency %q is not a configured asset", c.Quote.QuoteCurrency)
	}
	if !symbols[strings.ToUpper(c.Balance.PromotionalCurrency)] {
		return fmt.Errorf("balance.promotional_currency %q is not a configured asset", c.Balance.PromotionalCurrency)
	}
	if c.Pricing.PricePlaces <= 0 || c.Pricing.PricePlaces > 18 {
		return fmt.Errorf("pricing.price_places must be within [1, 18]")
	}
	prev := decimal.Zero
	for i, d := range c.Pricing.TierDiscounts {
		if d.IsNegative() || d.GreaterThan(decimal.NewFromInt(1)) {
			return fmt.Errorf("pricing.tier_discounts[%d] must be within [0, 1]", i)
		}
		if d.LessThan(prev) {
			return fmt.Errorf("pricing.tier_discounts must be non-decreasing; entry %d is lower than entry %d", i, i-1)
		}
		prev = d
	}
	inc := c.Allocation.MinIncrement
	if !inc.IsPositive() || inc.GreaterThan(decimal.NewFromInt(1)) {
		return fmt.Errorf("allocation.min_increment must be within (0, 1]")
	}
	if err := validProvider("oracle.default", c.Oracle.Default); err != nil {
		return err
	}
	for asset, provider := range c.Oracle.Routes {
		if err := validProvider("oracle.routes."+asset, provider); err != nil {
			return err
		}
	}
	if c.Custody.Enabled && strings.TrimSpace(c.Custody.WebhookURL) == "" {
		return fmt.Errorf("custody.webhook_url must be set when custody is enabled")
	}
	if c.Maintenance.Enabled && c.Maintenance.Interval <= 0 {
		return fmt.Errorf("maintenance.interval must be greater than zero")
	}
	return nil
}

func validProvider(key, provider string) error {
	switch strings.ToLower(strings.TrimSpace(provider)) {
	case ProviderStatic, ProviderHTTP, ProviderChainlink:
		return nil
	default:
		return fmt.Errorf("%s: unknown oracle provider %q", key, provider)
	}
}
