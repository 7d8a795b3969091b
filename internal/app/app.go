package app

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"quote-engine/internal/allocation"
	"quote-engine/internal/balance"
	"quote-engine/internal/config"
	"quote-engine/internal/custody"
	"quote-engine/internal/oracle"
	"quote-engine/internal/pricing"
	"quote-engine/internal/quote"
	"quote-engine/internal/scheduler"
	"quote-engine/internal/service"
	"quote-engine/internal/storage"
	"quote-engine/internal/tier"
	"quote-engine/internal/trade"
)

// App aggregates configuration and shared dependencies for the CLI commands.
type App struct {
	Config *config.Config
	Logger zerolog.Logger
}

// NewApp constructs a new application handle.
func NewApp(cfg *config.Config, logger zerolog.Logger) *App {
	return &App{Config: cfg, Logger: logger.With().Str("component", "app").Logger()}
}

// runtime is a fully wired engine plus the resources that must be released.
type runtime struct {
	engine     *service.Engine
	store      *storage.Store
	dispatcher *custody.Dispatcher
	close      func()
}

func (a *App) openStore(ctx context.Context) (*storage.Store, func(), error) {
	if a.Config.Database.DSN == "" {
		return nil, nil, nil
	}

	pool, err := storage.NewPool(ctx, a.Config.Database)
	if err != nil {
		return nil, nil, err
	}

	store := storage.NewStore(pool, a.Config.Balance.PromotionalCurrency, a.Logger)
	closer := func() {
		store.Close()
	}
	return store, closer, nil
}

func (a *App) requireStore(ctx context.Context) (*runtime, error) {
	rt, err := a.build(ctx, false)
	if err != nil {
		return nil, err
	}
	if rt.store == nil {
		rt.close()
		return nil, errors.New("database.dsn not configured; state would not outlive this command")
	}
	return rt, nil
}

// build wires every component from configuration. With withCustody the
// custody webhook is fronted by a dispatcher whose Run the caller owns.
func (a *App) build(ctx context.Context, withCustody bool) (*runtime, error) {
	cfg := a.Config

	registry, err := newRegistry(cfg.Assets)
	if err != nil {
		return nil, err
	}
	policy, err := newPolicy(cfg.Pricing)
	if err != nil {
		return nil, err
	}
	priceOracle, err := a.newOracle(cfg.Oracle)
	if err != nil {
		return nil, err
	}
	tiers := tier.NewStatic(pricing.Tier(cfg.Tiers.Default), cfg.Tiers.Accounts)
	reconciler, err := allocation.NewReconciler(registry.Physical(), cfg.Allocation.MinIncrement, policy.Places())
	if err != nil {
		return nil, err
	}

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return nil, err
	}
	rt := &runtime{store: store, close: func() {}}
	if closeStore != nil {
		rt.close = closeStore
	}

	var (
		quoteStore quote.Store
		balances   balance.Ledger
		journal    trade.Journal
		locker     storage.AdvisoryLocker
	)
	if store != nil {
		if cfg.Database.MigrateOnStart {
			n, err := storage.Migrate(ctx, store.Pool(), true, 0)
			if err != nil {
				rt.close()
				return nil, err
			}
			if n > 0 {
				a.Logger.Info().Int("applied", n).Msg("database migrations applied")
			}
		}
		quoteStore = store.Quotes()
		balances = store.Balances()
		journal = store.Trades()
		locker = store
	} else {
		a.Logger.Warn().Msg("database.dsn not configured; state kept in memory")
		quoteStore = quote.NewMemoryStore()
		balances = balance.NewMemory(cfg.Balance.PromotionalCurrency)
		journal = trade.NewMemoryJournal()
	}

	ledger, err := quote.NewLedger(quoteStore, priceOracle, policy, tiers, registry, quote.Options{
		LockWindow:    cfg.Quote.LockWindow,
		QuoteCurrency: cfg.Quote.QuoteCurrency,
	}, a.Logger)
	if err != nil {
		rt.close()
		return nil, err
	}

	var notifier custody.Notifier = custody.Nop{}
	if withCustody && cfg.Custody.Enabled {
		webhook := custody.NewWebhook(cfg.Custody.WebhookURL, cfg.Custody.Token, cfg.Custody.RequestTimeout, a.Logger)
		rt.dispatcher = custody.NewDispatcher(webhook, cfg.Custody.QueueSize, cfg.Custody.RequestTimeout, a.Logger)
		notifier = rt.dispatcher
	}
	executor := trade.NewExecutor(ledger, balances, reconciler, journal, notifier, a.Logger)

	var sched *scheduler.Scheduler
	if cfg.Maintenance.Enabled {
		sched, err = scheduler.New(scheduler.Options{
			Name:         "quote_sweep",
			Interval:     cfg.Maintenance.Interval,
			AlignToStart: true,
			StartupDelay: cfg.Maintenance.StartupDelay,
		}, a.Logger)
		if err != nil {
			rt.close()
			return nil, err
		}
	}

	rt.engine = service.New(ledger, executor, balances, sched, locker, service.Options{
		QuoteRetention:  cfg.Maintenance.QuoteRetention,
		AdvisoryLockKey: cfg.Maintenance.AdvisoryLockKey,
		PromoCurrency:   cfg.Balance.PromotionalCurrency,
	}, a.Logger)
	return rt, nil
}

func newRegistry(assets []config.AssetConfig) (*quote.Registry, error) {
	out := make([]quote.Asset, 0, len(assets))
	for _, ac := range assets {
		out = append(out, quote.Asset{
			Symbol:    ac.Symbol,
			Category:  pricing.Category(strings.ToLower(strings.TrimSpace(ac.Category))),
			Physical:  ac.Physical,
			Precision: ac.Precision,
			Peg:       ac.Peg,
		})
	}
	return quote.NewRegistry(out)
}

func newPolicy(cfg config.PricingConfig) (*pricing.Policy, error) {
	fees := make(map[pricing.Category]decimal.Decimal, len(cfg.Fees))
	for cat, pct := range cfg.Fees {
		fees[pricing.Category(strings.ToLower(cat))] = pct
	}
	spreads := make(map[string]decimal.Decimal, len(cfg.Spreads))
	for pair, pct := range cfg.Spreads {
		spreads[strings.ToLower(pair)] = pct
	}
	return pricing.NewPolicy(pricing.Options{
		Spreads:       spreads,
		DefaultSpread: cfg.DefaultSpread,
		Fees:          fees,
		DefaultFee:    cfg.DefaultFee,
		TierDiscounts: cfg.TierDiscounts,
		PricePlaces:   cfg.PricePlaces,
	})
}

// newOracle builds one adapter per referenced provider and routes assets to
// them. Pegged assets never reach the oracle.
func (a *App) newOracle(cfg config.OracleConfig) (oracle.PriceOracle, error) {
	providers := make(map[string]oracle.PriceOracle)
	provider := func(name string) (oracle.PriceOracle, error) {
		name = strings.ToLower(strings.TrimSpace(name))
		if p, ok := providers[name]; ok {
			return p, nil
		}
		var p oracle.PriceOracle
		switch name {
		case config.ProviderStatic:
			p = oracle.NewStatic(cfg.Static)
		case config.ProviderHTTP:
			p = oracle.NewHTTP(oracle.HTTPOptions{
				BaseURL:   cfg.HTTP.BaseURL,
				APIKey:    cfg.HTTP.APIKey,
				Timeout:   cfg.HTTP.RequestTimeout,
				UserAgent: cfg.HTTP.UserAgent,
				MaxAge:    cfg.HTTP.MaxAge,
			}, a.Logger)
		case config.ProviderChainlink:
			feeds := make([]oracle.Feed, 0, len(cfg.Chainlink.Feeds))
			for _, f := range cfg.Chainlink.Feeds {
				feeds = append(feeds, oracle.Feed{
					Asset:         f.Asset,
					Address:       f.Address,
					UnitDivisor:   f.UnitDivisor,
					HalfSpreadBps: f.HalfSpreadBps,
				})
			}
			p = oracle.NewChainlink(oracle.ChainlinkOptions{
				RPCURL:  cfg.Chainlink.RPCURL,
				Feeds:   feeds,
				Timeout: cfg.Chainlink.RequestTimeout,
				MaxAge:  cfg.Chainlink.MaxAge,
			}, a.Logger)
		default:
			return nil, fmt.Errorf("unknown oracle provider %q", name)
		}
		providers[name] = p
		return p, nil
	}

	fallback, err := provider(cfg.Default)
	if err != nil {
		return nil, err
	}
	router := oracle.NewRouter(fallback)
	for asset, name := range cfg.Routes {
		p, err := provider(name)
		if err != nil {
			return nil, fmt.Errorf("oracle route %s: %w", asset, err)
		}
		router.Route(asset, p)
	}
	return router, nil
}
