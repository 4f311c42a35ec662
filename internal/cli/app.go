package cli

import (
	"errors"
	"fmt"
	"time"

	"papertrade/internal/events"
	"papertrade/internal/ledger"
	"papertrade/internal/market"
	"papertrade/internal/monitor"
	"papertrade/internal/settlement"
	"papertrade/pkg/cache"
	"papertrade/pkg/config"
	"papertrade/pkg/db"
	"papertrade/pkg/i18n"
	"papertrade/pkg/logger"
)

// app holds the components every command shares.
type app struct {
	cfg      *config.Config
	log      logger.Logger
	database *db.Database // credentials, and the ledger for sql drivers
	store    ledger.Store
	catalog  *market.Catalog
	bus      *events.Bus
	metrics  *monitor.SystemMetrics

	closers []func() error
}

// newApp loads configuration, opens storage and applies migrations.
func newApp() (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf(i18n.M().ConfigLoadFailed, err)
	}
	i18n.SetLanguage(i18n.Language(cfg.Language))

	log, flush, err := logger.NewZapLogger(logger.ParseLevel(cfg.LogLevel))
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}

	a := &app{
		cfg:     cfg,
		log:     log,
		bus:     events.NewBus(),
		metrics: monitor.NewSystemMetrics(),
		closers: []func() error{func() error { flush(); return nil }},
	}

	a.catalog = market.DefaultCatalog()
	if cfg.InstrumentsFile != "" {
		if a.catalog, err = market.LoadCatalog(cfg.InstrumentsFile); err != nil {
			a.Close()
			return nil, err
		}
	}

	if err := a.openStorage(); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *app) openStorage() error {
	var err error
	switch a.cfg.DBDriver {
	case config.DriverMemory:
		// Ledger state lives in process; credentials still need SQL.
		a.database, err = db.New(":memory:")
		a.store = ledger.NewMemoryStore()
	default:
		a.database, err = db.Open(a.cfg.DBDriver, a.cfg.DSN())
	}
	if err != nil {
		return fmt.Errorf(i18n.M().DBInitFailed, err)
	}
	a.closers = append(a.closers, a.database.Close)

	if err := db.ApplyMigrations(a.database); err != nil {
		return fmt.Errorf(i18n.M().DBMigrationsFailed, err)
	}
	if a.store == nil {
		a.store = a.database.Ledger()
	}
	where := a.cfg.DBPath
	switch a.cfg.DBDriver {
	case config.DriverMemory:
		where = ":memory:"
	case config.DriverPostgres:
		where = "DATABASE_URL" // may carry credentials
	}
	a.log.Infof(i18n.M().UsingDB, a.cfg.DBDriver, where)
	return nil
}

// settlement builds the settlement service over oracle.
func (a *app) settlement(oracle market.PriceOracle) *settlement.Service {
	return settlement.New(a.store, oracle, a.bus,
		settlement.WithLogger(a.log),
		settlement.WithMetrics(a.metrics),
		settlement.WithCatalog(a.catalog),
		settlement.WithStartingBalance(a.cfg.StartingBalance),
	)
}

// priceStack is the configured upstream source and the oracle settlement
// reads through. Settlement prefers fresh cached ticks and falls back to the
// source directly.
type priceStack struct {
	source market.PriceOracle
	oracle market.PriceOracle
	cache  *cache.ShardedPriceCache
}

func (a *app) prices() (*priceStack, error) {
	sim := market.NewSimulatedOracle(a.catalog, time.Now().UnixNano())

	var source market.PriceOracle
	switch a.cfg.PriceSource {
	case config.PriceSim:
		source = sim
	case config.PriceHTTP:
		h := market.NewHTTPOracle(a.cfg.PriceHTTPURL, a.cfg.PriceRPS, 5*time.Second, a.log)
		a.closers = append(a.closers, h.Close)
		source = h
	case config.PriceAlpaca:
		// Alpaca only quotes stocks; everything else keeps simulated prices.
		alpaca := market.NewAlpacaOracle(a.cfg.AlpacaAPIKey, a.cfg.AlpacaAPISecret, a.cfg.AlpacaDataURL, a.catalog)
		source = market.NewFallbackOracle(a.log, false, alpaca, sim)
	default:
		return nil, fmt.Errorf("unknown price source %q", a.cfg.PriceSource)
	}
	a.log.Infof(i18n.M().PriceSourceReady, a.cfg.PriceSource)

	pc := cache.NewShardedPriceCache()
	return &priceStack{
		source: source,
		cache:  pc,
		oracle: market.NewFallbackOracle(a.log, true, market.NewCachedOracle(pc, a.cfg.PriceMaxAge), source),
	}, nil
}

// Close releases resources in reverse order of acquisition.
func (a *app) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i]())
	}
	a.closers = nil
	return errors.Join(errs...)
}
