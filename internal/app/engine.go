package app

import (
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/hexeko/billing/internal/export"
	"github.com/hexeko/billing/internal/invoicing"
	"github.com/hexeko/billing/internal/ledger"
	"github.com/hexeko/billing/internal/platform/lock"
	"github.com/hexeko/billing/internal/pricing"
	"github.com/hexeko/billing/internal/tenancy"
)

// defaultCorePrice applies when no PRICE_BOOK_PATH is configured: EUR 5.00
// per beneficiary.
const defaultCorePrice = 500

// Engine holds the billing services shared by the API server and the worker.
type Engine struct {
	Tenants      tenancy.Reader
	Invoices     *invoicing.Repository
	Ledger       *ledger.Service
	Orchestrator *invoicing.Orchestrator
	Service      *invoicing.Service
	Exports      *export.Provider
}

// NewEngine wires repositories, pricing and the generation orchestrator.
func NewEngine(cfg *Config, pool *pgxpool.Pool, redisClient *redis.Client, logger *slog.Logger) (*Engine, error) {
	book, err := loadPriceBook(cfg)
	if err != nil {
		return nil, err
	}
	tenants := tenancy.NewCachedReader(tenancy.NewRepository(pool), redisClient, cfg.TenancyCacheTTL)
	invoices := invoicing.NewRepository(pool)
	ledgerSvc := ledger.NewService(ledger.NewRepository(pool), nil, nil, logger)

	builder := invoicing.NewBuilder(tenants, pricing.NewResolver(book), invoicing.BuilderConfig{
		DueDays:         cfg.InvoiceDueDays,
		DefaultCurrency: cfg.DefaultCurrency,
	})
	var locker invoicing.Locker
	if redisClient != nil {
		locker = lock.NewRedisLocker(redisClient)
	}
	orchestrator := invoicing.NewOrchestrator(builder, tenants, invoices, ledgerSvc, locker, logger, invoicing.OrchestratorConfig{
		Concurrency: cfg.GenerationConcurrency,
		LockTTL:     cfg.GenerationLockTTL,
	})
	return &Engine{
		Tenants:      tenants,
		Invoices:     invoices,
		Ledger:       ledgerSvc,
		Orchestrator: orchestrator,
		Service:      invoicing.NewService(invoices, ledgerSvc, logger),
		Exports:      export.NewProvider(invoices, tenants),
	}, nil
}

func loadPriceBook(cfg *Config) (*pricing.PriceBook, error) {
	if cfg.PriceBookPath != "" {
		return pricing.LoadPriceBook(cfg.PriceBookPath)
	}
	return pricing.NewPriceBook(defaultCorePrice, nil)
}
