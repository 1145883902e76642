package app

import (
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/aquaflow/aquaflow/internal/billing"
	"github.com/aquaflow/aquaflow/internal/billing/catalog"
	"github.com/aquaflow/aquaflow/internal/billing/deliveries"
	"github.com/aquaflow/aquaflow/internal/billing/invoices"
	"github.com/aquaflow/aquaflow/internal/billing/orders"
	"github.com/aquaflow/aquaflow/internal/billing/payments"
	"github.com/aquaflow/aquaflow/internal/billing/pricing"
	"github.com/aquaflow/aquaflow/internal/billing/subscriptions"
)

// BillingStack is the engine plus the pieces the worker needs directly.
type BillingStack struct {
	Engine        *billing.Engine
	Catalog       *catalog.Repository
	Subscriptions *subscriptions.Service
}

// NewBillingStack wires repositories, the price cache and the billing
// components against one pool and redis client.
func NewBillingStack(pool *pgxpool.Pool, redisClient *redis.Client, cfg *Config, logger *slog.Logger) *BillingStack {
	catalogRepo := catalog.NewRepository(pool)
	priceRepo := pricing.NewRepository(pool)
	priceCache := pricing.NewCache(priceRepo, redisClient, cfg.PriceCacheTTL, logger)
	resolver := pricing.NewResolver(priceCache)

	subsRepo := subscriptions.NewRepository(pool)
	subsService := subscriptions.NewService(subsRepo, resolver, catalogRepo)

	orderGen := orders.NewGenerator(subsRepo, resolver, catalogRepo, orders.NewRepository(pool), orders.Config{
		Workers:      cfg.BillingWorkers,
		ScopeTimeout: cfg.BillingScopeTimeout,
	}, logger)

	invoiceRepo := invoices.NewRepository(pool)
	invoiceGen := invoices.NewGenerator(deliveries.NewRepository(pool), subsRepo, resolver, catalogRepo, invoiceRepo, invoices.Config{
		DueDays:      cfg.InvoiceDueDays,
		ScopeTimeout: cfg.BillingScopeTimeout,
	}, logger)

	engine := &billing.Engine{
		Orders:        orderGen,
		Invoices:      invoiceGen,
		InvoiceAdmin:  invoices.NewService(invoiceRepo),
		Prices:        resolver,
		PriceLists:    priceRepo,
		PriceCache:    priceCache,
		Payments:      payments.NewAllocator(payments.NewRepository(pool), logger),
		Subscriptions: subsService,
	}
	return &BillingStack{Engine: engine, Catalog: catalogRepo, Subscriptions: subsService}
}
