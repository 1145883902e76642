// Package orders turns firing subscriptions into priced orders for a
// delivery date.
package orders

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/aquaflow/aquaflow/internal/billing/catalog"
	"github.com/aquaflow/aquaflow/internal/billing/pricing"
	"github.com/aquaflow/aquaflow/internal/billing/recurrence"
	"github.com/aquaflow/aquaflow/internal/billing/subscriptions"
	"github.com/aquaflow/aquaflow/internal/shared"
)

// ErrCurrencyMismatch is returned when an item prices in a currency other
// than the subscription's.
var ErrCurrencyMismatch = errors.New("orders: item currency differs from subscription currency")

// SubscriptionSource lists the subscriptions a run considers.
type SubscriptionSource interface {
	ListActive(ctx context.Context) ([]subscriptions.Subscription, error)
}

// PriceResolver prices one subscription item.
type PriceResolver interface {
	Resolve(ctx context.Context, q pricing.Query) (pricing.Resolution, bool, error)
}

// Store persists generated orders. Create assigns the order number.
type Store interface {
	Create(ctx context.Context, order Order, branchCode string) (*Order, error)
}

// Config tunes the generator.
type Config struct {
	Workers      int
	ScopeTimeout time.Duration
}

// Generator builds orders for subscriptions that fire on a date.
type Generator struct {
	subs    SubscriptionSource
	prices  PriceResolver
	catalog catalog.Lookup
	store   Store
	cfg     Config
	logger  *slog.Logger
	clock   func() time.Time
}

// NewGenerator wires a generator. Zero config values fall back to 8 workers
// and a 20 second scope timeout.
func NewGenerator(subs SubscriptionSource, prices PriceResolver, lookup catalog.Lookup, store Store, cfg Config, logger *slog.Logger) *Generator {
	if cfg.Workers <= 0 {
		cfg.Workers = 8
	}
	if cfg.ScopeTimeout <= 0 {
		cfg.ScopeTimeout = 20 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Generator{
		subs:    subs,
		prices:  prices,
		catalog: lookup,
		store:   store,
		cfg:     cfg,
		logger:  logger,
		clock:   func() time.Time { return time.Now().UTC() },
	}
}

type outcome struct {
	order *Order
	err   error
}

// GenerateForDate creates one CONFIRMED order per ACTIVE subscription whose
// recurrence fires on date. Failures are isolated per subscription; the
// returned error is only set when the subscription list cannot be loaded.
func (g *Generator) GenerateForDate(ctx context.Context, date time.Time, actor shared.Actor) (Result, error) {
	date = recurrence.NormalizeDate(date)
	subs, err := g.subs.ListActive(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("orders: list subscriptions: %w", shared.Dependency(err))
	}

	outcomes := make([]outcome, len(subs))
	var mu sync.Mutex
	var group errgroup.Group
	group.SetLimit(g.cfg.Workers)

	for i := range subs {
		if ctx.Err() != nil {
			for j := i; j < len(subs); j++ {
				outcomes[j] = outcome{err: ctx.Err()}
			}
			break
		}
		group.Go(func() error {
			if err := ctx.Err(); err != nil {
				mu.Lock()
				outcomes[i] = outcome{err: err}
				mu.Unlock()
				return nil
			}
			scopeCtx, cancel := context.WithTimeout(ctx, g.cfg.ScopeTimeout)
			defer cancel()
			order, err := g.generateOne(scopeCtx, subs[i], date, actor)
			mu.Lock()
			outcomes[i] = outcome{order: order, err: err}
			mu.Unlock()
			return nil
		})
	}
	_ = group.Wait()

	var res Result
	for i, out := range outcomes {
		switch {
		case errors.Is(out.err, ErrAlreadyGenerated):
			res.Skipped = append(res.Skipped, Skip{SubscriptionID: subs[i].ID, Reason: SkipAlreadyGenerated})
		case out.err != nil:
			g.logger.Warn("order generation failed", slog.String("subscription_id", subs[i].ID.String()),
				slog.String("date", date.Format(time.DateOnly)), slog.Any("error", out.err))
			res.Failures = append(res.Failures, Failure{SubscriptionID: subs[i].ID, Err: out.err})
		case out.order != nil:
			res.Created = append(res.Created, *out.order)
		}
	}
	g.logger.Info("order generation finished", slog.String("date", date.Format(time.DateOnly)),
		slog.Int("subscriptions", len(subs)), slog.Int("created", len(res.Created)), slog.Int("skipped", len(res.Skipped)), slog.Int("failed", len(res.Failures)))
	return res, nil
}

func (g *Generator) generateOne(ctx context.Context, sub subscriptions.Subscription, date time.Time, actor shared.Actor) (*Order, error) {
	if sub.Status != subscriptions.StatusActive || !sub.OccursOn(date) {
		return nil, nil
	}
	order, err := g.BuildOrder(ctx, sub, date, actor)
	if err != nil {
		return nil, err
	}
	code, err := g.catalog.BranchCode(ctx, sub.BranchID)
	if err != nil {
		return nil, err
	}
	return g.store.Create(ctx, order, code)
}

// BuildOrder prices every item of sub for date without persisting anything.
func (g *Generator) BuildOrder(ctx context.Context, sub subscriptions.Subscription, date time.Time, actor shared.Actor) (Order, error) {
	subID := sub.ID
	order := Order{
		ID:             uuid.New(),
		BranchID:       sub.BranchID,
		CustomerID:     sub.CustomerID,
		AddressID:      sub.AddressID,
		SubscriptionID: &subID,
		DeliveryDate:   date,
		Source:         SourceSubscription,
		Status:         StatusConfirmed,
		Currency:       sub.Currency,
		CreatedBy:      actor.StampID(),
		CreatedAt:      g.clock(),
		Total:          decimal.Zero,
	}
	for _, item := range sub.Items {
		line, currency, err := g.priceItem(ctx, sub, item, date)
		if err != nil {
			return Order{}, err
		}
		if order.Currency == "" {
			order.Currency = currency
		}
		if currency != "" && currency != order.Currency {
			return Order{}, fmt.Errorf("%w: product %s priced in %s", ErrCurrencyMismatch, item.ProductID, currency)
		}
		order.Lines = append(order.Lines, line)
		order.Total = order.Total.Add(line.Total)
	}
	return order, nil
}

func (g *Generator) priceItem(ctx context.Context, sub subscriptions.Subscription, item subscriptions.Item, date time.Time) (Line, string, error) {
	customer := sub.CustomerID
	line := Line{ProductID: item.ProductID, Quantity: item.Quantity, BillingPeriod: item.BillingPeriod}
	var currency string

	res, found, err := g.prices.Resolve(ctx, pricing.Query{
		BranchID:   sub.BranchID,
		ProductID:  item.ProductID,
		Quantity:   item.Quantity,
		CustomerID: &customer,
		AsOf:       date,
	})
	if err != nil {
		return Line{}, "", err
	}
	if found {
		listID := res.PriceListID
		line.UnitPrice = res.UnitPrice
		line.PriceListID = &listID
		if line.BillingPeriod == "" {
			line.BillingPeriod = res.BillingPeriod
		}
		currency = res.Currency
	} else {
		product, err := g.catalog.Product(ctx, item.ProductID)
		if err != nil {
			return Line{}, "", err
		}
		line.UnitPrice = catalog.FallbackPrice(product)
		currency = product.Currency
	}
	if line.BillingPeriod == "" {
		line.BillingPeriod = pricing.PerDelivery
	}
	line.Total = line.UnitPrice.Mul(decimal.NewFromInt(int64(line.Quantity))).Round(2)
	return line, currency, nil
}
