// Package invoices aggregates a billing period's deliveries and subscription
// charges into one idempotent invoice per customer address.
package invoices

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/aquaflow/aquaflow/internal/billing/catalog"
	"github.com/aquaflow/aquaflow/internal/billing/deliveries"
	"github.com/aquaflow/aquaflow/internal/billing/pricing"
	"github.com/aquaflow/aquaflow/internal/billing/recurrence"
	"github.com/aquaflow/aquaflow/internal/billing/subscriptions"
	"github.com/aquaflow/aquaflow/internal/shared"
)

var (
	// ErrMixedCurrency is returned when a scope's charges span currencies.
	ErrMixedCurrency = errors.New("invoices: scope mixes currencies")
	// ErrAlreadyInvoiced is returned by CreateIfAbsent when an active invoice
	// already exists for the scope key.
	ErrAlreadyInvoiced = fmt.Errorf("invoices: scope already invoiced: %w", shared.ErrConflict)
)

// DeliverySource reads chargeable manual deliveries.
type DeliverySource interface {
	ListBillingScopes(ctx context.Context, start, end time.Time, customerID *uuid.UUID) ([]deliveries.Scope, error)
	ListChargeable(ctx context.Context, customerID, addressID uuid.UUID, start, end time.Time) ([]deliveries.Delivery, error)
}

// SubscriptionSource reads ACTIVE subscriptions.
type SubscriptionSource interface {
	ListActive(ctx context.Context) ([]subscriptions.Subscription, error)
	ListActiveForCustomer(ctx context.Context, customerID uuid.UUID) ([]subscriptions.Subscription, error)
}

// Store persists invoices. CreateIfAbsent must be an atomic compare-and-create
// on the scope key and assign the invoice number. HasActive is a cheap
// pre-check only; CreateIfAbsent stays authoritative.
type Store interface {
	HasActive(ctx context.Context, customerID, addressID uuid.UUID, periodKey string) (bool, error)
	CreateIfAbsent(ctx context.Context, inv Invoice, branchCode string) (*Invoice, error)
}

// PriceResolver prices subscription items that carry no unit price snapshot.
type PriceResolver interface {
	Resolve(ctx context.Context, q pricing.Query) (pricing.Resolution, bool, error)
}

// Config tunes the generator.
type Config struct {
	DueDays      int
	ScopeTimeout time.Duration
}

// Generator builds invoices for a period.
type Generator struct {
	deliveries DeliverySource
	subs       SubscriptionSource
	prices     PriceResolver
	catalog    catalog.Lookup
	store      Store
	cfg        Config
	logger     *slog.Logger
	clock      func() time.Time
}

// NewGenerator wires a generator. DueDays defaults to 30. prices may be nil,
// in which case unpriced subscription items use the catalog default.
func NewGenerator(ds DeliverySource, subs SubscriptionSource, prices PriceResolver, lookup catalog.Lookup, store Store, cfg Config, logger *slog.Logger) *Generator {
	if cfg.DueDays <= 0 {
		cfg.DueDays = 30
	}
	if cfg.ScopeTimeout <= 0 {
		cfg.ScopeTimeout = 20 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Generator{
		deliveries: ds,
		subs:       subs,
		prices:     prices,
		catalog:    lookup,
		store:      store,
		cfg:        cfg,
		logger:     logger,
		clock:      func() time.Time { return time.Now().UTC() },
	}
}

type scope struct {
	branchID   uuid.UUID
	customerID uuid.UUID
	addressID  uuid.UUID
	subs       []subscriptions.Subscription
}

type scopeID struct {
	customer uuid.UUID
	address  uuid.UUID
}

// Generate invoices every eligible scope in the period. Scopes are processed
// one at a time and cancellation is checked between them; the returned error
// is only set when scopes cannot be enumerated.
func (g *Generator) Generate(ctx context.Context, req Request) (Result, error) {
	period, err := NewPeriod(req.Period.Start, req.Period.End)
	if err != nil {
		return Result{}, err
	}
	scopes, err := g.scopes(ctx, period, req.CustomerID)
	if err != nil {
		return Result{}, err
	}

	var res Result
	key := period.Key()
	for i, sc := range scopes {
		scopeKey := ScopeKey(sc.customerID, sc.addressID, key)
		if err := ctx.Err(); err != nil {
			for _, rest := range scopes[i:] {
				res.Failures = append(res.Failures, Failure{ScopeKey: ScopeKey(rest.customerID, rest.addressID, key), Err: err})
			}
			break
		}
		inv, err := g.generateScope(ctx, sc, period, req.Actor)
		switch {
		case errors.Is(err, ErrAlreadyInvoiced):
			res.Skipped = append(res.Skipped, Skip{ScopeKey: scopeKey, Reason: SkipAlreadyInvoiced})
		case err != nil:
			g.logger.Warn("invoice generation failed", slog.String("scope", scopeKey), slog.Any("error", err))
			res.Failures = append(res.Failures, Failure{ScopeKey: scopeKey, Err: err})
		case inv == nil:
			res.Skipped = append(res.Skipped, Skip{ScopeKey: scopeKey, Reason: SkipNothingToBill})
		default:
			res.Created = append(res.Created, *inv)
		}
	}
	g.logger.Info("invoice generation finished", slog.String("period", key), slog.Int("scopes", len(scopes)),
		slog.Int("created", len(res.Created)), slog.Int("skipped", len(res.Skipped)), slog.Int("failed", len(res.Failures)))
	return res, nil
}

func (g *Generator) scopes(ctx context.Context, period Period, customerID *uuid.UUID) ([]scope, error) {
	delivered, err := g.deliveries.ListBillingScopes(ctx, period.Start, period.End, customerID)
	if err != nil {
		return nil, fmt.Errorf("invoices: list delivery scopes: %w", shared.Dependency(err))
	}
	var subs []subscriptions.Subscription
	if customerID != nil {
		subs, err = g.subs.ListActiveForCustomer(ctx, *customerID)
	} else {
		subs, err = g.subs.ListActive(ctx)
	}
	if err != nil {
		return nil, fmt.Errorf("invoices: list subscriptions: %w", shared.Dependency(err))
	}

	index := make(map[scopeID]int)
	var out []scope
	for _, d := range delivered {
		id := scopeID{customer: d.CustomerID, address: d.AddressID}
		if _, ok := index[id]; !ok {
			index[id] = len(out)
			out = append(out, scope{branchID: d.BranchID, customerID: d.CustomerID, addressID: d.AddressID})
		}
	}
	for _, s := range subs {
		if s.Status != subscriptions.StatusActive {
			continue
		}
		id := scopeID{customer: s.CustomerID, address: s.AddressID}
		pos, ok := index[id]
		if !ok {
			pos = len(out)
			index[id] = pos
			out = append(out, scope{branchID: s.BranchID, customerID: s.CustomerID, addressID: s.AddressID})
		}
		out[pos].subs = append(out[pos].subs, s)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].customerID != out[j].customerID {
			return out[i].customerID.String() < out[j].customerID.String()
		}
		return out[i].addressID.String() < out[j].addressID.String()
	})
	return out, nil
}

func (g *Generator) generateScope(ctx context.Context, sc scope, period Period, actor shared.Actor) (*Invoice, error) {
	ctx, cancel := context.WithTimeout(ctx, g.cfg.ScopeTimeout)
	defer cancel()

	exists, err := g.store.HasActive(ctx, sc.customerID, sc.addressID, period.Key())
	if err != nil {
		return nil, shared.Dependency(fmt.Errorf("invoices: check scope: %w", err))
	}
	if exists {
		return nil, ErrAlreadyInvoiced
	}
	inv, err := g.build(ctx, sc, period, actor)
	if err != nil || inv == nil {
		return nil, err
	}
	code, err := g.catalog.BranchCode(ctx, sc.branchID)
	if err != nil {
		return nil, err
	}
	return g.store.CreateIfAbsent(ctx, *inv, code)
}

// priceUnsnapshotted resolves an item without a captured price through the
// price lists as of the period start, the same lookup orders use.
func (g *Generator) priceUnsnapshotted(ctx context.Context, sub subscriptions.Subscription, item subscriptions.Item, product catalog.Product, period Period) (decimal.Decimal, string, error) {
	if g.prices != nil {
		customer := sub.CustomerID
		res, found, err := g.prices.Resolve(ctx, pricing.Query{
			BranchID:   sub.BranchID,
			ProductID:  item.ProductID,
			Quantity:   item.Quantity,
			CustomerID: &customer,
			AsOf:       period.Start,
		})
		if err != nil {
			return decimal.Zero, "", err
		}
		if found {
			return res.UnitPrice, res.Currency, nil
		}
	}
	g.logger.Warn("subscription item billed at catalog default",
		slog.String("subscription_id", sub.ID.String()), slog.String("product_id", item.ProductID.String()))
	currency := product.Currency
	if currency == "" {
		currency = sub.Currency
	}
	return catalog.FallbackPrice(product), currency, nil
}

type lineBuilder struct {
	currency string
	lines    []Line
}

func (b *lineBuilder) add(currency string, line Line) error {
	if b.currency == "" {
		b.currency = currency
	}
	if currency != "" && currency != b.currency {
		return fmt.Errorf("%w: %s and %s", ErrMixedCurrency, b.currency, currency)
	}
	b.lines = append(b.lines, line)
	return nil
}

func (g *Generator) build(ctx context.Context, sc scope, period Period, actor shared.Actor) (*Invoice, error) {
	var b lineBuilder

	delivered, err := g.deliveries.ListChargeable(ctx, sc.customerID, sc.addressID, period.Start, period.End)
	if err != nil {
		return nil, shared.Dependency(err)
	}
	for _, d := range delivered {
		if !d.Chargeable() {
			continue
		}
		for _, dl := range d.Lines {
			if dl.Quantity <= 0 {
				continue
			}
			rate := decimal.Zero
			if dl.TaxRate != nil {
				rate = *dl.TaxRate
			}
			line := NewLine(dl.ProductID, dl.Quantity, dl.UnitPrice, rate)
			line.Source, line.SourceID = LineDelivery, d.ID
			if err := b.add(d.Currency, line); err != nil {
				return nil, err
			}
		}
	}

	for _, sub := range sc.subs {
		if sub.AnchorDate.After(period.End) {
			continue
		}
		occurrences := recurrence.CountOccurrences(sub.Rule, sub.AnchorDate, period.Start, period.End)
		for _, item := range sub.Items {
			multiplier := occurrences
			if item.BillingPeriod == pricing.Monthly {
				multiplier = 1
			}
			qty := item.Quantity * multiplier
			if qty == 0 {
				continue
			}
			product, err := g.catalog.Product(ctx, item.ProductID)
			if err != nil {
				return nil, fmt.Errorf("subscription %s: %w", sub.ID, err)
			}
			var price decimal.Decimal
			currency := sub.Currency
			if item.UnitPrice != nil {
				price = *item.UnitPrice
			} else {
				price, currency, err = g.priceUnsnapshotted(ctx, sub, item, product, period)
				if err != nil {
					return nil, fmt.Errorf("subscription %s: %w", sub.ID, err)
				}
			}
			line := NewLine(item.ProductID, qty, price, product.TaxRate)
			line.Source, line.SourceID = LineSubscription, sub.ID
			if err := b.add(currency, line); err != nil {
				return nil, err
			}
		}
	}

	if len(b.lines) == 0 {
		return nil, nil
	}
	now := g.clock()
	issue := recurrence.NormalizeDate(now)
	return &Invoice{
		ID:          uuid.New(),
		BranchID:    sc.branchID,
		CustomerID:  sc.customerID,
		AddressID:   sc.addressID,
		Currency:    b.currency,
		PeriodYear:  period.Start.Year(),
		PeriodMonth: int(period.Start.Month()),
		PeriodKey:   period.Key(),
		PeriodStart: period.Start,
		PeriodEnd:   period.End,
		Status:      StatusIssued,
		IssueDate:   issue,
		DueDate:     issue.AddDate(0, 0, g.cfg.DueDays),
		Lines:       b.lines,
		Totals:      ComputeTotals(b.lines),
		Active:      true,
		CreatedBy:   actor.StampID(),
		UpdatedBy:   actor.StampID(),
		CreatedAt:   now,
		UpdatedAt:   now,
	}, nil
}
