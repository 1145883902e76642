package invoices

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aquaflow/aquaflow/internal/billing/catalog"
	"github.com/aquaflow/aquaflow/internal/billing/deliveries"
	"github.com/aquaflow/aquaflow/internal/billing/pricing"
	"github.com/aquaflow/aquaflow/internal/billing/recurrence"
	"github.com/aquaflow/aquaflow/internal/billing/subscriptions"
	"github.com/aquaflow/aquaflow/internal/shared"
)

type memoryDeliveries struct {
	items []deliveries.Delivery
}

func (m memoryDeliveries) ListBillingScopes(ctx context.Context, start, end time.Time, customerID *uuid.UUID) ([]deliveries.Scope, error) {
	var out []deliveries.Scope
	for _, d := range m.inRange(start, end) {
		if customerID != nil && d.CustomerID != *customerID {
			continue
		}
		out = append(out, deliveries.Scope{BranchID: d.BranchID, CustomerID: d.CustomerID, AddressID: d.AddressID})
	}
	return out, nil
}

func (m memoryDeliveries) ListChargeable(ctx context.Context, customerID, addressID uuid.UUID, start, end time.Time) ([]deliveries.Delivery, error) {
	var out []deliveries.Delivery
	for _, d := range m.inRange(start, end) {
		if d.CustomerID == customerID && d.AddressID == addressID {
			out = append(out, d)
		}
	}
	return out, nil
}

func (m memoryDeliveries) inRange(start, end time.Time) []deliveries.Delivery {
	var out []deliveries.Delivery
	for _, d := range m.items {
		day := recurrence.NormalizeDate(d.ScheduledAt)
		if d.Chargeable() && !day.Before(start) && !day.After(end) {
			out = append(out, d)
		}
	}
	return out
}

type memorySubs struct {
	subs []subscriptions.Subscription
}

func (m memorySubs) ListActive(ctx context.Context) ([]subscriptions.Subscription, error) {
	return m.subs, nil
}

func (m memorySubs) ListActiveForCustomer(ctx context.Context, customerID uuid.UUID) ([]subscriptions.Subscription, error) {
	var out []subscriptions.Subscription
	for _, s := range m.subs {
		if s.CustomerID == customerID {
			out = append(out, s)
		}
	}
	return out, nil
}

type stubCatalog struct {
	products map[uuid.UUID]catalog.Product
}

func (c stubCatalog) Product(ctx context.Context, id uuid.UUID) (catalog.Product, error) {
	p, ok := c.products[id]
	if !ok {
		return catalog.Product{}, fmt.Errorf("%w: product %s", catalog.ErrNotFound, id)
	}
	return p, nil
}

func (c stubCatalog) BranchCode(ctx context.Context, id uuid.UUID) (string, error) {
	return "BDG", nil
}

type memoryStore struct {
	mu       sync.Mutex
	seq      int64
	invoices map[string]Invoice
}

func newMemoryStore() *memoryStore {
	return &memoryStore{invoices: make(map[string]Invoice)}
}

func (m *memoryStore) HasActive(ctx context.Context, customerID, addressID uuid.UUID, periodKey string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	existing, ok := m.invoices[ScopeKey(customerID, addressID, periodKey)]
	return ok && existing.Active, nil
}

func (m *memoryStore) CreateIfAbsent(ctx context.Context, inv Invoice, branchCode string) (*Invoice, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.invoices[inv.ScopeKey()]; ok && existing.Active {
		return nil, ErrAlreadyInvoiced
	}
	m.seq++
	inv.Number = shared.InvoiceNumber(branchCode, inv.PeriodStart, m.seq)
	m.invoices[inv.ScopeKey()] = inv
	return &inv, nil
}

var (
	branch    = uuid.MustParse("5c0a0000-0000-4000-8000-0000000000b1")
	water     = uuid.MustParse("5c0a0000-0000-4000-8000-000000000001")
	rental    = uuid.MustParse("5c0a0000-0000-4000-8000-000000000002")
	february  = MonthPeriod(2024, time.February)
	wednesday = time.Date(2024, 1, 3, 0, 0, 0, 0, time.UTC)
)

func products() stubCatalog {
	ten := decimal.NewFromInt(10)
	return stubCatalog{products: map[uuid.UUID]catalog.Product{
		water:  {ID: water, Currency: "IDR"},
		rental: {ID: rental, Currency: "IDR", TaxRate: ten},
	}}
}

func weeklySub(customer, address uuid.UUID, items ...subscriptions.Item) subscriptions.Subscription {
	return subscriptions.Subscription{
		ID:         uuid.New(),
		BranchID:   branch,
		CustomerID: customer,
		AddressID:  address,
		Currency:   "IDR",
		Rule:       recurrence.Rule{Frequency: recurrence.Weekly, Interval: 1, ByWeekday: []time.Weekday{time.Wednesday}},
		AnchorDate: wednesday,
		Items:      items,
		Status:     subscriptions.StatusActive,
	}
}

func priced(product uuid.UUID, qty int, price int64, period pricing.BillingPeriod) subscriptions.Item {
	p := decimal.NewFromInt(price)
	return subscriptions.Item{ProductID: product, Quantity: qty, UnitPrice: &p, BillingPeriod: period}
}

func newGenerator(ds DeliverySource, subs SubscriptionSource, store Store) *Generator {
	g := NewGenerator(ds, subs, nil, products(), store, Config{}, nil)
	g.clock = func() time.Time { return time.Date(2024, 3, 1, 4, 0, 0, 0, time.UTC) }
	return g
}

func TestGenerateWeeklySubscriptionCountsOccurrences(t *testing.T) {
	customer, address := uuid.New(), uuid.New()
	sub := weeklySub(customer, address, priced(water, 1, 50, pricing.PerDelivery))
	gen := newGenerator(memoryDeliveries{}, memorySubs{subs: []subscriptions.Subscription{sub}}, newMemoryStore())

	res, err := gen.Generate(context.Background(), Request{Period: february})
	require.NoError(t, err)
	require.Empty(t, res.Failures)
	require.Len(t, res.Created, 1)

	inv := res.Created[0]
	require.Len(t, inv.Lines, 1)
	assert.Equal(t, 4, inv.Lines[0].Quantity)
	assert.True(t, inv.Totals.Subtotal.Equal(decimal.NewFromInt(200)))
	assert.Equal(t, "2024-02", inv.PeriodKey)
	assert.Equal(t, StatusIssued, inv.Status)
	assert.Equal(t, "INV-BDG-202402-00001", inv.Number)
	assert.Equal(t, time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC), inv.IssueDate)
	assert.Equal(t, time.Date(2024, 3, 31, 0, 0, 0, 0, time.UTC), inv.DueDate)
	assert.True(t, inv.Totals.BalanceDue.Equal(inv.Totals.Total))
}

func TestGenerateIsIdempotentPerScope(t *testing.T) {
	customer, address := uuid.New(), uuid.New()
	subs := memorySubs{subs: []subscriptions.Subscription{weeklySub(customer, address, priced(water, 2, 50, pricing.PerDelivery))}}
	store := newMemoryStore()
	gen := newGenerator(memoryDeliveries{}, subs, store)
	req := Request{Period: february, CustomerID: &customer}

	first, err := gen.Generate(context.Background(), req)
	require.NoError(t, err)
	require.Len(t, first.Created, 1)

	second, err := gen.Generate(context.Background(), req)
	require.NoError(t, err)
	assert.Empty(t, second.Created)
	assert.Empty(t, second.Failures)
	require.Len(t, second.Skipped, 1)
	assert.Equal(t, SkipAlreadyInvoiced, second.Skipped[0].Reason)
	assert.Equal(t, ScopeKey(customer, address, "2024-02"), second.Skipped[0].ScopeKey)
	assert.Len(t, store.invoices, 1)
}

func TestGenerateConcurrentRunsCreateOnce(t *testing.T) {
	customer, address := uuid.New(), uuid.New()
	subs := memorySubs{subs: []subscriptions.Subscription{weeklySub(customer, address, priced(water, 1, 50, pricing.PerDelivery))}}
	store := newMemoryStore()
	gen := newGenerator(memoryDeliveries{}, subs, store)

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		created int
		skipped int
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := gen.Generate(context.Background(), Request{Period: february})
			if err != nil {
				return
			}
			mu.Lock()
			created += len(res.Created)
			skipped += len(res.Skipped)
			mu.Unlock()
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, created)
	assert.Equal(t, 7, skipped)
}

func TestGenerateCombinesDeliveriesAndMonthlyItems(t *testing.T) {
	customer, address := uuid.New(), uuid.New()
	tax := decimal.NewFromInt(10)
	ds := memoryDeliveries{items: []deliveries.Delivery{
		{
			ID: uuid.New(), BranchID: branch, CustomerID: customer, AddressID: address,
			Source: deliveries.SourceManual, Status: deliveries.StatusDelivered, Currency: "IDR",
			ScheduledAt: time.Date(2024, 2, 10, 9, 0, 0, 0, time.UTC),
			Lines:       []deliveries.Line{{ProductID: water, Quantity: 2, UnitPrice: decimal.NewFromInt(50), TaxRate: &tax}},
		},
		{
			ID: uuid.New(), BranchID: branch, CustomerID: customer, AddressID: address,
			Source: deliveries.SourceManual, Status: deliveries.StatusFailed, Currency: "IDR",
			ScheduledAt: time.Date(2024, 2, 11, 9, 0, 0, 0, time.UTC),
			Lines:       []deliveries.Line{{ProductID: water, Quantity: 9, UnitPrice: decimal.NewFromInt(50)}},
		},
	}}
	sub := weeklySub(customer, address, priced(water, 1, 30, pricing.Monthly))

	res, err := newGenerator(ds, memorySubs{subs: []subscriptions.Subscription{sub}}, newMemoryStore()).
		Generate(context.Background(), Request{Period: february})
	require.NoError(t, err)
	require.Len(t, res.Created, 1)

	totals := res.Created[0].Totals
	assert.True(t, totals.Subtotal.Equal(decimal.NewFromInt(130)), totals.Subtotal.String())
	assert.True(t, totals.Tax.Equal(decimal.NewFromInt(10)), totals.Tax.String())
	assert.True(t, totals.Total.Equal(decimal.NewFromInt(140)), totals.Total.String())
	require.Len(t, res.Created[0].Lines, 2)
	assert.Equal(t, LineDelivery, res.Created[0].Lines[0].Source)
	assert.Equal(t, 1, res.Created[0].Lines[1].Quantity)
}

func TestGenerateSkipsScopesWithNothingToBill(t *testing.T) {
	customer, address := uuid.New(), uuid.New()
	sub := weeklySub(customer, address, priced(water, 1, 50, pricing.PerDelivery))
	sub.AnchorDate = time.Date(2024, 4, 3, 0, 0, 0, 0, time.UTC)

	res, err := newGenerator(memoryDeliveries{}, memorySubs{subs: []subscriptions.Subscription{sub}}, newMemoryStore()).
		Generate(context.Background(), Request{Period: february})
	require.NoError(t, err)
	assert.Empty(t, res.Created)
	require.Len(t, res.Skipped, 1)
	assert.Equal(t, SkipNothingToBill, res.Skipped[0].Reason)
}

func TestGenerateIsolatesScopeFailures(t *testing.T) {
	good := weeklySub(uuid.New(), uuid.New(), priced(water, 1, 50, pricing.PerDelivery))
	missing := weeklySub(uuid.New(), uuid.New(), priced(uuid.New(), 1, 50, pricing.PerDelivery))
	mixed := weeklySub(uuid.New(), uuid.New(), priced(water, 1, 50, pricing.PerDelivery))
	mixedUSD := mixed
	mixedUSD.ID = uuid.New()
	mixedUSD.Currency = "USD"

	subs := memorySubs{subs: []subscriptions.Subscription{good, missing, mixed, mixedUSD}}
	res, err := newGenerator(memoryDeliveries{}, subs, newMemoryStore()).Generate(context.Background(), Request{Period: february})
	require.NoError(t, err)
	require.Len(t, res.Created, 1)
	assert.Equal(t, good.CustomerID, res.Created[0].CustomerID)
	require.Len(t, res.Failures, 2)

	byKey := map[string]error{}
	for _, f := range res.Failures {
		byKey[f.ScopeKey] = f.Err
	}
	assert.ErrorIs(t, byKey[ScopeKey(missing.CustomerID, missing.AddressID, "2024-02")], shared.ErrNotFound)
	assert.ErrorIs(t, byKey[ScopeKey(mixed.CustomerID, mixed.AddressID, "2024-02")], ErrMixedCurrency)
}

func TestGenerateStopsOnCancellation(t *testing.T) {
	subs := memorySubs{subs: []subscriptions.Subscription{
		weeklySub(uuid.New(), uuid.New(), priced(water, 1, 50, pricing.PerDelivery)),
		weeklySub(uuid.New(), uuid.New(), priced(water, 1, 50, pricing.PerDelivery)),
	}}
	store := newMemoryStore()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res, err := newGenerator(memoryDeliveries{}, subs, store).Generate(ctx, Request{Period: february})
	require.NoError(t, err)
	require.Len(t, res.Failures, 2)
	assert.True(t, errors.Is(res.Failures[0].Err, context.Canceled))
	assert.Empty(t, store.invoices)
}

func TestGenerateRejectsInvertedPeriod(t *testing.T) {
	gen := newGenerator(memoryDeliveries{}, memorySubs{}, newMemoryStore())
	_, err := gen.Generate(context.Background(), Request{Period: Period{Start: february.End, End: february.Start}})
	require.ErrorIs(t, err, shared.ErrValidation)
}

type stubResolver struct {
	prices  map[uuid.UUID]pricing.Resolution
	queries []pricing.Query
}

func (r *stubResolver) Resolve(ctx context.Context, q pricing.Query) (pricing.Resolution, bool, error) {
	r.queries = append(r.queries, q)
	res, ok := r.prices[q.ProductID]
	return res, ok, nil
}

func TestGenerateSkipsInvoicedScopeBeforeBuilding(t *testing.T) {
	customer, address := uuid.New(), uuid.New()
	missing := uuid.New()
	sub := weeklySub(customer, address, priced(missing, 1, 50, pricing.PerDelivery))
	store := newMemoryStore()
	store.invoices[ScopeKey(customer, address, "2024-02")] = Invoice{CustomerID: customer, AddressID: address, PeriodKey: "2024-02", Active: true}
	gen := newGenerator(memoryDeliveries{}, memorySubs{subs: []subscriptions.Subscription{sub}}, store)

	res, err := gen.Generate(context.Background(), Request{Period: february})
	require.NoError(t, err)
	assert.Empty(t, res.Failures)
	require.Len(t, res.Skipped, 1)
	assert.Equal(t, SkipAlreadyInvoiced, res.Skipped[0].Reason)
}

func TestGeneratePricesUnsnapshottedItemsThroughPriceLists(t *testing.T) {
	customer, address := uuid.New(), uuid.New()
	sub := weeklySub(customer, address,
		subscriptions.Item{ProductID: water, Quantity: 1, BillingPeriod: pricing.PerDelivery},
		subscriptions.Item{ProductID: rental, Quantity: 1, BillingPeriod: pricing.Monthly},
	)
	resolver := &stubResolver{prices: map[uuid.UUID]pricing.Resolution{
		water: {UnitPrice: decimal.NewFromInt(45), Currency: "IDR", PriceListID: uuid.New(), MinQty: 1},
	}}
	gen := NewGenerator(memoryDeliveries{}, memorySubs{subs: []subscriptions.Subscription{sub}}, resolver, products(), newMemoryStore(), Config{}, nil)

	res, err := gen.Generate(context.Background(), Request{Period: february})
	require.NoError(t, err)
	require.Empty(t, res.Failures)
	require.Len(t, res.Created, 1)

	lines := res.Created[0].Lines
	require.Len(t, lines, 2)
	assert.True(t, lines[0].UnitPrice.Equal(decimal.NewFromInt(45)))
	assert.Equal(t, 4, lines[0].Quantity)
	// rental has no list price and no catalog default.
	assert.True(t, lines[1].UnitPrice.IsZero())

	require.Len(t, resolver.queries, 2)
	assert.Equal(t, february.Start, resolver.queries[0].AsOf)
	assert.Equal(t, customer, *resolver.queries[0].CustomerID)
}
