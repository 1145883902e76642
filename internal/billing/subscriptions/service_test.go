package subscriptions

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aquaflow/aquaflow/internal/billing/catalog"
	"github.com/aquaflow/aquaflow/internal/billing/pricing"
	"github.com/aquaflow/aquaflow/internal/billing/recurrence"
	"github.com/aquaflow/aquaflow/internal/shared"
)

type memoryRepo struct {
	subs map[uuid.UUID]Subscription
}

func newMemoryRepo() *memoryRepo {
	return &memoryRepo{subs: make(map[uuid.UUID]Subscription)}
}

func (m *memoryRepo) Create(ctx context.Context, sub Subscription) error {
	m.subs[sub.ID] = sub
	return nil
}

func (m *memoryRepo) Get(ctx context.Context, id uuid.UUID) (Subscription, error) {
	s, ok := m.subs[id]
	if !ok {
		return Subscription{}, ErrNotFound
	}
	return s, nil
}

func (m *memoryRepo) ListActive(ctx context.Context) ([]Subscription, error) {
	var out []Subscription
	for _, s := range m.subs {
		if s.Status == StatusActive {
			out = append(out, s)
		}
	}
	return out, nil
}

func (m *memoryRepo) ListActiveForCustomer(ctx context.Context, customerID uuid.UUID) ([]Subscription, error) {
	var out []Subscription
	for _, s := range m.subs {
		if s.Status == StatusActive && s.CustomerID == customerID {
			out = append(out, s)
		}
	}
	return out, nil
}

func (m *memoryRepo) UpdateStatus(ctx context.Context, id uuid.UUID, status Status, actor shared.Actor) error {
	s, ok := m.subs[id]
	if !ok {
		return ErrNotFound
	}
	s.Status = status
	m.subs[id] = s
	return nil
}

func (m *memoryRepo) SetNextRun(ctx context.Context, id uuid.UUID, next *time.Time) error {
	s, ok := m.subs[id]
	if !ok {
		return ErrNotFound
	}
	s.NextRunAt = next
	m.subs[id] = s
	return nil
}

type stubResolver struct {
	prices map[uuid.UUID]pricing.Resolution
}

func (s stubResolver) Resolve(ctx context.Context, q pricing.Query) (pricing.Resolution, bool, error) {
	res, ok := s.prices[q.ProductID]
	return res, ok, nil
}

type stubCatalog struct {
	products map[uuid.UUID]catalog.Product
}

func (s stubCatalog) Product(ctx context.Context, id uuid.UUID) (catalog.Product, error) {
	p, ok := s.products[id]
	if !ok {
		return catalog.Product{}, catalog.ErrNotFound
	}
	return p, nil
}

func (s stubCatalog) BranchCode(ctx context.Context, id uuid.UUID) (string, error) {
	return "JKT", nil
}

var (
	pricedProduct   = uuid.New()
	unpricedProduct = uuid.New()
)

func newTestService() (*Service, *memoryRepo) {
	repo := newMemoryRepo()
	defaultPrice := decimal.NewFromInt(15)
	svc := NewService(repo,
		stubResolver{prices: map[uuid.UUID]pricing.Resolution{
			pricedProduct: {UnitPrice: decimal.NewFromInt(50), BillingPeriod: pricing.PerDelivery, Currency: "IDR"},
		}},
		stubCatalog{products: map[uuid.UUID]catalog.Product{
			unpricedProduct: {ID: unpricedProduct, DefaultPrice: &defaultPrice},
		}},
	)
	return svc, repo
}

func validInput() CreateInput {
	return CreateInput{
		BranchID:   uuid.New(),
		CustomerID: uuid.New(),
		AddressID:  uuid.New(),
		Currency:   "idr",
		Frequency:  "WEEKLY",
		Interval:   1,
		ByWeekday:  []string{"WE"},
		AnchorDate: time.Date(2024, 5, 1, 9, 30, 0, 0, time.UTC),
		Items: []ItemInput{
			{ProductID: pricedProduct, Quantity: 1},
			{ProductID: unpricedProduct, Quantity: 2, BillingPeriod: "MONTHLY"},
		},
	}
}

func TestCreateCapturesPricesAndSchedulesFirstRun(t *testing.T) {
	svc, repo := newTestService()

	sub, err := svc.Create(context.Background(), validInput(), shared.Actor{ID: uuid.New()})
	require.NoError(t, err)

	assert.Equal(t, StatusActive, sub.Status)
	assert.Equal(t, "IDR", sub.Currency)
	assert.Equal(t, time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC), sub.AnchorDate)
	require.NotNil(t, sub.NextRunAt)
	assert.Equal(t, sub.AnchorDate, *sub.NextRunAt)
	require.NotNil(t, sub.CreatedBy)

	require.Len(t, sub.Items, 2)
	assert.True(t, sub.Items[0].UnitPrice.Equal(decimal.NewFromInt(50)))
	assert.Equal(t, pricing.PerDelivery, sub.Items[0].BillingPeriod)
	assert.True(t, sub.Items[1].UnitPrice.Equal(decimal.NewFromInt(15)))
	assert.Equal(t, pricing.Monthly, sub.Items[1].BillingPeriod)

	_, ok := repo.subs[sub.ID]
	assert.True(t, ok)
}

func TestCreateRejectsWeeklyWithoutDays(t *testing.T) {
	svc, repo := newTestService()
	in := validInput()
	in.ByWeekday = nil

	_, err := svc.Create(context.Background(), in, shared.SystemActor)
	require.ErrorIs(t, err, shared.ErrValidation)
	assert.Empty(t, repo.subs)
}

func TestCreateRejectsBadPayloads(t *testing.T) {
	svc, _ := newTestService()

	cases := map[string]func(*CreateInput){
		"zero interval":   func(in *CreateInput) { in.Interval = 0 },
		"bad frequency":   func(in *CreateInput) { in.Frequency = "HOURLY" },
		"bad weekday":     func(in *CreateInput) { in.ByWeekday = []string{"XX"} },
		"no items":        func(in *CreateInput) { in.Items = nil },
		"zero quantity":   func(in *CreateInput) { in.Items[0].Quantity = 0 },
		"unknown ccy":     func(in *CreateInput) { in.Currency = "ZZZ" },
		"missing address": func(in *CreateInput) { in.AddressID = uuid.Nil },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			in := validInput()
			mutate(&in)
			_, err := svc.Create(context.Background(), in, shared.SystemActor)
			require.ErrorIs(t, err, shared.ErrValidation)
		})
	}
}

func TestCreateKeepsExplicitPrice(t *testing.T) {
	svc, _ := newTestService()
	in := validInput()
	explicit := decimal.RequireFromString("42.50")
	in.Items = []ItemInput{{ProductID: pricedProduct, Quantity: 1, UnitPrice: &explicit, BillingPeriod: "PER_DELIVERY"}}

	sub, err := svc.Create(context.Background(), in, shared.SystemActor)
	require.NoError(t, err)
	assert.True(t, sub.Items[0].UnitPrice.Equal(explicit))
}

func TestSetStatusCancelledIsTerminal(t *testing.T) {
	svc, repo := newTestService()
	sub, err := svc.Create(context.Background(), validInput(), shared.SystemActor)
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, svc.SetStatus(ctx, sub.ID, StatusPaused, shared.SystemActor))
	require.NoError(t, svc.SetStatus(ctx, sub.ID, StatusActive, shared.SystemActor))
	require.NoError(t, svc.SetStatus(ctx, sub.ID, StatusCancelled, shared.SystemActor))
	require.ErrorIs(t, svc.SetStatus(ctx, sub.ID, StatusActive, shared.SystemActor), ErrTerminal)
	assert.Equal(t, StatusCancelled, repo.subs[sub.ID].Status)

	require.ErrorIs(t, ValidateTransition(StatusActive, "BOGUS"), ErrInvalidTransition)
}

func TestAdvanceNextRun(t *testing.T) {
	svc, repo := newTestService()
	ctx := context.Background()
	sub, err := svc.Create(ctx, validInput(), shared.SystemActor)
	require.NoError(t, err)

	require.NoError(t, svc.AdvanceNextRun(ctx, sub.ID, time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)))
	require.NotNil(t, repo.subs[sub.ID].NextRunAt)
	assert.Equal(t, time.Date(2024, 5, 8, 0, 0, 0, 0, time.UTC), *repo.subs[sub.ID].NextRunAt)

	require.NoError(t, svc.SetStatus(ctx, sub.ID, StatusCancelled, shared.SystemActor))
	require.NoError(t, svc.AdvanceNextRun(ctx, sub.ID, time.Date(2024, 5, 8, 0, 0, 0, 0, time.UTC)))
	assert.Nil(t, repo.subs[sub.ID].NextRunAt)
}

func TestSubscriptionOccursOn(t *testing.T) {
	sub := Subscription{
		Rule:       recurrence.Rule{Frequency: recurrence.Daily, Interval: 2},
		AnchorDate: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
	}
	assert.True(t, sub.OccursOn(time.Date(2024, 1, 3, 12, 0, 0, 0, time.UTC)))
	assert.False(t, sub.OccursOn(time.Date(2024, 1, 4, 0, 0, 0, 0, time.UTC)))
}
