package billing

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aquaflow/aquaflow/internal/billing/pricing"
	"github.com/aquaflow/aquaflow/internal/shared"
)

type listStore struct {
	created []pricing.PriceList
	err     error
}

func (s *listStore) Create(ctx context.Context, list pricing.PriceList) (*pricing.PriceList, error) {
	if s.err != nil {
		return nil, s.err
	}
	list.ID = uuid.New()
	s.created = append(s.created, list)
	return &list, nil
}

type cacheSpy struct {
	calls int
	err   error
}

func (c *cacheSpy) Invalidate(ctx context.Context) error {
	c.calls++
	return c.err
}

func TestCreatePriceListInvalidatesCache(t *testing.T) {
	store, cache := &listStore{}, &cacheSpy{}
	engine := &Engine{PriceLists: store, PriceCache: cache}

	created, err := engine.CreatePriceList(context.Background(), pricing.PriceList{Name: "Retail"})
	require.NoError(t, err)
	assert.Equal(t, "Retail", created.Name)
	assert.Equal(t, 1, cache.calls)
}

func TestCreatePriceListReportsInvalidationFailure(t *testing.T) {
	cache := &cacheSpy{err: errors.New("redis down")}
	engine := &Engine{PriceLists: &listStore{}, PriceCache: cache}

	created, err := engine.CreatePriceList(context.Background(), pricing.PriceList{})
	require.NotNil(t, created)
	require.ErrorIs(t, err, shared.ErrDependency)
}

func TestCreatePriceListStoreErrorSkipsInvalidation(t *testing.T) {
	cache := &cacheSpy{}
	engine := &Engine{PriceLists: &listStore{err: shared.Invalid("branch_id", "required")}, PriceCache: cache}

	created, err := engine.CreatePriceList(context.Background(), pricing.PriceList{})
	require.Nil(t, created)
	require.ErrorIs(t, err, shared.ErrValidation)
	assert.Zero(t, cache.calls)
}
