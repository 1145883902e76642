package pricing

import (
	"context"
	"fmt"
	"sort"

	"github.com/google/uuid"

	"github.com/aquaflow/aquaflow/internal/shared"
)

// Source loads the price lists a resolution may consider.
type Source interface {
	ListForCustomer(ctx context.Context, customerID uuid.UUID) ([]PriceList, error)
	ListForBranch(ctx context.Context, branchID uuid.UUID) ([]PriceList, error)
}

// Resolver finds the effective unit price for a product. It never mutates
// the lists it reads and holds no state of its own.
type Resolver struct {
	source Source
}

// NewResolver builds a Resolver.
func NewResolver(source Source) *Resolver {
	return &Resolver{source: source}
}

// Resolve returns the first qualifying tier across the candidate lists.
// found is false when no list prices the product at that quantity; callers
// fall back to the product default.
func (r *Resolver) Resolve(ctx context.Context, q Query) (Resolution, bool, error) {
	candidates, err := r.candidates(ctx, q)
	if err != nil {
		return Resolution{}, false, err
	}
	for _, list := range candidates {
		if !list.ValidAt(q.AsOf) {
			continue
		}
		tier, ok := BestTier(list, q.ProductID, q.Quantity)
		if !ok {
			continue
		}
		res := Resolution{
			UnitPrice:     tier.UnitPrice,
			BillingPeriod: tier.BillingPeriod,
			Currency:      list.Currency,
			PriceListID:   list.ID,
			MinQty:        tier.MinQty,
		}
		if tier.Currency != "" {
			res.Currency = tier.Currency
		}
		if res.BillingPeriod == "" {
			res.BillingPeriod = PerDelivery
		}
		return res, true, nil
	}
	return Resolution{}, false, nil
}

// candidates orders customer lists before branch lists, each block by
// priority then recency, and drops repeats. Validity is filtered later so the
// order among valid lists is the same as among all lists.
func (r *Resolver) candidates(ctx context.Context, q Query) ([]PriceList, error) {
	var ordered []PriceList
	if q.CustomerID != nil && *q.CustomerID != uuid.Nil {
		lists, err := r.source.ListForCustomer(ctx, *q.CustomerID)
		if err != nil {
			return nil, shared.Dependency(fmt.Errorf("pricing: customer lists: %w", err))
		}
		ordered = append(ordered, SortCandidates(lists)...)
	}
	lists, err := r.source.ListForBranch(ctx, q.BranchID)
	if err != nil {
		return nil, shared.Dependency(fmt.Errorf("pricing: branch lists: %w", err))
	}
	ordered = append(ordered, SortCandidates(lists)...)

	seen := make(map[uuid.UUID]bool, len(ordered))
	out := ordered[:0]
	for _, l := range ordered {
		if seen[l.ID] {
			continue
		}
		seen[l.ID] = true
		out = append(out, l)
	}
	return out, nil
}

// SortCandidates returns a copy ordered by priority desc, then created_at desc.
func SortCandidates(lists []PriceList) []PriceList {
	out := make([]PriceList, len(lists))
	copy(out, lists)
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority > out[j].Priority
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out
}

// BestTier picks the product tier with the largest MinQty not above qty.
func BestTier(list PriceList, productID uuid.UUID, qty int) (Tier, bool) {
	var (
		best  Tier
		found bool
	)
	for _, t := range list.Items {
		if t.ProductID != productID || t.MinQty > qty {
			continue
		}
		if !found || t.MinQty > best.MinQty {
			best = t
			found = true
		}
	}
	return best, found
}
