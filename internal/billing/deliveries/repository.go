package deliveries

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/aquaflow/aquaflow/internal/shared"
)

// Repository provides PostgreSQL backed reads of deliveries for billing.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// ListChargeable returns DELIVERED manual deliveries for the scope scheduled
// within [start, end] (calendar days, inclusive).
func (r *Repository) ListChargeable(ctx context.Context, customerID, addressID uuid.UUID, start, end time.Time) ([]Delivery, error) {
	const query = `
		SELECT id, branch_id, customer_id, address_id, route_id, source, status, currency, scheduled_at
		FROM deliveries
		WHERE active AND status = 'DELIVERED' AND source = 'MANUAL'
		  AND customer_id = $1 AND address_id = $2
		  AND scheduled_at >= $3 AND scheduled_at < $4
		ORDER BY scheduled_at, id`
	rows, err := r.pool.Query(ctx, query, customerID, addressID, start, end.AddDate(0, 0, 1))
	if err != nil {
		return nil, shared.Dependency(fmt.Errorf("deliveries: query: %w", err))
	}
	defer rows.Close()

	var (
		out   []Delivery
		ids   []uuid.UUID
		index = make(map[uuid.UUID]int)
	)
	for rows.Next() {
		var (
			d      Delivery
			source string
			status string
		)
		if err := rows.Scan(&d.ID, &d.BranchID, &d.CustomerID, &d.AddressID, &d.RouteID, &source, &status, &d.Currency, &d.ScheduledAt); err != nil {
			return nil, shared.Dependency(fmt.Errorf("deliveries: scan: %w", err))
		}
		d.Source = Source(source)
		d.Status = Status(status)
		index[d.ID] = len(out)
		out = append(out, d)
		ids = append(ids, d.ID)
	}
	if err := rows.Err(); err != nil {
		return nil, shared.Dependency(err)
	}
	if len(out) == 0 {
		return nil, nil
	}

	const lineQuery = `
		SELECT delivery_id, product_id, quantity, unit_price, tax_rate
		FROM delivery_items
		WHERE delivery_id = ANY($1)
		ORDER BY delivery_id, position`
	lineRows, err := r.pool.Query(ctx, lineQuery, ids)
	if err != nil {
		return nil, shared.Dependency(fmt.Errorf("deliveries: query lines: %w", err))
	}
	defer lineRows.Close()
	for lineRows.Next() {
		var (
			deliveryID uuid.UUID
			l          Line
		)
		if err := lineRows.Scan(&deliveryID, &l.ProductID, &l.Quantity, &l.UnitPrice, &l.TaxRate); err != nil {
			return nil, shared.Dependency(fmt.Errorf("deliveries: scan line: %w", err))
		}
		i := index[deliveryID]
		out[i].Lines = append(out[i].Lines, l)
	}
	if err := lineRows.Err(); err != nil {
		return nil, shared.Dependency(err)
	}
	return out, nil
}

// ListBillingScopes returns the distinct scopes with chargeable deliveries in
// [start, end], optionally for one customer.
func (r *Repository) ListBillingScopes(ctx context.Context, start, end time.Time, customerID *uuid.UUID) ([]Scope, error) {
	const query = `
		SELECT DISTINCT branch_id, customer_id, address_id
		FROM deliveries
		WHERE active AND status = 'DELIVERED' AND source = 'MANUAL'
		  AND scheduled_at >= $1 AND scheduled_at < $2
		  AND ($3::uuid IS NULL OR customer_id = $3)
		ORDER BY customer_id, address_id`
	rows, err := r.pool.Query(ctx, query, start, end.AddDate(0, 0, 1), customerID)
	if err != nil {
		return nil, shared.Dependency(fmt.Errorf("deliveries: query scopes: %w", err))
	}
	defer rows.Close()

	var out []Scope
	for rows.Next() {
		var s Scope
		if err := rows.Scan(&s.BranchID, &s.CustomerID, &s.AddressID); err != nil {
			return nil, shared.Dependency(fmt.Errorf("deliveries: scan scope: %w", err))
		}
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, shared.Dependency(err)
	}
	return out, nil
}
