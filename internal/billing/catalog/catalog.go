// Package catalog looks up the product, branch and customer facts billing
// needs: default prices, tax rates, branch codes and contact addresses.
package catalog

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/aquaflow/aquaflow/internal/shared"
)

// ErrNotFound indicates an unknown product or branch.
var ErrNotFound = fmt.Errorf("catalog: %w", shared.ErrNotFound)

// Product carries the billing-relevant attributes of a product.
type Product struct {
	ID           uuid.UUID
	BranchID     uuid.UUID
	Code         string
	Name         string
	DefaultPrice *decimal.Decimal
	Currency     string
	TaxRate      decimal.Decimal
}

// Lookup is what billing components consume.
type Lookup interface {
	Product(ctx context.Context, id uuid.UUID) (Product, error)
	BranchCode(ctx context.Context, id uuid.UUID) (string, error)
}

// Repository provides PostgreSQL backed catalog lookups.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// Product loads one active product.
func (r *Repository) Product(ctx context.Context, id uuid.UUID) (Product, error) {
	const query = `
		SELECT id, branch_id, code, name, default_price, COALESCE(currency, ''), COALESCE(tax_rate, 0)
		FROM products
		WHERE id = $1 AND deleted_at IS NULL`
	var p Product
	err := r.pool.QueryRow(ctx, query, id).Scan(&p.ID, &p.BranchID, &p.Code, &p.Name, &p.DefaultPrice, &p.Currency, &p.TaxRate)
	if errors.Is(err, pgx.ErrNoRows) {
		return Product{}, fmt.Errorf("%w: product %s", ErrNotFound, id)
	}
	if err != nil {
		return Product{}, shared.Dependency(fmt.Errorf("catalog: product %s: %w", id, err))
	}
	return p, nil
}

// BranchCode returns the short code used in document numbers.
func (r *Repository) BranchCode(ctx context.Context, id uuid.UUID) (string, error) {
	var code string
	err := r.pool.QueryRow(ctx, `SELECT code FROM branches WHERE id = $1`, id).Scan(&code)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", fmt.Errorf("%w: branch %s", ErrNotFound, id)
	}
	if err != nil {
		return "", shared.Dependency(fmt.Errorf("catalog: branch %s: %w", id, err))
	}
	return code, nil
}

// Contact is where billing documents for a customer are sent.
type Contact struct {
	Email string
	Phone string
}

// Contact returns the customer's notification addresses.
func (r *Repository) Contact(ctx context.Context, customerID uuid.UUID) (Contact, error) {
	const query = `SELECT COALESCE(email, ''), COALESCE(phone, '') FROM customers WHERE id = $1`
	var c Contact
	err := r.pool.QueryRow(ctx, query, customerID).Scan(&c.Email, &c.Phone)
	if errors.Is(err, pgx.ErrNoRows) {
		return Contact{}, fmt.Errorf("%w: customer %s", ErrNotFound, customerID)
	}
	if err != nil {
		return Contact{}, shared.Dependency(fmt.Errorf("catalog: customer %s: %w", customerID, err))
	}
	return c, nil
}

// FallbackPrice returns the product default or zero when none is configured.
// A zero price means the order is free; the permissive default is deliberate
// until billing policy says otherwise.
func FallbackPrice(p Product) decimal.Decimal {
	if p.DefaultPrice == nil {
		return decimal.Zero
	}
	return *p.DefaultPrice
}
