package orders

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/aquaflow/aquaflow/internal/platform/db"
	"github.com/aquaflow/aquaflow/internal/shared"
)

// ErrAlreadyGenerated is returned when the subscription already has an order
// for the delivery date.
var ErrAlreadyGenerated = fmt.Errorf("orders: subscription already ordered for date: %w", shared.ErrConflict)

const uniqueSubscriptionDate = "orders_subscription_date_key"

// Repository provides PostgreSQL backed persistence for orders.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// Create reserves the order number and inserts the order with its lines in
// one transaction.
func (r *Repository) Create(ctx context.Context, order Order, branchCode string) (*Order, error) {
	err := db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		bucket := order.DeliveryDate.UTC().Format("20060102")
		seq, err := shared.NewSequenceStore(tx).Next(ctx, shared.SequenceScope(shared.SequenceOrder, branchCode, bucket))
		if err != nil {
			return err
		}
		order.Number = shared.OrderNumber(branchCode, order.DeliveryDate, seq)

		const insert = `
			INSERT INTO orders (id, number, branch_id, customer_id, address_id, subscription_id, delivery_date,
				source, status, currency, total, created_by, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`
		if _, err := tx.Exec(ctx, insert, order.ID, order.Number, order.BranchID, order.CustomerID, order.AddressID,
			order.SubscriptionID, order.DeliveryDate, string(order.Source), string(order.Status), order.Currency,
			order.Total, order.CreatedBy, order.CreatedAt); err != nil {
			if db.IsUniqueViolation(err, uniqueSubscriptionDate) {
				return ErrAlreadyGenerated
			}
			return shared.Dependency(fmt.Errorf("orders: insert: %w", err))
		}

		const insertLine = `
			INSERT INTO order_items (order_id, position, product_id, quantity, unit_price, billing_period, price_list_id, total)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`
		batch := &pgx.Batch{}
		for i, l := range order.Lines {
			batch.Queue(insertLine, order.ID, i, l.ProductID, l.Quantity, l.UnitPrice, string(l.BillingPeriod), l.PriceListID, l.Total)
		}
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return shared.Dependency(fmt.Errorf("orders: insert lines: %w", err))
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, shared.ErrConflict) {
			return nil, err
		}
		return nil, shared.Dependency(err)
	}
	return &order, nil
}
