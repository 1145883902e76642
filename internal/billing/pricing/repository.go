package pricing

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/aquaflow/aquaflow/internal/platform/db"
	"github.com/aquaflow/aquaflow/internal/shared"
)

// Repository provides PostgreSQL backed persistence for price lists.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

const listColumns = `id, branch_id, customer_id, name, currency, valid_from, valid_to, is_default, priority, created_at`

// ListForCustomer returns active lists scoped to the customer.
func (r *Repository) ListForCustomer(ctx context.Context, customerID uuid.UUID) ([]PriceList, error) {
	query := `SELECT ` + listColumns + ` FROM price_lists WHERE active AND customer_id = $1`
	return r.list(ctx, query, customerID)
}

// ListForBranch returns active branch-wide lists, including the default.
func (r *Repository) ListForBranch(ctx context.Context, branchID uuid.UUID) ([]PriceList, error) {
	query := `SELECT ` + listColumns + ` FROM price_lists WHERE active AND customer_id IS NULL AND branch_id = $1`
	return r.list(ctx, query, branchID)
}

func (r *Repository) list(ctx context.Context, query string, arg uuid.UUID) ([]PriceList, error) {
	rows, err := r.pool.Query(ctx, query+` ORDER BY priority DESC, created_at DESC`, arg)
	if err != nil {
		return nil, fmt.Errorf("pricing: query lists: %w", err)
	}
	defer rows.Close()

	var (
		lists []PriceList
		ids   []uuid.UUID
	)
	for rows.Next() {
		var l PriceList
		if err := rows.Scan(&l.ID, &l.BranchID, &l.CustomerID, &l.Name, &l.Currency,
			&l.ValidFrom, &l.ValidTo, &l.IsDefault, &l.Priority, &l.CreatedAt); err != nil {
			return nil, fmt.Errorf("pricing: scan list: %w", err)
		}
		lists = append(lists, l)
		ids = append(ids, l.ID)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(lists) == 0 {
		return nil, nil
	}

	items, err := r.items(ctx, ids)
	if err != nil {
		return nil, err
	}
	for i := range lists {
		lists[i].Items = items[lists[i].ID]
	}
	return lists, nil
}

func (r *Repository) items(ctx context.Context, listIDs []uuid.UUID) (map[uuid.UUID][]Tier, error) {
	const query = `
		SELECT price_list_id, product_id, min_qty, unit_price, billing_period, COALESCE(currency, '')
		FROM price_list_items
		WHERE price_list_id = ANY($1)
		ORDER BY price_list_id, position, min_qty`
	rows, err := r.pool.Query(ctx, query, listIDs)
	if err != nil {
		return nil, fmt.Errorf("pricing: query items: %w", err)
	}
	defer rows.Close()

	out := make(map[uuid.UUID][]Tier, len(listIDs))
	for rows.Next() {
		var (
			listID uuid.UUID
			t      Tier
		)
		if err := rows.Scan(&listID, &t.ProductID, &t.MinQty, &t.UnitPrice, &t.BillingPeriod, &t.Currency); err != nil {
			return nil, fmt.Errorf("pricing: scan item: %w", err)
		}
		out[listID] = append(out[listID], t)
	}
	return out, rows.Err()
}

// Create stores a new price list with its tiers.
func (r *Repository) Create(ctx context.Context, list PriceList) (*PriceList, error) {
	if err := list.Validate(); err != nil {
		return nil, err
	}
	if list.ID == uuid.Nil {
		list.ID = uuid.New()
	}
	list.Currency = strings.ToUpper(list.Currency)
	list.CreatedAt = time.Now().UTC()

	err := db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		const insertList = `
			INSERT INTO price_lists (id, branch_id, customer_id, name, currency, valid_from, valid_to,
				is_default, priority, active, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, TRUE, $10)`
		if _, err := tx.Exec(ctx, insertList, list.ID, list.BranchID, list.CustomerID, list.Name, list.Currency,
			list.ValidFrom, list.ValidTo, list.IsDefault, list.Priority, list.CreatedAt); err != nil {
			return fmt.Errorf("pricing: insert list: %w", err)
		}
		const insertItem = `
			INSERT INTO price_list_items (price_list_id, product_id, min_qty, unit_price, billing_period, currency, position)
			VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''), $7)`
		batch := &pgx.Batch{}
		for i, item := range list.Items {
			batch.Queue(insertItem, list.ID, item.ProductID, item.MinQty, item.UnitPrice, item.BillingPeriod, strings.ToUpper(item.Currency), i)
		}
		return tx.SendBatch(ctx, batch).Close()
	})
	if err != nil {
		return nil, shared.Dependency(err)
	}
	return &list, nil
}
