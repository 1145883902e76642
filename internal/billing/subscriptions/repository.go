package subscriptions

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/aquaflow/aquaflow/internal/billing/pricing"
	"github.com/aquaflow/aquaflow/internal/billing/recurrence"
	"github.com/aquaflow/aquaflow/internal/platform/db"
	"github.com/aquaflow/aquaflow/internal/shared"
)

// Repository provides PostgreSQL backed persistence for subscriptions.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

const subscriptionColumns = `id, branch_id, customer_id, address_id, currency, frequency, interval, by_weekday,
	anchor_date, next_run_at, status, created_by, updated_by, created_at, updated_at`

// Create inserts the subscription and its items.
func (r *Repository) Create(ctx context.Context, sub Subscription) error {
	err := db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		const insert = `
			INSERT INTO subscriptions (id, branch_id, customer_id, address_id, currency, frequency, interval,
				by_weekday, anchor_date, next_run_at, status, created_by, updated_by, created_at, updated_at, active)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, TRUE)`
		_, err := tx.Exec(ctx, insert, sub.ID, sub.BranchID, sub.CustomerID, sub.AddressID, sub.Currency,
			string(sub.Rule.Frequency), sub.Rule.Interval, weekdayCodes(sub.Rule.ByWeekday), sub.AnchorDate,
			sub.NextRunAt, string(sub.Status), sub.CreatedBy, sub.UpdatedBy, sub.CreatedAt, sub.UpdatedAt)
		if err != nil {
			return fmt.Errorf("insert subscription: %w", err)
		}
		const insertItem = `
			INSERT INTO subscription_items (subscription_id, position, product_id, quantity, unit_price, billing_period)
			VALUES ($1, $2, $3, $4, $5, $6)`
		for i, it := range sub.Items {
			if _, err := tx.Exec(ctx, insertItem, sub.ID, i, it.ProductID, it.Quantity, it.UnitPrice, string(it.BillingPeriod)); err != nil {
				return fmt.Errorf("insert subscription item: %w", err)
			}
		}
		return nil
	})
	return shared.Dependency(err)
}

// Get loads one subscription with items.
func (r *Repository) Get(ctx context.Context, id uuid.UUID) (Subscription, error) {
	subs, err := r.query(ctx, `SELECT `+subscriptionColumns+` FROM subscriptions WHERE id = $1 AND active`, id)
	if err != nil {
		return Subscription{}, err
	}
	if len(subs) == 0 {
		return Subscription{}, ErrNotFound
	}
	return subs[0], nil
}

// ListActive returns every ACTIVE subscription across branches.
func (r *Repository) ListActive(ctx context.Context) ([]Subscription, error) {
	return r.query(ctx, `SELECT `+subscriptionColumns+` FROM subscriptions WHERE active AND status = 'ACTIVE' ORDER BY created_at, id`)
}

// ListActiveForCustomer returns the customer's ACTIVE subscriptions.
func (r *Repository) ListActiveForCustomer(ctx context.Context, customerID uuid.UUID) ([]Subscription, error) {
	return r.query(ctx, `SELECT `+subscriptionColumns+` FROM subscriptions
		WHERE active AND status = 'ACTIVE' AND customer_id = $1 ORDER BY created_at, id`, customerID)
}

// UpdateStatus changes the status and stamps the actor.
func (r *Repository) UpdateStatus(ctx context.Context, id uuid.UUID, status Status, actor shared.Actor) error {
	tag, err := r.pool.Exec(ctx, `UPDATE subscriptions SET status = $2, updated_by = $3, updated_at = NOW()
		WHERE id = $1 AND active`, id, string(status), actor.StampID())
	if err != nil {
		return shared.Dependency(fmt.Errorf("subscriptions: update status: %w", err))
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// SetNextRun records the scheduler bookkeeping timestamp.
func (r *Repository) SetNextRun(ctx context.Context, id uuid.UUID, next *time.Time) error {
	tag, err := r.pool.Exec(ctx, `UPDATE subscriptions SET next_run_at = $2, updated_at = NOW() WHERE id = $1 AND active`, id, next)
	if err != nil {
		return shared.Dependency(fmt.Errorf("subscriptions: set next run: %w", err))
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *Repository) query(ctx context.Context, query string, args ...any) ([]Subscription, error) {
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, shared.Dependency(fmt.Errorf("subscriptions: query: %w", err))
	}
	defer rows.Close()

	var (
		subs []Subscription
		ids  []uuid.UUID
	)
	for rows.Next() {
		var (
			s         Subscription
			frequency string
			status    string
			codes     []string
		)
		if err := rows.Scan(&s.ID, &s.BranchID, &s.CustomerID, &s.AddressID, &s.Currency, &frequency,
			&s.Rule.Interval, &codes, &s.AnchorDate, &s.NextRunAt, &status, &s.CreatedBy, &s.UpdatedBy,
			&s.CreatedAt, &s.UpdatedAt); err != nil {
			return nil, shared.Dependency(fmt.Errorf("subscriptions: scan: %w", err))
		}
		s.Rule.Frequency = recurrence.Frequency(frequency)
		s.Status = Status(status)
		// Stored rows were validated on create; an unknown code leaves the
		// day out rather than failing the whole batch.
		for _, c := range codes {
			if wd, err := recurrence.ParseWeekday(c); err == nil {
				s.Rule.ByWeekday = append(s.Rule.ByWeekday, wd)
			}
		}
		subs = append(subs, s)
		ids = append(ids, s.ID)
	}
	if err := rows.Err(); err != nil {
		return nil, shared.Dependency(err)
	}
	if len(subs) == 0 {
		return nil, nil
	}

	items, err := r.items(ctx, ids)
	if err != nil {
		return nil, err
	}
	for i := range subs {
		subs[i].Items = items[subs[i].ID]
	}
	return subs, nil
}

func (r *Repository) items(ctx context.Context, ids []uuid.UUID) (map[uuid.UUID][]Item, error) {
	const query = `
		SELECT subscription_id, product_id, quantity, unit_price, billing_period
		FROM subscription_items
		WHERE subscription_id = ANY($1)
		ORDER BY subscription_id, position`
	rows, err := r.pool.Query(ctx, query, ids)
	if err != nil {
		return nil, shared.Dependency(fmt.Errorf("subscriptions: query items: %w", err))
	}
	defer rows.Close()

	out := make(map[uuid.UUID][]Item, len(ids))
	for rows.Next() {
		var (
			subID  uuid.UUID
			it     Item
			price  *decimal.Decimal
			period string
		)
		if err := rows.Scan(&subID, &it.ProductID, &it.Quantity, &price, &period); err != nil {
			return nil, shared.Dependency(fmt.Errorf("subscriptions: scan item: %w", err))
		}
		it.UnitPrice = price
		it.BillingPeriod = pricing.BillingPeriod(period)
		out[subID] = append(out[subID], it)
	}
	if err := rows.Err(); err != nil {
		return nil, shared.Dependency(err)
	}
	return out, nil
}

func weekdayCodes(days []time.Weekday) []string {
	out := make([]string, 0, len(days))
	for _, d := range days {
		out = append(out, recurrence.WeekdayCode(d))
	}
	return out
}
