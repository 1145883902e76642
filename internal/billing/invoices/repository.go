package invoices

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/aquaflow/aquaflow/internal/platform/db"
	"github.com/aquaflow/aquaflow/internal/shared"
)

// Repository provides PostgreSQL backed persistence for invoices.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

const invoiceColumns = `id, number, branch_id, customer_id, address_id, currency, period_year, period_month,
	period_key, period_start, period_end, status, issue_date, due_date, payments, subtotal, tax, total,
	amount_paid, balance_due, active, created_by, updated_by, created_at, updated_at`

// HasActive reports whether an active invoice already holds the scope key.
func (r *Repository) HasActive(ctx context.Context, customerID, addressID uuid.UUID, periodKey string) (bool, error) {
	const query = `
		SELECT EXISTS (
			SELECT 1 FROM invoices
			WHERE customer_id = $1 AND address_id = $2 AND period_key = $3 AND active
		)`
	var exists bool
	if err := r.pool.QueryRow(ctx, query, customerID, addressID, periodKey).Scan(&exists); err != nil {
		return false, fmt.Errorf("invoices: scope lookup: %w", err)
	}
	return exists, nil
}

// CreateIfAbsent inserts the invoice unless an active one exists for its
// scope key. The partial unique index on (customer_id, address_id,
// period_key) WHERE active makes the check and the write a single statement.
func (r *Repository) CreateIfAbsent(ctx context.Context, inv Invoice, branchCode string) (*Invoice, error) {
	err := db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		bucket := inv.PeriodStart.UTC().Format("200601")
		seq, err := shared.NewSequenceStore(tx).Next(ctx, shared.SequenceScope(shared.SequenceInvoice, branchCode, bucket))
		if err != nil {
			return err
		}
		inv.Number = shared.InvoiceNumber(branchCode, inv.PeriodStart, seq)

		const insert = `
			INSERT INTO invoices (` + invoiceColumns + `)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20,
				$21, $22, $23, $24, $25)
			ON CONFLICT (customer_id, address_id, period_key) WHERE active DO NOTHING
			RETURNING id`
		var id uuid.UUID
		err = tx.QueryRow(ctx, insert, inv.ID, inv.Number, inv.BranchID, inv.CustomerID, inv.AddressID, inv.Currency,
			inv.PeriodYear, inv.PeriodMonth, inv.PeriodKey, inv.PeriodStart, inv.PeriodEnd, string(inv.Status),
			inv.IssueDate, inv.DueDate, payments(inv.Payments), inv.Totals.Subtotal, inv.Totals.Tax, inv.Totals.Total,
			inv.Totals.AmountPaid, inv.Totals.BalanceDue, inv.Active, inv.CreatedBy, inv.UpdatedBy, inv.CreatedAt,
			inv.UpdatedAt).Scan(&id)
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrAlreadyInvoiced
		}
		if err != nil {
			return fmt.Errorf("invoices: insert: %w", err)
		}

		const insertLine = `
			INSERT INTO invoice_lines (invoice_id, position, product_id, source, source_id, quantity, unit_price,
				tax_rate, subtotal, tax, total)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`
		batch := &pgx.Batch{}
		for i, l := range inv.Lines {
			batch.Queue(insertLine, inv.ID, i, l.ProductID, string(l.Source), l.SourceID, l.Quantity, l.UnitPrice,
				l.TaxRate, l.Subtotal, l.Tax, l.Total)
		}
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return fmt.Errorf("invoices: insert lines: %w", err)
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, shared.ErrConflict) {
			return nil, err
		}
		return nil, shared.Dependency(err)
	}
	return &inv, nil
}

// Get loads one invoice, voided ones included.
func (r *Repository) Get(ctx context.Context, id uuid.UUID) (*Invoice, error) {
	inv, err := load(ctx, r.pool, id, false)
	if err != nil {
		return nil, err
	}
	return &inv, nil
}

// Mutate locks the invoice, applies fn and writes the result back.
func (r *Repository) Mutate(ctx context.Context, id uuid.UUID, fn func(*Invoice) error) (*Invoice, error) {
	var out Invoice
	err := db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		inv, err := LoadForUpdate(ctx, tx, id)
		if err != nil {
			return err
		}
		if err := fn(&inv); err != nil {
			return err
		}
		if err := Save(ctx, tx, inv); err != nil {
			return err
		}
		out = inv
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// LoadForUpdate reads an invoice and locks its row until q commits. q must
// be a transaction.
func LoadForUpdate(ctx context.Context, q shared.Querier, id uuid.UUID) (Invoice, error) {
	return load(ctx, q, id, true)
}

// Save writes status, activity, payment snapshots and totals. Lines are
// immutable once issued.
func Save(ctx context.Context, q shared.Querier, inv Invoice) error {
	const update = `
		UPDATE invoices
		SET status = $2, active = $3, payments = $4, amount_paid = $5, balance_due = $6,
			updated_by = $7, updated_at = $8
		WHERE id = $1`
	tag, err := q.Exec(ctx, update, inv.ID, string(inv.Status), inv.Active, payments(inv.Payments),
		inv.Totals.AmountPaid, inv.Totals.BalanceDue, inv.UpdatedBy, inv.UpdatedAt)
	if err != nil {
		return shared.Dependency(fmt.Errorf("invoices: save %s: %w", inv.ID, err))
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, inv.ID)
	}
	return nil
}

func load(ctx context.Context, q shared.Querier, id uuid.UUID, lock bool) (Invoice, error) {
	query := `SELECT ` + invoiceColumns + ` FROM invoices WHERE id = $1`
	if lock {
		query += ` FOR UPDATE`
	}
	var (
		inv    Invoice
		status string
	)
	err := q.QueryRow(ctx, query, id).Scan(&inv.ID, &inv.Number, &inv.BranchID, &inv.CustomerID, &inv.AddressID,
		&inv.Currency, &inv.PeriodYear, &inv.PeriodMonth, &inv.PeriodKey, &inv.PeriodStart, &inv.PeriodEnd, &status,
		&inv.IssueDate, &inv.DueDate, &inv.Payments, &inv.Totals.Subtotal, &inv.Totals.Tax, &inv.Totals.Total,
		&inv.Totals.AmountPaid, &inv.Totals.BalanceDue, &inv.Active, &inv.CreatedBy, &inv.UpdatedBy,
		&inv.CreatedAt, &inv.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Invoice{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return Invoice{}, shared.Dependency(fmt.Errorf("invoices: load %s: %w", id, err))
	}
	inv.Status = Status(status)

	rows, err := q.Query(ctx, `
		SELECT product_id, source, source_id, quantity, unit_price, tax_rate, subtotal, tax, total
		FROM invoice_lines WHERE invoice_id = $1 ORDER BY position`, id)
	if err != nil {
		return Invoice{}, shared.Dependency(fmt.Errorf("invoices: load lines: %w", err))
	}
	defer rows.Close()
	for rows.Next() {
		var (
			l      Line
			source string
		)
		if err := rows.Scan(&l.ProductID, &source, &l.SourceID, &l.Quantity, &l.UnitPrice, &l.TaxRate,
			&l.Subtotal, &l.Tax, &l.Total); err != nil {
			return Invoice{}, shared.Dependency(fmt.Errorf("invoices: scan line: %w", err))
		}
		l.Source = LineSource(source)
		inv.Lines = append(inv.Lines, l)
	}
	if err := rows.Err(); err != nil {
		return Invoice{}, shared.Dependency(err)
	}
	return inv, nil
}

// payments keeps an empty snapshot list as [] rather than null.
func payments(p []PaymentSnapshot) []PaymentSnapshot {
	if p == nil {
		return []PaymentSnapshot{}
	}
	return p
}
