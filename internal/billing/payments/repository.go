package payments

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/aquaflow/aquaflow/internal/billing/invoices"
	"github.com/aquaflow/aquaflow/internal/platform/db"
	"github.com/aquaflow/aquaflow/internal/shared"
)

// Repository provides PostgreSQL backed persistence for payments.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

const paymentColumns = `id, branch_id, customer_id, invoice_id, method, status, currency, amount, fee,
	COALESCE(reference, ''), received_at, created_by, updated_by, created_at, updated_at`

// InTx runs fn inside a ReadCommitted transaction; row locks taken through
// Tx serialise concurrent allocations per invoice.
func (r *Repository) InTx(ctx context.Context, fn func(Tx) error) error {
	err := db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(pgTx{tx: tx})
	})
	if err == nil || errors.Is(err, shared.ErrValidation) || errors.Is(err, shared.ErrNotFound) || errors.Is(err, shared.ErrConflict) {
		return err
	}
	return shared.Dependency(err)
}

// Create inserts a payment. A non-empty idempotency key is claimed in the
// same transaction; a replayed key fails with shared.ErrDuplicateRequest.
func (r *Repository) Create(ctx context.Context, p Payment, idempotencyKey string) error {
	const insert = `
		INSERT INTO payments (id, branch_id, customer_id, invoice_id, method, status, currency, amount, fee,
			reference, received_at, created_by, updated_by, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, NULLIF($10, ''), $11, $12, $13, $14, $15)`
	err := db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		if idempotencyKey != "" {
			if err := shared.ClaimIdempotencyKey(ctx, tx, "payments", idempotencyKey); err != nil {
				return err
			}
		}
		_, err := tx.Exec(ctx, insert, p.ID, p.BranchID, p.CustomerID, p.InvoiceID, string(p.Method), string(p.Status),
			p.Currency, p.Amount, p.Fee, p.Reference, p.ReceivedAt, p.CreatedBy, p.UpdatedBy, p.CreatedAt, p.UpdatedAt)
		if err != nil {
			return shared.Dependency(fmt.Errorf("payments: insert: %w", err))
		}
		return nil
	})
	if err != nil && !errors.Is(err, shared.ErrConflict) && !errors.Is(err, shared.ErrDependency) {
		return shared.Dependency(err)
	}
	return err
}

// Get loads one payment.
func (r *Repository) Get(ctx context.Context, id uuid.UUID) (Payment, error) {
	return getPayment(ctx, r.pool, id, false)
}

type pgTx struct {
	tx pgx.Tx
}

func (t pgTx) LockPayment(ctx context.Context, id uuid.UUID) (Payment, error) {
	return getPayment(ctx, t.tx, id, true)
}

func (t pgTx) LockInvoice(ctx context.Context, id uuid.UUID) (invoices.Invoice, error) {
	return invoices.LoadForUpdate(ctx, t.tx, id)
}

func (t pgTx) PaymentsForInvoice(ctx context.Context, invoiceID uuid.UUID) ([]Payment, error) {
	rows, err := t.tx.Query(ctx, `SELECT `+paymentColumns+` FROM payments WHERE invoice_id = $1 ORDER BY received_at, id`, invoiceID)
	if err != nil {
		return nil, shared.Dependency(fmt.Errorf("payments: query for invoice: %w", err))
	}
	defer rows.Close()
	var out []Payment
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, shared.Dependency(err)
	}
	return out, nil
}

func (t pgTx) SetPaymentInvoice(ctx context.Context, paymentID uuid.UUID, invoiceID *uuid.UUID, actor shared.Actor) error {
	tag, err := t.tx.Exec(ctx, `UPDATE payments SET invoice_id = $2, updated_by = $3, updated_at = NOW() WHERE id = $1`,
		paymentID, invoiceID, actor.StampID())
	if err != nil {
		return shared.Dependency(fmt.Errorf("payments: set invoice: %w", err))
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, paymentID)
	}
	return nil
}

func (t pgTx) SaveInvoice(ctx context.Context, inv invoices.Invoice) error {
	return invoices.Save(ctx, t.tx, inv)
}

func getPayment(ctx context.Context, q shared.Querier, id uuid.UUID, lock bool) (Payment, error) {
	query := `SELECT ` + paymentColumns + ` FROM payments WHERE id = $1`
	if lock {
		query += ` FOR UPDATE`
	}
	p, err := scanPayment(q.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return Payment{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return p, err
}

func scanPayment(row pgx.Row) (Payment, error) {
	var (
		p      Payment
		method string
		status string
	)
	err := row.Scan(&p.ID, &p.BranchID, &p.CustomerID, &p.InvoiceID, &method, &status, &p.Currency, &p.Amount,
		&p.Fee, &p.Reference, &p.ReceivedAt, &p.CreatedBy, &p.UpdatedBy, &p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Payment{}, err
	}
	if err != nil {
		return Payment{}, shared.Dependency(fmt.Errorf("payments: scan: %w", err))
	}
	p.Method = Method(method)
	p.Status = Status(status)
	return p, nil
}
