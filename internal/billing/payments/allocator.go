// Package payments records payments and allocates them to invoices.
package payments

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/aquaflow/aquaflow/internal/billing/invoices"
	"github.com/aquaflow/aquaflow/internal/billing/pricing"
	"github.com/aquaflow/aquaflow/internal/shared"
)

var (
	// ErrNotFound indicates the payment does not exist.
	ErrNotFound = fmt.Errorf("payment: %w", shared.ErrNotFound)
	// ErrNotAllocated is returned when detaching an unallocated payment.
	ErrNotAllocated = fmt.Errorf("payment is not allocated: %w", shared.ErrConflict)
	// ErrInvoiceVoided rejects allocation to a voided invoice.
	ErrInvoiceVoided = fmt.Errorf("invoice is voided: %w", shared.ErrConflict)
	// ErrCurrencyMismatch rejects allocation across currencies.
	ErrCurrencyMismatch = fmt.Errorf("payment currency differs from invoice currency: %w", shared.ErrValidation)
	// ErrCustomerMismatch rejects allocation to another customer's invoice.
	ErrCustomerMismatch = fmt.Errorf("payment customer differs from invoice customer: %w", shared.ErrValidation)
)

// Tx is the locked view of payments and invoices inside one transaction.
type Tx interface {
	LockPayment(ctx context.Context, id uuid.UUID) (Payment, error)
	LockInvoice(ctx context.Context, id uuid.UUID) (invoices.Invoice, error)
	PaymentsForInvoice(ctx context.Context, invoiceID uuid.UUID) ([]Payment, error)
	SetPaymentInvoice(ctx context.Context, paymentID uuid.UUID, invoiceID *uuid.UUID, actor shared.Actor) error
	SaveInvoice(ctx context.Context, inv invoices.Invoice) error
}

// Store runs fn in a transaction.
type Store interface {
	InTx(ctx context.Context, fn func(Tx) error) error
	Create(ctx context.Context, p Payment, idempotencyKey string) error
}

// Allocator attaches payments to invoices and keeps invoice totals current.
type Allocator struct {
	store    Store
	validate *validator.Validate
	logger   *slog.Logger
	clock    func() time.Time
}

// NewAllocator builds an allocator.
func NewAllocator(store Store, logger *slog.Logger) *Allocator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Allocator{
		store:    store,
		validate: validator.New(),
		logger:   logger,
		clock:    func() time.Time { return time.Now().UTC() },
	}
}

// Allocate points the payment at invoiceID, or detaches it when invoiceID is
// nil, and returns the invoice whose totals changed. Moving a payment between
// invoices settles both in the same transaction.
func (a *Allocator) Allocate(ctx context.Context, paymentID uuid.UUID, invoiceID *uuid.UUID, actor shared.Actor) (*invoices.Invoice, error) {
	var result invoices.Invoice
	err := a.store.InTx(ctx, func(tx Tx) error {
		p, err := tx.LockPayment(ctx, paymentID)
		if err != nil {
			return err
		}
		if invoiceID == nil {
			if p.InvoiceID == nil {
				return ErrNotAllocated
			}
			inv, err := tx.LockInvoice(ctx, *p.InvoiceID)
			if err != nil {
				return err
			}
			if err := tx.SetPaymentInvoice(ctx, p.ID, nil, actor); err != nil {
				return err
			}
			result, err = a.settle(ctx, tx, inv, actor)
			return err
		}

		locked, err := lockInOrder(ctx, tx, p.InvoiceID, *invoiceID)
		if err != nil {
			return err
		}
		target := locked[*invoiceID]
		if err := checkTarget(p, target); err != nil {
			return err
		}
		if err := tx.SetPaymentInvoice(ctx, p.ID, invoiceID, actor); err != nil {
			return err
		}
		if p.InvoiceID != nil && *p.InvoiceID != *invoiceID {
			if _, err := a.settle(ctx, tx, locked[*p.InvoiceID], actor); err != nil {
				return err
			}
		}
		result, err = a.settle(ctx, tx, target, actor)
		return err
	})
	if err != nil {
		return nil, err
	}
	a.logger.Info("payment allocated", slog.String("payment_id", paymentID.String()),
		slog.String("invoice_id", result.ID.String()), slog.String("status", string(result.Status)),
		slog.String("balance_due", result.Totals.BalanceDue.String()))
	return &result, nil
}

// lockInOrder locks the previous and target invoices by ascending id so two
// reallocations in opposite directions cannot deadlock.
func lockInOrder(ctx context.Context, tx Tx, previous *uuid.UUID, target uuid.UUID) (map[uuid.UUID]invoices.Invoice, error) {
	ids := []uuid.UUID{target}
	if previous != nil && *previous != target {
		ids = append(ids, *previous)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i].String() < ids[j].String() })
	out := make(map[uuid.UUID]invoices.Invoice, len(ids))
	for _, id := range ids {
		inv, err := tx.LockInvoice(ctx, id)
		if err != nil {
			return nil, err
		}
		out[id] = inv
	}
	return out, nil
}

func checkTarget(p Payment, inv invoices.Invoice) error {
	if inv.Status == invoices.StatusVoided || !inv.Active {
		return ErrInvoiceVoided
	}
	if !strings.EqualFold(p.Currency, inv.Currency) {
		return fmt.Errorf("%w (%s vs %s)", ErrCurrencyMismatch, p.Currency, inv.Currency)
	}
	if p.CustomerID != inv.CustomerID {
		return ErrCustomerMismatch
	}
	return nil
}

func (a *Allocator) settle(ctx context.Context, tx Tx, inv invoices.Invoice, actor shared.Actor) (invoices.Invoice, error) {
	allocated, err := tx.PaymentsForInvoice(ctx, inv.ID)
	if err != nil {
		return invoices.Invoice{}, err
	}
	Settle(&inv, allocated)
	inv.UpdatedBy = actor.StampID()
	inv.UpdatedAt = a.clock()
	if err := tx.SaveInvoice(ctx, inv); err != nil {
		return invoices.Invoice{}, err
	}
	return inv, nil
}

// Record stores a standalone payment, unallocated.
func (a *Allocator) Record(ctx context.Context, in RecordInput, actor shared.Actor) (*Payment, error) {
	if err := a.validate.Struct(in); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			return nil, shared.Invalid(strings.ToLower(verrs[0].Field()), fmt.Sprintf("failed %q", verrs[0].Tag()))
		}
		return nil, shared.Invalid("", err.Error())
	}
	if err := pricing.ValidateCurrency(in.Currency); err != nil {
		return nil, err
	}
	if !in.Amount.IsPositive() {
		return nil, shared.Invalid("amount", "must be > 0")
	}
	if in.Fee != nil && in.Fee.IsNegative() {
		return nil, shared.Invalid("fee", "must be >= 0")
	}
	now := a.clock()
	p := Payment{
		ID:         uuid.New(),
		BranchID:   in.BranchID,
		CustomerID: in.CustomerID,
		Method:     Method(in.Method),
		Status:     Status(in.Status),
		Currency:   strings.ToUpper(in.Currency),
		Amount:     in.Amount,
		Fee:        in.Fee,
		Reference:  in.Reference,
		ReceivedAt: in.ReceivedAt,
		CreatedBy:  actor.StampID(),
		UpdatedBy:  actor.StampID(),
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if p.Status == "" {
		p.Status = StatusSucceeded
	}
	if p.ReceivedAt.IsZero() {
		p.ReceivedAt = now
	}
	if err := a.store.Create(ctx, p, strings.TrimSpace(in.IdempotencyKey)); err != nil {
		return nil, fmt.Errorf("payments: record: %w", err)
	}
	return &p, nil
}
