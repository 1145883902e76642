// Package billing exposes the recurring billing engine: order generation,
// invoice generation, price resolution and payment allocation.
package billing

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/aquaflow/aquaflow/internal/billing/invoices"
	"github.com/aquaflow/aquaflow/internal/billing/orders"
	"github.com/aquaflow/aquaflow/internal/billing/payments"
	"github.com/aquaflow/aquaflow/internal/billing/pricing"
	"github.com/aquaflow/aquaflow/internal/billing/subscriptions"
	"github.com/aquaflow/aquaflow/internal/shared"
)

// PriceListStore persists price lists.
type PriceListStore interface {
	Create(ctx context.Context, list pricing.PriceList) (*pricing.PriceList, error)
}

// PriceCache drops cached price lists after a write.
type PriceCache interface {
	Invalidate(ctx context.Context) error
}

// Engine composes the billing components behind one surface.
type Engine struct {
	Orders        *orders.Generator
	Invoices      *invoices.Generator
	InvoiceAdmin  *invoices.Service
	Prices        *pricing.Resolver
	PriceLists    PriceListStore
	PriceCache    PriceCache
	Payments      *payments.Allocator
	Subscriptions *subscriptions.Service
}

// GenerateOrdersForDate creates orders for every subscription firing on date.
func (e *Engine) GenerateOrdersForDate(ctx context.Context, date time.Time, actor shared.Actor) (orders.Result, error) {
	return e.Orders.GenerateForDate(ctx, date, actor)
}

// GenerateInvoicesForPeriod invoices [start, end], optionally for one customer.
func (e *Engine) GenerateInvoicesForPeriod(ctx context.Context, start, end time.Time, customerID *uuid.UUID, actor shared.Actor) (invoices.Result, error) {
	period, err := invoices.NewPeriod(start, end)
	if err != nil {
		return invoices.Result{}, err
	}
	return e.Invoices.Generate(ctx, invoices.Request{Period: period, CustomerID: customerID, Actor: actor})
}

// ResolvePrice returns the effective price; found is false when no list
// carries a qualifying tier.
func (e *Engine) ResolvePrice(ctx context.Context, q pricing.Query) (pricing.Resolution, bool, error) {
	return e.Prices.Resolve(ctx, q)
}

// CreatePriceList stores a price list and invalidates cached lists. A failed
// invalidation is returned alongside the stored list; cached entries still
// expire with their TTL.
func (e *Engine) CreatePriceList(ctx context.Context, list pricing.PriceList) (*pricing.PriceList, error) {
	created, err := e.PriceLists.Create(ctx, list)
	if err != nil {
		return nil, err
	}
	if e.PriceCache != nil {
		if err := e.PriceCache.Invalidate(ctx); err != nil {
			return created, shared.Dependency(err)
		}
	}
	return created, nil
}

// AllocatePayment attaches the payment to invoiceID or detaches it when nil.
func (e *Engine) AllocatePayment(ctx context.Context, paymentID uuid.UUID, invoiceID *uuid.UUID, actor shared.Actor) (*invoices.Invoice, error) {
	return e.Payments.Allocate(ctx, paymentID, invoiceID, actor)
}

// RecordPayment captures an unallocated payment.
func (e *Engine) RecordPayment(ctx context.Context, in payments.RecordInput, actor shared.Actor) (*payments.Payment, error) {
	return e.Payments.Record(ctx, in, actor)
}

// CreateSubscription validates and stores a subscription.
func (e *Engine) CreateSubscription(ctx context.Context, in subscriptions.CreateInput, actor shared.Actor) (*subscriptions.Subscription, error) {
	return e.Subscriptions.Create(ctx, in, actor)
}

// SetSubscriptionStatus pauses, resumes or cancels a subscription.
func (e *Engine) SetSubscriptionStatus(ctx context.Context, id uuid.UUID, status subscriptions.Status, actor shared.Actor) error {
	return e.Subscriptions.SetStatus(ctx, id, status, actor)
}

// GetInvoice loads an invoice.
func (e *Engine) GetInvoice(ctx context.Context, id uuid.UUID) (*invoices.Invoice, error) {
	return e.InvoiceAdmin.Get(ctx, id)
}

// VoidInvoice voids an invoice and frees its period for regeneration.
func (e *Engine) VoidInvoice(ctx context.Context, id uuid.UUID, actor shared.Actor) (*invoices.Invoice, error) {
	return e.InvoiceAdmin.Void(ctx, id, actor)
}
