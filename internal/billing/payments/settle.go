package payments

import (
	"github.com/shopspring/decimal"

	"github.com/aquaflow/aquaflow/internal/billing/invoices"
)

// AmountPaid nets succeeded payments against refunds, never below zero.
// Pending, failed and voided payments contribute nothing.
func AmountPaid(snapshots []invoices.PaymentSnapshot) decimal.Decimal {
	paid := decimal.Zero
	for _, s := range snapshots {
		switch Status(s.Status) {
		case StatusSucceeded:
			paid = paid.Add(s.Amount)
		case StatusRefunded:
			paid = paid.Sub(s.Amount)
		}
	}
	if paid.IsNegative() {
		return decimal.Zero
	}
	return paid
}

// NextStatus derives the invoice status from its totals. VOIDED is terminal
// and DRAFT invoices are not settled.
func NextStatus(current invoices.Status, totals invoices.Totals) invoices.Status {
	switch current {
	case invoices.StatusVoided, invoices.StatusDraft:
		return current
	}
	switch {
	case !totals.BalanceDue.IsPositive():
		return invoices.StatusPaid
	case totals.AmountPaid.IsPositive():
		return invoices.StatusPartiallyPaid
	default:
		return invoices.StatusIssued
	}
}

// Settle replaces the invoice's payment snapshots and recomputes paid
// totals and status.
func Settle(inv *invoices.Invoice, allocated []Payment) {
	snapshots := make([]invoices.PaymentSnapshot, 0, len(allocated))
	for _, p := range allocated {
		snapshots = append(snapshots, p.Snapshot())
	}
	inv.Payments = snapshots
	inv.Totals.AmountPaid = AmountPaid(snapshots)
	inv.Totals.BalanceDue = inv.Totals.Total.Sub(inv.Totals.AmountPaid)
	inv.Status = NextStatus(inv.Status, inv.Totals)
}
