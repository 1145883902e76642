package payments

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/aquaflow/aquaflow/internal/billing/invoices"
)

// Status enumerates payment statuses.
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusSucceeded Status = "SUCCEEDED"
	StatusFailed    Status = "FAILED"
	StatusRefunded  Status = "REFUNDED"
	StatusVoided    Status = "VOIDED"
)

// Method is how the money arrived.
type Method string

const (
	MethodCash     Method = "CASH"
	MethodTransfer Method = "TRANSFER"
	MethodCard     Method = "CARD"
	MethodEWallet  Method = "EWALLET"
)

// Payment is captured on its own and allocated to an invoice later.
type Payment struct {
	ID         uuid.UUID        `json:"id"`
	BranchID   uuid.UUID        `json:"branch_id"`
	CustomerID uuid.UUID        `json:"customer_id"`
	InvoiceID  *uuid.UUID       `json:"invoice_id,omitempty"`
	Method     Method           `json:"method"`
	Status     Status           `json:"status"`
	Currency   string           `json:"currency"`
	Amount     decimal.Decimal  `json:"amount"`
	Fee        *decimal.Decimal `json:"fee,omitempty"`
	Reference  string           `json:"reference,omitempty"`
	ReceivedAt time.Time        `json:"received_at"`
	CreatedBy  *uuid.UUID       `json:"created_by,omitempty"`
	UpdatedBy  *uuid.UUID       `json:"updated_by,omitempty"`
	CreatedAt  time.Time        `json:"created_at"`
	UpdatedAt  time.Time        `json:"updated_at"`
}

// Snapshot is the copy stored on the invoice.
func (p Payment) Snapshot() invoices.PaymentSnapshot {
	return invoices.PaymentSnapshot{
		PaymentID:  p.ID,
		Method:     string(p.Method),
		Status:     string(p.Status),
		Amount:     p.Amount,
		ReceivedAt: p.ReceivedAt,
	}
}

// RecordInput captures a standalone payment.
type RecordInput struct {
	BranchID   uuid.UUID        `json:"branch_id" validate:"required"`
	CustomerID uuid.UUID        `json:"customer_id" validate:"required"`
	Method     string           `json:"method" validate:"required,oneof=CASH TRANSFER CARD EWALLET"`
	Status     string           `json:"status" validate:"omitempty,oneof=PENDING SUCCEEDED FAILED REFUNDED VOIDED"`
	Currency   string           `json:"currency" validate:"required,len=3"`
	Amount     decimal.Decimal  `json:"amount"`
	Fee        *decimal.Decimal `json:"fee,omitempty"`
	Reference  string           `json:"reference" validate:"max=120"`
	ReceivedAt time.Time        `json:"received_at"`

	// IdempotencyKey comes from the request header, never the body.
	IdempotencyKey string `json:"-" validate:"max=200"`
}
