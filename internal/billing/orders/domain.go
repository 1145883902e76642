package orders

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/aquaflow/aquaflow/internal/billing/pricing"
)

// Source records what created an order.
type Source string

const (
	SourceManual       Source = "MANUAL"
	SourceSubscription Source = "SUBSCRIPTION"
	SourceAPI          Source = "API"
)

// Status enumerates order statuses.
type Status string

const (
	StatusDraft     Status = "DRAFT"
	StatusConfirmed Status = "CONFIRMED"
	StatusScheduled Status = "SCHEDULED"
	StatusFulfilled Status = "FULFILLED"
	StatusCancelled Status = "CANCELLED"
)

// Order is a snapshot of what was requested for one delivery date. Line
// prices are captured at creation and never re-resolved.
type Order struct {
	ID             uuid.UUID       `json:"id"`
	Number         string          `json:"number"`
	BranchID       uuid.UUID       `json:"branch_id"`
	CustomerID     uuid.UUID       `json:"customer_id"`
	AddressID      uuid.UUID       `json:"address_id"`
	SubscriptionID *uuid.UUID      `json:"subscription_id,omitempty"`
	DeliveryDate   time.Time       `json:"delivery_date"`
	Source         Source          `json:"source"`
	Status         Status          `json:"status"`
	Currency       string          `json:"currency"`
	Lines          []Line          `json:"lines"`
	Total          decimal.Decimal `json:"total"`
	CreatedBy      *uuid.UUID      `json:"created_by,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
}

// Line is one ordered product.
type Line struct {
	ProductID     uuid.UUID             `json:"product_id"`
	Quantity      int                   `json:"quantity"`
	UnitPrice     decimal.Decimal       `json:"unit_price"`
	BillingPeriod pricing.BillingPeriod `json:"billing_period"`
	PriceListID   *uuid.UUID            `json:"price_list_id,omitempty"`
	Total         decimal.Decimal       `json:"total"`
}

// Failure reports one subscription that could not produce an order.
type Failure struct {
	SubscriptionID uuid.UUID `json:"subscription_id"`
	Err            error     `json:"-"`
}

// Error renders the failure cause.
func (f Failure) Error() string {
	if f.Err == nil {
		return ""
	}
	return f.Err.Error()
}

// Skip reports a firing subscription that needed no new order.
type Skip struct {
	SubscriptionID uuid.UUID `json:"subscription_id"`
	Reason         string    `json:"reason"`
}

// SkipAlreadyGenerated marks a subscription whose order for the date exists.
const SkipAlreadyGenerated = "already-generated"

// Result of one generation run. A nil error from the run does not mean
// every subscription succeeded; check Failures.
type Result struct {
	Created  []Order   `json:"created"`
	Skipped  []Skip    `json:"skipped"`
	Failures []Failure `json:"failures"`
}
