package subscriptions

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/aquaflow/aquaflow/internal/billing/pricing"
	"github.com/aquaflow/aquaflow/internal/billing/recurrence"
)

// Status enumerates subscription statuses.
type Status string

const (
	StatusActive    Status = "ACTIVE"
	StatusPaused    Status = "PAUSED"
	StatusCancelled Status = "CANCELLED"
)

// Subscription is a standing delivery arrangement for one customer address.
type Subscription struct {
	ID         uuid.UUID       `json:"id"`
	BranchID   uuid.UUID       `json:"branch_id"`
	CustomerID uuid.UUID       `json:"customer_id"`
	AddressID  uuid.UUID       `json:"address_id"`
	Currency   string          `json:"currency"`
	Rule       recurrence.Rule `json:"rule"`
	AnchorDate time.Time       `json:"anchor_date"`
	Items      []Item          `json:"items"`
	NextRunAt  *time.Time      `json:"next_run_at,omitempty"`
	Status     Status          `json:"status"`
	CreatedBy  *uuid.UUID      `json:"created_by,omitempty"`
	UpdatedBy  *uuid.UUID      `json:"updated_by,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
	UpdatedAt  time.Time       `json:"updated_at"`
}

// Item is one product line of a subscription. UnitPrice is the price
// captured when the subscription was set up.
type Item struct {
	ProductID     uuid.UUID             `json:"product_id"`
	Quantity      int                   `json:"quantity"`
	UnitPrice     *decimal.Decimal      `json:"unit_price,omitempty"`
	BillingPeriod pricing.BillingPeriod `json:"billing_period"`
}

// OccursOn reports whether the subscription fires on date.
func (s Subscription) OccursOn(date time.Time) bool {
	return recurrence.OccursOn(s.Rule, s.AnchorDate, date)
}

// CreateInput is the payload for a new subscription.
type CreateInput struct {
	BranchID   uuid.UUID   `json:"branch_id" validate:"required"`
	CustomerID uuid.UUID   `json:"customer_id" validate:"required"`
	AddressID  uuid.UUID   `json:"address_id" validate:"required"`
	Currency   string      `json:"currency" validate:"required,len=3"`
	Frequency  string      `json:"frequency" validate:"required,oneof=DAILY WEEKLY"`
	Interval   int         `json:"interval" validate:"required,gte=1"`
	ByWeekday  []string    `json:"by_weekday" validate:"omitempty,dive,oneof=MO TU WE TH FR SA SU"`
	AnchorDate time.Time   `json:"anchor_date" validate:"required"`
	Items      []ItemInput `json:"items" validate:"required,min=1,dive"`
}

// ItemInput is one requested line. A nil UnitPrice is resolved from the
// price lists at the anchor date.
type ItemInput struct {
	ProductID     uuid.UUID        `json:"product_id" validate:"required"`
	Quantity      int              `json:"quantity" validate:"required,gte=1"`
	UnitPrice     *decimal.Decimal `json:"unit_price,omitempty"`
	BillingPeriod string           `json:"billing_period" validate:"omitempty,oneof=PER_DELIVERY MONTHLY"`
}
