package deliveries

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Status enumerates delivery statuses.
type Status string

const (
	StatusScheduled Status = "SCHEDULED"
	StatusEnRoute   Status = "EN_ROUTE"
	StatusArrived   Status = "ARRIVED"
	StatusDelivered Status = "DELIVERED"
	StatusFailed    Status = "FAILED"
	StatusCancelled Status = "CANCELLED"
)

// Source records what created the delivery.
type Source string

const (
	SourceManual       Source = "MANUAL"
	SourceSubscription Source = "SUBSCRIPTION"
	SourceAPI          Source = "API"
)

// Delivery is a fulfilment record with its own captured lines.
type Delivery struct {
	ID          uuid.UUID
	BranchID    uuid.UUID
	CustomerID  uuid.UUID
	AddressID   uuid.UUID
	RouteID     *uuid.UUID
	Source      Source
	Status      Status
	Currency    string
	ScheduledAt time.Time
	Lines       []Line
}

// Line is a delivered product at the price captured when it was created.
type Line struct {
	ProductID uuid.UUID
	Quantity  int
	UnitPrice decimal.Decimal
	TaxRate   *decimal.Decimal
}

// Chargeable reports whether the delivery is billed as an ad-hoc item.
func (d Delivery) Chargeable() bool {
	return d.Status == StatusDelivered && d.Source == SourceManual
}

// Scope is one (branch, customer, address) billing target.
type Scope struct {
	BranchID   uuid.UUID
	CustomerID uuid.UUID
	AddressID  uuid.UUID
}
