package pricing

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"golang.org/x/text/currency"

	"github.com/aquaflow/aquaflow/internal/billing/recurrence"
	"github.com/aquaflow/aquaflow/internal/shared"
)

// BillingPeriod says how often a priced item is charged.
type BillingPeriod string

const (
	PerDelivery BillingPeriod = "PER_DELIVERY"
	Monthly     BillingPeriod = "MONTHLY"
)

// Valid reports whether p is a known billing period.
func (p BillingPeriod) Valid() bool {
	return p == PerDelivery || p == Monthly
}

// PriceList is a prioritised, optionally time-bounded set of tiers for a
// branch, optionally scoped to one customer.
type PriceList struct {
	ID         uuid.UUID  `json:"id"`
	BranchID   uuid.UUID  `json:"branch_id"`
	CustomerID *uuid.UUID `json:"customer_id,omitempty"`
	Name       string     `json:"name"`
	Currency   string     `json:"currency"`
	ValidFrom  *time.Time `json:"valid_from,omitempty"`
	ValidTo    *time.Time `json:"valid_to,omitempty"`
	IsDefault  bool       `json:"is_default"`
	Priority   int        `json:"priority"`
	Items      []Tier     `json:"items"`
	CreatedAt  time.Time  `json:"created_at"`
}

// Tier prices a product from MinQty upwards.
type Tier struct {
	ProductID     uuid.UUID       `json:"product_id"`
	MinQty        int             `json:"min_qty"`
	UnitPrice     decimal.Decimal `json:"unit_price"`
	BillingPeriod BillingPeriod   `json:"billing_period"`
	Currency      string          `json:"currency,omitempty"`
}

// ValidAt reports whether asOf's calendar day falls inside the list's
// validity window. Both bounds are inclusive days.
func (l PriceList) ValidAt(asOf time.Time) bool {
	day := recurrence.NormalizeDate(asOf)
	if l.ValidFrom != nil && day.Before(recurrence.NormalizeDate(*l.ValidFrom)) {
		return false
	}
	if l.ValidTo != nil && day.After(recurrence.NormalizeDate(*l.ValidTo)) {
		return false
	}
	return true
}

// Query identifies what is being priced.
type Query struct {
	BranchID   uuid.UUID
	ProductID  uuid.UUID
	Quantity   int
	CustomerID *uuid.UUID
	AsOf       time.Time
}

// Resolution is the effective unit price for a query.
type Resolution struct {
	UnitPrice     decimal.Decimal `json:"unit_price"`
	BillingPeriod BillingPeriod   `json:"billing_period"`
	Currency      string          `json:"currency"`
	PriceListID   uuid.UUID       `json:"price_list_id"`
	MinQty        int             `json:"min_qty"`
}

// Validate checks a price list before it is stored.
func (l PriceList) Validate() error {
	if l.BranchID == uuid.Nil {
		return shared.Invalid("branch_id", "required")
	}
	if err := ValidateCurrency(l.Currency); err != nil {
		return err
	}
	if l.ValidFrom != nil && l.ValidTo != nil && l.ValidTo.Before(*l.ValidFrom) {
		return shared.Invalid("valid_to", "before valid_from")
	}
	seen := make(map[string]bool, len(l.Items))
	for i, item := range l.Items {
		field := fmt.Sprintf("items[%d]", i)
		if item.ProductID == uuid.Nil {
			return shared.Invalid(field+".product_id", "required")
		}
		if item.MinQty < 0 {
			return shared.Invalid(field+".min_qty", "must be >= 0")
		}
		if item.UnitPrice.IsNegative() {
			return shared.Invalid(field+".unit_price", "must be >= 0")
		}
		if !item.BillingPeriod.Valid() {
			return shared.Invalid(field+".billing_period", fmt.Sprintf("unknown %q", item.BillingPeriod))
		}
		if item.Currency != "" {
			if err := ValidateCurrency(item.Currency); err != nil {
				return err
			}
		}
		key := fmt.Sprintf("%s/%d", item.ProductID, item.MinQty)
		if seen[key] {
			return shared.Invalid(field, "duplicate product/min_qty tier")
		}
		seen[key] = true
	}
	return nil
}

// ValidateCurrency accepts ISO 4217 codes.
func ValidateCurrency(code string) error {
	if len(code) != 3 {
		return shared.Invalid("currency", "must be a 3-letter ISO code")
	}
	if _, err := currency.ParseISO(strings.ToUpper(code)); err != nil {
		return shared.Invalid("currency", fmt.Sprintf("unknown currency %q", code))
	}
	return nil
}
