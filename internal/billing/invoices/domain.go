package invoices

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/aquaflow/aquaflow/internal/billing/recurrence"
	"github.com/aquaflow/aquaflow/internal/shared"
)

// Status enumerates invoice statuses.
type Status string

const (
	StatusDraft         Status = "DRAFT"
	StatusIssued        Status = "ISSUED"
	StatusPartiallyPaid Status = "PARTIALLY_PAID"
	StatusPaid          Status = "PAID"
	StatusVoided        Status = "VOIDED"
)

// LineSource records where a line was charged from.
type LineSource string

const (
	LineDelivery     LineSource = "DELIVERY"
	LineSubscription LineSource = "SUBSCRIPTION"
)

var hundred = decimal.NewFromInt(100)

// Period is an inclusive range of calendar days.
type Period struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// NewPeriod normalises both bounds and rejects inverted ranges.
func NewPeriod(start, end time.Time) (Period, error) {
	p := Period{Start: recurrence.NormalizeDate(start), End: recurrence.NormalizeDate(end)}
	if p.Start.IsZero() || p.End.IsZero() {
		return Period{}, shared.Invalid("period", "start and end required")
	}
	if p.End.Before(p.Start) {
		return Period{}, shared.Invalid("period", "end before start")
	}
	return p, nil
}

// MonthPeriod covers the whole calendar month.
func MonthPeriod(year int, month time.Month) Period {
	start := time.Date(year, month, 1, 0, 0, 0, 0, time.UTC)
	return Period{Start: start, End: start.AddDate(0, 1, -1)}
}

// ParseMonth reads YYYY-MM.
func ParseMonth(key string) (Period, error) {
	t, err := time.Parse("2006-01", key)
	if err != nil {
		return Period{}, shared.Invalid("period", "expected YYYY-MM")
	}
	return MonthPeriod(t.Year(), t.Month()), nil
}

// PreviousMonth is the month before now.
func PreviousMonth(now time.Time) Period {
	first := time.Date(now.UTC().Year(), now.UTC().Month(), 1, 0, 0, 0, 0, time.UTC)
	prev := first.AddDate(0, -1, 0)
	return MonthPeriod(prev.Year(), prev.Month())
}

// Key is YYYY-MM of the start date.
func (p Period) Key() string {
	return fmt.Sprintf("%04d-%02d", p.Start.Year(), int(p.Start.Month()))
}

// ScopeKey identifies the idempotency boundary of one invoice.
func ScopeKey(customerID, addressID uuid.UUID, periodKey string) string {
	return customerID.String() + ":" + addressID.String() + ":" + periodKey
}

// Line is one charged product. Money fields are derived by NewLine.
type Line struct {
	ProductID uuid.UUID       `json:"product_id"`
	Source    LineSource      `json:"source"`
	SourceID  uuid.UUID       `json:"source_id"`
	Quantity  int             `json:"quantity"`
	UnitPrice decimal.Decimal `json:"unit_price"`
	TaxRate   decimal.Decimal `json:"tax_rate"`
	Subtotal  decimal.Decimal `json:"subtotal"`
	Tax       decimal.Decimal `json:"tax"`
	Total     decimal.Decimal `json:"total"`
}

// NewLine computes subtotal, tax and total rounded half-up to cents.
func NewLine(productID uuid.UUID, qty int, unitPrice, taxRate decimal.Decimal) Line {
	subtotal := unitPrice.Mul(decimal.NewFromInt(int64(qty))).Round(2)
	tax := subtotal.Mul(taxRate).Div(hundred).Round(2)
	return Line{
		ProductID: productID,
		Quantity:  qty,
		UnitPrice: unitPrice,
		TaxRate:   taxRate,
		Subtotal:  subtotal,
		Tax:       tax,
		Total:     subtotal.Add(tax),
	}
}

// PaymentSnapshot is the invoice's copy of an allocated payment.
type PaymentSnapshot struct {
	PaymentID  uuid.UUID       `json:"payment_id"`
	Method     string          `json:"method"`
	Status     string          `json:"status"`
	Amount     decimal.Decimal `json:"amount"`
	ReceivedAt time.Time       `json:"received_at"`
}

// Totals are always recomputed from lines and payments.
type Totals struct {
	Subtotal   decimal.Decimal `json:"subtotal"`
	Tax        decimal.Decimal `json:"tax"`
	Total      decimal.Decimal `json:"total"`
	AmountPaid decimal.Decimal `json:"amount_paid"`
	BalanceDue decimal.Decimal `json:"balance_due"`
}

// ComputeTotals sums line values; nothing is paid yet.
func ComputeTotals(lines []Line) Totals {
	t := Totals{Subtotal: decimal.Zero, Tax: decimal.Zero, AmountPaid: decimal.Zero}
	for _, l := range lines {
		t.Subtotal = t.Subtotal.Add(l.Subtotal)
		t.Tax = t.Tax.Add(l.Tax)
	}
	t.Total = t.Subtotal.Add(t.Tax)
	t.BalanceDue = t.Total
	return t
}

// Invoice aggregates one scope's chargeable activity for a period.
type Invoice struct {
	ID          uuid.UUID         `json:"id"`
	Number      string            `json:"number"`
	BranchID    uuid.UUID         `json:"branch_id"`
	CustomerID  uuid.UUID         `json:"customer_id"`
	AddressID   uuid.UUID         `json:"address_id"`
	Currency    string            `json:"currency"`
	PeriodYear  int               `json:"period_year"`
	PeriodMonth int               `json:"period_month"`
	PeriodKey   string            `json:"period_key"`
	PeriodStart time.Time         `json:"period_start"`
	PeriodEnd   time.Time         `json:"period_end"`
	Status      Status            `json:"status"`
	IssueDate   time.Time         `json:"issue_date"`
	DueDate     time.Time         `json:"due_date"`
	Lines       []Line            `json:"lines"`
	Payments    []PaymentSnapshot `json:"payments"`
	Totals      Totals            `json:"totals"`
	Active      bool              `json:"active"`
	CreatedBy   *uuid.UUID        `json:"created_by,omitempty"`
	UpdatedBy   *uuid.UUID        `json:"updated_by,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
	UpdatedAt   time.Time         `json:"updated_at"`
}

// ScopeKey returns the invoice's idempotency key.
func (i Invoice) ScopeKey() string {
	return ScopeKey(i.CustomerID, i.AddressID, i.PeriodKey)
}

// Skip reports a scope that produced no invoice without failing.
type Skip struct {
	ScopeKey string `json:"scope_key"`
	Reason   string `json:"reason"`
}

// Skip reasons.
const (
	SkipAlreadyInvoiced = "already-invoiced"
	SkipNothingToBill   = "nothing-to-bill"
)

// Failure reports a scope that could not be invoiced.
type Failure struct {
	ScopeKey string `json:"scope_key"`
	Err      error  `json:"-"`
}

func (f Failure) Error() string {
	if f.Err == nil {
		return ""
	}
	return f.Err.Error()
}

// Result of a generation run.
type Result struct {
	Created  []Invoice `json:"created"`
	Skipped  []Skip    `json:"skipped"`
	Failures []Failure `json:"failures"`
}

// Request selects the period and optionally one customer.
type Request struct {
	Period     Period
	CustomerID *uuid.UUID
	Actor      shared.Actor
}
