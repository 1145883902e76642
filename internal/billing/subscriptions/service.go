package subscriptions

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/aquaflow/aquaflow/internal/billing/catalog"
	"github.com/aquaflow/aquaflow/internal/billing/pricing"
	"github.com/aquaflow/aquaflow/internal/billing/recurrence"
	"github.com/aquaflow/aquaflow/internal/shared"
)

var (
	// ErrNotFound indicates the subscription does not exist.
	ErrNotFound = fmt.Errorf("subscription: %w", shared.ErrNotFound)
	// ErrTerminal is returned when changing a cancelled subscription.
	ErrTerminal = fmt.Errorf("subscription is cancelled: %w", shared.ErrConflict)
	// ErrInvalidTransition rejects unsupported status changes.
	ErrInvalidTransition = fmt.Errorf("invalid subscription status transition: %w", shared.ErrValidation)
)

// RepositoryPort defines data access for subscriptions.
type RepositoryPort interface {
	Create(ctx context.Context, sub Subscription) error
	Get(ctx context.Context, id uuid.UUID) (Subscription, error)
	ListActive(ctx context.Context) ([]Subscription, error)
	ListActiveForCustomer(ctx context.Context, customerID uuid.UUID) ([]Subscription, error)
	UpdateStatus(ctx context.Context, id uuid.UUID, status Status, actor shared.Actor) error
	SetNextRun(ctx context.Context, id uuid.UUID, next *time.Time) error
}

// PriceResolver prices items that arrive without a captured price.
type PriceResolver interface {
	Resolve(ctx context.Context, q pricing.Query) (pricing.Resolution, bool, error)
}

// Service handles subscription lifecycle.
type Service struct {
	repo     RepositoryPort
	prices   PriceResolver
	catalog  catalog.Lookup
	validate *validator.Validate
	clock    func() time.Time
}

// NewService builds Service instance.
func NewService(repo RepositoryPort, prices PriceResolver, lookup catalog.Lookup) *Service {
	return &Service{
		repo:     repo,
		prices:   prices,
		catalog:  lookup,
		validate: validator.New(),
		clock:    func() time.Time { return time.Now().UTC() },
	}
}

// Create validates the input, captures item prices and stores an ACTIVE
// subscription whose next run is its first occurrence.
func (s *Service) Create(ctx context.Context, in CreateInput, actor shared.Actor) (*Subscription, error) {
	if err := s.validate.Struct(in); err != nil {
		return nil, toValidationError(err)
	}
	if err := pricing.ValidateCurrency(in.Currency); err != nil {
		return nil, err
	}
	weekdays, err := recurrence.ParseWeekdays(in.ByWeekday)
	if err != nil {
		return nil, err
	}
	rule := recurrence.Rule{
		Frequency: recurrence.Frequency(in.Frequency),
		Interval:  in.Interval,
		ByWeekday: weekdays,
	}
	if err := rule.Validate(); err != nil {
		return nil, err
	}

	anchor := recurrence.NormalizeDate(in.AnchorDate)
	items := make([]Item, 0, len(in.Items))
	for _, it := range in.Items {
		item := Item{
			ProductID:     it.ProductID,
			Quantity:      it.Quantity,
			UnitPrice:     it.UnitPrice,
			BillingPeriod: pricing.BillingPeriod(it.BillingPeriod),
		}
		if item.UnitPrice == nil || item.BillingPeriod == "" {
			if err := s.capturePrice(ctx, in, anchor, &item); err != nil {
				return nil, err
			}
		}
		if item.UnitPrice.IsNegative() {
			return nil, shared.Invalid("items.unit_price", "must be >= 0")
		}
		items = append(items, item)
	}

	now := s.clock()
	sub := Subscription{
		ID:         uuid.New(),
		BranchID:   in.BranchID,
		CustomerID: in.CustomerID,
		AddressID:  in.AddressID,
		Currency:   strings.ToUpper(in.Currency),
		Rule:       rule,
		AnchorDate: anchor,
		Items:      items,
		Status:     StatusActive,
		CreatedBy:  actor.StampID(),
		UpdatedBy:  actor.StampID(),
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if next, ok := recurrence.NextOccurrence(rule, anchor, anchor); ok {
		sub.NextRunAt = &next
	}
	if err := s.repo.Create(ctx, sub); err != nil {
		return nil, fmt.Errorf("subscriptions: create: %w", err)
	}
	return &sub, nil
}

func (s *Service) capturePrice(ctx context.Context, in CreateInput, anchor time.Time, item *Item) error {
	customer := in.CustomerID
	res, found, err := s.prices.Resolve(ctx, pricing.Query{
		BranchID:   in.BranchID,
		ProductID:  item.ProductID,
		Quantity:   item.Quantity,
		CustomerID: &customer,
		AsOf:       anchor,
	})
	if err != nil {
		return err
	}
	if found {
		if item.UnitPrice == nil {
			price := res.UnitPrice
			item.UnitPrice = &price
		}
		if item.BillingPeriod == "" {
			item.BillingPeriod = res.BillingPeriod
		}
		return nil
	}
	if item.BillingPeriod == "" {
		item.BillingPeriod = pricing.PerDelivery
	}
	if item.UnitPrice != nil {
		return nil
	}
	product, err := s.catalog.Product(ctx, item.ProductID)
	if err != nil {
		return err
	}
	price := catalog.FallbackPrice(product)
	item.UnitPrice = &price
	return nil
}

// SetStatus pauses, resumes or cancels a subscription.
func (s *Service) SetStatus(ctx context.Context, id uuid.UUID, target Status, actor shared.Actor) error {
	sub, err := s.repo.Get(ctx, id)
	if err != nil {
		return err
	}
	if err := ValidateTransition(sub.Status, target); err != nil {
		return err
	}
	if sub.Status == target {
		return nil
	}
	return s.repo.UpdateStatus(ctx, id, target, actor)
}

// ValidateTransition allows ACTIVE<->PAUSED and anything to CANCELLED.
func ValidateTransition(current, target Status) error {
	if current == StatusCancelled {
		if target == StatusCancelled {
			return nil
		}
		return ErrTerminal
	}
	switch target {
	case StatusActive, StatusPaused, StatusCancelled:
		return nil
	}
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, current, target)
}

// AdvanceNextRun moves next_run_at past ranOn. Cancelled subscriptions have
// their next run cleared.
func (s *Service) AdvanceNextRun(ctx context.Context, id uuid.UUID, ranOn time.Time) error {
	sub, err := s.repo.Get(ctx, id)
	if err != nil {
		return err
	}
	if sub.Status == StatusCancelled {
		return s.repo.SetNextRun(ctx, id, nil)
	}
	from := recurrence.NormalizeDate(ranOn).AddDate(0, 0, 1)
	next, ok := recurrence.NextOccurrence(sub.Rule, sub.AnchorDate, from)
	if !ok {
		return s.repo.SetNextRun(ctx, id, nil)
	}
	return s.repo.SetNextRun(ctx, id, &next)
}

// Get returns one subscription.
func (s *Service) Get(ctx context.Context, id uuid.UUID) (*Subscription, error) {
	sub, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return &sub, nil
}

func toValidationError(err error) error {
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		fe := verrs[0]
		return shared.Invalid(strings.ToLower(fe.Field()), fmt.Sprintf("failed %q", fe.Tag()))
	}
	return shared.Invalid("", err.Error())
}
