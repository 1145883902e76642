package invoices

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/aquaflow/aquaflow/internal/shared"
)

var (
	// ErrNotFound indicates the invoice does not exist.
	ErrNotFound = fmt.Errorf("invoice: %w", shared.ErrNotFound)
	// ErrVoided is returned when changing a voided invoice.
	ErrVoided = fmt.Errorf("invoice is voided: %w", shared.ErrConflict)
	// ErrHasPayments blocks voiding while payments are still allocated.
	ErrHasPayments = errors.New("invoice has allocated payments; detach them first")
)

// RepositoryPort defines invoice reads and locked updates.
type RepositoryPort interface {
	Get(ctx context.Context, id uuid.UUID) (*Invoice, error)
	Mutate(ctx context.Context, id uuid.UUID, fn func(*Invoice) error) (*Invoice, error)
}

// Service exposes manual invoice operations.
type Service struct {
	repo  RepositoryPort
	clock func() time.Time
}

// NewService builds Service instance.
func NewService(repo RepositoryPort) *Service {
	return &Service{repo: repo, clock: func() time.Time { return time.Now().UTC() }}
}

// Get returns one invoice.
func (s *Service) Get(ctx context.Context, id uuid.UUID) (*Invoice, error) {
	return s.repo.Get(ctx, id)
}

// Void moves the invoice to VOIDED and releases its scope key so the period
// can be invoiced again.
func (s *Service) Void(ctx context.Context, id uuid.UUID, actor shared.Actor) (*Invoice, error) {
	now := s.clock()
	return s.repo.Mutate(ctx, id, func(inv *Invoice) error {
		return inv.Void(actor, now)
	})
}

// Void applies the one-way VOIDED transition.
func (i *Invoice) Void(actor shared.Actor, now time.Time) error {
	if i.Status == StatusVoided {
		return ErrVoided
	}
	if len(i.Payments) > 0 {
		return fmt.Errorf("%w: %w", shared.ErrConflict, ErrHasPayments)
	}
	i.Status = StatusVoided
	i.Active = false
	i.UpdatedBy = actor.StampID()
	i.UpdatedAt = now
	return nil
}
