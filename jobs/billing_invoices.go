package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"

	"github.com/aquaflow/aquaflow/internal/billing/catalog"
	"github.com/aquaflow/aquaflow/internal/billing/invoices"
	jobmetrics "github.com/aquaflow/aquaflow/internal/jobs"
	"github.com/aquaflow/aquaflow/internal/shared"
)

// InvoiceRunner issues invoices for a period.
type InvoiceRunner interface {
	Generate(ctx context.Context, req invoices.Request) (invoices.Result, error)
}

// ContactSource resolves where a customer's invoices are sent.
type ContactSource interface {
	Contact(ctx context.Context, customerID uuid.UUID) (catalog.Contact, error)
}

// NotifyEnqueuer queues outbound notifications.
type NotifyEnqueuer interface {
	EnqueueNotify(ctx context.Context, payload NotifyPayload) (*asynq.TaskInfo, error)
}

// InvoicesJob runs the monthly invoice generation.
type InvoicesJob struct {
	Runner   InvoiceRunner
	Contacts ContactSource
	Notify   NotifyEnqueuer
	Lock     Locker
	LockTTL  time.Duration
	Logger   *slog.Logger
	Metrics  *jobmetrics.Metrics
	clock    func() time.Time
}

// NewInvoicesJob initialises the invoice generation handler.
func NewInvoicesJob(runner InvoiceRunner, contacts ContactSource, notify NotifyEnqueuer, lock Locker, lockTTL time.Duration, logger *slog.Logger, metrics *jobmetrics.Metrics) *InvoicesJob {
	return &InvoicesJob{
		Runner:   runner,
		Contacts: contacts,
		Notify:   notify,
		Lock:     lock,
		LockTTL:  lockTTL,
		Logger:   logger,
		Metrics:  metrics,
		clock: func() time.Time {
			return time.Now().UTC()
		},
	}
}

// Handle executes one invoice run.
func (j *InvoicesJob) Handle(ctx context.Context, t *asynq.Task) (err error) {
	if j == nil || j.Runner == nil {
		return errors.New("invoices job: handler not configured")
	}
	var payload InvoicesPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return fmt.Errorf("invoices job: %v: %w", err, asynq.SkipRetry)
	}
	period := invoices.PreviousMonth(j.clock())
	if payload.Period != "" {
		period, err = invoices.ParseMonth(payload.Period)
		if err != nil {
			return fmt.Errorf("invoices job: %v: %w", err, asynq.SkipRetry)
		}
	}
	var customerID *uuid.UUID
	if payload.CustomerID != "" {
		id, perr := uuid.Parse(payload.CustomerID)
		if perr != nil {
			return fmt.Errorf("invoices job: bad customer_id: %w", asynq.SkipRetry)
		}
		customerID = &id
	}

	logger := j.logger().With(slog.String("period", period.Key()))
	release, err := acquire(ctx, j.Lock, shared.InvoiceRunLockKey(period.Key()), j.LockTTL)
	if errors.Is(err, shared.ErrLockHeld) {
		logger.Info("invoice run already in progress")
		return nil
	}
	if err != nil {
		return err
	}
	defer releaseLock(ctx, release, logger)

	tracker := j.Metrics.Track(TaskInvoicesGenerate)
	defer func() {
		err = tracker.End(err)
	}()

	logger.Info("starting invoice run")
	result, err := j.Runner.Generate(ctx, invoices.Request{Period: period, CustomerID: customerID, Actor: shared.SystemActor})
	if err != nil {
		logger.Error("invoice run failed", slog.Any("error", err))
		return err
	}

	queued := 0
	for _, inv := range result.Created {
		if j.notify(ctx, logger, inv) {
			queued++
		}
	}
	j.Metrics.AddScopes(TaskInvoicesGenerate, len(result.Created), len(result.Skipped), len(result.Failures))
	logger.Info("completed invoice run",
		slog.Int("created", len(result.Created)),
		slog.Int("skipped", len(result.Skipped)),
		slog.Int("failed", len(result.Failures)),
		slog.Int("notifications", queued))
	return nil
}

// notify queues the issue notice for one invoice. Delivery problems never
// fail the run; the invoice already exists.
func (j *InvoicesJob) notify(ctx context.Context, logger *slog.Logger, inv invoices.Invoice) bool {
	if j.Notify == nil || j.Contacts == nil {
		return false
	}
	logger = logger.With(slog.String("invoice", inv.Number))
	contact, err := j.Contacts.Contact(ctx, inv.CustomerID)
	if err != nil {
		logger.Warn("lookup contact", slog.Any("error", err))
		return false
	}
	payload, ok := InvoiceNotice(inv, contact)
	if !ok {
		logger.Info("customer has no contact address")
		return false
	}
	if _, err := j.Notify.EnqueueNotify(ctx, payload); err != nil {
		logger.Warn("enqueue notification", slog.Any("error", err))
		return false
	}
	return true
}

// InvoiceNotice builds the issue notice, preferring email over SMS.
func InvoiceNotice(inv invoices.Invoice, contact catalog.Contact) (NotifyPayload, bool) {
	subject := fmt.Sprintf("Invoice %s", inv.Number)
	body := fmt.Sprintf("Invoice %s for %s: %s %s due %s.",
		inv.Number, inv.PeriodKey, inv.Currency, inv.Totals.BalanceDue.StringFixed(2), inv.DueDate.Format(time.DateOnly))
	switch {
	case contact.Email != "":
		return NotifyPayload{Method: string(shared.NotifyEmail), To: contact.Email, Subject: subject, Body: body}, true
	case contact.Phone != "":
		return NotifyPayload{Method: string(shared.NotifySMS), To: contact.Phone, Subject: subject, Body: body}, true
	}
	return NotifyPayload{}, false
}

func (j *InvoicesJob) logger() *slog.Logger {
	if j.Logger == nil {
		return slog.Default()
	}
	return j.Logger
}
