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

	"github.com/aquaflow/aquaflow/internal/billing/orders"
	jobmetrics "github.com/aquaflow/aquaflow/internal/jobs"
	"github.com/aquaflow/aquaflow/internal/shared"
)

// OrderRunner generates subscription orders for a day.
type OrderRunner interface {
	GenerateForDate(ctx context.Context, date time.Time, actor shared.Actor) (orders.Result, error)
}

// NextRunAdvancer moves a subscription's next_run_at forward.
type NextRunAdvancer interface {
	AdvanceNextRun(ctx context.Context, id uuid.UUID, ranOn time.Time) error
}

// Locker guards a batch run against concurrent workers.
type Locker interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (func(context.Context) error, error)
}

// OrdersJob runs the daily order generation.
type OrdersJob struct {
	Runner  OrderRunner
	Subs    NextRunAdvancer
	Lock    Locker
	LockTTL time.Duration
	Logger  *slog.Logger
	Metrics *jobmetrics.Metrics
	clock   func() time.Time
}

// NewOrdersJob initialises the order generation handler.
func NewOrdersJob(runner OrderRunner, subs NextRunAdvancer, lock Locker, lockTTL time.Duration, logger *slog.Logger, metrics *jobmetrics.Metrics) *OrdersJob {
	return &OrdersJob{
		Runner:  runner,
		Subs:    subs,
		Lock:    lock,
		LockTTL: lockTTL,
		Logger:  logger,
		Metrics: metrics,
		clock: func() time.Time {
			return time.Now().UTC()
		},
	}
}

// Handle executes one order run.
func (j *OrdersJob) Handle(ctx context.Context, t *asynq.Task) (err error) {
	if j == nil || j.Runner == nil {
		return errors.New("orders job: handler not configured")
	}
	var payload OrdersPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return fmt.Errorf("orders job: %v: %w", err, asynq.SkipRetry)
	}
	date := j.clock()
	if payload.Date != "" {
		date, err = time.Parse(time.DateOnly, payload.Date)
		if err != nil {
			return fmt.Errorf("orders job: bad date %q: %w", payload.Date, asynq.SkipRetry)
		}
	}
	date = time.Date(date.Year(), date.Month(), date.Day(), 0, 0, 0, 0, time.UTC)

	logger := j.logger().With(slog.String("date", date.Format(time.DateOnly)))
	release, err := acquire(ctx, j.Lock, shared.OrderRunLockKey(date), j.LockTTL)
	if errors.Is(err, shared.ErrLockHeld) {
		logger.Info("order run already in progress")
		return nil
	}
	if err != nil {
		return err
	}
	defer releaseLock(ctx, release, logger)

	tracker := j.Metrics.Track(TaskOrdersGenerate)
	defer func() {
		err = tracker.End(err)
	}()

	logger.Info("starting order run")
	result, err := j.Runner.GenerateForDate(ctx, date, shared.SystemActor)
	if err != nil {
		logger.Error("order run failed", slog.Any("error", err))
		return err
	}

	ran := make([]uuid.UUID, 0, len(result.Created)+len(result.Skipped))
	for _, o := range result.Created {
		if o.SubscriptionID != nil {
			ran = append(ran, *o.SubscriptionID)
		}
	}
	// A skipped subscription already has its order; a previous run may have
	// stopped before advancing it.
	for _, s := range result.Skipped {
		ran = append(ran, s.SubscriptionID)
	}
	advanced := 0
	if j.Subs != nil {
		for _, id := range ran {
			if aerr := j.Subs.AdvanceNextRun(ctx, id, date); aerr != nil {
				logger.Warn("advance next run", slog.String("subscription_id", id.String()), slog.Any("error", aerr))
				continue
			}
			advanced++
		}
	}
	j.Metrics.AddScopes(TaskOrdersGenerate, len(result.Created), len(result.Skipped), len(result.Failures))
	logger.Info("completed order run",
		slog.Int("created", len(result.Created)),
		slog.Int("skipped", len(result.Skipped)),
		slog.Int("failed", len(result.Failures)),
		slog.Int("advanced", advanced))
	return nil
}

func (j *OrdersJob) logger() *slog.Logger {
	if j.Logger == nil {
		return slog.Default()
	}
	return j.Logger
}

func acquire(ctx context.Context, lock Locker, key string, ttl time.Duration) (func(context.Context) error, error) {
	if lock == nil {
		return func(context.Context) error { return nil }, nil
	}
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}
	return lock.Acquire(ctx, key, ttl)
}

func releaseLock(ctx context.Context, release func(context.Context) error, logger *slog.Logger) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := release(ctx); err != nil {
		logger.Warn("release run lock", slog.Any("error", err))
	}
}
