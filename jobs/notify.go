package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/hibiken/asynq"

	jobmetrics "github.com/aquaflow/aquaflow/internal/jobs"
	"github.com/aquaflow/aquaflow/internal/shared"
)

// NotifyJob delivers notifications through an explicit provider registry.
type NotifyJob struct {
	Registry *shared.ProviderRegistry
	Logger   *slog.Logger
	Metrics  *jobmetrics.Metrics
}

// NewNotifyJob constructs the notification handler.
func NewNotifyJob(registry *shared.ProviderRegistry, logger *slog.Logger, metrics *jobmetrics.Metrics) *NotifyJob {
	if logger == nil {
		logger = slog.Default()
	}
	return &NotifyJob{Registry: registry, Logger: logger, Metrics: metrics}
}

// Handle sends one message. An unknown method is not retried.
func (j *NotifyJob) Handle(ctx context.Context, t *asynq.Task) (err error) {
	var payload NotifyPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return fmt.Errorf("notify job: %v: %w", err, asynq.SkipRetry)
	}
	if payload.To == "" {
		return fmt.Errorf("notify job: empty recipient: %w", asynq.SkipRetry)
	}
	tracker := j.Metrics.Track(TaskNotify)
	defer func() {
		err = tracker.End(err)
	}()

	msg := shared.Message{To: payload.To, Subject: payload.Subject, Body: payload.Body}
	err = j.Registry.Send(ctx, shared.NotifyMethod(payload.Method), msg)
	if errors.Is(err, shared.ErrNoProvider) {
		j.Logger.Warn("notification dropped", slog.String("method", payload.Method), slog.Any("error", err))
		return fmt.Errorf("notify job: %w: %w", err, asynq.SkipRetry)
	}
	return err
}
