package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aquaflow/aquaflow/internal/billing/catalog"
	"github.com/aquaflow/aquaflow/internal/billing/invoices"
	"github.com/aquaflow/aquaflow/internal/billing/orders"
	jobmetrics "github.com/aquaflow/aquaflow/internal/jobs"
	"github.com/aquaflow/aquaflow/internal/shared"
)

type orderRunner struct {
	dates  []time.Time
	result orders.Result
	err    error
}

func (r *orderRunner) GenerateForDate(ctx context.Context, date time.Time, actor shared.Actor) (orders.Result, error) {
	r.dates = append(r.dates, date)
	return r.result, r.err
}

type advancer struct {
	ids []uuid.UUID
}

func (a *advancer) AdvanceNextRun(ctx context.Context, id uuid.UUID, ranOn time.Time) error {
	a.ids = append(a.ids, id)
	return nil
}

type invoiceRunner struct {
	reqs   []invoices.Request
	result invoices.Result
}

func (r *invoiceRunner) Generate(ctx context.Context, req invoices.Request) (invoices.Result, error) {
	r.reqs = append(r.reqs, req)
	return r.result, nil
}

type contacts map[uuid.UUID]catalog.Contact

func (c contacts) Contact(ctx context.Context, id uuid.UUID) (catalog.Contact, error) {
	contact, ok := c[id]
	if !ok {
		return catalog.Contact{}, catalog.ErrNotFound
	}
	return contact, nil
}

type queue struct {
	mu   sync.Mutex
	sent []NotifyPayload
}

func (q *queue) EnqueueNotify(ctx context.Context, p NotifyPayload) (*asynq.TaskInfo, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.sent = append(q.sent, p)
	return &asynq.TaskInfo{}, nil
}

func newRunLock(t *testing.T) (*shared.RunLock, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return shared.NewRunLock(client), mr
}

func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

func TestOrdersJobRunsAndAdvancesSubscriptions(t *testing.T) {
	lock, mr := newRunLock(t)
	subID := uuid.New()
	runner := &orderRunner{result: orders.Result{
		Created:  []orders.Order{{SubscriptionID: &subID}, {}},
		Failures: []orders.Failure{{SubscriptionID: uuid.New(), Err: errors.New("boom")}},
	}}
	adv := &advancer{}
	metrics := jobmetrics.NewMetrics(prometheus.NewRegistry())
	job := NewOrdersJob(runner, adv, lock, time.Minute, nil, metrics)

	task, err := NewOrdersTask("2024-05-01")
	require.NoError(t, err)
	require.NoError(t, job.Handle(context.Background(), task))

	require.Len(t, runner.dates, 1)
	assert.Equal(t, time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC), runner.dates[0])
	assert.Equal(t, []uuid.UUID{subID}, adv.ids)
	assert.False(t, mr.Exists("billing:run:orders:2024-05-01"), "lock released after run")
}

func TestOrdersJobAdvancesSkippedSubscriptions(t *testing.T) {
	created, skipped := uuid.New(), uuid.New()
	runner := &orderRunner{result: orders.Result{
		Created: []orders.Order{{SubscriptionID: &created}},
		Skipped: []orders.Skip{{SubscriptionID: skipped, Reason: orders.SkipAlreadyGenerated}},
	}}
	adv := &advancer{}
	job := NewOrdersJob(runner, adv, nil, 0, nil, jobmetrics.NewMetrics(prometheus.NewRegistry()))

	task, err := NewOrdersTask("2024-05-01")
	require.NoError(t, err)
	require.NoError(t, job.Handle(context.Background(), task))
	assert.Equal(t, []uuid.UUID{created, skipped}, adv.ids)
}

func TestOrdersJobDefaultsToToday(t *testing.T) {
	runner := &orderRunner{}
	job := NewOrdersJob(runner, nil, nil, 0, nil, nil)
	job.clock = fixedClock(time.Date(2024, 6, 3, 22, 15, 0, 0, time.UTC))

	task, err := NewOrdersTask("")
	require.NoError(t, err)
	require.NoError(t, job.Handle(context.Background(), task))
	assert.Equal(t, time.Date(2024, 6, 3, 0, 0, 0, 0, time.UTC), runner.dates[0])
}

func TestOrdersJobSkipsWhenLockHeld(t *testing.T) {
	lock, mr := newRunLock(t)
	require.NoError(t, mr.Set("billing:run:orders:2024-05-01", "other-worker"))
	runner := &orderRunner{}
	job := NewOrdersJob(runner, nil, lock, time.Minute, nil, nil)

	task, err := NewOrdersTask("2024-05-01")
	require.NoError(t, err)
	require.NoError(t, job.Handle(context.Background(), task))
	assert.Empty(t, runner.dates)
	got, err := mr.Get("billing:run:orders:2024-05-01")
	require.NoError(t, err)
	assert.Equal(t, "other-worker", got)
}

func TestOrdersJobRejectsBadPayload(t *testing.T) {
	job := NewOrdersJob(&orderRunner{}, nil, nil, 0, nil, nil)
	err := job.Handle(context.Background(), asynq.NewTask(TaskOrdersGenerate, []byte(`{"date":"05/01/2024"}`)))
	require.ErrorIs(t, err, asynq.SkipRetry)
}

func TestOrdersJobReturnsRunError(t *testing.T) {
	runner := &orderRunner{err: shared.Dependency(errors.New("db down"))}
	job := NewOrdersJob(runner, nil, nil, 0, nil, nil)
	task, err := NewOrdersTask("2024-05-01")
	require.NoError(t, err)
	require.ErrorIs(t, job.Handle(context.Background(), task), shared.ErrDependency)
}

func TestInvoicesJobQueuesNotices(t *testing.T) {
	withEmail, withPhone, silent := uuid.New(), uuid.New(), uuid.New()
	created := []invoices.Invoice{
		{Number: "INV-JKT-202404-00001", CustomerID: withEmail, Currency: "IDR", PeriodKey: "2024-04",
			Totals: invoices.Totals{BalanceDue: decimal.RequireFromString("140")}, DueDate: time.Date(2024, 5, 31, 0, 0, 0, 0, time.UTC)},
		{Number: "INV-JKT-202404-00002", CustomerID: withPhone},
		{Number: "INV-JKT-202404-00003", CustomerID: silent},
		{Number: "INV-JKT-202404-00004", CustomerID: uuid.New()},
	}
	runner := &invoiceRunner{result: invoices.Result{Created: created, Skipped: []invoices.Skip{{ScopeKey: "x", Reason: invoices.SkipAlreadyInvoiced}}}}
	q := &queue{}
	book := contacts{
		withEmail: {Email: "a@example.com", Phone: "0811"},
		withPhone: {Phone: "0812"},
		silent:    {},
	}
	lock, _ := newRunLock(t)
	job := NewInvoicesJob(runner, book, q, lock, time.Minute, nil, nil)
	job.clock = fixedClock(time.Date(2024, 5, 1, 4, 0, 0, 0, time.UTC))

	task, err := NewInvoicesTask("")
	require.NoError(t, err)
	require.NoError(t, job.Handle(context.Background(), task))

	require.Len(t, runner.reqs, 1)
	assert.Equal(t, "2024-04", runner.reqs[0].Period.Key())
	require.Len(t, q.sent, 2)
	assert.Equal(t, NotifyPayload{
		Method:  "EMAIL",
		To:      "a@example.com",
		Subject: "Invoice INV-JKT-202404-00001",
		Body:    "Invoice INV-JKT-202404-00001 for 2024-04: IDR 140.00 due 2024-05-31.",
	}, q.sent[0])
	assert.Equal(t, "SMS", q.sent[1].Method)
	assert.Equal(t, "0812", q.sent[1].To)
}

func TestInvoicesJobExplicitPeriodAndCustomer(t *testing.T) {
	runner := &invoiceRunner{}
	job := NewInvoicesJob(runner, nil, nil, nil, 0, nil, nil)
	customer := uuid.New()
	data, err := json.Marshal(InvoicesPayload{Period: "2024-02", CustomerID: customer.String()})
	require.NoError(t, err)

	require.NoError(t, job.Handle(context.Background(), asynq.NewTask(TaskInvoicesGenerate, data)))
	require.Len(t, runner.reqs, 1)
	assert.Equal(t, time.Date(2024, 2, 29, 0, 0, 0, 0, time.UTC), runner.reqs[0].Period.End)
	require.NotNil(t, runner.reqs[0].CustomerID)
	assert.Equal(t, customer, *runner.reqs[0].CustomerID)

	err = job.Handle(context.Background(), asynq.NewTask(TaskInvoicesGenerate, []byte(`{"period":"2024-13"}`)))
	require.ErrorIs(t, err, asynq.SkipRetry)
}

func TestNotifyJobDispatchesThroughRegistry(t *testing.T) {
	var got []shared.Message
	registry := shared.NewProviderRegistry(map[shared.NotifyMethod]shared.Provider{
		shared.NotifyEmail: shared.ProviderFunc(func(ctx context.Context, msg shared.Message) error {
			got = append(got, msg)
			return nil
		}),
	})
	job := NewNotifyJob(registry, nil, nil)

	task, err := NewNotifyTask(NotifyPayload{Method: "EMAIL", To: "a@example.com", Subject: "s", Body: "b"})
	require.NoError(t, err)
	require.NoError(t, job.Handle(context.Background(), task))
	require.Equal(t, []shared.Message{{To: "a@example.com", Subject: "s", Body: "b"}}, got)

	task, err = NewNotifyTask(NotifyPayload{Method: "SMS", To: "0812"})
	require.NoError(t, err)
	err = job.Handle(context.Background(), task)
	require.ErrorIs(t, err, asynq.SkipRetry)
	require.ErrorIs(t, err, shared.ErrNoProvider)
}

func TestNotifyJobPropagatesProviderErrors(t *testing.T) {
	boom := errors.New("gateway timeout")
	registry := shared.NewProviderRegistry(map[shared.NotifyMethod]shared.Provider{
		shared.NotifySMS: shared.ProviderFunc(func(ctx context.Context, msg shared.Message) error { return boom }),
	})
	job := NewNotifyJob(registry, nil, nil)
	task, err := NewNotifyTask(NotifyPayload{Method: "SMS", To: "0812"})
	require.NoError(t, err)
	err = job.Handle(context.Background(), task)
	require.ErrorIs(t, err, boom)
	require.NotErrorIs(t, err, asynq.SkipRetry)
}

func TestHealthWithoutInspector(t *testing.T) {
	r := chi.NewRouter()
	NewHandler(nil, nil).MountRoutes(r)
	rr := httptest.NewRecorder()
	r.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusOK, rr.Code)
	require.JSONEq(t, `{"queue":"default","pending":0}`, rr.Body.String())
}
