package billing

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/httprate"
	"github.com/google/uuid"

	"github.com/aquaflow/aquaflow/internal/billing/invoices"
	"github.com/aquaflow/aquaflow/internal/billing/orders"
	"github.com/aquaflow/aquaflow/internal/billing/payments"
	"github.com/aquaflow/aquaflow/internal/billing/pricing"
	"github.com/aquaflow/aquaflow/internal/billing/subscriptions"
	"github.com/aquaflow/aquaflow/internal/platform/httpx"
	"github.com/aquaflow/aquaflow/internal/shared"
)

const (
	// ActorHeader carries the caller identity stamped on created records.
	ActorHeader = "X-Actor-ID"
	// IdempotencyHeader deduplicates retried payment submissions.
	IdempotencyHeader = "Idempotency-Key"
)

// Service is the engine contract the handler depends on.
type Service interface {
	GenerateOrdersForDate(ctx context.Context, date time.Time, actor shared.Actor) (orders.Result, error)
	GenerateInvoicesForPeriod(ctx context.Context, start, end time.Time, customerID *uuid.UUID, actor shared.Actor) (invoices.Result, error)
	ResolvePrice(ctx context.Context, q pricing.Query) (pricing.Resolution, bool, error)
	CreatePriceList(ctx context.Context, list pricing.PriceList) (*pricing.PriceList, error)
	AllocatePayment(ctx context.Context, paymentID uuid.UUID, invoiceID *uuid.UUID, actor shared.Actor) (*invoices.Invoice, error)
	RecordPayment(ctx context.Context, in payments.RecordInput, actor shared.Actor) (*payments.Payment, error)
	CreateSubscription(ctx context.Context, in subscriptions.CreateInput, actor shared.Actor) (*subscriptions.Subscription, error)
	SetSubscriptionStatus(ctx context.Context, id uuid.UUID, status subscriptions.Status, actor shared.Actor) error
	GetInvoice(ctx context.Context, id uuid.UUID) (*invoices.Invoice, error)
	VoidInvoice(ctx context.Context, id uuid.UUID, actor shared.Actor) (*invoices.Invoice, error)
}

// Handler serves the billing JSON API.
type Handler struct {
	logger  *slog.Logger
	service Service
	now     func() time.Time
}

// NewHandler constructs the billing HTTP handler.
func NewHandler(logger *slog.Logger, service Service) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{logger: logger, service: service, now: func() time.Time { return time.Now().UTC() }}
}

// MountRoutes registers billing endpoints. Batch generation is rate limited
// per client.
func (h *Handler) MountRoutes(r chi.Router) {
	limiter := httprate.Limit(6, time.Minute,
		httprate.WithKeyFuncs(httprate.KeyByIP),
		httprate.WithLimitHandler(func(w http.ResponseWriter, r *http.Request) {
			httpx.Problem(w, http.StatusTooManyRequests, "Too Many Requests", "")
		}),
	)

	r.Route("/billing", func(r chi.Router) {
		r.Group(func(gr chi.Router) {
			gr.Use(limiter)
			gr.Post("/orders/generate", h.handleGenerateOrders)
			gr.Post("/invoices/generate", h.handleGenerateInvoices)
		})
		r.Get("/prices/resolve", h.handleResolvePrice)
		r.Post("/price-lists", h.handleCreatePriceList)
		r.Post("/payments", h.handleRecordPayment)
		r.Post("/payments/{id}/allocate", h.handleAllocatePayment)
		r.Post("/subscriptions", h.handleCreateSubscription)
		r.Post("/subscriptions/{id}/status", h.handleSubscriptionStatus)
		r.Get("/invoices/{id}", h.handleGetInvoice)
		r.Post("/invoices/{id}/void", h.handleVoidInvoice)
	})
}

type failureView struct {
	SubscriptionID string `json:"subscription_id,omitempty"`
	ScopeKey       string `json:"scope_key,omitempty"`
	Error          string `json:"error"`
}

type orderRunView struct {
	Created  []orders.Order `json:"created"`
	Skipped  []orders.Skip  `json:"skipped"`
	Failures []failureView  `json:"failures"`
}

type invoiceRunView struct {
	Created  []invoices.Invoice `json:"created"`
	Skipped  []invoices.Skip    `json:"skipped"`
	Failures []failureView      `json:"failures"`
}

func (h *Handler) handleGenerateOrders(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Date string `json:"date"`
	}
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	date := h.now()
	if req.Date != "" {
		parsed, err := parseDate("date", req.Date)
		if err != nil {
			httpx.RespondError(w, err)
			return
		}
		date = parsed
	}
	res, err := h.service.GenerateOrdersForDate(r.Context(), date, actorFrom(r))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	view := orderRunView{Created: res.Created, Skipped: res.Skipped, Failures: []failureView{}}
	if view.Created == nil {
		view.Created = []orders.Order{}
	}
	if view.Skipped == nil {
		view.Skipped = []orders.Skip{}
	}
	for _, f := range res.Failures {
		view.Failures = append(view.Failures, failureView{SubscriptionID: f.SubscriptionID.String(), Error: f.Error()})
	}
	httpx.JSON(w, http.StatusOK, view)
}

func (h *Handler) handleGenerateInvoices(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Period      string     `json:"period"`
		PeriodStart string     `json:"period_start"`
		PeriodEnd   string     `json:"period_end"`
		CustomerID  *uuid.UUID `json:"customer_id"`
	}
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	var period invoices.Period
	switch {
	case req.Period != "":
		p, err := invoices.ParseMonth(req.Period)
		if err != nil {
			httpx.RespondError(w, err)
			return
		}
		period = p
	case req.PeriodStart != "" || req.PeriodEnd != "":
		start, err := parseDate("period_start", req.PeriodStart)
		if err != nil {
			httpx.RespondError(w, err)
			return
		}
		end, err := parseDate("period_end", req.PeriodEnd)
		if err != nil {
			httpx.RespondError(w, err)
			return
		}
		period = invoices.Period{Start: start, End: end}
	default:
		now := h.now()
		period = invoices.MonthPeriod(now.Year(), now.Month())
	}

	res, err := h.service.GenerateInvoicesForPeriod(r.Context(), period.Start, period.End, req.CustomerID, actorFrom(r))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	view := invoiceRunView{Created: res.Created, Skipped: res.Skipped, Failures: []failureView{}}
	if view.Created == nil {
		view.Created = []invoices.Invoice{}
	}
	if view.Skipped == nil {
		view.Skipped = []invoices.Skip{}
	}
	for _, f := range res.Failures {
		view.Failures = append(view.Failures, failureView{ScopeKey: f.ScopeKey, Error: f.Error()})
	}
	httpx.JSON(w, http.StatusOK, view)
}

func (h *Handler) handleResolvePrice(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	branchID, err := parseUUID("branch_id", q.Get("branch_id"))
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	productID, err := parseUUID("product_id", q.Get("product_id"))
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	qty, err := strconv.Atoi(q.Get("quantity"))
	if err != nil || qty < 1 {
		httpx.RespondError(w, shared.Invalid("quantity", "must be a positive integer"))
		return
	}
	query := pricing.Query{BranchID: branchID, ProductID: productID, Quantity: qty, AsOf: h.now()}
	if raw := q.Get("customer_id"); raw != "" {
		id, err := parseUUID("customer_id", raw)
		if err != nil {
			httpx.RespondError(w, err)
			return
		}
		query.CustomerID = &id
	}
	if raw := q.Get("as_of"); raw != "" {
		asOf, err := parseDate("as_of", raw)
		if err != nil {
			httpx.RespondError(w, err)
			return
		}
		query.AsOf = asOf
	}

	res, found, err := h.service.ResolvePrice(r.Context(), query)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if !found {
		httpx.Problem(w, http.StatusNotFound, "Not Found", "no price list tier matches")
		return
	}
	httpx.JSON(w, http.StatusOK, res)
}

func (h *Handler) handleCreatePriceList(w http.ResponseWriter, r *http.Request) {
	var list pricing.PriceList
	if err := httpx.DecodeJSON(r, &list); err != nil {
		httpx.RespondError(w, err)
		return
	}
	created, err := h.service.CreatePriceList(r.Context(), list)
	if created == nil {
		h.fail(w, r, err)
		return
	}
	if err != nil {
		h.logger.Warn("price cache invalidation failed", slog.Any("error", err))
	}
	httpx.JSON(w, http.StatusCreated, created)
}

func (h *Handler) handleRecordPayment(w http.ResponseWriter, r *http.Request) {
	var in payments.RecordInput
	if err := httpx.DecodeJSON(r, &in); err != nil {
		httpx.RespondError(w, err)
		return
	}
	in.IdempotencyKey = r.Header.Get(IdempotencyHeader)
	p, err := h.service.RecordPayment(r.Context(), in, actorFrom(r))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, p)
}

func (h *Handler) handleAllocatePayment(w http.ResponseWriter, r *http.Request) {
	paymentID, err := parseUUID("id", chi.URLParam(r, "id"))
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	var req struct {
		InvoiceID *uuid.UUID `json:"invoice_id"`
	}
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	inv, err := h.service.AllocatePayment(r.Context(), paymentID, req.InvoiceID, actorFrom(r))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, inv)
}

func (h *Handler) handleCreateSubscription(w http.ResponseWriter, r *http.Request) {
	var in subscriptions.CreateInput
	if err := httpx.DecodeJSON(r, &in); err != nil {
		httpx.RespondError(w, err)
		return
	}
	sub, err := h.service.CreateSubscription(r.Context(), in, actorFrom(r))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, sub)
}

func (h *Handler) handleSubscriptionStatus(w http.ResponseWriter, r *http.Request) {
	id, err := parseUUID("id", chi.URLParam(r, "id"))
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	var req struct {
		Status string `json:"status"`
	}
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	status := subscriptions.Status(strings.ToUpper(strings.TrimSpace(req.Status)))
	if err := h.service.SetSubscriptionStatus(r.Context(), id, status, actorFrom(r)); err != nil {
		h.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleGetInvoice(w http.ResponseWriter, r *http.Request) {
	id, err := parseUUID("id", chi.URLParam(r, "id"))
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	inv, err := h.service.GetInvoice(r.Context(), id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, inv)
}

func (h *Handler) handleVoidInvoice(w http.ResponseWriter, r *http.Request) {
	id, err := parseUUID("id", chi.URLParam(r, "id"))
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	inv, err := h.service.VoidInvoice(r.Context(), id, actorFrom(r))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, inv)
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	h.logger.Warn("billing request failed", slog.String("path", r.URL.Path), slog.Any("error", err))
	httpx.RespondError(w, err)
}

func actorFrom(r *http.Request) shared.Actor {
	id, err := uuid.Parse(strings.TrimSpace(r.Header.Get(ActorHeader)))
	if err != nil {
		return shared.SystemActor
	}
	return shared.Actor{ID: id}
}

func parseUUID(field, raw string) (uuid.UUID, error) {
	id, err := uuid.Parse(strings.TrimSpace(raw))
	if err != nil {
		return uuid.Nil, shared.Invalid(field, "must be a UUID")
	}
	return id, nil
}

func parseDate(field, raw string) (time.Time, error) {
	t, err := time.Parse(time.DateOnly, strings.TrimSpace(raw))
	if err != nil {
		return time.Time{}, shared.Invalid(field, "expected YYYY-MM-DD")
	}
	return t, nil
}
