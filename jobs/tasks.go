package jobs

import (
	"encoding/json"

	"github.com/hibiken/asynq"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// QueueNotify carries outbound customer notifications.
	QueueNotify = "notify"

	// TaskOrdersGenerate creates the day's subscription orders.
	TaskOrdersGenerate = "billing:orders:generate"
	// TaskInvoicesGenerate issues invoices for a billing period.
	TaskInvoicesGenerate = "billing:invoices:generate"
	// TaskNotify sends one notification through the provider registry.
	TaskNotify = "billing:notify"
)

// OrdersPayload selects the delivery date; empty means today (UTC).
type OrdersPayload struct {
	Date string `json:"date,omitempty"`
}

// InvoicesPayload selects the period as YYYY-MM; empty means the previous month.
type InvoicesPayload struct {
	Period     string `json:"period,omitempty"`
	CustomerID string `json:"customer_id,omitempty"`
}

// NotifyPayload describes one outbound message.
type NotifyPayload struct {
	Method  string `json:"method"`
	To      string `json:"to"`
	Subject string `json:"subject"`
	Body    string `json:"body"`
}

// NewOrdersTask constructs a billing:orders:generate task.
func NewOrdersTask(date string) (*asynq.Task, error) {
	return newTask(TaskOrdersGenerate, OrdersPayload{Date: date})
}

// NewInvoicesTask constructs a billing:invoices:generate task.
func NewInvoicesTask(period string) (*asynq.Task, error) {
	return newTask(TaskInvoicesGenerate, InvoicesPayload{Period: period})
}

// NewNotifyTask constructs a billing:notify task.
func NewNotifyTask(payload NotifyPayload) (*asynq.Task, error) {
	return newTask(TaskNotify, payload)
}

func newTask(typ string, payload any) (*asynq.Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(typ, data), nil
}
