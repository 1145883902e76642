package shared

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
)

// NotifyMethod identifies a communication channel.
type NotifyMethod string

const (
	NotifyEmail NotifyMethod = "EMAIL"
	NotifySMS   NotifyMethod = "SMS"
)

// ErrNoProvider indicates no provider is registered for a method.
var ErrNoProvider = errors.New("notification provider not registered")

// Message is a single outbound notification.
type Message struct {
	To      string
	Subject string
	Body    string
}

// Provider delivers messages over one channel.
type Provider interface {
	Send(ctx context.Context, msg Message) error
}

// ProviderFunc adapts a function to Provider.
type ProviderFunc func(ctx context.Context, msg Message) error

// Send implements Provider.
func (f ProviderFunc) Send(ctx context.Context, msg Message) error {
	return f(ctx, msg)
}

// ProviderRegistry maps methods to providers. It is built once and handed to
// the components that send notifications; there is no package-level registry.
type ProviderRegistry struct {
	providers map[NotifyMethod]Provider
}

// NewProviderRegistry copies the supplied providers, ignoring nil entries.
func NewProviderRegistry(providers map[NotifyMethod]Provider) *ProviderRegistry {
	reg := &ProviderRegistry{providers: make(map[NotifyMethod]Provider, len(providers))}
	for method, p := range providers {
		if p != nil {
			reg.providers[method] = p
		}
	}
	return reg
}

// Send dispatches msg through the provider registered for method.
func (r *ProviderRegistry) Send(ctx context.Context, method NotifyMethod, msg Message) error {
	if r == nil {
		return ErrNoProvider
	}
	p, ok := r.providers[method]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoProvider, method)
	}
	return p.Send(ctx, msg)
}

// Methods lists registered methods in stable order.
func (r *ProviderRegistry) Methods() []NotifyMethod {
	if r == nil {
		return nil
	}
	out := make([]NotifyMethod, 0, len(r.providers))
	for m := range r.providers {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// LogProvider writes messages to the logger instead of an external gateway.
func LogProvider(logger *slog.Logger, method NotifyMethod) Provider {
	if logger == nil {
		logger = slog.Default()
	}
	return ProviderFunc(func(ctx context.Context, msg Message) error {
		logger.InfoContext(ctx, "notification dispatched",
			slog.String("method", string(method)),
			slog.String("to", msg.To),
			slog.String("subject", msg.Subject))
		return nil
	})
}
