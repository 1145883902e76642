package shared

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ErrLockHeld is returned when another run owns the key.
var ErrLockHeld = errors.New("run lock held")

// OrderRunLockKey builds the redis key guarding a daily order run.
func OrderRunLockKey(date time.Time) string {
	return fmt.Sprintf("billing:run:orders:%s", date.UTC().Format("2006-01-02"))
}

// InvoiceRunLockKey builds the redis key guarding an invoice run for a period.
func InvoiceRunLockKey(periodKey string) string {
	return fmt.Sprintf("billing:run:invoices:%s", periodKey)
}

// RunLock coordinates batch runs across worker processes using SET NX.
type RunLock struct {
	client *redis.Client
}

// NewRunLock constructs the lock helper.
func NewRunLock(client *redis.Client) *RunLock {
	return &RunLock{client: client}
}

// Acquire takes the lock for ttl. The returned release func only deletes the
// key while it still carries this holder's token.
func (l *RunLock) Acquire(ctx context.Context, key string, ttl time.Duration) (func(context.Context) error, error) {
	if l == nil || l.client == nil {
		return func(context.Context) error { return nil }, nil
	}
	token := uuid.NewString()
	ok, err := l.client.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return nil, Dependency(fmt.Errorf("shared: acquire lock %s: %w", key, err))
	}
	if !ok {
		return nil, ErrLockHeld
	}
	release := func(ctx context.Context) error {
		return releaseScript.Run(ctx, l.client, []string{key}, token).Err()
	}
	return release, nil
}

var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)
