package shared

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
)

// ErrDuplicateRequest indicates the idempotency key was already consumed.
var ErrDuplicateRequest = fmt.Errorf("request already processed: %w", ErrConflict)

// ClaimIdempotencyKey records key for module on q. Run it in the same
// transaction as the write it protects so a rollback frees the key again.
func ClaimIdempotencyKey(ctx context.Context, q Querier, module, key string) error {
	if key == "" {
		return errors.New("idempotency key required")
	}
	if module == "" {
		return errors.New("idempotency module required")
	}
	_, err := q.Exec(ctx, `INSERT INTO idempotency_keys (key, module, created_at) VALUES ($1, $2, $3)`, key, module, time.Now().UTC())
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return fmt.Errorf("%w: %s", ErrDuplicateRequest, key)
		}
		return Dependency(fmt.Errorf("shared: claim idempotency key: %w", err))
	}
	return nil
}
