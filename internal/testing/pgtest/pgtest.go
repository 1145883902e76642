// Package pgtest gives repository tests an isolated PostgreSQL schema with
// the billing migrations applied. Tests skip when TEST_DATABASE_URL is unset.
package pgtest

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/stretchr/testify/require"
)

// DSNEnv names the variable holding the test database URL. Point it at a
// dedicated database; every test gets its own schema there.
const DSNEnv = "TEST_DATABASE_URL"

// Fixture holds the rows most billing tests need.
type Fixture struct {
	BranchID   uuid.UUID
	BranchCode string
	CustomerID uuid.UUID
	ProductID  uuid.UUID
}

func repoRoot() string {
	_, file, _, _ := runtime.Caller(0)
	return filepath.Join(filepath.Dir(file), "..", "..", "..")
}

// Pool returns a pool whose search_path is a fresh schema holding the
// migrated tables. The schema is dropped when the test ends.
func Pool(t *testing.T) *pgxpool.Pool {
	t.Helper()
	root := repoRoot()
	_ = godotenv.Load(filepath.Join(root, ".env"))
	dsn := os.Getenv(DSNEnv)
	if dsn == "" {
		t.Skip(DSNEnv + " not set; skipping PostgreSQL test")
	}
	ctx := context.Background()

	schema := "test_" + strings.ReplaceAll(uuid.NewString(), "-", "")
	admin, err := pgx.Connect(ctx, dsn)
	require.NoError(t, err)
	_, err = admin.Exec(ctx, "CREATE SCHEMA "+schema)
	require.NoError(t, err)
	t.Cleanup(func() {
		_, _ = admin.Exec(context.Background(), "DROP SCHEMA "+schema+" CASCADE")
		_ = admin.Close(context.Background())
	})

	config, err := pgxpool.ParseConfig(dsn)
	require.NoError(t, err)
	config.ConnConfig.RuntimeParams["search_path"] = schema
	config.MaxConns = 16
	pool, err := pgxpool.NewWithConfig(ctx, config)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	files, err := filepath.Glob(filepath.Join(root, "migrations", "*.up.sql"))
	require.NoError(t, err)
	require.NotEmpty(t, files, "no migrations found")
	for _, f := range files {
		sql, err := os.ReadFile(f)
		require.NoError(t, err)
		_, err = pool.Exec(ctx, string(sql))
		require.NoError(t, err, filepath.Base(f))
	}
	return pool
}

// Seed inserts one branch, customer and product.
func Seed(t *testing.T, pool *pgxpool.Pool) Fixture {
	t.Helper()
	fx := Fixture{BranchID: uuid.New(), BranchCode: "TST", CustomerID: uuid.New(), ProductID: uuid.New()}
	ctx := context.Background()
	err := pgx.BeginFunc(ctx, pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `INSERT INTO branches (id, code, name) VALUES ($1, $2, 'Test Depot')`,
			fx.BranchID, fx.BranchCode); err != nil {
			return fmt.Errorf("branch: %w", err)
		}
		if _, err := tx.Exec(ctx, `INSERT INTO customers (id, name) VALUES ($1, 'Test Customer')`, fx.CustomerID); err != nil {
			return fmt.Errorf("customer: %w", err)
		}
		if _, err := tx.Exec(ctx, `
			INSERT INTO products (id, branch_id, code, name, currency, tax_rate)
			VALUES ($1, $2, 'GAL-19', 'Refill gallon 19L', 'IDR', 0)`, fx.ProductID, fx.BranchID); err != nil {
			return fmt.Errorf("product: %w", err)
		}
		return nil
	})
	require.NoError(t, err)
	return fx
}
