package shared

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// Sequence scopes.
const (
	SequenceInvoice = "invoice"
	SequenceOrder   = "order"
)

// Querier is the subset of pgx shared by pools and transactions.
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// SequenceStore reserves document numbers. Reservation and formatting are
// separate steps so numbering stays testable without a database.
type SequenceStore struct {
	db Querier
}

// NewSequenceStore constructs the store over a pool or a transaction.
func NewSequenceStore(db Querier) *SequenceStore {
	return &SequenceStore{db: db}
}

// Next atomically reserves the next number for scope.
func (s *SequenceStore) Next(ctx context.Context, scope string) (int64, error) {
	if s == nil || s.db == nil {
		return 0, errors.New("sequence store not initialised")
	}
	if scope == "" {
		return 0, errors.New("sequence scope required")
	}
	const query = `
		INSERT INTO document_sequences (scope, value) VALUES ($1, 1)
		ON CONFLICT (scope) DO UPDATE SET value = document_sequences.value + 1
		RETURNING value`
	var value int64
	if err := s.db.QueryRow(ctx, query, scope).Scan(&value); err != nil {
		return 0, Dependency(fmt.Errorf("shared: reserve sequence %s: %w", scope, err))
	}
	return value, nil
}

// SequenceScope keys a counter by kind, branch and date bucket.
func SequenceScope(kind, branchCode, bucket string) string {
	return kind + ":" + normaliseBranchCode(branchCode) + ":" + bucket
}

// FormatCode renders PREFIX-BRANCH-BUCKET-00042.
func FormatCode(prefix, branchCode, bucket string, seq int64) string {
	return fmt.Sprintf("%s-%s-%s-%05d", prefix, normaliseBranchCode(branchCode), bucket, seq)
}

// InvoiceNumber formats an invoice code for the month of date.
func InvoiceNumber(branchCode string, date time.Time, seq int64) string {
	return FormatCode("INV", branchCode, date.UTC().Format("200601"), seq)
}

// OrderNumber formats an order code for the day of date.
func OrderNumber(branchCode string, date time.Time, seq int64) string {
	return FormatCode("ORD", branchCode, date.UTC().Format("20060102"), seq)
}

func normaliseBranchCode(code string) string {
	code = strings.ToUpper(strings.TrimSpace(code))
	if code == "" {
		return "XX"
	}
	return code
}
