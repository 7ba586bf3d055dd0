package repo

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"versekeep/internal/domain"
)

// Repo is the SQL store. Methods with a Tx suffix run inside the caller's
// transaction so state changes, log entries and notifications commit together.
type Repo struct {
	DB *sql.DB
}

// TimeLayout is fixed width so stored timestamps sort lexically.
const TimeLayout = "2006-01-02T15:04:05.000000000Z"

// ErrDuplicate reports a unique index violation.
var ErrDuplicate = errors.New("duplicate")

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type scanner interface {
	Scan(dest ...any) error
}

// BeginTx starts a write transaction.
func (r Repo) BeginTx(ctx context.Context) (*sql.Tx, error) {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, storeErr("begin", err)
	}
	return tx, nil
}

// FormatTime renders t in the storage layout.
func FormatTime(t time.Time) string {
	return t.UTC().Format(TimeLayout)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(TimeLayout, s)
	if err != nil {
		return time.Time{}, err
	}
	return t.UTC(), nil
}

func nullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return FormatTime(*t)
}

func parseNullTime(ns sql.NullString) (*time.Time, error) {
	if !ns.Valid || ns.String == "" {
		return nil, nil
	}
	t, err := parseTime(ns.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil {
		return nil
	}
	return *v
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// storeErr wraps driver failures. Domain errors pass through untouched.
func storeErr(op string, err error) error {
	if err == nil {
		return nil
	}
	if domain.IsNotFound(err) || domain.IsConflict(err) || domain.IsStore(err) || errors.Is(err, ErrDuplicate) {
		return err
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return domain.StoreError{Op: op, Err: err}
}

func notFound(entity, id string, err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return domain.NotFoundError{Entity: entity, ID: id}
	}
	return err
}

func affectedOne(res sql.Result, entity, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return domain.NotFoundError{Entity: entity, ID: id}
	}
	return nil
}
