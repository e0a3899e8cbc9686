package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

const (
	codeUniqueViolation      = "23505"
	codeSerializationFailure = "40001"
	codeDeadlockDetected     = "40P01"
)

// Error implements repositories.RepositoryError for Postgres backed repositories.
type Error struct {
	op       string
	err      error
	notFound bool
	stale    bool
	code     string
}

func (e *Error) Error() string { return fmt.Sprintf("postgres.%s: %v", e.op, e.err) }

func (e *Error) Unwrap() error { return e.err }

// IsNotFound reports a missing row.
func (e *Error) IsNotFound() bool { return e != nil && e.notFound }

// IsConflict reports a unique violation, a serialization failure or a failed row precondition.
func (e *Error) IsConflict() bool {
	if e == nil {
		return false
	}
	if e.stale {
		return true
	}
	switch e.code {
	case codeUniqueViolation, codeSerializationFailure, codeDeadlockDetected:
		return true
	}
	return false
}

// IsUnavailable reports connection-level failures and server shutdowns.
func (e *Error) IsUnavailable() bool {
	if e == nil {
		return false
	}
	if strings.HasPrefix(e.code, "08") || strings.HasPrefix(e.code, "57P") || e.code == "53300" {
		return true
	}
	var connectErr *pgconn.ConnectError
	return errors.As(e.err, &connectErr) || pgconn.SafeToRetry(e.err)
}

func wrapError(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var existing *Error
	if errors.As(err, &existing) {
		return err
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return &Error{op: op, err: err, notFound: true}
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return &Error{op: op, err: err, code: pgErr.Code}
	}
	return &Error{op: op, err: err}
}

func notFound(op, what string) error {
	return &Error{op: op, err: fmt.Errorf("%s not found", what), notFound: true}
}

func stale(op, what string) error {
	return &Error{op: op, err: fmt.Errorf("%s changed concurrently", what), stale: true}
}
