// Package jobqerr standardizes the error-kind taxonomy from spec §7
// across the job store, admission, claim, and runner layers.
package jobqerr

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
)

// Code enumerates the error kinds spec.md §7 names.
type Code string

const (
	CodeInvalidArgument    Code = "invalid_argument"
	CodeNotFound           Code = "not_found"
	CodeStateConflict      Code = "state_conflict"
	CodeTransientExecution Code = "transient_execution"
	CodeDeadlineExceeded   Code = "deadline_exceeded"
	CodePermissionDenied   Code = "permission_denied"
	CodeInternal           Code = "internal"
)

// Error is the canonical jobq error wrapper.
type Error struct {
	Code    Code
	Op      string
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	op := strings.TrimSpace(e.Op)
	msg := strings.TrimSpace(e.Message)
	switch {
	case op != "" && msg != "":
		return fmt.Sprintf("%s: %s (%s)", op, msg, e.Code)
	case op != "":
		return fmt.Sprintf("%s (%s)", op, e.Code)
	case msg != "":
		return fmt.Sprintf("%s (%s)", msg, e.Code)
	default:
		return string(e.Code)
	}
}

func (e *Error) Unwrap() error { return e.Cause }

// New builds a jobq error with an explicit code and operation name.
func New(code Code, op, message string) error {
	return &Error{Code: code, Op: strings.TrimSpace(op), Message: strings.TrimSpace(message)}
}

// Wrap annotates an existing error with jobq error semantics. Returns
// nil when err is nil.
func Wrap(code Code, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Code: code, Op: strings.TrimSpace(op), Message: err.Error(), Cause: err}
}

// Is reports whether err (or a wrapped err) carries the given code.
func Is(err error, code Code) bool {
	var e *Error
	if !errors.As(err, &e) {
		return false
	}
	return e.Code == code
}

// CodeOf extracts the jobq error code when available, or "" otherwise.
func CodeOf(err error) Code {
	var e *Error
	if !errors.As(err, &e) {
		return ""
	}
	return e.Code
}

// Classify maps an infrastructure error (Postgres driver errors,
// context errors) onto a Code, the way runner/maintenance code
// decides between TransientExecution and a terminal failure.
func Classify(err error) Code {
	if err == nil {
		return ""
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return CodeDeadlineExceeded
	}
	if errors.Is(err, context.Canceled) {
		return CodeTransientExecution
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "23514": // check_violation
			return CodeInvalidArgument
		case "40001", "40P01", "55P03": // serialization_failure, deadlock, lock_not_available
			return CodeTransientExecution
		}
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "deadlock"), strings.Contains(msg, "serialization"), strings.Contains(msg, "timeout"), strings.Contains(msg, "temporar"), strings.Contains(msg, "connection"):
		return CodeTransientExecution
	default:
		return CodeInternal
	}
}
