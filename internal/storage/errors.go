// Package storage holds the ClickHouse webhook request log and the error
// kinds shared by the relational store.
package storage

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"net"
	"strings"
)

// Failure kinds. An *OpError matches exactly one of them with errors.Is.
var (
	ErrUnavailable = errors.New("storage: backend unavailable")
	ErrQuery       = errors.New("storage: query failed")
	ErrNotFound    = errors.New("storage: not found")
	ErrBatchInsert = errors.New("storage: batch insert failed")
)

// OpError records which operation failed, on which table, and how.
type OpError struct {
	Op       string
	Table    string
	Kind     error
	Err      error
	Attempts int
}

func (e *OpError) Error() string {
	var b strings.Builder
	b.WriteString("storage ")
	b.WriteString(e.Op)
	if e.Table != "" {
		fmt.Fprintf(&b, "(%s)", e.Table)
	}
	b.WriteString(": ")
	b.WriteString(strings.TrimPrefix(e.Kind.Error(), "storage: "))
	if e.Attempts > 1 {
		fmt.Fprintf(&b, " after %d attempts", e.Attempts)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

// Unwrap exposes both the kind and the driver error.
func (e *OpError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// Unavailable reports that op could not reach its backend.
func Unavailable(op string, err error) error {
	return &OpError{Op: op, Kind: ErrUnavailable, Err: err}
}

// Failed wraps an error returned by a statement on table. Lost connections
// and deadlines count as ErrUnavailable; everything else as ErrQuery.
func Failed(op, table string, err error) error {
	kind := ErrQuery
	if unreachable(err) {
		kind = ErrUnavailable
	}
	return &OpError{Op: op, Table: table, Kind: kind, Err: err}
}

// NotFound reports that no row of table has id.
func NotFound(op, table, id string) error {
	return &OpError{Op: op, Table: table, Kind: ErrNotFound, Err: fmt.Errorf("id %q", id)}
}

// IsUnavailable reports whether err means the backend could not be reached,
// as opposed to rejecting the statement.
func IsUnavailable(err error) bool {
	return errors.Is(err, ErrUnavailable)
}

func unreachable(err error) bool {
	if errors.Is(err, driver.ErrBadConn) || errors.Is(err, sql.ErrConnDone) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}
