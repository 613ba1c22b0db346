package storage

import (
	"context"
	"database/sql/driver"
	"errors"
	"fmt"
	"net"
	"testing"
)

func TestFailed_Kind(t *testing.T) {
	tests := []struct {
		name        string
		err         error
		unavailable bool
	}{
		{"refused", &net.OpError{Op: "dial", Net: "tcp", Err: errors.New("connection refused")}, true},
		{"bad conn", fmt.Errorf("exec: %w", driver.ErrBadConn), true},
		{"deadline", context.DeadlineExceeded, true},
		{"syntax", errors.New(`syntax error at or near "SELEC"`), false},
		{"constraint", errors.New("duplicate key value violates unique constraint"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Failed("UpsertEvent", "events", tt.err)
			if got := IsUnavailable(err); got != tt.unavailable {
				t.Errorf("IsUnavailable() = %v, want %v", got, tt.unavailable)
			}
			if got := errors.Is(err, ErrQuery); got == tt.unavailable {
				t.Errorf("errors.Is(ErrQuery) = %v", got)
			}
			if !errors.Is(err, tt.err) {
				t.Error("driver error not reachable through errors.Is")
			}
		})
	}
}

func TestOpError_Message(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"unavailable", Unavailable("Ping", errors.New("eof")), "storage Ping: backend unavailable: eof"},
		{"not found", NotFound("GetJob", "enrichment_jobs", "j1"), `storage GetJob(enrichment_jobs): not found: id "j1"`},
		{
			"attempts",
			&OpError{Op: "BatchInsert", Table: "webhook_requests", Kind: ErrBatchInsert, Err: errors.New("timeout"), Attempts: 3},
			"storage BatchInsert(webhook_requests): batch insert failed after 3 attempts: timeout",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.want {
				t.Errorf("Error() = %q, want %q", got, tt.want)
			}
		})
	}

	if !errors.Is(NotFound("GetEvent", "events", "x"), ErrNotFound) {
		t.Error("expected ErrNotFound to match")
	}
}
