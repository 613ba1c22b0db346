package errors

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestIssueString(t *testing.T) {
	tests := []struct {
		issue Issue
		want  string
	}{
		{Issue{Path: []any{"event", "id"}, Message: "Required"}, "event.id: Required"},
		{Issue{Path: []any{"snapshots", 0, "type"}, Message: "Invalid"}, "snapshots.0.type: Invalid"},
		{Issue{Message: "Expected object"}, "Expected object"},
	}
	for _, tt := range tests {
		if got := tt.issue.String(); got != tt.want {
			t.Errorf("String() = %q, want %q", got, tt.want)
		}
	}
}

func TestValidationError(t *testing.T) {
	err := NewValidationError(3,
		Issue{Path: []any{"event", "id"}, Code: "invalid_type", Message: "Required"},
		Issue{Path: []any{"topic"}, Code: "invalid_type", Message: "Expected string"},
	)
	msg := err.Error()
	if !strings.HasPrefix(msg, "item[3]: validation failed") {
		t.Errorf("Error() = %q", msg)
	}
	if !strings.Contains(msg, "event.id: Required; topic: Expected string") {
		t.Errorf("Error() = %q", msg)
	}
}

func TestClassification(t *testing.T) {
	cause := errors.New("connection refused")

	tests := []struct {
		name          string
		err           error
		userVisible   bool
		authoritative bool
	}{
		{"validation", NewValidationError(0), true, false},
		{"image upload", &ImageUploadError{Key: "1_a.png", Err: cause}, true, false},
		{"authoritative", &AuthoritativeStoreError{Op: "upsert event", Err: cause}, true, true},
		{"wrapped authoritative", fmt.Errorf("item 2: %w", &AuthoritativeStoreError{Op: "insert", Err: cause}), true, true},
		{"secondary", &SecondaryStoreError{Store: "graph", Op: "apply", Err: cause}, false, false},
		{"enqueue", &EnqueueError{Backend: "kafka", Err: cause}, false, false},
		{"enrichment", &EnrichmentError{Stage: "detect", Err: cause}, false, false},
		{"plain", cause, false, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsUserVisible(tt.err); got != tt.userVisible {
				t.Errorf("IsUserVisible() = %v, want %v", got, tt.userVisible)
			}
			if got := IsAuthoritative(tt.err); got != tt.authoritative {
				t.Errorf("IsAuthoritative() = %v, want %v", got, tt.authoritative)
			}
			if tt.name != "validation" && tt.name != "plain" && !errors.Is(tt.err, cause) {
				t.Error("cause should unwrap")
			}
		})
	}
}

func TestImageUploadError_NoKey(t *testing.T) {
	err := &ImageUploadError{Err: errors.New("unsupported image")}
	if got := err.Error(); got != "image upload: unsupported image" {
		t.Errorf("Error() = %q", got)
	}
}
