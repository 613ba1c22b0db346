package errors

import (
	"errors"
	"fmt"
	"strings"
)

// Issue is a single field-level validation problem.
type Issue struct {
	Path    []any  `json:"path"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// String renders the issue as "a.0.b: message".
func (i Issue) String() string {
	parts := make([]string, 0, len(i.Path))
	for _, p := range i.Path {
		parts = append(parts, fmt.Sprint(p))
	}
	if len(parts) == 0 {
		return i.Message
	}
	return strings.Join(parts, ".") + ": " + i.Message
}

// ValidationError reports malformed or missing fields for one batch item.
type ValidationError struct {
	Index  int
	Issues []Issue
}

// Error returns the error message.
func (e *ValidationError) Error() string {
	msgs := make([]string, 0, len(e.Issues))
	for _, issue := range e.Issues {
		msgs = append(msgs, issue.String())
	}
	return fmt.Sprintf("item[%d]: validation failed: %s", e.Index, strings.Join(msgs, "; "))
}

// NewValidationError creates a ValidationError for the item at index.
func NewValidationError(index int, issues ...Issue) *ValidationError {
	return &ValidationError{Index: index, Issues: issues}
}

// ImageUploadError reports a malformed image payload or a failed archive upload.
type ImageUploadError struct {
	Key string
	Err error
}

// Error returns the error message.
func (e *ImageUploadError) Error() string {
	if e.Key != "" {
		return fmt.Sprintf("image upload %s: %v", e.Key, e.Err)
	}
	return fmt.Sprintf("image upload: %v", e.Err)
}

// Unwrap returns the underlying error.
func (e *ImageUploadError) Unwrap() error { return e.Err }

// AuthoritativeStoreError is a failure of the relational system of record.
// It aborts the whole request.
type AuthoritativeStoreError struct {
	Op  string
	Err error
}

// Error returns the error message.
func (e *AuthoritativeStoreError) Error() string {
	return fmt.Sprintf("authoritative store %s: %v", e.Op, e.Err)
}

// Unwrap returns the underlying error.
func (e *AuthoritativeStoreError) Unwrap() error { return e.Err }

// SecondaryStoreError is a failure of a derived store (graph). Logged, never propagated.
type SecondaryStoreError struct {
	Store string
	Op    string
	Err   error
}

// Error returns the error message.
func (e *SecondaryStoreError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Store, e.Op, e.Err)
}

// Unwrap returns the underlying error.
func (e *SecondaryStoreError) Unwrap() error { return e.Err }

// EnqueueError is a failure to hand a job to the message queue.
type EnqueueError struct {
	Backend string
	Err     error
}

// Error returns the error message.
func (e *EnqueueError) Error() string {
	return fmt.Sprintf("enqueue via %s: %v", e.Backend, e.Err)
}

// Unwrap returns the underlying error.
func (e *EnqueueError) Unwrap() error { return e.Err }

// EnrichmentError is a detection-model or generation-service failure.
// The enrichment cycle completes with degraded output.
type EnrichmentError struct {
	Stage string
	Err   error
}

// Error returns the error message.
func (e *EnrichmentError) Error() string {
	return fmt.Sprintf("enrichment %s: %v", e.Stage, e.Err)
}

// Unwrap returns the underlying error.
func (e *EnrichmentError) Unwrap() error { return e.Err }

// IsUserVisible reports whether err belongs to a class that reaches the HTTP caller.
func IsUserVisible(err error) bool {
	var ve *ValidationError
	var iue *ImageUploadError
	var ase *AuthoritativeStoreError
	return errors.As(err, &ve) || errors.As(err, &iue) || errors.As(err, &ase)
}

// IsAuthoritative reports whether err is an authoritative store failure.
func IsAuthoritative(err error) bool {
	var ase *AuthoritativeStoreError
	return errors.As(err, &ase)
}
