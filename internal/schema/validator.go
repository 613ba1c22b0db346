package schema

import (
	"errors"
	"fmt"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	pipeerrors "eli-pipeline/internal/errors"
)

// Validator checks field-level rules on decoded events. Type-shape checks
// happen earlier, while decoding.
type Validator struct {
	validate  *validator.Validate
	maxFuture time.Duration
}

// ValidatorConfig holds configuration for the validator.
type ValidatorConfig struct {
	// MaxFuture rejects start times this far ahead of now. Zero disables the check.
	MaxFuture time.Duration
}

// DefaultValidatorConfig returns the default validator configuration.
func DefaultValidatorConfig() ValidatorConfig {
	return ValidatorConfig{}
}

// NewValidator creates a new Validator with default configuration.
func NewValidator() *Validator {
	return NewValidatorWithConfig(DefaultValidatorConfig())
}

// NewValidatorWithConfig creates a new Validator with the specified configuration.
func NewValidatorWithConfig(cfg ValidatorConfig) *Validator {
	v := validator.New()

	// Report JSON member names so issue paths match the payload
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})

	return &Validator{
		validate:  v,
		maxFuture: cfg.MaxFuture,
	}
}

// Validate checks s (an *Event or *SnapshotUpload) and returns its issues.
func (v *Validator) Validate(s any) []pipeerrors.Issue {
	var issues []pipeerrors.Issue

	if err := v.validate.Struct(s); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			return []pipeerrors.Issue{{Code: CodeCustom, Message: err.Error()}}
		}
		for _, fe := range verrs {
			issues = append(issues, issueFromFieldError(fe))
		}
	}

	if e, ok := s.(*Event); ok && v.maxFuture > 0 {
		limit := time.Now().Add(v.maxFuture).UnixMilli()
		if e.StartTime > limit {
			issues = append(issues, pipeerrors.Issue{
				Path:    []any{"start_time"},
				Code:    CodeTooBig,
				Message: fmt.Sprintf("start_time is more than %s in the future", v.maxFuture),
			})
		}
	}

	return issues
}

func issueFromFieldError(fe validator.FieldError) pipeerrors.Issue {
	issue := pipeerrors.Issue{Path: namespacePath(fe.Namespace())}

	switch fe.Tag() {
	case "required":
		issue.Code = CodeTooSmall
		issue.Message = "String must contain at least 1 character(s)"
	case "oneof":
		opts := strings.Fields(fe.Param())
		for i, o := range opts {
			opts[i] = "'" + o + "'"
		}
		issue.Code = CodeInvalidEnum
		issue.Message = fmt.Sprintf("Invalid enum value. Expected %s, received '%v'", strings.Join(opts, " | "), fe.Value())
	default:
		issue.Code = CodeCustom
		issue.Message = fmt.Sprintf("failed %s validation", fe.Tag())
	}

	return issue
}

// namespacePath converts "Event.snapshots[0].type" to [snapshots 0 type].
func namespacePath(ns string) []any {
	segs := strings.Split(ns, ".")
	if len(segs) > 0 {
		segs = segs[1:] // root struct name
	}

	var path []any
	for _, seg := range segs {
		for seg != "" {
			open := strings.IndexByte(seg, '[')
			if open < 0 {
				path = append(path, seg)
				break
			}
			if open > 0 {
				path = append(path, seg[:open])
			}
			end := strings.IndexByte(seg, ']')
			if end < open {
				path = append(path, seg[open:])
				break
			}
			idx := seg[open+1 : end]
			if n, err := strconv.Atoi(idx); err == nil {
				path = append(path, n)
			} else {
				path = append(path, idx)
			}
			seg = seg[end+1:]
		}
	}
	return path
}
