package schema

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"

	pipeerrors "eli-pipeline/internal/errors"
)

// JSON value kinds, named the way issue messages report them.
const (
	kindUndefined = "undefined"
	kindNull      = "null"
	kindString    = "string"
	kindNumber    = "number"
	kindBoolean   = "boolean"
	kindObject    = "object"
	kindArray     = "array"
)

// Issue codes.
const (
	CodeInvalidType   = "invalid_type"
	CodeInvalidEnum   = "invalid_enum_value"
	CodeTooSmall      = "too_small"
	CodeTooBig        = "too_big"
	CodeInvalidString = "invalid_string"
	CodeCustom        = "custom"
)

func kindOf(raw json.RawMessage) string {
	b := bytes.TrimSpace(raw)
	if len(b) == 0 {
		return kindUndefined
	}
	switch b[0] {
	case '"':
		return kindString
	case '{':
		return kindObject
	case '[':
		return kindArray
	case 't', 'f':
		return kindBoolean
	case 'n':
		return kindNull
	default:
		return kindNumber
	}
}

// fields is one decoded JSON object with members kept raw.
type fields map[string]json.RawMessage

// has reports whether key is present and not null.
func (f fields) has(key string) bool {
	raw, ok := f[key]
	return ok && kindOf(raw) != kindNull
}

// decoder walks raw JSON and records type issues instead of failing fast.
// Absent and null optional members are treated the same.
type decoder struct {
	issues []pipeerrors.Issue
}

func at(base []any, seg ...any) []any {
	p := make([]any, 0, len(base)+len(seg))
	p = append(p, base...)
	return append(p, seg...)
}

func (d *decoder) fail(path []any, code, msg string) {
	d.issues = append(d.issues, pipeerrors.Issue{Path: path, Code: code, Message: msg})
}

func (d *decoder) wrongType(path []any, expected, received string) {
	if received == kindUndefined {
		d.fail(path, CodeInvalidType, "Required")
		return
	}
	d.fail(path, CodeInvalidType, fmt.Sprintf("Expected %s, received %s", expected, received))
}

// member returns the raw value for key, reporting "Required" when a required
// member is missing. ok is false when the member is absent or null.
func (d *decoder) member(f fields, key string, path []any, required bool, expected string) (json.RawMessage, bool) {
	raw, present := f[key]
	if !present || kindOf(raw) == kindNull {
		if required {
			received := kindUndefined
			if present {
				received = kindNull
			}
			d.wrongType(at(path, key), expected, received)
		}
		return nil, false
	}
	return raw, true
}

func (d *decoder) object(raw json.RawMessage, path []any) (fields, bool) {
	if k := kindOf(raw); k != kindObject {
		d.wrongType(path, kindObject, k)
		return nil, false
	}
	var f fields
	if err := json.Unmarshal(raw, &f); err != nil {
		d.fail(path, CodeCustom, "Malformed object")
		return nil, false
	}
	return f, true
}

func (d *decoder) array(raw json.RawMessage, path []any) ([]json.RawMessage, bool) {
	if k := kindOf(raw); k != kindArray {
		d.wrongType(path, kindArray, k)
		return nil, false
	}
	var items []json.RawMessage
	if err := json.Unmarshal(raw, &items); err != nil {
		d.fail(path, CodeCustom, "Malformed array")
		return nil, false
	}
	return items, true
}

func (d *decoder) str(f fields, key string, path []any, required bool) string {
	raw, ok := d.member(f, key, path, required, kindString)
	if !ok {
		return ""
	}
	if k := kindOf(raw); k != kindString {
		d.wrongType(at(path, key), kindString, k)
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		d.fail(at(path, key), CodeInvalidString, "Malformed string")
		return ""
	}
	return s
}

func (d *decoder) num(f fields, key string, path []any, required bool) *float64 {
	raw, ok := d.member(f, key, path, required, kindNumber)
	if !ok {
		return nil
	}
	return d.numValue(raw, at(path, key))
}

func (d *decoder) numValue(raw json.RawMessage, path []any) *float64 {
	if k := kindOf(raw); k != kindNumber {
		d.wrongType(path, kindNumber, k)
		return nil
	}
	var n float64
	if err := json.Unmarshal(raw, &n); err != nil || math.IsInf(n, 0) || math.IsNaN(n) {
		d.fail(path, CodeInvalidType, "Expected number, received nan")
		return nil
	}
	return &n
}

// epoch reads a millisecond timestamp. Fractions are truncated.
func (d *decoder) epoch(f fields, key string, path []any, required bool) *int64 {
	n := d.num(f, key, path, required)
	if n == nil {
		return nil
	}
	if math.Abs(*n) > math.MaxInt64/2 {
		d.fail(at(path, key), CodeTooBig, "Number must be a valid epoch")
		return nil
	}
	v := int64(*n)
	return &v
}

// strOrNum reads a string|number union and keeps its text form.
func (d *decoder) strOrNum(f fields, key string, path []any) string {
	raw, ok := d.member(f, key, path, false, "string | number")
	if !ok {
		return ""
	}
	return d.strOrNumValue(raw, at(path, key))
}

func (d *decoder) strOrNumValue(raw json.RawMessage, path []any) string {
	switch kindOf(raw) {
	case kindString:
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			d.fail(path, CodeInvalidString, "Malformed string")
			return ""
		}
		return s
	case kindNumber:
		// Integer literals keep every digit; large external ids exceed float precision.
		var lit json.Number
		if err := json.Unmarshal(raw, &lit); err == nil {
			if _, err := strconv.ParseInt(lit.String(), 10, 64); err == nil {
				return lit.String()
			}
		}
		n := d.numValue(raw, path)
		if n == nil {
			return ""
		}
		return formatNumber(*n)
	default:
		d.fail(path, CodeInvalidType, fmt.Sprintf("Expected string | number, received %s", kindOf(raw)))
		return ""
	}
}

// level reads an integer|string union.
func (d *decoder) level(f fields, key string, path []any) *Level {
	raw, ok := d.member(f, key, path, false, "integer | string")
	if !ok {
		return nil
	}
	switch kindOf(raw) {
	case kindString:
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			d.fail(at(path, key), CodeInvalidString, "Malformed string")
			return nil
		}
		return &Level{String: s}
	case kindNumber:
		n := d.numValue(raw, at(path, key))
		if n == nil {
			return nil
		}
		if *n != math.Trunc(*n) {
			d.fail(at(path, key), CodeInvalidType, "Expected integer, received float")
			return nil
		}
		v := int64(*n)
		return &Level{Int: &v}
	default:
		d.fail(at(path, key), CodeInvalidType, fmt.Sprintf("Expected integer | string, received %s", kindOf(raw)))
		return nil
	}
}

// formatNumber renders integral values without a fraction, so a numeric
// channel id 274 becomes "274".
func formatNumber(n float64) string {
	if n == math.Trunc(n) && math.Abs(n) < 1<<53 {
		return strconv.FormatInt(int64(n), 10)
	}
	return strconv.FormatFloat(n, 'f', -1, 64)
}
