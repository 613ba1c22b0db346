// Package logging provides logger construction and redaction helpers used before
// request data is logged or persisted.
package logging

import (
	"fmt"
	"net/http"
	"regexp"
	"sort"
	"strings"
)

// SensitiveFields contains header and field names that must be masked.
var SensitiveFields = map[string]bool{
	"password":            true,
	"secret":              true,
	"token":               true,
	"api_key":             true,
	"apikey":              true,
	"x-api-key":           true,
	"x-admin-token":       true,
	"x-debug-token":       true,
	"authorization":       true,
	"proxy-authorization": true,
	"cookie":              true,
	"set-cookie":          true,
	"credentials":         true,
}

// MaskedValue is the string used to replace sensitive values.
const MaskedValue = "[REDACTED]"

// IsSensitiveField checks if a field name is sensitive.
func IsSensitiveField(fieldName string) bool {
	lowerField := strings.ToLower(fieldName)

	if SensitiveFields[lowerField] {
		return true
	}

	for sensitive := range SensitiveFields {
		if strings.Contains(lowerField, sensitive) {
			return true
		}
	}

	return false
}

// MaskSensitiveValue masks a value if the field name is sensitive.
func MaskSensitiveValue(fieldName, value string) string {
	if value == "" {
		return value
	}
	if IsSensitiveField(fieldName) {
		return MaskedValue
	}
	return value
}

// MaskHeaders flattens h into a map with sensitive values masked.
// Multi-valued headers are joined with ", ".
func MaskHeaders(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for name, values := range h {
		out[strings.ToLower(name)] = MaskSensitiveValue(name, strings.Join(values, ", "))
	}
	return out
}

// HeaderNames returns the sorted header names of h, for compact log lines.
func HeaderNames(h http.Header) []string {
	names := make([]string, 0, len(h))
	for name := range h {
		names = append(names, strings.ToLower(name))
	}
	sort.Strings(names)
	return names
}

// SensitivePatterns contains regex patterns for sensitive data in raw strings.
var SensitivePatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)(api[_-]?key|token|secret|password|passwd)['":\s]*[=:]\s*['"]?([a-zA-Z0-9_\-\.]+)['"]?`),
	regexp.MustCompile(`(?i)bearer\s+[a-zA-Z0-9_\-\.]+`),
	regexp.MustCompile(`(?i)(AKIA|ASIA)[A-Z0-9]{16}`),
}

// MaskSensitivePatterns masks sensitive patterns in a raw string.
func MaskSensitivePatterns(s string) string {
	result := s
	for _, pattern := range SensitivePatterns {
		result = pattern.ReplaceAllString(result, MaskedValue)
	}
	return result
}

// Inline image payloads: data URIs and long bare base64 runs inside JSON strings.
var (
	dataURIPattern    = regexp.MustCompile(`data:image/[a-zA-Z0-9.+\-]+;base64,[A-Za-z0-9+/=]+`)
	bareBase64Pattern = regexp.MustCompile(`"[A-Za-z0-9+/]{512,}={0,2}"`)
)

// RedactImageData replaces inline image bytes in a raw request body with a
// size marker, so request logs stay small.
func RedactImageData(body string) string {
	body = dataURIPattern.ReplaceAllStringFunc(body, func(m string) string {
		return fmt.Sprintf("[image %d bytes]", len(m))
	})
	return bareBase64Pattern.ReplaceAllStringFunc(body, func(m string) string {
		return fmt.Sprintf(`"[image %d bytes]"`, len(m)-2)
	})
}
