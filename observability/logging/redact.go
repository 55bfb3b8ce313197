package logging

import (
	"log/slog"
	"sort"
	"strings"
)

// RedactedValue replaces sensitive field values in log output.
const RedactedValue = "[REDACTED]"

// Keys that may appear in clear text. Everything else — addresses, amounts,
// signatures — is masked before it reaches a sink.
var redactionAllowlist = map[string]struct{}{
	"component": {},
	"env":       {},
	"error":     {},
	"loanid":    {},
	"message":   {},
	"outcome":   {},
	"reason":    {},
	"reserveid": {},
	"service":   {},
	"sessionid": {},
	"severity":  {},
	"timestamp": {},
}

// IsAllowlisted reports whether key may be logged without masking. Matching
// is case-insensitive.
func IsAllowlisted(key string) bool {
	_, ok := redactionAllowlist[strings.ToLower(strings.TrimSpace(key))]
	return ok
}

// RedactionAllowlist returns the clear-text keys in sorted order, for tests
// that pin the masking policy.
func RedactionAllowlist() []string {
	keys := make([]string, 0, len(redactionAllowlist))
	for key := range redactionAllowlist {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

// MaskValue masks any non-empty value. Empty strings pass through so absent
// fields stay recognisable.
func MaskValue(value string) string {
	if strings.TrimSpace(value) == "" {
		return value
	}
	return RedactedValue
}

// MaskField builds a slog attribute, masking the value unless the key is
// allowlisted. The caller's key casing is preserved.
func MaskField(key, value string) slog.Attr {
	if strings.TrimSpace(value) == "" || IsAllowlisted(key) {
		return slog.String(key, value)
	}
	return slog.String(key, RedactedValue)
}
