package logging

import (
	"log/slog"
	"strings"
)

// RedactedValue is the canonical placeholder used for sensitive fields in
// logs and persisted artifacts.
const RedactedValue = "[REDACTED]"

// sensitiveBodyFields lists request/response body keys that must never reach
// a log line or artifact file verbatim.
var sensitiveBodyFields = map[string]struct{}{
	"userpass":   {},
	"password":   {},
	"passphrase": {},
	"seed":       {},
	"priv_key":   {},
}

// IsSensitiveField reports whether a body key must be masked.
func IsSensitiveField(key string) bool {
	_, ok := sensitiveBodyFields[strings.ToLower(strings.TrimSpace(key))]
	return ok
}

// MaskValue returns the redacted placeholder for non-empty values. Empty
// values are returned unchanged to avoid introducing noise.
func MaskValue(value string) string {
	if strings.TrimSpace(value) == "" {
		return value
	}
	return RedactedValue
}

// MaskField returns a slog.Attr carrying the redacted placeholder when the
// key is sensitive, and the plain value otherwise.
func MaskField(key, value string) slog.Attr {
	if IsSensitiveField(key) {
		return slog.String(key, MaskValue(value))
	}
	return slog.String(key, value)
}

// MaskBody returns a shallow copy of a decoded JSON request body with every
// sensitive top-level field replaced. Nested parameter objects are copied and
// masked one level down, which covers every shape the daemon accepts.
func MaskBody(body map[string]any) map[string]any {
	if body == nil {
		return nil
	}
	out := make(map[string]any, len(body))
	for key, value := range body {
		if IsSensitiveField(key) {
			out[key] = RedactedValue
			continue
		}
		if nested, ok := value.(map[string]any); ok {
			inner := make(map[string]any, len(nested))
			for nk, nv := range nested {
				if IsSensitiveField(nk) {
					inner[nk] = RedactedValue
				} else {
					inner[nk] = nv
				}
			}
			out[key] = inner
			continue
		}
		out[key] = value
	}
	return out
}
