package api

import (
	"regexp"
	"strings"
)

var (
	paramEmailRegex      = regexp.MustCompile(`(?i)\b[\w.+-]+@[\w.-]+\.[a-z]{2,}\b`)
	paramBearerRegex     = regexp.MustCompile(`(?i)\bbearer\s+[a-z0-9._~+/=-]{8,}\b`)
	paramHexTokenRegex   = regexp.MustCompile(`(?i)\b[0-9a-f]{24,}\b`)
	paramCardRegex       = regexp.MustCompile(`\b(?:\d[ -]*?){13,16}\b`)
	paramLongNumberRegex = regexp.MustCompile(`\b\d{12,19}\b`)
)

const maxParamStringLength = 4_000

// sanitizeParameters scrubs captured query parameters before they are
// queued and persisted. Values under credential-looking keys are
// dropped entirely; free-form strings get pattern redaction.
func sanitizeParameters(parameters map[string]any) map[string]any {
	if parameters == nil {
		return nil
	}
	sanitized := make(map[string]any, len(parameters))
	for key, value := range parameters {
		sanitized[key] = sanitizeParamValue(value, key)
	}
	return sanitized
}

func sanitizeParamValue(value any, key string) any {
	switch typed := value.(type) {
	case map[string]any:
		sanitized := make(map[string]any, len(typed))
		for childKey, childValue := range typed {
			sanitized[childKey] = sanitizeParamValue(childValue, childKey)
		}
		return sanitized
	case []any:
		sanitized := make([]any, 0, len(typed))
		for _, childValue := range typed {
			sanitized = append(sanitized, sanitizeParamValue(childValue, key))
		}
		return sanitized
	case string:
		return sanitizeParamString(typed, key)
	default:
		if isSensitiveParamKey(strings.ToLower(strings.TrimSpace(key))) {
			return "<redacted>"
		}
		return value
	}
}

func sanitizeParamString(value string, key string) string {
	normalizedKey := strings.ToLower(strings.TrimSpace(key))
	if isSensitiveParamKey(normalizedKey) {
		return "<redacted>"
	}

	redacted := value
	redacted = paramEmailRegex.ReplaceAllString(redacted, "<email>")
	redacted = paramBearerRegex.ReplaceAllString(redacted, "<token>")
	redacted = paramHexTokenRegex.ReplaceAllString(redacted, "<token>")
	redacted = paramCardRegex.ReplaceAllString(redacted, "<card-number>")
	redacted = paramLongNumberRegex.ReplaceAllString(redacted, "<long-number>")
	if len(redacted) > maxParamStringLength {
		return redacted[:maxParamStringLength]
	}
	return redacted
}

func isSensitiveParamKey(key string) bool {
	if key == "" {
		return false
	}
	if strings.Contains(key, "password") ||
		strings.Contains(key, "passwd") ||
		strings.Contains(key, "secret") ||
		strings.Contains(key, "token") ||
		strings.Contains(key, "authorization") ||
		strings.Contains(key, "cookie") ||
		strings.Contains(key, "api_key") ||
		strings.Contains(key, "apikey") ||
		strings.Contains(key, "ssn") {
		return true
	}
	return false
}
