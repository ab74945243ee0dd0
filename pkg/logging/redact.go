package logging

import "strings"

// RedactedValue replaces every value stored under a sensitive key. It is
// the single sentinel that ever reaches durable stores.
const RedactedValue = "[REDACTED]"

var sensitiveKeyFragments = []string{
	"password",
	"api_key",
	"token",
	"secret",
	"credential",
}

// Redact returns a deep copy of m with every value under a sensitive key
// replaced by RedactedValue. The check is case-insensitive on the key name
// and recurses through nested maps and slices. The input is never mutated.
func Redact(m map[string]interface{}) map[string]interface{} {
	if m == nil {
		return nil
	}
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		if isSensitiveKey(k) {
			out[k] = RedactedValue
			continue
		}
		out[k] = redactValue(v)
	}
	return out
}

func redactValue(v interface{}) interface{} {
	switch val := v.(type) {
	case map[string]interface{}:
		return Redact(val)
	case map[string]string:
		out := make(map[string]interface{}, len(val))
		for k, s := range val {
			if isSensitiveKey(k) {
				out[k] = RedactedValue
			} else {
				out[k] = s
			}
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(val))
		for i, item := range val {
			out[i] = redactValue(item)
		}
		return out
	default:
		return v
	}
}

func isSensitiveKey(key string) bool {
	lower := strings.ToLower(key)
	for _, fragment := range sensitiveKeyFragments {
		if strings.Contains(lower, fragment) {
			return true
		}
	}
	return false
}
