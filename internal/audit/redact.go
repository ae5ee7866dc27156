package audit

import (
	"encoding/json"
	"strings"
)

// RedactedValue replaces every PII value. The sentinel is fixed so
// downstream consumers can filter it.
const RedactedValue = "[REDACTED]"

// piiKeys are matched as substrings of the lowercased key name, so
// "driverEmail", "contact_phone" and "card_number" are all caught.
var piiKeys = []string{
	"email",
	"phone",
	"card",
	"cvv",
	"pan",
	"expiry",
	"token",
	"secret",
	"password",
	"authorization",
	"license",
	"passport",
}

func isPIIKey(key string) bool {
	k := strings.ToLower(key)
	for _, p := range piiKeys {
		if strings.Contains(k, p) {
			return true
		}
	}
	return false
}

// Redact walks a JSON document and replaces the value of every PII key
// with the sentinel, recursing through nested objects and arrays. Input
// that is not valid JSON is replaced wholesale rather than leaked.
func Redact(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 {
		return nil
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return json.RawMessage(`"` + RedactedValue + `"`)
	}
	out, err := json.Marshal(redactValue(v))
	if err != nil {
		return json.RawMessage(`"` + RedactedValue + `"`)
	}
	return out
}

func redactValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		for k, inner := range t {
			if isPIIKey(k) {
				t[k] = RedactedValue
				continue
			}
			t[k] = redactValue(inner)
		}
		return t
	case []any:
		for i, inner := range t {
			t[i] = redactValue(inner)
		}
		return t
	default:
		return v
	}
}
