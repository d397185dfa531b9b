package telemetry

import (
	"sort"
	"strings"

	"go.opentelemetry.io/otel/attribute"
)

// denyKeys never reach span attributes: document text and credentials.
var denyKeys = []string{
	"text",
	"context",
	"snippet",
	"example",
	"authorization",
	"api_key",
	"token",
	"email",
}

const (
	maxAttrString = 512
	maxAttrSlice  = 32
)

// SafeAttributes converts values into span attributes in key order. Keys that
// could carry document text or credentials are dropped, as are oversized
// strings and unsupported types.
func SafeAttributes(values map[string]any) []attribute.KeyValue {
	if len(values) == 0 {
		return nil
	}
	keys := make([]string, 0, len(values))
	for k := range values {
		if !denied(k) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	attrs := make([]attribute.KeyValue, 0, len(keys))
	for _, k := range keys {
		if kv, ok := toAttribute(k, values[k]); ok {
			attrs = append(attrs, kv)
		}
	}
	return attrs
}

func denied(key string) bool {
	lk := strings.ToLower(key)
	for _, bad := range denyKeys {
		if strings.Contains(lk, bad) {
			return true
		}
	}
	return false
}

func toAttribute(k string, v any) (attribute.KeyValue, bool) {
	switch val := v.(type) {
	case string:
		if len(val) > maxAttrString {
			return attribute.KeyValue{}, false
		}
		return attribute.String(k, val), true
	case bool:
		return attribute.Bool(k, val), true
	case int:
		return attribute.Int(k, val), true
	case int64:
		return attribute.Int64(k, val), true
	case float64:
		return attribute.Float64(k, val), true
	case []string:
		return attribute.StringSlice(k, val[:min(len(val), maxAttrSlice)]), true
	}
	return attribute.KeyValue{}, false
}
