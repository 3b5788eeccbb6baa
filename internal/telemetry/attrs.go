package telemetry

import (
	"fmt"

	"go.opentelemetry.io/otel/attribute"
)

// tagsToAttrs converts "key", "value", "key", "value", ... pairs into OTEL
// attributes, dropping a trailing unpaired key.
func tagsToAttrs(tags []string) []attribute.KeyValue {
	attrs := make([]attribute.KeyValue, 0, len(tags)/2)
	for i := 0; i+1 < len(tags); i += 2 {
		attrs = append(attrs, attribute.String(tags[i], tags[i+1]))
	}
	return attrs
}

// kvsToAttrs converts alternating key/value pairs of arbitrary types into
// OTEL attributes, stringifying non-string values.
func kvsToAttrs(kvs []any) []attribute.KeyValue {
	attrs := make([]attribute.KeyValue, 0, len(kvs)/2)
	for i := 0; i+1 < len(kvs); i += 2 {
		key, ok := kvs[i].(string)
		if !ok {
			key = fmt.Sprintf("%v", kvs[i])
		}
		attrs = append(attrs, attribute.String(key, fmt.Sprintf("%v", kvs[i+1])))
	}
	return attrs
}
