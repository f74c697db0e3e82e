package telemetry

import "go.opentelemetry.io/otel/attribute"

// tagAttrs converts "key", "value" pairs into OTEL attributes. An odd tag
// out is dropped since there is no value to pair it with.
func tagAttrs(tags []string) []attribute.KeyValue {
	attrs := make([]attribute.KeyValue, 0, len(tags)/2)
	for i := 0; i+1 < len(tags); i += 2 {
		attrs = append(attrs, attribute.String(tags[i], tags[i+1]))
	}
	return attrs
}
