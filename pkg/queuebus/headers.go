package queuebus

import amqp "github.com/rabbitmq/amqp091-go"

// Header keys carried across stages.
const (
	// RetryHeader counts how many times a message was requeued to tail.
	RetryHeader = "x-retry"
	// TraceparentHeader carries the producer span context.
	TraceparentHeader = "traceparent"
	// SliceResultHeader carries a slice result path on directed forwards.
	SliceResultHeader = "slice_result"
)

// RetryCount reads the retry header, tolerating the integer encodings the
// broker round-trips (int32/int64/string are all observed in the wild).
func RetryCount(headers amqp.Table) int {
	if headers == nil {
		return 0
	}
	switch v := headers[RetryHeader].(type) {
	case int:
		return v
	case int8:
		return int(v)
	case int16:
		return int(v)
	case int32:
		return int(v)
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return 0
}

// WithRetry returns a copy of headers with the retry count set.
func WithRetry(headers amqp.Table, n int) amqp.Table {
	out := amqp.Table{}
	for k, v := range headers {
		out[k] = v
	}
	out[RetryHeader] = int32(n)
	return out
}
