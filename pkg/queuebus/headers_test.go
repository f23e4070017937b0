package queuebus

import (
	"testing"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
)

func TestRetryCount(t *testing.T) {
	assert.Equal(t, 0, RetryCount(nil))
	assert.Equal(t, 0, RetryCount(amqp.Table{}))
	assert.Equal(t, 2, RetryCount(amqp.Table{RetryHeader: int32(2)}))
	assert.Equal(t, 4, RetryCount(amqp.Table{RetryHeader: int64(4)}))
	assert.Equal(t, 1, RetryCount(amqp.Table{RetryHeader: 1}))
	// unknown encodings count as zero
	assert.Equal(t, 0, RetryCount(amqp.Table{RetryHeader: "2"}))
}

func TestWithRetryPreservesOtherHeaders(t *testing.T) {
	in := amqp.Table{
		TraceparentHeader: "00-abc-def-01",
		RetryHeader:       int32(1),
	}
	out := WithRetry(in, 2)

	assert.Equal(t, 2, RetryCount(out))
	assert.Equal(t, "00-abc-def-01", out[TraceparentHeader])
	// input untouched
	assert.Equal(t, 1, RetryCount(in))
}

func TestQueuePriorities(t *testing.T) {
	assert.EqualValues(t, PriorityMax, Priority(QueueTriage))
	assert.EqualValues(t, PriorityMax, Priority(QueuePatch))
	assert.EqualValues(t, PriorityMax, Priority(QueueTimeout))
	assert.EqualValues(t, 0, Priority(QueueCorpus))
	assert.EqualValues(t, 0, Priority(QueueCmin))
}
