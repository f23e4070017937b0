package queuebus

// Stage queue names. Every inter-stage queue is durable; the ones marked
// with a priority ceiling deliver higher priorities first.
const (
	QueueCorpus     = "corpus_queue"
	QueueCmin       = "cmin_queue"
	QueueSeedgen    = "seedgen_queue"
	QueueSlice      = "slice_queue"
	QueueSliceR18   = "slice_queue_R18"
	QueueDirected   = "directed_queue"
	QueueTriage     = "triage_queue"
	QueueDedup      = "dedup_queue"
	QueueTimeout    = "timeout_queue"
	QueuePatch      = "patch_queue"
)

// PriorityMax is the ceiling declared on priority queues.
const PriorityMax = 10

// priorityQueues lists the queues declared with x-max-priority.
var priorityQueues = map[string]bool{
	QueueTriage:  true,
	QueueTimeout: true,
	QueuePatch:   true,
}

// Priority returns the declared priority ceiling for a queue, 0 for plain
// FIFO queues.
func Priority(queue string) uint8 {
	if priorityQueues[queue] {
		return PriorityMax
	}
	return 0
}

// DeclareAll declares the full stage topology. Idempotent; every worker
// calls it on startup so ordering between workers does not matter.
func (b *Bus) DeclareAll() error {
	for _, q := range []string{
		QueueCorpus, QueueCmin, QueueSeedgen,
		QueueSlice, QueueSliceR18, QueueDirected,
		QueueTriage, QueueDedup, QueueTimeout, QueuePatch,
	} {
		if err := b.Declare(q, Priority(q)); err != nil {
			return err
		}
	}
	return nil
}
