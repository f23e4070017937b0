package worker

import (
	"errors"

	"github.com/b3yond/bugbuster/pkg/messages"
)

// Outcome is the terminal broker action for one delivery.
type Outcome int

const (
	// OutcomeAck confirms the delivery: the work is done or was
	// intentionally skipped.
	OutcomeAck Outcome = iota
	// OutcomeDrop rejects without requeue: the message can never be
	// processed.
	OutcomeDrop
	// OutcomeRequeue republishes to the tail with x-retry incremented.
	OutcomeRequeue
)

// ErrSkip marks work a stage deliberately did not do: the task is
// inactive, the artifact already exists, or an upstream gate closed. The
// delivery is acked.
var ErrSkip = errors.New("worker: skipped")

// Classify maps a stage error to its broker outcome. Anything that is
// neither success, skip nor poison is presumed recoverable; the retry
// gate bounds how often that presumption is tested.
func Classify(err error) Outcome {
	if err == nil || errors.Is(err, ErrSkip) {
		return OutcomeAck
	}
	var poison *messages.PoisonError
	if errors.As(err, &poison) {
		return OutcomeDrop
	}
	return OutcomeRequeue
}
