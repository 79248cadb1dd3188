package batchqueue

import "errors"

// Sentinel errors returned by the queue. The batcher/frontend maps these
// to caller-facing status codes; the queue itself never recovers from
// them.
var (
	// ErrQueueFull is returned synchronously from Enqueue when the target
	// level's max_queue_size is exceeded. The payload is not retained.
	ErrQueueFull = errors.New("batchqueue: queue full")

	// ErrDeadlineExceeded is delivered to a payload's response sink when
	// its deadline passes under the REJECT timeout action.
	ErrDeadlineExceeded = errors.New("batchqueue: deadline exceeded")

	// ErrInvalidPriority is returned synchronously from Enqueue when the
	// priority level is 0 or outside the configured bounds.
	ErrInvalidPriority = errors.New("batchqueue: invalid priority level")

	// ErrEmpty is returned synchronously from Dequeue when the queue is
	// empty. Treated as a programming error: callers must check size or
	// CursorEnd before dequeuing.
	ErrEmpty = errors.New("batchqueue: dequeue on empty queue")

	// ErrStaleHead is an internal-last-resort signal: Dequeue found an
	// expired head-of-active entry that ApplyPolicyAtCursor should have
	// already swept. See the design notes on the Dequeue/expiry
	// open question.
	ErrStaleHead = errors.New("batchqueue: stale head, apply policy before dequeue")
)
