package batchqueue

// PolicyQueue is a single-priority-level FIFO with timeout bookkeeping,
// max-size enforcement, and rejected/delayed side-buffers. It is not
// safe for concurrent use on its own; PriorityQueue provides the locking.
type PolicyQueue struct {
	policy ModelQueuePolicy

	active           []*Payload
	timeoutTimestamp []uint64 // parallel to active; invariant len(active) == len(timeoutTimestamp)

	delayed  []*Payload
	rejected []*Payload

	// delayedLog records entries moved into delayed by the most recent
	// ApplyPolicyAt sweeps, for activity logging. Distinct from delayed
	// itself: entries stay queued in delayed for normal dispatch, but are
	// drained from delayedLog exactly once by ReleaseDelayedLog.
	delayedLog []*Payload
}

// NewPolicyQueue constructs an empty PolicyQueue governed by policy.
func NewPolicyQueue(policy ModelQueuePolicy) *PolicyQueue {
	return &PolicyQueue{policy: policy}
}

// Policy returns the governing policy.
func (q *PolicyQueue) Policy() ModelQueuePolicy { return q.policy }

// SetPolicy replaces the governing policy, for admin edits applied to a
// running queue. Entries already stamped with an absolute timeout under
// the old policy are not recomputed; only the behavior of future sweeps
// and enqueues changes.
func (q *PolicyQueue) SetPolicy(policy ModelQueuePolicy) { q.policy = policy }

// Size is the total number of payloads still owned by the queue:
// active + delayed. Rejected entries are no longer counted once moved.
func (q *PolicyQueue) Size() int {
	return len(q.active) + len(q.delayed)
}

// Empty reports whether Size() == 0.
func (q *PolicyQueue) Empty() bool { return q.Size() == 0 }

// UnexpiredSize counts entries that would survive an ApplyPolicy sweep at
// now: all of delayed, plus active entries with no deadline or a deadline
// still in the future.
func (q *PolicyQueue) UnexpiredSize(now uint64) int {
	n := len(q.delayed)
	for _, ts := range q.timeoutTimestamp {
		if ts == 0 || ts > now {
			n++
		}
	}
	return n
}

// Enqueue appends a payload to active, stamping EnqueueTimeNS and the
// resolved absolute timeout. Fails with ErrQueueFull if the level's
// MaxQueueSize is already reached; the payload is not retained in that
// case.
func (q *PolicyQueue) Enqueue(p *Payload, now uint64) error {
	if q.policy.MaxQueueSize > 0 && uint32(q.Size()) >= q.policy.MaxQueueSize {
		return ErrQueueFull
	}

	effMicros := q.policy.effectiveTimeoutMicros(p.Request)
	var ts uint64
	if effMicros != 0 {
		ts = now + effMicros*1000
	}

	p.EnqueueTimeNS = now
	p.TimeoutTimestampNS = ts

	q.active = append(q.active, p)
	q.timeoutTimestamp = append(q.timeoutTimestamp, ts)
	return nil
}

// Dequeue pops the next payload owned by the queue: the active front if
// active is non-empty, otherwise the delayed front.
//
// By design, a caller is expected to have run
// ApplyPolicy over the active prefix before calling Dequeue. If the
// active head is found expired here anyway, Dequeue returns ErrStaleHead
// rather than silently handing back a stale payload or silently skipping
// it.
func (q *PolicyQueue) Dequeue(now uint64) (*Payload, error) {
	if q.Empty() {
		return nil, ErrEmpty
	}

	if len(q.active) > 0 {
		ts := q.timeoutTimestamp[0]
		if ts == 0 || ts > now {
			p := q.active[0]
			q.active = q.active[1:]
			q.timeoutTimestamp = q.timeoutTimestamp[1:]
			return p, nil
		}
		return nil, ErrStaleHead
	}

	p := q.delayed[0]
	q.delayed = q.delayed[1:]
	return p, nil
}

// ApplyPolicyAt inspects the entry at idx in the sub-sequence selected by
// atDelayed (delayed entries never expire, so when atDelayed is true this
// only reports presence) and sweeps any expired active entries starting
// at idx, rejecting or delaying each per the governing TimeoutAction. It
// never advances idx past a still-pending entry: a removed entry is
// replaced in place by the next one, which is then itself inspected.
//
// Returns the (possibly updated) cursor position, whether a payload
// exists there, and the rejection/delay counts and batch-sizes
// accumulated by this call (for metrics and activity logging; matches
// rejected_count/rejected_batch_size in the source semantics, extended
// with the delay-side equivalents).
func (q *PolicyQueue) ApplyPolicyAt(idx int, atDelayed bool, now uint64) (newIdx int, newAtDelayed bool, ok bool, rejectedCount int, rejectedBatchSize int, delayedCount int, delayedBatchSize int) {
	if !atDelayed {
		for idx < len(q.active) {
			ts := q.timeoutTimestamp[idx]
			if ts == 0 || ts > now {
				return idx, false, true, rejectedCount, rejectedBatchSize, delayedCount, delayedBatchSize
			}

			entry := q.active[idx]
			q.active = append(q.active[:idx], q.active[idx+1:]...)
			q.timeoutTimestamp = append(q.timeoutTimestamp[:idx], q.timeoutTimestamp[idx+1:]...)

			switch q.policy.TimeoutAction {
			case Reject:
				q.rejected = append(q.rejected, entry)
				rejectedCount++
				rejectedBatchSize += entry.BatchSize
			case Delay:
				entry.TimeoutTimestampNS = 0
				q.delayed = append(q.delayed, entry)
				q.delayedLog = append(q.delayedLog, entry)
				delayedCount++
				delayedBatchSize += entry.BatchSize
			}
			// idx unchanged: the next entry now occupies it.
		}
		// active exhausted from idx onward; roll into delayed.
		idx = 0
		atDelayed = true
	}

	if idx < len(q.delayed) {
		return idx, true, true, rejectedCount, rejectedBatchSize, delayedCount, delayedBatchSize
	}
	return idx, true, false, rejectedCount, rejectedBatchSize, delayedCount, delayedBatchSize
}

// At returns the payload at idx in the selected sub-sequence.
func (q *PolicyQueue) At(idx int, atDelayed bool) *Payload {
	if atDelayed {
		return q.delayed[idx]
	}
	return q.active[idx]
}

// TimeoutAt returns the stored absolute timeout for idx in the selected
// sub-sequence. Delayed entries always report 0 (they never expire
// again).
func (q *PolicyQueue) TimeoutAt(idx int, atDelayed bool) uint64 {
	if atDelayed {
		return 0
	}
	return q.timeoutTimestamp[idx]
}

// ActiveLen and DelayedLen expose sub-sequence lengths, used by
// PriorityQueue's cursor to decide when to roll over.
func (q *PolicyQueue) ActiveLen() int  { return len(q.active) }
func (q *PolicyQueue) DelayedLen() int { return len(q.delayed) }

// ReleaseRejected moves the rejected buffer out, clearing it. Idempotent:
// a second immediate call returns nil.
func (q *PolicyQueue) ReleaseRejected() []*Payload {
	if len(q.rejected) == 0 {
		return nil
	}
	out := q.rejected
	q.rejected = nil
	return out
}

// ReleaseDelayedLog moves the delayed-log buffer out, clearing it.
// Idempotent: a second immediate call returns nil. The payloads
// themselves remain queued in delayed; this only drains the record of
// which ones were moved there, for activity logging.
func (q *PolicyQueue) ReleaseDelayedLog() []*Payload {
	if len(q.delayedLog) == 0 {
		return nil
	}
	out := q.delayedLog
	q.delayedLog = nil
	return out
}
