package batchqueue

import (
	"math"
	"sync"

	"github.com/batchsched/inferq/internal/clock"
)

// cursorState is the reversible (level, sub-sequence, offset) pointer used
// for non-destructive batch assembly, plus the aggregates accumulated
// over payloads passed so far. See the Cursor and design
// note on treating it as an abstract triple rather than a raw iterator.
type cursorState struct {
	level        uint32
	queueIdx     int
	atDelayed    bool
	pendingCount int

	oldestEnqueueNS  uint64
	closestTimeoutNS uint64
}

// PriorityQueue fans a single producer/consumer queue out over ascending
// priority levels (lower number dispatched first), delegating per-level
// FIFO and timeout bookkeeping to a PolicyQueue. One mutex guards all
// state, matching the MPSC-with-lookahead concurrency model in
// many producers call Enqueue, one batcher owns the
// cursor walk and Dequeue.
type PriorityQueue struct {
	mu    sync.Mutex
	clock clock.Source

	maxLevel      uint32
	levels        map[uint32]*PolicyQueue
	defaultPolicy ModelQueuePolicy

	size               int
	frontPriorityLevel uint32
	lastPriorityLevel  uint32

	cursor cursorState
	mark   cursorState
	valid  bool

	wake chan struct{}
}

// NewPriorityQueue creates a single implicit level (level 1) governed by
// DefaultModelQueuePolicy, behaving as an unbounded FIFO.
func NewPriorityQueue(src clock.Source) *PriorityQueue {
	return NewPriorityQueueWithPolicies(src, DefaultModelQueuePolicy(), 1, nil)
}

// NewPriorityQueueWithPolicies creates levels 1..=priorityLevels, each
// initialized from perLevel's override if present, else defaultPolicy.
func NewPriorityQueueWithPolicies(src clock.Source, defaultPolicy ModelQueuePolicy, priorityLevels uint32, perLevel map[uint32]ModelQueuePolicy) *PriorityQueue {
	if priorityLevels == 0 {
		priorityLevels = 1
	}

	levels := make(map[uint32]*PolicyQueue, priorityLevels)
	for lvl := uint32(1); lvl <= priorityLevels; lvl++ {
		pol := defaultPolicy
		if override, ok := perLevel[lvl]; ok {
			pol = override
		}
		levels[lvl] = NewPolicyQueue(pol)
	}

	return &PriorityQueue{
		clock:              src,
		maxLevel:           priorityLevels,
		levels:             levels,
		defaultPolicy:      defaultPolicy,
		frontPriorityLevel: priorityLevels,
		lastPriorityLevel:  1,
		wake:               make(chan struct{}, 1),
	}
}

// Now returns the current reading of the injected clock, in nanoseconds,
// the same timebase EnqueueTimeNS is stamped in. Used by callers that
// need to compute a payload's queue wait after Dequeue.
func (pq *PriorityQueue) Now() uint64 {
	return pq.clock.NowNS()
}

// Wake returns the channel the batcher selects on: Enqueue sends on it
// (non-blocking) whenever size transitions 0 -> 1, per §5's condvar
// discipline.
func (pq *PriorityQueue) Wake() <-chan struct{} {
	return pq.wake
}

// Size returns the total number of payloads owned across all levels.
func (pq *PriorityQueue) Size() int {
	pq.mu.Lock()
	defer pq.mu.Unlock()
	return pq.size
}

// LevelSize returns the current active+delayed size for one level, used
// by dashboards and tests. Returns 0 for an undefined level.
func (pq *PriorityQueue) LevelSize(level uint32) int {
	pq.mu.Lock()
	defer pq.mu.Unlock()
	lq, ok := pq.levels[level]
	if !ok {
		return 0
	}
	return lq.Size()
}

// MaxLevel returns the highest configured priority level.
func (pq *PriorityQueue) MaxLevel() uint32 {
	return pq.maxLevel
}

// LevelPolicy returns the policy currently governing level, and false if
// level is not configured.
func (pq *PriorityQueue) LevelPolicy(level uint32) (ModelQueuePolicy, bool) {
	pq.mu.Lock()
	defer pq.mu.Unlock()

	lq, ok := pq.levels[level]
	if !ok {
		return ModelQueuePolicy{}, false
	}
	return lq.Policy(), true
}

// DefaultPolicy returns the policy newly configured levels would be
// seeded with; it does not reach back into levels already constructed.
func (pq *PriorityQueue) DefaultPolicy() ModelQueuePolicy {
	pq.mu.Lock()
	defer pq.mu.Unlock()
	return pq.defaultPolicy
}

// SetDefaultPolicy replaces the queue's stored default, for admin edits
// to the level-0 row. It does not retroactively touch any already-
// constructed level; only ResetLevelPolicy reads it going forward.
func (pq *PriorityQueue) SetDefaultPolicy(policy ModelQueuePolicy) {
	pq.mu.Lock()
	defer pq.mu.Unlock()
	pq.defaultPolicy = policy
}

// SetLevelPolicy reconfigures the governing ModelQueuePolicy for level on
// the running queue, letting admin edits take effect without a restart.
// Entries already queued keep whatever absolute timeout they were
// stamped with; only future enqueues and sweeps observe the new policy.
func (pq *PriorityQueue) SetLevelPolicy(level uint32, policy ModelQueuePolicy) error {
	pq.mu.Lock()
	defer pq.mu.Unlock()

	lq, ok := pq.levels[level]
	if !ok {
		return ErrInvalidPriority
	}
	lq.SetPolicy(policy)
	return nil
}

// ResetLevelPolicy reverts level to the queue's default policy, the
// counterpart to SetLevelPolicy used when an admin deletes a level's
// override row.
func (pq *PriorityQueue) ResetLevelPolicy(level uint32) error {
	pq.mu.Lock()
	defer pq.mu.Unlock()

	lq, ok := pq.levels[level]
	if !ok {
		return ErrInvalidPriority
	}
	lq.SetPolicy(pq.defaultPolicy)
	return nil
}

// Enqueue routes payload to the PolicyQueue for priorityLevel. Level 0 is
// rejected with ErrInvalidPriority; the frontend is responsible for
// resolving "use model default priority" to a concrete level before
// calling Enqueue. Invalidates the cursor.
func (pq *PriorityQueue) Enqueue(priorityLevel uint32, p *Payload) error {
	pq.mu.Lock()
	defer pq.mu.Unlock()

	if priorityLevel == 0 || priorityLevel > pq.maxLevel {
		return ErrInvalidPriority
	}

	lq := pq.levels[priorityLevel]
	now := pq.clock.NowNS()
	if err := lq.Enqueue(p, now); err != nil {
		return err
	}

	pq.size++
	if priorityLevel < pq.frontPriorityLevel {
		pq.frontPriorityLevel = priorityLevel
	}
	if priorityLevel > pq.lastPriorityLevel {
		pq.lastPriorityLevel = priorityLevel
	}
	pq.valid = false
	if pq.size == 1 {
		select {
		case pq.wake <- struct{}{}:
		default:
		}
	}
	return nil
}

// Dequeue pops the next payload in strict priority-major, FIFO-within-
// level order: the lowest-numbered non-empty level's active front, or
// its delayed front if active is empty. An expired active front yields
// ErrStaleHead. Invalidates the cursor.
func (pq *PriorityQueue) Dequeue() (*Payload, error) {
	pq.mu.Lock()
	defer pq.mu.Unlock()

	if pq.size == 0 {
		return nil, ErrEmpty
	}

	start := pq.frontPriorityLevel
	if start < 1 {
		start = 1
	}
	lvl, ok := pq.firstNonEmptyLevelFromLocked(start)
	if !ok {
		return nil, ErrEmpty
	}

	now := pq.clock.NowNS()
	lq := pq.levels[lvl]
	p, err := lq.Dequeue(now)
	if err != nil {
		return nil, err
	}

	pq.size--
	if lq.Empty() {
		if next, ok := pq.firstNonEmptyLevelFromLocked(lvl + 1); ok {
			pq.frontPriorityLevel = next
		}
	}
	pq.valid = false
	return p, nil
}

func (pq *PriorityQueue) firstNonEmptyLevelFromLocked(start uint32) (uint32, bool) {
	for lvl := start; lvl <= pq.maxLevel; lvl++ {
		if pq.levels[lvl].Size() > 0 {
			return lvl, true
		}
	}
	return 0, false
}

// ResetCursor positions the cursor at the front level's head, with empty
// aggregates. Does not apply policy.
func (pq *PriorityQueue) ResetCursor() {
	pq.mu.Lock()
	defer pq.mu.Unlock()
	pq.resetCursorLocked()
}

func (pq *PriorityQueue) resetCursorLocked() {
	lvl := pq.frontPriorityLevel
	if lvl < 1 {
		lvl = 1
	}
	pq.cursor = cursorState{
		level:            lvl,
		oldestEnqueueNS:  math.MaxUint64,
		closestTimeoutNS: math.MaxUint64,
	}
	pq.valid = true
}

// MarkCursor snapshots the current cursor.
func (pq *PriorityQueue) MarkCursor() {
	pq.mu.Lock()
	defer pq.mu.Unlock()
	pq.mark = pq.cursor
}

// SetCursorToMark restores the cursor snapshot taken by MarkCursor. The
// caller must have checked IsCursorValid(); restoring after invalidation
// is a caller bug.
func (pq *PriorityQueue) SetCursorToMark() {
	pq.mu.Lock()
	defer pq.mu.Unlock()
	pq.cursor = pq.mark
}

// IsCursorValid reports whether no Enqueue/Dequeue has happened since the
// last ResetCursor.
func (pq *PriorityQueue) IsCursorValid() bool {
	pq.mu.Lock()
	defer pq.mu.Unlock()
	return pq.valid
}

// ApplyPolicyAtCursor sweeps expired active entries starting at the
// cursor, rejecting or delaying each per its level's policy, rolling
// into the delayed sub-sequence and then into subsequent levels as each
// is exhausted. It stops at the first still-pending payload (which may
// be on a later level than where the cursor started) and returns the
// rejected and delayed batch sizes accumulated during this call.
func (pq *PriorityQueue) ApplyPolicyAtCursor() (rejectedSize int, delayedSize int) {
	pq.mu.Lock()
	defer pq.mu.Unlock()

	now := pq.clock.NowNS()

	for pq.cursor.level <= pq.maxLevel {
		lq := pq.levels[pq.cursor.level]
		newIdx, newAtDelayed, ok, rejCount, rejSize, _, delSize := lq.ApplyPolicyAt(pq.cursor.queueIdx, pq.cursor.atDelayed, now)

		pq.size -= rejCount
		rejectedSize += rejSize
		delayedSize += delSize
		pq.cursor.queueIdx = newIdx
		pq.cursor.atDelayed = newAtDelayed

		if ok {
			break
		}

		pq.cursor.level++
		pq.cursor.queueIdx = 0
		pq.cursor.atDelayed = false
	}

	return rejectedSize, delayedSize
}

// cursorEndLocked implements cursor_end(): the cursor has logically
// included every payload the queue currently owns.
func (pq *PriorityQueue) cursorEndLocked() bool {
	return pq.cursor.pendingCount == pq.size
}

// CursorEnd reports whether the cursor has reached the end of the queue.
func (pq *PriorityQueue) CursorEnd() bool {
	pq.mu.Lock()
	defer pq.mu.Unlock()
	return pq.cursorEndLocked()
}

// PayloadAtCursor returns the payload the cursor currently points to.
// Precondition: !CursorEnd().
func (pq *PriorityQueue) PayloadAtCursor() (*Payload, error) {
	pq.mu.Lock()
	defer pq.mu.Unlock()

	if pq.cursorEndLocked() || pq.cursor.level > pq.maxLevel {
		return nil, ErrEmpty
	}
	return pq.levels[pq.cursor.level].At(pq.cursor.queueIdx, pq.cursor.atDelayed), nil
}

// AdvanceCursor folds the payload currently under the cursor into the
// pending-batch aggregates and steps to the next position. No-op at end.
func (pq *PriorityQueue) AdvanceCursor() {
	pq.mu.Lock()
	defer pq.mu.Unlock()

	if pq.cursorEndLocked() || pq.cursor.level > pq.maxLevel {
		return
	}

	lq := pq.levels[pq.cursor.level]
	p := lq.At(pq.cursor.queueIdx, pq.cursor.atDelayed)

	pq.cursor.pendingCount++
	if p.EnqueueTimeNS < pq.cursor.oldestEnqueueNS {
		pq.cursor.oldestEnqueueNS = p.EnqueueTimeNS
	}
	if p.TimeoutTimestampNS != 0 && p.TimeoutTimestampNS < pq.cursor.closestTimeoutNS {
		pq.cursor.closestTimeoutNS = p.TimeoutTimestampNS
	}

	pq.cursor.queueIdx++

	if !pq.cursor.atDelayed {
		if pq.cursor.queueIdx >= lq.ActiveLen() {
			pq.cursor.queueIdx = 0
			pq.cursor.atDelayed = true
			if lq.DelayedLen() == 0 {
				pq.rollToNextLevelLocked()
			}
		}
		return
	}

	if pq.cursor.queueIdx >= lq.DelayedLen() {
		pq.rollToNextLevelLocked()
	}
}

func (pq *PriorityQueue) rollToNextLevelLocked() {
	for {
		pq.cursor.level++
		pq.cursor.queueIdx = 0
		pq.cursor.atDelayed = false
		if pq.cursor.level > pq.maxLevel {
			return
		}
		lq := pq.levels[pq.cursor.level]
		if lq.ActiveLen() > 0 || lq.DelayedLen() > 0 {
			return
		}
	}
}

// PendingBatchCount, OldestEnqueueTime and ClosestTimeout expose the
// cursor aggregates accumulated by AdvanceCursor.
func (pq *PriorityQueue) PendingBatchCount() int {
	pq.mu.Lock()
	defer pq.mu.Unlock()
	return pq.cursor.pendingCount
}

func (pq *PriorityQueue) OldestEnqueueTime() uint64 {
	pq.mu.Lock()
	defer pq.mu.Unlock()
	return pq.cursor.oldestEnqueueNS
}

func (pq *PriorityQueue) ClosestTimeout() uint64 {
	pq.mu.Lock()
	defer pq.mu.Unlock()
	return pq.cursor.closestTimeoutNS
}

// ReleaseRejectedPayloads drains every level's rejected buffer, in
// ascending level order. Idempotent: a call with nothing newly rejected
// returns nil sub-sequences.
func (pq *PriorityQueue) ReleaseRejectedPayloads() [][]*Payload {
	pq.mu.Lock()
	defer pq.mu.Unlock()

	out := make([][]*Payload, 0, pq.maxLevel)
	for lvl := uint32(1); lvl <= pq.maxLevel; lvl++ {
		out = append(out, pq.levels[lvl].ReleaseRejected())
	}
	return out
}

// ReleaseDelayedLogPayloads drains every level's delayed-log buffer, in
// ascending level order. Idempotent. Unlike ReleaseRejectedPayloads, the
// drained payloads remain owned by the queue for later normal dispatch;
// this only surfaces which ones were moved into delayed, for activity
// logging.
func (pq *PriorityQueue) ReleaseDelayedLogPayloads() [][]*Payload {
	pq.mu.Lock()
	defer pq.mu.Unlock()

	out := make([][]*Payload, 0, pq.maxLevel)
	for lvl := uint32(1); lvl <= pq.maxLevel; lvl++ {
		out = append(out, pq.levels[lvl].ReleaseDelayedLog())
	}
	return out
}
