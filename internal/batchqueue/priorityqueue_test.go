package batchqueue

import "testing"

func mustPQEnqueue(t *testing.T, pq *PriorityQueue, level uint32, p *Payload) {
	t.Helper()
	if err := pq.Enqueue(level, p); err != nil {
		t.Fatalf("Enqueue(%d): %v", level, err)
	}
}

// TestPriorityQueueFIFOSingleLevel is scenario S1.
func TestPriorityQueueFIFOSingleLevel(t *testing.T) {
	src := clockStub(0)
	pq := NewPriorityQueue(src)

	a, b, c := &Payload{}, &Payload{}, &Payload{}
	mustPQEnqueue(t, pq, 1, a)
	mustPQEnqueue(t, pq, 1, b)
	mustPQEnqueue(t, pq, 1, c)
	if pq.Size() != 3 {
		t.Fatalf("Size() = %d, want 3", pq.Size())
	}

	for _, want := range []*Payload{a, b, c} {
		got, err := pq.Dequeue()
		if err != nil {
			t.Fatalf("Dequeue(): %v", err)
		}
		if got != want {
			t.Fatalf("Dequeue() = %p, want %p", got, want)
		}
	}
	if pq.Size() != 0 {
		t.Fatalf("Size() = %d, want 0", pq.Size())
	}
	if _, err := pq.Dequeue(); err != ErrEmpty {
		t.Fatalf("Dequeue() on empty error = %v, want ErrEmpty", err)
	}
}

// TestPriorityQueueOrdering is scenario S2: lower-numbered levels drain
// first, FIFO within a level.
func TestPriorityQueueOrdering(t *testing.T) {
	pq := NewPriorityQueueWithPolicies(clockStub(0), DefaultModelQueuePolicy(), 2, nil)

	p2a, p1a, p2b := &Payload{}, &Payload{}, &Payload{}
	mustPQEnqueue(t, pq, 2, p2a)
	mustPQEnqueue(t, pq, 1, p1a)
	mustPQEnqueue(t, pq, 2, p2b)

	want := []*Payload{p1a, p2a, p2b}
	for _, w := range want {
		got, err := pq.Dequeue()
		if err != nil {
			t.Fatalf("Dequeue(): %v", err)
		}
		if got != w {
			t.Fatalf("Dequeue() = %p, want %p", got, w)
		}
	}
}

// TestPriorityQueueInvalidLevel rejects level 0 and out-of-bounds levels.
func TestPriorityQueueInvalidLevel(t *testing.T) {
	pq := NewPriorityQueueWithPolicies(clockStub(0), DefaultModelQueuePolicy(), 2, nil)

	if err := pq.Enqueue(0, &Payload{}); err != ErrInvalidPriority {
		t.Fatalf("Enqueue(0) error = %v, want ErrInvalidPriority", err)
	}
	if err := pq.Enqueue(3, &Payload{}); err != ErrInvalidPriority {
		t.Fatalf("Enqueue(3) error = %v, want ErrInvalidPriority", err)
	}
}

// TestPriorityQueueCursorMarkRestore is scenario S5.
func TestPriorityQueueCursorMarkRestore(t *testing.T) {
	pq := NewPriorityQueue(clockStub(0))

	a, b, c := &Payload{}, &Payload{}, &Payload{}
	mustPQEnqueue(t, pq, 1, a)
	mustPQEnqueue(t, pq, 1, b)
	mustPQEnqueue(t, pq, 1, c)

	pq.ResetCursor()
	pq.ApplyPolicyAtCursor()
	pq.AdvanceCursor() // now includes a, cursor at b

	pq.MarkCursor()
	if count := pq.PendingBatchCount(); count != 1 {
		t.Fatalf("PendingBatchCount() = %d, want 1", count)
	}

	pq.ApplyPolicyAtCursor()
	pq.AdvanceCursor() // includes b
	pq.ApplyPolicyAtCursor()
	pq.AdvanceCursor() // includes c, now at end

	if !pq.CursorEnd() {
		t.Fatalf("CursorEnd() = false after advancing past all 3 entries")
	}
	if count := pq.PendingBatchCount(); count != 3 {
		t.Fatalf("PendingBatchCount() = %d, want 3", count)
	}

	pq.SetCursorToMark()
	if count := pq.PendingBatchCount(); count != 1 {
		t.Fatalf("PendingBatchCount() after restore = %d, want 1", count)
	}
	payload, err := pq.PayloadAtCursor()
	if err != nil {
		t.Fatalf("PayloadAtCursor(): %v", err)
	}
	if payload != b {
		t.Fatalf("PayloadAtCursor() = %p, want %p (b)", payload, b)
	}

	if !pq.IsCursorValid() {
		t.Fatalf("IsCursorValid() = false before any intervening enqueue")
	}
	mustPQEnqueue(t, pq, 1, &Payload{})
	if pq.IsCursorValid() {
		t.Fatalf("IsCursorValid() = true after an intervening enqueue")
	}
}

// TestPriorityQueueApplyPolicyRollsAcrossLevels exercises the cursor
// rolling from an exhausted level into the next non-empty one, including
// when the exhausted level's entries were all rejected.
func TestPriorityQueueApplyPolicyRollsAcrossLevels(t *testing.T) {
	perLevel := map[uint32]ModelQueuePolicy{
		1: {TimeoutAction: Reject, DefaultTimeoutMicros: 1000},
	}
	pq := NewPriorityQueueWithPolicies(clockStub(0), DefaultModelQueuePolicy(), 2, perLevel)

	expiring := &Payload{BatchSize: 1}
	survivor := &Payload{}
	mustPQEnqueue(t, pq, 1, expiring)
	mustPQEnqueue(t, pq, 2, survivor)

	src := pq.clock.(*fakeClock)
	src.ns = 2_000_000

	pq.ResetCursor()
	rejectedSize, delayedSize := pq.ApplyPolicyAtCursor()
	if rejectedSize != 1 {
		t.Fatalf("ApplyPolicyAtCursor() rejected size = %d, want 1", rejectedSize)
	}
	if delayedSize != 0 {
		t.Fatalf("ApplyPolicyAtCursor() delayed size = %d, want 0", delayedSize)
	}
	if pq.CursorEnd() {
		t.Fatalf("CursorEnd() = true, want false (survivor still pending)")
	}
	payload, err := pq.PayloadAtCursor()
	if err != nil || payload != survivor {
		t.Fatalf("PayloadAtCursor() = %v, %v, want survivor, nil", payload, err)
	}
	if pq.Size() != 1 {
		t.Fatalf("Size() = %d, want 1", pq.Size())
	}
}

// TestPriorityQueueSetLevelPolicyTakesEffectLive checks that an admin
// edit to a level's policy changes behavior on the running queue
// immediately, without reconstructing it.
func TestPriorityQueueSetLevelPolicyTakesEffectLive(t *testing.T) {
	pq := NewPriorityQueueWithPolicies(clockStub(0), DefaultModelQueuePolicy(), 1, nil)

	if err := pq.SetLevelPolicy(1, ModelQueuePolicy{TimeoutAction: Reject, MaxQueueSize: 1}); err != nil {
		t.Fatalf("SetLevelPolicy: %v", err)
	}
	mustPQEnqueue(t, pq, 1, &Payload{})
	if err := pq.Enqueue(1, &Payload{}); err != ErrQueueFull {
		t.Fatalf("Enqueue() after tightened policy error = %v, want ErrQueueFull", err)
	}

	if err := pq.ResetLevelPolicy(1); err != nil {
		t.Fatalf("ResetLevelPolicy: %v", err)
	}
	pol, ok := pq.LevelPolicy(1)
	if !ok || pol != DefaultModelQueuePolicy() {
		t.Fatalf("LevelPolicy(1) after reset = %+v, %v, want the default policy", pol, ok)
	}

	if err := pq.SetLevelPolicy(7, ModelQueuePolicy{}); err != ErrInvalidPriority {
		t.Fatalf("SetLevelPolicy(7) error = %v, want ErrInvalidPriority", err)
	}
	if err := pq.ResetLevelPolicy(7); err != ErrInvalidPriority {
		t.Fatalf("ResetLevelPolicy(7) error = %v, want ErrInvalidPriority", err)
	}
}

// TestPriorityQueueSetDefaultPolicy checks the stored default used by
// ResetLevelPolicy can itself be reconfigured.
func TestPriorityQueueSetDefaultPolicy(t *testing.T) {
	pq := NewPriorityQueueWithPolicies(clockStub(0), DefaultModelQueuePolicy(), 1, nil)

	newDefault := ModelQueuePolicy{TimeoutAction: Delay, DefaultTimeoutMicros: 42}
	pq.SetDefaultPolicy(newDefault)
	if got := pq.DefaultPolicy(); got != newDefault {
		t.Fatalf("DefaultPolicy() = %+v, want %+v", got, newDefault)
	}

	if err := pq.ResetLevelPolicy(1); err != nil {
		t.Fatalf("ResetLevelPolicy: %v", err)
	}
	if pol, ok := pq.LevelPolicy(1); !ok || pol != newDefault {
		t.Fatalf("LevelPolicy(1) after reset = %+v, %v, want %+v", pol, ok, newDefault)
	}
}

// fakeClock is a minimal clock.Source stub local to this package's tests,
// avoiding an import cycle concern with internal/clock's own Fake.
type fakeClock struct{ ns uint64 }

func (f *fakeClock) NowNS() uint64 { return f.ns }

func clockStub(start uint64) *fakeClock { return &fakeClock{ns: start} }
