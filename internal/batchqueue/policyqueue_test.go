package batchqueue

import "testing"

func mustEnqueue(t *testing.T, q *PolicyQueue, p *Payload, now uint64) {
	t.Helper()
	if err := q.Enqueue(p, now); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
}

// TestPolicyQueueRejectTimeout is scenario S3: both entries expire under
// REJECT and land in the rejected buffer with the right aggregate size.
func TestPolicyQueueRejectTimeout(t *testing.T) {
	q := NewPolicyQueue(ModelQueuePolicy{TimeoutAction: Reject, DefaultTimeoutMicros: 1000})

	a := &Payload{BatchSize: 4}
	b := &Payload{BatchSize: 2}
	mustEnqueue(t, q, a, 0)
	mustEnqueue(t, q, b, 0)

	now := uint64(2 * 1000 * 1000) // 2ms
	idx, atDelayed, ok, rejCount, rejSize, delCount, delSize := q.ApplyPolicyAt(0, false, now)

	if ok {
		t.Fatalf("expected ok=false (cursor end), got idx=%d atDelayed=%v", idx, atDelayed)
	}
	if rejCount != 2 || rejSize != 6 {
		t.Fatalf("got rejCount=%d rejSize=%d, want 2, 6", rejCount, rejSize)
	}
	if delCount != 0 || delSize != 0 {
		t.Fatalf("got delCount=%d delSize=%d, want 0, 0", delCount, delSize)
	}
	if q.Size() != 0 {
		t.Fatalf("Size() = %d, want 0", q.Size())
	}

	rejected := q.ReleaseRejected()
	if len(rejected) != 2 || rejected[0] != a || rejected[1] != b {
		t.Fatalf("ReleaseRejected() = %v, want [a b]", rejected)
	}
	if second := q.ReleaseRejected(); second != nil {
		t.Fatalf("second ReleaseRejected() = %v, want nil", second)
	}
}

// TestPolicyQueueDelayTimeout is scenario S4: expired entries move to
// delayed with their deadline cleared, and dequeue in order afterward.
func TestPolicyQueueDelayTimeout(t *testing.T) {
	q := NewPolicyQueue(ModelQueuePolicy{TimeoutAction: Delay, DefaultTimeoutMicros: 1000})

	a := &Payload{BatchSize: 4}
	b := &Payload{BatchSize: 2}
	mustEnqueue(t, q, a, 0)
	mustEnqueue(t, q, b, 0)

	now := uint64(2 * 1000 * 1000)
	idx, atDelayed, ok, rejCount, _, delCount, delSize := q.ApplyPolicyAt(0, false, now)
	if rejCount != 0 {
		t.Fatalf("rejCount = %d, want 0", rejCount)
	}
	if delCount != 2 || delSize != 6 {
		t.Fatalf("got delCount=%d delSize=%d, want 2, 6", delCount, delSize)
	}
	if q.Size() != 2 {
		t.Fatalf("Size() = %d, want 2", q.Size())
	}
	if !ok || !atDelayed || idx != 0 {
		t.Fatalf("got idx=%d atDelayed=%v ok=%v, want 0 true true", idx, atDelayed, ok)
	}

	delayedLog := q.ReleaseDelayedLog()
	if len(delayedLog) != 2 || delayedLog[0] != a || delayedLog[1] != b {
		t.Fatalf("ReleaseDelayedLog() = %v, want [a b]", delayedLog)
	}
	if second := q.ReleaseDelayedLog(); second != nil {
		t.Fatalf("second ReleaseDelayedLog() = %v, want nil", second)
	}

	got, err := q.Dequeue(now)
	if err != nil || got != a {
		t.Fatalf("Dequeue() = %v, %v, want a, nil", got, err)
	}
	got, err = q.Dequeue(now + 1_000_000_000)
	if err != nil || got != b {
		t.Fatalf("Dequeue() = %v, %v, want b, nil", got, err)
	}
}

// TestPolicyQueueMaxSize is scenario S6: a third enqueue past max_queue_size
// fails and is never retained.
func TestPolicyQueueMaxSize(t *testing.T) {
	q := NewPolicyQueue(ModelQueuePolicy{TimeoutAction: Reject, MaxQueueSize: 2})

	mustEnqueue(t, q, &Payload{}, 0)
	mustEnqueue(t, q, &Payload{}, 0)

	if err := q.Enqueue(&Payload{}, 0); err != ErrQueueFull {
		t.Fatalf("Enqueue() error = %v, want ErrQueueFull", err)
	}
	if q.Size() != 2 {
		t.Fatalf("Size() = %d, want 2", q.Size())
	}
	if rejected := q.ReleaseRejected(); rejected != nil {
		t.Fatalf("ReleaseRejected() = %v, want nil", rejected)
	}
}

// TestPolicyQueueDequeueStaleHeadIsLoud covers invariant 6's flip side:
// if a caller dequeues without applying policy first, an expired head is
// reported rather than silently handed back.
func TestPolicyQueueDequeueStaleHeadIsLoud(t *testing.T) {
	q := NewPolicyQueue(ModelQueuePolicy{TimeoutAction: Reject, DefaultTimeoutMicros: 1000})
	mustEnqueue(t, q, &Payload{}, 0)

	if _, err := q.Dequeue(2_000_000); err != ErrStaleHead {
		t.Fatalf("Dequeue() error = %v, want ErrStaleHead", err)
	}
}

// TestPolicyQueueOverrideTimeout exercises effectiveTimeoutMicros: a
// request's own timeout wins only when the policy allows it.
func TestPolicyQueueOverrideTimeout(t *testing.T) {
	q := NewPolicyQueue(ModelQueuePolicy{TimeoutAction: Reject, DefaultTimeoutMicros: 1000, AllowTimeoutOverride: true})

	p := &Payload{Request: Request{TimeoutMicros: 5000}}
	mustEnqueue(t, q, p, 0)

	if p.TimeoutTimestampNS != 5000*1000 {
		t.Fatalf("TimeoutTimestampNS = %d, want %d", p.TimeoutTimestampNS, 5000*1000)
	}
}
