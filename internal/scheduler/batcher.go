// Package scheduler owns the batch-assembly protocol: a single goroutine
// that drains a batchqueue.PriorityQueue by cursor, groups
// shape-compatible payloads up to a batch-size limit, and dispatches the
// committed batch to a runner.Runner.
package scheduler

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/batchsched/inferq/internal/activity"
	"github.com/batchsched/inferq/internal/apierr"
	"github.com/batchsched/inferq/internal/batchqueue"
	"github.com/batchsched/inferq/internal/metrics"
	"github.com/batchsched/inferq/internal/runner"
	"github.com/batchsched/inferq/internal/shapecompat"
)

// Batcher runs the batch-assembly protocol in a single goroutine: one
// thread owns cursor movement, policy application, and dispatch, so
// no locking is needed around batch assembly itself.
type Batcher struct {
	Queue        *batchqueue.PriorityQueue
	Runner       runner.Runner
	MaxBatchSize int

	RunnerID          int64
	EnforceEqualShape map[string]bool
	PeekFunc          shapecompat.PeekFunc

	Activity *activity.Log
	Metrics  *metrics.EWMATracker

	// PollInterval is the bounded fallback so a Runner reconnect or a
	// policy edit is noticed even without a fresh Enqueue.
	PollInterval time.Duration

	// ExecuteTimeout bounds how long ExecuteBatch may take before its
	// batch is treated as failed.
	ExecuteTimeout time.Duration
}

// NewBatcher constructs a Batcher with sane defaults for the two
// timers.
func NewBatcher(q *batchqueue.PriorityQueue, r runner.Runner, maxBatchSize int, peek shapecompat.PeekFunc, enforceEqual map[string]bool) *Batcher {
	return &Batcher{
		Queue:             q,
		Runner:            r,
		MaxBatchSize:      maxBatchSize,
		PeekFunc:          peek,
		EnforceEqualShape: enforceEqual,
		PollInterval:      50 * time.Millisecond,
		ExecuteTimeout:    30 * time.Second,
	}
}

// Run blocks, assembling and dispatching batches until ctx is canceled.
func (b *Batcher) Run(ctx context.Context) {
	poll := time.NewTicker(b.pollInterval())
	defer poll.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-b.Queue.Wake():
			b.drain(ctx)
		case <-poll.C:
			b.drain(ctx)
		}
	}
}

func (b *Batcher) pollInterval() time.Duration {
	if b.PollInterval <= 0 {
		return 50 * time.Millisecond
	}
	return b.PollInterval
}

// drain keeps assembling and committing batches back to back until a
// pass finds nothing left to commit.
func (b *Batcher) drain(ctx context.Context) {
	for b.assembleOnce(ctx) {
	}
}

// assembleOnce runs the batch-assembly protocol once. Returns true if it committed
// a batch (the caller should immediately try again for more).
func (b *Batcher) assembleOnce(ctx context.Context) bool {
	q := b.Queue

	q.ResetCursor()
	b.sweepRejections(q.ApplyPolicyAtCursor())
	if q.CursorEnd() {
		return false
	}

	first, err := q.PayloadAtCursor()
	if err != nil {
		return false
	}

	pending := shapecompat.PendingBatchShapes{}
	if err := shapecompat.InitPendingShape(b.RunnerID, first, b.EnforceEqualShape, b.PeekFunc, pending); err != nil {
		b.rejectStuckHead(err)
		return true
	}
	q.AdvanceCursor()

	for {
		b.sweepRejections(q.ApplyPolicyAtCursor())
		if q.CursorEnd() {
			break
		}

		candidate, err := q.PayloadAtCursor()
		if err != nil {
			q.MarkCursor()
			break
		}

		full := q.PendingBatchCount() >= b.MaxBatchSize
		if !full && shapecompat.CompareWithPendingShape(b.RunnerID, candidate, b.PeekFunc, pending) {
			q.AdvanceCursor()
			continue
		}

		q.MarkCursor()
		break
	}

	return b.commit(ctx)
}

// rejectStuckHead removes the payload currently blocking assembly (its
// shape could not be read) and delivers a fatal rejection, per
// the batcher's ShapePeekFailed handling.
func (b *Batcher) rejectStuckHead(cause error) {
	p, err := b.Queue.Dequeue()
	if err != nil {
		return
	}
	p.Reject(fmt.Errorf("%w: %v", shapecompat.ErrShapePeekFailed, cause))
}

// sweepRejections drains and delivers whatever ApplyPolicyAtCursor moved
// to each level's rejected and delayed-log buffers, logging one activity
// event per nonempty level per kind. rejectedSize/delayedSize are not
// consulted: they sum Payload.BatchSize, which may be 0 for an entry that
// was still moved, so both buffers are always drained.
// ReleaseRejectedPayloads and ReleaseDelayedLogPayloads are the source of
// truth for which payloads to notify. Delayed payloads are never handed
// to their sink: they remain queued for ordinary dispatch, unlike
// rejected payloads.
func (b *Batcher) sweepRejections(rejectedSize, delayedSize int) {
	if perLevel := b.Queue.ReleaseRejectedPayloads(); len(perLevel) > 0 {
		for level, payloads := range perLevel {
			if len(payloads) == 0 {
				continue
			}
			ids := make([]string, 0, len(payloads))
			for _, p := range payloads {
				p.Reject(apierr.New(apierr.DeadlineExceeded, batchqueue.ErrDeadlineExceeded))
				ids = append(ids, p.Request.ID)
			}
			if b.Activity != nil {
				b.Activity.Add(activity.Event{
					At:            time.Now(),
					Kind:          activity.EventReject,
					PriorityLevel: uint32(level + 1),
					RequestIDs:    ids,
					BatchSize:     len(ids),
					Note:          "deadline exceeded",
				})
			}
		}
	}

	if perLevel := b.Queue.ReleaseDelayedLogPayloads(); len(perLevel) > 0 {
		for level, payloads := range perLevel {
			if len(payloads) == 0 {
				continue
			}
			ids := make([]string, 0, len(payloads))
			for _, p := range payloads {
				ids = append(ids, p.Request.ID)
			}
			if b.Activity != nil {
				b.Activity.Add(activity.Event{
					At:            time.Now(),
					Kind:          activity.EventDelay,
					PriorityLevel: uint32(level + 1),
					RequestIDs:    ids,
					BatchSize:     len(ids),
					Note:          "deadline exceeded, delayed",
				})
			}
		}
	}
}

// commit dequeues exactly PendingBatchCount payloads and dispatches them
// as one batch to the Runner.
func (b *Batcher) commit(ctx context.Context) bool {
	q := b.Queue
	count := q.PendingBatchCount()
	if count == 0 {
		q.ResetCursor()
		return false
	}

	payloads := make([]*batchqueue.Payload, 0, count)
	for i := 0; i < count; i++ {
		p, err := q.Dequeue()
		if err != nil {
			log.Printf("scheduler: commit dequeue: %v", err)
			break
		}
		payloads = append(payloads, p)
	}
	if len(payloads) == 0 {
		return false
	}

	level := payloads[0].Request.Priority
	req := toBatchRequest(payloads)

	execCtx, cancel := context.WithTimeout(ctx, b.executeTimeout())
	defer cancel()

	result, err := b.Runner.ExecuteBatch(execCtx, req)
	if err != nil {
		for _, p := range payloads {
			p.Reject(apierr.Wrapf(apierr.RunnerUnavailable, "runner unavailable: %v", err))
		}
		if b.Activity != nil {
			ids := requestIDs(payloads)
			b.Activity.Add(activity.Event{
				At:            time.Now(),
				Kind:          activity.EventReject,
				PriorityLevel: level,
				RequestIDs:    ids,
				BatchSize:     len(ids),
				Note:          fmt.Sprintf("runner unavailable: %v", err),
			})
		}
		return true
	}

	deliverResults(payloads, result)

	if b.Metrics != nil {
		nowNS := q.Now()
		waits := make([]time.Duration, len(payloads))
		for i, p := range payloads {
			waits[i] = time.Duration(nowNS - p.EnqueueTimeNS)
		}
		b.Metrics.ObserveBatch(level, waits)
	}
	if b.Activity != nil {
		b.Activity.Add(activity.Event{
			At:            time.Now(),
			Kind:          activity.EventCommit,
			PriorityLevel: level,
			RequestIDs:    requestIDs(payloads),
			BatchSize:     len(payloads),
		})
	}
	return true
}

func (b *Batcher) executeTimeout() time.Duration {
	if b.ExecuteTimeout <= 0 {
		return 30 * time.Second
	}
	return b.ExecuteTimeout
}

func requestIDs(payloads []*batchqueue.Payload) []string {
	ids := make([]string, len(payloads))
	for i, p := range payloads {
		ids[i] = p.Request.ID
	}
	return ids
}

func toBatchRequest(payloads []*batchqueue.Payload) runner.BatchRequest {
	items := make([]runner.RequestItem, len(payloads))
	for i, p := range payloads {
		inputs := make(map[string]runner.TensorPayload, len(p.Request.RawInputs))
		for name, t := range p.Request.RawInputs {
			inputs[name] = runner.TensorPayload{Shape: t.Shape, Data: t.Memory}
		}
		items[i] = runner.RequestItem{
			RequestID:        p.Request.ID,
			CorrelationID:    p.Request.CorrelationID,
			Inputs:           inputs,
			RequestedOutputs: p.Request.RequestedOutputs,
		}
	}
	return runner.BatchRequest{BatchID: uuid.NewString(), Items: items}
}

func deliverResults(payloads []*batchqueue.Payload, result runner.BatchResult) {
	byID := make(map[string]runner.ItemResult, len(result.Items))
	for _, item := range result.Items {
		byID[item.RequestID] = item
	}
	for _, p := range payloads {
		item, ok := byID[p.Request.ID]
		if !ok {
			p.Reject(apierr.Wrapf(apierr.RunnerUnavailable, "runner response missing request %s", p.Request.ID))
			continue
		}
		if item.Err != "" {
			p.Reject(fmt.Errorf("executor: %s", item.Err))
			continue
		}
		if sink, ok := p.ResponseSink.(runner.ResultSink); ok {
			sink.Deliver(item)
			continue
		}
		p.Reject(nil)
	}
}
