package ingest

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/batchsched/inferq/internal/activity"
	"github.com/batchsched/inferq/internal/batchqueue"
	"github.com/batchsched/inferq/internal/runner"
)

type fakeClock struct{ ns uint64 }

func (f *fakeClock) NowNS() uint64 { return f.ns }

func TestHandlerDeliversResultOnceDequeued(t *testing.T) {
	q := batchqueue.NewPriorityQueue(&fakeClock{})
	h := NewHandler(q, nil)

	body := `{"id":"r1","priority":1,"inputs":{}}`
	req := httptest.NewRequest(http.MethodPost, "/v1/infer", bytes.NewBufferString(body))
	rec := httptest.NewRecorder()

	done := make(chan struct{})
	go func() {
		h.ServeHTTP(rec, req)
		close(done)
	}()

	waitForSize(t, q, 1)
	p, err := q.Dequeue()
	if err != nil {
		t.Fatalf("Dequeue: %v", err)
	}
	sink := p.ResponseSink.(runner.ResultSink)
	sink.Deliver(runner.ItemResult{RequestID: "r1", Outputs: map[string]runner.TensorPayload{"y": {Data: []byte("ok")}}})

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("handler did not return after Deliver")
	}

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200; body=%s", rec.Code, rec.Body.String())
	}
	var out runner.ItemResult
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if out.RequestID != "r1" {
		t.Fatalf("RequestID = %q, want r1", out.RequestID)
	}
}

func TestHandlerRejectsInvalidPriority(t *testing.T) {
	q := batchqueue.NewPriorityQueue(&fakeClock{})
	h := NewHandler(q, nil)

	body := `{"id":"r1","priority":0,"inputs":{}}`
	req := httptest.NewRequest(http.MethodPost, "/v1/infer", bytes.NewBufferString(body))
	rec := httptest.NewRecorder()

	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400 for priority level 0", rec.Code)
	}
}

func TestHandlerReportsQueueFullAs429(t *testing.T) {
	q := batchqueue.NewPriorityQueueWithPolicies(&fakeClock{}, batchqueue.DefaultModelQueuePolicy(), 1,
		map[uint32]batchqueue.ModelQueuePolicy{1: {MaxQueueSize: 1}})
	h := NewHandler(q, nil)

	if err := q.Enqueue(1, &batchqueue.Payload{Request: batchqueue.Request{ID: "already-queued"}}); err != nil {
		t.Fatalf("seed Enqueue: %v", err)
	}

	body := `{"id":"overflow","priority":1,"inputs":{}}`
	req := httptest.NewRequest(http.MethodPost, "/v1/infer", bytes.NewBufferString(body))
	rec := httptest.NewRecorder()

	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", rec.Code)
	}
}

func TestHandlerLogsEnqueueActivity(t *testing.T) {
	q := batchqueue.NewPriorityQueue(&fakeClock{})
	h := NewHandler(q, nil)
	h.Activity = activity.New(10)

	body := `{"id":"r1","priority":1,"inputs":{}}`
	req := httptest.NewRequest(http.MethodPost, "/v1/infer", bytes.NewBufferString(body))
	rec := httptest.NewRecorder()

	done := make(chan struct{})
	go func() {
		h.ServeHTTP(rec, req)
		close(done)
	}()

	waitForSize(t, q, 1)
	p, err := q.Dequeue()
	if err != nil {
		t.Fatalf("Dequeue: %v", err)
	}
	p.ResponseSink.(runner.ResultSink).Deliver(runner.ItemResult{RequestID: "r1"})

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("handler did not return after Deliver")
	}

	events := h.Activity.List()
	if len(events) != 1 || events[0].Kind != activity.EventEnqueue || events[0].PriorityLevel != 1 {
		t.Fatalf("activity log = %+v, want one EventEnqueue at priority 1", events)
	}
	if len(events[0].RequestIDs) != 1 || events[0].RequestIDs[0] != "r1" {
		t.Fatalf("activity log RequestIDs = %v, want [r1]", events[0].RequestIDs)
	}
}

func TestHandlerDoesNotLogEnqueueOnRejectedPriority(t *testing.T) {
	q := batchqueue.NewPriorityQueue(&fakeClock{})
	h := NewHandler(q, nil)
	h.Activity = activity.New(10)

	body := `{"id":"r1","priority":0,"inputs":{}}`
	req := httptest.NewRequest(http.MethodPost, "/v1/infer", bytes.NewBufferString(body))
	rec := httptest.NewRecorder()

	h.ServeHTTP(rec, req)

	if events := h.Activity.List(); events != nil {
		t.Fatalf("activity log = %+v, want nil (enqueue never happened)", events)
	}
}

func waitForSize(t *testing.T, q *batchqueue.PriorityQueue, want int) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if q.Size() == want {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("queue size never reached %d", want)
}
