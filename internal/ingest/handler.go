// Package ingest is the HTTP front door for POST /v1/infer: it decodes
// an inference request body into a batchqueue.Payload, enqueues it, and
// blocks the HTTP handler goroutine until the scheduler delivers a
// result or a rejection, translating either into the JSON response and
// status code the caller sees.
package ingest

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/batchsched/inferq/internal/activity"
	"github.com/batchsched/inferq/internal/apierr"
	"github.com/batchsched/inferq/internal/auth"
	"github.com/batchsched/inferq/internal/batchqueue"
	"github.com/batchsched/inferq/internal/runner"
)

type Handler struct {
	Queue *batchqueue.PriorityQueue
	Auth  *auth.Authenticator

	// Activity, if set, receives an EventEnqueue record for every
	// request successfully admitted to Queue.
	Activity *activity.Log
}

func NewHandler(q *batchqueue.PriorityQueue, a *auth.Authenticator) *Handler {
	return &Handler{Queue: q, Auth: a}
}

// inferRequest is the wire shape of a request body, matching §6's
// external-interface field list.
type inferRequest struct {
	ID               string                `json:"id"`
	CorrelationID    uint64                `json:"correlation_id"`
	Priority         uint32                `json:"priority"`
	TimeoutMicros    uint64                `json:"timeout_micros"`
	Inputs           map[string]wireTensor `json:"inputs"`
	RequestedOutputs []string              `json:"requested_outputs"`
}

type wireTensor struct {
	Shape  []int64 `json:"shape"`
	Values []int64 `json:"values,omitempty"`
	Data   []byte  `json:"data"`
}

// httpSink is the runner.ResultSink a Payload is given while traveling
// through the queue+batcher; it carries the terminal outcome back to
// the blocked HTTP handler over a one-shot channel.
type httpSink struct {
	done chan struct{}
	sent bool

	result runner.ItemResult
	err    error
}

func newHTTPSink() *httpSink { return &httpSink{done: make(chan struct{}, 1)} }

func (s *httpSink) Reject(err error) {
	if s.sent {
		return
	}
	s.sent = true
	s.err = err
	s.done <- struct{}{}
}

func (s *httpSink) Deliver(r runner.ItemResult) {
	if s.sent {
		return
	}
	s.sent = true
	s.result = r
	s.done <- struct{}{}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var body inferRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, apierr.New(apierr.InvalidPriority, errors.New("malformed request body")))
		return
	}
	if body.ID == "" {
		writeError(w, apierr.New(apierr.InvalidPriority, errors.New("id is required")))
		return
	}

	if record, ok := auth.KeyFromContext(r.Context()); ok && !auth.Allows(record, body.Priority) {
		writeError(w, apierr.New(apierr.Forbidden, errors.New("API key is not scoped to this priority level")))
		return
	}

	sink := newHTTPSink()
	req := batchqueue.Request{
		ID:               body.ID,
		CorrelationID:    body.CorrelationID,
		Priority:         body.Priority,
		TimeoutMicros:    body.TimeoutMicros,
		RawInputs:        toRawInputs(body.Inputs),
		RequestedOutputs: body.RequestedOutputs,
	}

	if err := h.Queue.Enqueue(body.Priority, &batchqueue.Payload{Request: req, ResponseSink: sink}); err != nil {
		writeError(w, classifyEnqueueError(err))
		return
	}

	if h.Activity != nil {
		h.Activity.Add(activity.Event{
			At:            time.Now(),
			Kind:          activity.EventEnqueue,
			PriorityLevel: body.Priority,
			RequestIDs:    []string{body.ID},
			BatchSize:     1,
		})
	}

	select {
	case <-r.Context().Done():
		return
	case <-sink.done:
	}

	if sink.err != nil {
		writeError(w, classifyOutcomeError(sink.err))
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(sink.result)
}

func toRawInputs(in map[string]wireTensor) map[string]batchqueue.TensorInput {
	out := make(map[string]batchqueue.TensorInput, len(in))
	for name, t := range in {
		out[name] = batchqueue.TensorInput{Shape: t.Shape, Values: t.Values, Memory: t.Data}
	}
	return out
}

func classifyEnqueueError(err error) error {
	switch {
	case errors.Is(err, batchqueue.ErrQueueFull):
		return apierr.New(apierr.QueueFull, err)
	case errors.Is(err, batchqueue.ErrInvalidPriority):
		return apierr.New(apierr.InvalidPriority, err)
	default:
		return apierr.New(apierr.Unknown, err)
	}
}

func classifyOutcomeError(err error) error {
	var ae *apierr.Error
	if errors.As(err, &ae) {
		return ae
	}
	if errors.Is(err, batchqueue.ErrDeadlineExceeded) {
		return apierr.New(apierr.DeadlineExceeded, err)
	}
	return apierr.New(apierr.Unknown, err)
}

func writeError(w http.ResponseWriter, err error) {
	code := http.StatusInternalServerError
	var ae *apierr.Error
	if errors.As(err, &ae) {
		code = apierr.StatusCode(ae.Kind)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(struct {
		Error string `json:"error"`
	}{Error: err.Error()})
}
