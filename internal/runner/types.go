// Package runner defines the contract between the scheduler and the
// external executor processes that actually run a batch, and the
// hand-written gRPC transport used to reach them.
package runner

import (
	"context"
	"errors"

	"github.com/batchsched/inferq/internal/batchqueue"
)

// ErrUnavailable is returned by ExecuteBatch when no runner-agent is
// attached or the attached one's stream is down. The batcher maps this
// to a RunnerUnavailable rejection delivered to every payload in the
// batch.
var ErrUnavailable = errors.New("runner: no executor available")

// Runner is the entire contract the batcher depends on; the actual
// model executor is an external collaborator reached over a stream.
type Runner interface {
	ExecuteBatch(ctx context.Context, req BatchRequest) (BatchResult, error)
}

// ResultSink extends a Payload's ResponseSink with a success path: the
// HTTP front door's sink implementation writes either a rejection or the
// runner's ItemResult to the still-open response writer.
type ResultSink interface {
	batchqueue.ResponseSink
	Deliver(ItemResult)
}

// BatchRequest carries one committed batch's items to an executor.
type BatchRequest struct {
	BatchID string        `json:"batch_id"`
	Items   []RequestItem `json:"items"`
}

// RequestItem is the wire form of a Payload's Request, stripped of the
// queue-only bookkeeping fields.
type RequestItem struct {
	RequestID        string                   `json:"request_id"`
	CorrelationID    uint64                   `json:"correlation_id"`
	Inputs           map[string]TensorPayload `json:"inputs"`
	RequestedOutputs []string                 `json:"requested_outputs"`
}

// TensorPayload is a named tensor's shape and raw bytes as carried over
// the wire (RawInputs.Memory in the queue's internal Request).
type TensorPayload struct {
	Shape []int64 `json:"shape"`
	Data  []byte  `json:"data"`
}

// BatchResult is an executor's response to one BatchRequest.
type BatchResult struct {
	BatchID string       `json:"batch_id"`
	Items   []ItemResult `json:"items"`
}

// ItemResult is one request's outcome within a BatchResult. Err is set
// instead of Outputs when that single item failed inside the executor
// without failing the whole batch.
type ItemResult struct {
	RequestID string                   `json:"request_id"`
	Outputs   map[string]TensorPayload `json:"outputs,omitempty"`
	Err       string                   `json:"error,omitempty"`
}
