// Package shapecompat implements the shape-agreement predicate used by
// the batcher to decide whether a candidate request may join the batch
// being assembled: every input tensor flagged for equality enforcement
// must have identical shape and, for shape tensors, identical values
// across every payload in the pending batch.
package shapecompat

import (
	"errors"
	"fmt"
)

// ErrShapePeekFailed is returned when PeekFunc cannot produce a shape for
// a payload's tensor (missing input, malformed request). The batcher
// treats this as a fatal per-request error and rejects just that
// request.
var ErrShapePeekFailed = errors.New("shapecompat: shape peek failed")

// PeekFunc fetches the declared shape and, for shape tensors, the
// concrete values of tensorName on the payload identified by runnerID
// and opaque payload handle p. Values is nil/empty for ordinary tensors.
type PeekFunc func(runnerID int64, p any, tensorName string) (shape []int64, values []int64, err error)

// pendingShape is the shape/value pair captured from the first payload
// added to a pending batch, for one enforced tensor.
type pendingShape struct {
	shape  []int64
	values []int64
}

// PendingBatchShapes holds the shape/value snapshot for every
// equality-enforced tensor in the batch currently being assembled. It is
// empty at the start of each new pending batch and populated once by
// InitPendingShape.
type PendingBatchShapes map[string]pendingShape

// InitPendingShape seeds pending from the first payload of a new pending
// batch: for each tensor name whose enforceEqual flag is true, it peeks
// the tensor's shape/values via peek and records them. Returns
// ErrShapePeekFailed (wrapped) if any peek fails.
func InitPendingShape(runnerID int64, p any, enforceEqual map[string]bool, peek PeekFunc, pending PendingBatchShapes) error {
	for name, enforce := range enforceEqual {
		if !enforce {
			continue
		}
		shape, values, err := peek(runnerID, p, name)
		if err != nil {
			return fmt.Errorf("%w: tensor %q: %v", ErrShapePeekFailed, name, err)
		}
		pending[name] = pendingShape{shape: shape, values: values}
	}
	return nil
}

// CompareWithPendingShape reports whether p's enforced tensors match the
// shapes/values already captured in pending, fetching p's own tensors
// via peek. A peek failure is treated as non-matching: the candidate is
// left queued for the next pending-batch attempt rather than erroring
// the whole comparison, since init already validated the tensors exist
// for the batch's first payload.
func CompareWithPendingShape(runnerID int64, p any, peek PeekFunc, pending PendingBatchShapes) bool {
	for name, want := range pending {
		gotShape, gotValues, err := peek(runnerID, p, name)
		if err != nil {
			return false
		}
		if !int64SliceEqual(want.shape, gotShape) {
			return false
		}
		if !int64SliceEqual(want.values, gotValues) {
			return false
		}
	}
	return true
}

func int64SliceEqual(a, b []int64) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
