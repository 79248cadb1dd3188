package scheduler

import (
	"fmt"

	"github.com/batchsched/inferq/internal/batchqueue"
)

// PeekPayloadTensor is the production shapecompat.PeekFunc: it reads the
// declared shape and values straight off the Payload's own Request, since
// the queue carries the caller's tensors in-line rather than behind a
// separate per-runner shape cache.
func PeekPayloadTensor(_ int64, p any, tensorName string) ([]int64, []int64, error) {
	payload, ok := p.(*batchqueue.Payload)
	if !ok {
		return nil, nil, fmt.Errorf("peek: unexpected payload type %T", p)
	}
	t, ok := payload.Request.RawInputs[tensorName]
	if !ok {
		return nil, nil, fmt.Errorf("peek: request %s missing tensor %q", payload.Request.ID, tensorName)
	}
	return t.Shape, t.Values, nil
}
