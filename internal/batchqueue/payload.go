package batchqueue

// TimeoutAction selects what happens to a request whose deadline has
// passed while it is still sitting in a PolicyQueue's active sequence.
type TimeoutAction int

const (
	// Reject moves the expired entry to the rejected side-buffer.
	Reject TimeoutAction = iota
	// Delay moves the expired entry to the delayed side-buffer; it becomes
	// eligible for dispatch again with its deadline cleared.
	Delay
)

func (a TimeoutAction) String() string {
	switch a {
	case Reject:
		return "REJECT"
	case Delay:
		return "DELAY"
	default:
		return "UNKNOWN"
	}
}

// ResponseSink receives the terminal outcome of a Payload: either a
// successful batch result (delivered by the caller after the runner
// responds) or a rejection. The queue itself never invokes the sink: it
// only moves expired payloads into its rejected buffer, and the batcher
// calls Reject on them after draining it, as well as driving the sink of
// every payload it dequeues.
type ResponseSink interface {
	Reject(err error)
}

// SinkFunc adapts a plain function to ResponseSink.
type SinkFunc func(err error)

func (f SinkFunc) Reject(err error) { f(err) }

// Payload is the unit of work flowing through the queue. The queue treats
// Request as opaque except where ShapeCompat inspects it through the
// injected peek function; everything else here is queue-owned bookkeeping.
type Payload struct {
	// Request is the caller-owned inference request handle. The queue never
	// copies or inspects its buffers.
	Request Request

	// EnqueueTimeNS is set by the queue at Enqueue.
	EnqueueTimeNS uint64

	// TimeoutTimestampNS is the absolute deadline; 0 means no deadline.
	TimeoutTimestampNS uint64

	// ResponseSink delivers rejection notifications. May be nil in tests
	// that don't care about callback delivery.
	ResponseSink ResponseSink

	// BatchSize is used purely for rejection accounting (e.g. summing the
	// first-dim size of rejected requests for metrics).
	BatchSize int
}

// Request is the minimal set of attributes the queue and ShapeCompat need
// from an upstream inference-request object. The full request (input
// tensors, requested outputs, flags, ...) lives in the caller's domain;
// the queue only ever touches these fields plus whatever ShapeCompat's
// peek function reaches into via RawInputs.
type Request struct {
	ID             string
	CorrelationID  uint64
	Priority       uint32
	TimeoutMicros  uint64
	RawInputs      map[string]TensorInput
	RequestedOutputs []string
}

// TensorInput is a named input tensor as carried by the request. Memory
// is the caller-owned backing buffer; the queue never copies it.
type TensorInput struct {
	Shape  []int64
	Values []int64 // populated only for shape tensors; see ShapeCompat.
	Memory []byte
}

// reject invokes the payload's response sink with err, if present. Safe to
// call at most once per payload; the queue never calls it twice on the
// same Payload value.
func (p *Payload) reject(err error) {
	if p.ResponseSink != nil {
		p.ResponseSink.Reject(err)
	}
}

// Reject is the exported form of reject, for callers outside this
// package (the batcher) that have taken ownership of a payload via
// Dequeue and need to deliver a terminal rejection themselves.
func (p *Payload) Reject(err error) {
	p.reject(err)
}
