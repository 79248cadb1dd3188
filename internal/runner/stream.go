package runner

import (
	"context"
	"fmt"
	"io"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
)

// attachedAgent is one runner-agent's live stream, guarded against
// concurrent Send calls from more than one goroutine.
type attachedAgent struct {
	sendMu     sync.Mutex
	stream     RunnerControl_StreamServer
	runnerID   string
	backendURL string

	lastSeenMu sync.Mutex
	lastSeen   time.Time
}

func (a *attachedAgent) touch() {
	a.lastSeenMu.Lock()
	a.lastSeen = time.Now()
	a.lastSeenMu.Unlock()
}

func (a *attachedAgent) idleFor(now time.Time) time.Duration {
	a.lastSeenMu.Lock()
	defer a.lastSeenMu.Unlock()
	return now.Sub(a.lastSeen)
}

// Pool is the server side of the RunnerControl service: it accepts
// streams from runner-agents, tracks which are attached, and implements
// Runner by dispatching a committed batch to one of them and waiting for
// the matching BatchResultFrame. A lost stream never blocks the caller
// past its context deadline, matching §5's "no suspension points"
// discipline extended to the batcher's external dependency.
type Pool struct {
	mu     sync.RWMutex
	agents map[string]*attachedAgent

	pendingMu sync.Mutex
	pending   map[string]chan BatchResultFrame

	Perf *PerfStore
}

// NewPool constructs an empty Pool.
func NewPool() *Pool {
	return &Pool{
		agents:  map[string]*attachedAgent{},
		pending: map[string]chan BatchResultFrame{},
		Perf:    NewPerfStore(0.2),
	}
}

// AttachedCount reports how many runner-agents currently have a live
// stream, shown on the dashboard.
func (p *Pool) AttachedCount() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.agents)
}

// Stream implements RunnerControlServer. It blocks for the lifetime of
// one runner-agent's connection.
func (p *Pool) Stream(stream RunnerControl_StreamServer) error {
	var runnerID string

	for {
		in, err := stream.Recv()
		if err == io.EOF {
			p.detach(runnerID, stream)
			return nil
		}
		if err != nil {
			p.detach(runnerID, stream)
			return fmt.Errorf("runner stream recv: %w", err)
		}

		switch {
		case in.Hello != nil:
			runnerID = in.Hello.RunnerID
			p.attach(runnerID, in.Hello.BackendURL, stream)
			log.Printf("runner hello: id=%s backend=%s", runnerID, in.Hello.BackendURL)

		case in.BatchResult != nil:
			p.deliver(in.BatchResult.RequestID, *in.BatchResult)

		default:
			// Ignore unknown frames for forward compatibility.
		}

		if a := p.lookup(runnerID); a != nil {
			a.touch()
		}
	}
}

func (p *Pool) attach(runnerID, backendURL string, stream RunnerControl_StreamServer) {
	if runnerID == "" {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.agents[runnerID] = &attachedAgent{stream: stream, runnerID: runnerID, backendURL: backendURL, lastSeen: time.Now()}
}

func (p *Pool) lookup(runnerID string) *attachedAgent {
	if runnerID == "" {
		return nil
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.agents[runnerID]
}

// PruneStale detaches any agent whose last frame is older than ttl by
// removing it from the pool. The stream itself is not closed; a later
// Hello frame on it attaches the agent again.
func (p *Pool) PruneStale(ttl time.Duration) []string {
	if ttl <= 0 {
		return nil
	}
	now := time.Now()

	p.mu.Lock()
	defer p.mu.Unlock()

	var pruned []string
	for id, a := range p.agents {
		if a.idleFor(now) > ttl {
			delete(p.agents, id)
			pruned = append(pruned, id)
		}
	}
	return pruned
}

func (p *Pool) detach(runnerID string, stream RunnerControl_StreamServer) {
	if runnerID == "" {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if cur := p.agents[runnerID]; cur != nil && cur.stream == stream {
		delete(p.agents, runnerID)
	}
}

func (p *Pool) deliver(requestID string, frame BatchResultFrame) {
	p.pendingMu.Lock()
	ch := p.pending[requestID]
	p.pendingMu.Unlock()
	if ch == nil {
		return
	}
	select {
	case ch <- frame:
	default:
	}
}

// pickAgent selects the attached runner with the lowest EWMA latency,
// there is no load signal beyond latency, so the comparison is a
// straight EWMA-latency minimum.
func (p *Pool) pickAgent() *attachedAgent {
	p.mu.RLock()
	defer p.mu.RUnlock()

	var best *attachedAgent
	var bestLatency float64

	for _, a := range p.agents {
		latency := 0.0
		if st, ok := p.Perf.Snapshot(a.runnerID); ok {
			latency = st.LatencyMsEWMA
		}
		if best == nil || latency < bestLatency {
			best = a
			bestLatency = latency
		}
	}
	return best
}

// ExecuteBatch implements Runner by dispatching req to the best attached
// runner-agent and waiting for its response, honoring ctx's deadline.
func (p *Pool) ExecuteBatch(ctx context.Context, req BatchRequest) (BatchResult, error) {
	agent := p.pickAgent()
	if agent == nil {
		return BatchResult{}, ErrUnavailable
	}

	requestID := uuid.NewString()
	ch := make(chan BatchResultFrame, 1)
	p.pendingMu.Lock()
	p.pending[requestID] = ch
	p.pendingMu.Unlock()
	defer func() {
		p.pendingMu.Lock()
		delete(p.pending, requestID)
		p.pendingMu.Unlock()
	}()

	start := time.Now()
	agent.sendMu.Lock()
	err := agent.stream.Send(&ServerFrame{ExecuteBatch: &ExecuteBatchCommand{RequestID: requestID, Batch: req}})
	agent.sendMu.Unlock()
	if err != nil {
		p.Perf.ObserveError(agent.runnerID)
		return BatchResult{}, fmt.Errorf("%w: send: %v", ErrUnavailable, err)
	}

	select {
	case <-ctx.Done():
		p.Perf.ObserveError(agent.runnerID)
		return BatchResult{}, fmt.Errorf("%w: %v", ErrUnavailable, ctx.Err())
	case frame := <-ch:
		p.Perf.ObserveLatency(agent.runnerID, time.Since(start))
		if frame.Error != "" {
			p.Perf.ObserveError(agent.runnerID)
			return BatchResult{}, fmt.Errorf("%w: executor: %s", ErrUnavailable, frame.Error)
		}
		return frame.Result, nil
	}
}
