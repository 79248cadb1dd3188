package scheduler

import (
	"context"
	"log"
	"time"

	"github.com/batchsched/inferq/internal/activity"
	"github.com/batchsched/inferq/internal/runner"
)

// Housekeeper periodically prunes runner-agents whose stream has gone
// quiet: a ticker-driven tick loop that prunes connections idle past
// a TTL, the same shape as any periodic liveness sweep.
type Housekeeper struct {
	Pool *runner.Pool

	// IdleTTL is how long an attached runner-agent may go without a
	// frame before it is pruned.
	IdleTTL time.Duration

	// Interval is the tick frequency.
	Interval time.Duration

	Activity *activity.Log
}

func (h *Housekeeper) Run(ctx context.Context) {
	interval := h.Interval
	if interval <= 0 {
		interval = 5 * time.Second
	}

	t := time.NewTicker(interval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			h.tick()
		}
	}
}

func (h *Housekeeper) tick() {
	pruned := h.Pool.PruneStale(h.IdleTTL)
	for _, runnerID := range pruned {
		log.Printf("housekeep: pruned stale runner-agent %s", runnerID)
		if h.Activity != nil {
			h.Activity.Add(activity.Event{
				At:   time.Now(),
				Kind: activity.EventKind("runner_pruned"),
				Note: runnerID,
			})
		}
	}
}
