package policy

import "github.com/batchsched/inferq/internal/batchqueue"

// LevelPolicy is the persisted form of a batchqueue.ModelQueuePolicy for
// one priority level. PriorityLevel 0 denotes the queue's default policy
// (applied to any level with no row of its own).
type LevelPolicy struct {
	PriorityLevel        uint32
	TimeoutAction        string // "reject" or "delay"
	DefaultTimeoutMicros uint64
	AllowTimeoutOverride bool
	MaxQueueSize         uint32
}

// ToQueuePolicy converts a persisted row into the type the batch queue
// actually runs on.
func (l LevelPolicy) ToQueuePolicy() batchqueue.ModelQueuePolicy {
	action := batchqueue.Reject
	if l.TimeoutAction == "delay" {
		action = batchqueue.Delay
	}
	return batchqueue.ModelQueuePolicy{
		TimeoutAction:        action,
		DefaultTimeoutMicros: l.DefaultTimeoutMicros,
		AllowTimeoutOverride: l.AllowTimeoutOverride,
		MaxQueueSize:         l.MaxQueueSize,
	}
}

// LevelPolicyFromQueuePolicy converts the live policy a running queue
// level is governed by back into the persisted row shape, the reverse
// of ToQueuePolicy. Used by the admin dashboard to show a level's
// effective policy alongside its persisted one.
func LevelPolicyFromQueuePolicy(level uint32, p batchqueue.ModelQueuePolicy) LevelPolicy {
	action := "reject"
	if p.TimeoutAction == batchqueue.Delay {
		action = "delay"
	}
	return LevelPolicy{
		PriorityLevel:        level,
		TimeoutAction:        action,
		DefaultTimeoutMicros: p.DefaultTimeoutMicros,
		AllowTimeoutOverride: p.AllowTimeoutOverride,
		MaxQueueSize:         p.MaxQueueSize,
	}
}
