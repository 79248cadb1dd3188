package policy

import (
	"testing"

	"github.com/batchsched/inferq/internal/batchqueue"
)

// TestLevelPolicyQueuePolicyRoundTrip checks ToQueuePolicy and
// LevelPolicyFromQueuePolicy agree on the action mapping in both
// directions, since the admin dashboard's "live" column depends on it.
func TestLevelPolicyQueuePolicyRoundTrip(t *testing.T) {
	want := LevelPolicy{
		PriorityLevel:        2,
		TimeoutAction:        "delay",
		DefaultTimeoutMicros: 1500,
		AllowTimeoutOverride: true,
		MaxQueueSize:         10,
	}

	got := LevelPolicyFromQueuePolicy(want.PriorityLevel, want.ToQueuePolicy())
	if got != want {
		t.Fatalf("round trip = %+v, want %+v", got, want)
	}

	reject := LevelPolicy{PriorityLevel: 1, TimeoutAction: "reject"}
	if pol := reject.ToQueuePolicy(); pol.TimeoutAction != batchqueue.Reject {
		t.Fatalf("ToQueuePolicy() TimeoutAction = %v, want Reject", pol.TimeoutAction)
	}
}
