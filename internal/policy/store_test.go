package policy

import (
	"context"
	"path/filepath"
	"testing"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "policy.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

// TestPolicyRoundTrip is scenario S10: a persisted policy survives a
// write/read round trip and ListPolicies returns rows ordered by
// priority level ascending.
func TestPolicyRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	want := LevelPolicy{
		PriorityLevel:        2,
		TimeoutAction:        "delay",
		DefaultTimeoutMicros: 500_000,
		AllowTimeoutOverride: true,
		MaxQueueSize:         64,
	}
	if err := s.UpsertPolicy(ctx, want); err != nil {
		t.Fatalf("UpsertPolicy: %v", err)
	}
	if err := s.UpsertPolicy(ctx, LevelPolicy{PriorityLevel: 1, TimeoutAction: "reject"}); err != nil {
		t.Fatalf("UpsertPolicy(1): %v", err)
	}

	got, ok, err := s.GetPolicy(ctx, 2)
	if err != nil {
		t.Fatalf("GetPolicy: %v", err)
	}
	if !ok {
		t.Fatalf("GetPolicy(2) not found")
	}
	if got != want {
		t.Fatalf("GetPolicy(2) = %+v, want %+v", got, want)
	}

	all, err := s.ListPolicies(ctx)
	if err != nil {
		t.Fatalf("ListPolicies: %v", err)
	}
	if len(all) != 2 || all[0].PriorityLevel != 1 || all[1].PriorityLevel != 2 {
		t.Fatalf("ListPolicies() = %+v, want ascending by priority level", all)
	}

	want.MaxQueueSize = 128
	if err := s.UpsertPolicy(ctx, want); err != nil {
		t.Fatalf("UpsertPolicy (update): %v", err)
	}
	got, _, _ = s.GetPolicy(ctx, 2)
	if got.MaxQueueSize != 128 {
		t.Fatalf("MaxQueueSize after update = %d, want 128", got.MaxQueueSize)
	}
}

func TestLoadPriorityPoliciesSplitsDefaultFromLevels(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	if err := s.UpsertPolicy(ctx, LevelPolicy{PriorityLevel: 0, TimeoutAction: "delay", DefaultTimeoutMicros: 9}); err != nil {
		t.Fatalf("UpsertPolicy(0): %v", err)
	}
	if err := s.UpsertPolicy(ctx, LevelPolicy{PriorityLevel: 3, TimeoutAction: "reject"}); err != nil {
		t.Fatalf("UpsertPolicy(3): %v", err)
	}

	def, perLevel, err := LoadPriorityPolicies(ctx, s)
	if err != nil {
		t.Fatalf("LoadPriorityPolicies: %v", err)
	}
	if def.TimeoutAction != "delay" || def.DefaultTimeoutMicros != 9 {
		t.Fatalf("default policy = %+v, want the priority_level=0 row", def)
	}
	if _, ok := perLevel[3]; !ok {
		t.Fatalf("perLevel missing level 3: %+v", perLevel)
	}
	if _, ok := perLevel[0]; ok {
		t.Fatalf("perLevel must not contain the default row")
	}
}

func TestAPIKeyRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	rec := APIKeyRecord{ID: "k1", Name: "ingest", Prefix: "isk-abcd", HashedKey: "deadbeef", AllowedLevels: "1,2"}
	if err := s.CreateAPIKey(ctx, rec); err != nil {
		t.Fatalf("CreateAPIKey: %v", err)
	}

	got, ok, err := s.GetAPIKey(ctx, "k1")
	if err != nil || !ok {
		t.Fatalf("GetAPIKey: ok=%v err=%v", ok, err)
	}
	if got.AllowedLevels != "1,2" {
		t.Fatalf("AllowedLevels = %q, want 1,2", got.AllowedLevels)
	}

	if err := s.DeleteAPIKey(ctx, "k1"); err != nil {
		t.Fatalf("DeleteAPIKey: %v", err)
	}
	if _, ok, _ := s.GetAPIKey(ctx, "k1"); ok {
		t.Fatalf("GetAPIKey after delete still found")
	}
}
