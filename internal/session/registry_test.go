package session

import (
	"testing"
	"time"
)

func TestGetOrCreateReturnsSameSession(t *testing.T) {
	r := NewRegistry()
	a := r.GetOrCreate(7, 0)
	b := r.GetOrCreate(7, 0)
	if a != b {
		t.Fatalf("expected the same session instance for repeated GetOrCreate")
	}
	if r.Count() != 1 {
		t.Fatalf("expected 1 session, got %d", r.Count())
	}
}

func TestRemoveDropsSession(t *testing.T) {
	r := NewRegistry()
	r.GetOrCreate(1, 0)
	r.Remove(1)
	if _, ok := r.Get(1); ok {
		t.Fatalf("expected session to be removed")
	}
}

func TestListActiveSortedByNodeKey(t *testing.T) {
	r := NewRegistry()
	r.GetOrCreate(30, 0)
	r.GetOrCreate(10, 0)
	r.GetOrCreate(20, 0)
	list := r.ListActive()
	if len(list) != 3 {
		t.Fatalf("expected 3 sessions, got %d", len(list))
	}
	for i := 1; i < len(list); i++ {
		if list[i-1].NodeKey > list[i].NodeKey {
			t.Fatalf("expected sorted order, got %v", list)
		}
	}
}

func TestPruneIdleRemovesStaleSessions(t *testing.T) {
	r := NewRegistry()
	fresh := r.GetOrCreate(1, 0)
	stale := r.GetOrCreate(2, 0)
	stale.LastActivity = time.Now().Add(-time.Hour)

	pruned := r.PruneIdle(time.Minute)
	if len(pruned) != 1 || pruned[0].NodeKey != stale.NodeKey {
		t.Fatalf("expected only the stale session pruned, got %v", pruned)
	}
	if _, ok := r.Get(fresh.NodeKey); !ok {
		t.Fatalf("expected fresh session to remain")
	}
	if _, ok := r.Get(stale.NodeKey); ok {
		t.Fatalf("expected stale session to be removed")
	}
}
