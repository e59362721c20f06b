package main

import (
	"testing"
	"time"
)

func TestMemoryStoreAddRejectsDuplicateID(t *testing.T) {
	st := newMemoryStore()
	s := &session{id: "6ba7b810-9dad-11d1-80b4-00c04fd430c8", port: 8080, lastActive: time.Now()}
	if err := st.add(s); err != nil {
		t.Fatalf("first add: %v", err)
	}
	dup := &session{id: s.id, port: 9090, lastActive: time.Now()}
	if err := st.add(dup); err == nil {
		t.Error("expected duplicate id to be rejected")
	}
	if got := st.get(s.id); got == nil || got.port != 8080 {
		t.Errorf("original entry disturbed: %+v", got)
	}
}

func TestMemoryStoreRemove(t *testing.T) {
	st := newMemoryStore()
	s := &session{id: "6ba7b810-9dad-11d1-80b4-00c04fd430c8", lastActive: time.Now()}
	if err := st.add(s); err != nil {
		t.Fatal(err)
	}
	if st.remove(s.id) == nil {
		t.Error("expected remove to return the session")
	}
	if st.remove(s.id) != nil {
		t.Error("expected second remove to return nil")
	}
	if st.get(s.id) != nil {
		t.Error("expected session gone after remove")
	}
}

func TestMemoryStoreExpireIdle(t *testing.T) {
	st := newMemoryStore()
	stale := &session{id: "00000000-0000-0000-0000-000000000001", lastActive: time.Now().Add(-time.Hour)}
	fresh := &session{id: "00000000-0000-0000-0000-000000000002", lastActive: time.Now()}
	if err := st.add(stale); err != nil {
		t.Fatal(err)
	}
	if err := st.add(fresh); err != nil {
		t.Fatal(err)
	}
	expired := st.expireIdle(time.Minute)
	if len(expired) != 1 || expired[0].id != stale.id {
		t.Errorf("expected only the stale session to expire, got %d", len(expired))
	}
	if st.get(fresh.id) == nil {
		t.Error("fresh session should survive the sweep")
	}
}

func TestMemoryStoreRemoveAll(t *testing.T) {
	st := newMemoryStore()
	for _, id := range []string{
		"00000000-0000-0000-0000-000000000001",
		"00000000-0000-0000-0000-000000000002",
		"00000000-0000-0000-0000-000000000003",
	} {
		if err := st.add(&session{id: id, lastActive: time.Now()}); err != nil {
			t.Fatal(err)
		}
	}
	all := st.removeAll()
	if len(all) != 3 {
		t.Errorf("expected 3 sessions, got %d", len(all))
	}
	active, total := st.getStats()
	if active != 0 {
		t.Errorf("expected empty table after removeAll, got %d", active)
	}
	if total != 3 {
		t.Errorf("expected running total 3, got %d", total)
	}
}
