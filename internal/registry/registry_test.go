package registry

import (
	"sort"
	"sync"
	"testing"
)

func sorted(s []string) []string {
	out := append([]string(nil), s...)
	sort.Strings(out)
	return out
}

func TestIdentifyJoinsInboxRoom(t *testing.T) {
	r := New(nil)
	r.Register("c1")
	r.Identify("c1", "alice")

	members := r.MembersOf("alice")
	if len(members) != 1 || members[0] != "c1" {
		t.Fatalf("expected c1 in alice's inbox room, got %v", members)
	}
	if user, ok := r.IdentityOf("c1"); !ok || user != "alice" {
		t.Fatalf("IdentityOf = %q, %v", user, ok)
	}
}

func TestIdentifyIdempotent(t *testing.T) {
	r := New(nil)
	r.Register("c1")
	r.Identify("c1", "alice")
	r.Identify("c1", "alice")

	if got := len(r.ConnectionsFor("alice")); got != 1 {
		t.Fatalf("expected 1 connection for alice, got %d", got)
	}
}

func TestReidentifyReplacesMapping(t *testing.T) {
	r := New(nil)
	r.Register("c1")
	r.Identify("c1", "alice")
	r.Identify("c1", "bob")

	if got := r.ConnectionsFor("alice"); len(got) != 0 {
		t.Fatalf("alice should have no connections after re-identify, got %v", got)
	}
	if got := r.MembersOf("alice"); len(got) != 0 {
		t.Fatalf("c1 should have left alice's inbox room, got %v", got)
	}
	if got := r.ConnectionsFor("bob"); len(got) != 1 || got[0] != "c1" {
		t.Fatalf("bob should own c1, got %v", got)
	}
	if got := r.MembersOf("bob"); len(got) != 1 || got[0] != "c1" {
		t.Fatalf("c1 should be in bob's inbox room, got %v", got)
	}
}

func TestJoinAndLeaveRoom(t *testing.T) {
	r := New(nil)
	r.Register("c1")
	r.Register("c2")
	r.JoinRoom("c1", "chat-1")
	r.JoinRoom("c2", "chat-1")
	r.JoinRoom("c1", "chat-1") // duplicate join is a no-op

	got := sorted(r.MembersOf("chat-1"))
	if len(got) != 2 || got[0] != "c1" || got[1] != "c2" {
		t.Fatalf("unexpected members: %v", got)
	}

	r.LeaveRoom("c1", "chat-1")
	got = r.MembersOf("chat-1")
	if len(got) != 1 || got[0] != "c2" {
		t.Fatalf("expected only c2 after leave, got %v", got)
	}
}

func TestUnregisterRemovesEverything(t *testing.T) {
	r := New(nil)
	r.Register("c1")
	r.Identify("c1", "alice")
	r.JoinRoom("c1", "chat-1")
	r.JoinRoom("c1", "chat-2")

	r.Unregister("c1")

	if got := r.MembersOf("chat-1"); len(got) != 0 {
		t.Errorf("chat-1 still has members: %v", got)
	}
	if got := r.MembersOf("chat-2"); len(got) != 0 {
		t.Errorf("chat-2 still has members: %v", got)
	}
	if got := r.ConnectionsFor("alice"); len(got) != 0 {
		t.Errorf("alice still has connections: %v", got)
	}
	if _, ok := r.IdentityOf("c1"); ok {
		t.Error("c1 still has an identity")
	}
	if r.ConnectionCount() != 0 {
		t.Errorf("connection count = %d, want 0", r.ConnectionCount())
	}
}

func TestUnregisterWithoutIdentify(t *testing.T) {
	r := New(nil)
	r.Register("c1")
	// A disconnect can race ahead of any join; both orders must be safe.
	r.Unregister("c1")
	r.Unregister("never-registered")
}

func TestMultipleConnectionsPerUser(t *testing.T) {
	r := New(nil)
	r.Register("tab1")
	r.Register("tab2")
	r.Identify("tab1", "alice")
	r.Identify("tab2", "alice")

	got := sorted(r.ConnectionsFor("alice"))
	if len(got) != 2 || got[0] != "tab1" || got[1] != "tab2" {
		t.Fatalf("expected both tabs, got %v", got)
	}

	// Inbox room fan-out must enumerate the full set.
	got = sorted(r.MembersOf("alice"))
	if len(got) != 2 {
		t.Fatalf("expected both tabs in inbox room, got %v", got)
	}

	r.Unregister("tab1")
	got = r.ConnectionsFor("alice")
	if len(got) != 1 || got[0] != "tab2" {
		t.Fatalf("expected tab2 to survive, got %v", got)
	}
}

func TestConcurrentRegisterUnregister(t *testing.T) {
	r := New(nil)
	const n = 64

	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func(i int) {
			defer wg.Done()
			id := string(rune('a' + i%26))
			r.Register(id)
			r.Identify(id, "user-"+id)
			r.JoinRoom(id, "chat-shared")
			r.LeaveRoom(id, "chat-shared")
			r.Unregister(id)
		}(i)
	}
	wg.Wait()

	if got := r.MembersOf("chat-shared"); len(got) != 0 {
		t.Fatalf("expected empty room, got %v", got)
	}
}
