package presence

import (
	"fmt"
	"sync"
	"testing"
	"time"
)

func TestRegistry_MultiDevice_OnlineUntilLastDisconnect(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	now := time.Now().UTC()

	if got := r.Connect("u1", "c1", now); got != TransitionOnline {
		t.Fatalf("first connect: got %v, want TransitionOnline", got)
	}
	if got := r.Connect("u1", "c2", now); got != TransitionNone {
		t.Fatalf("second device connect: got %v, want TransitionNone", got)
	}
	if !r.IsOnline("u1") {
		t.Fatal("expected u1 online")
	}
	if got := r.ConnectionsOf("u1"); len(got) != 2 {
		t.Fatalf("ConnectionsOf(u1) = %v, want 2 connections", got)
	}

	// Removing one of two devices must never flip the user offline.
	if user, tr := r.Disconnect("c1"); user != "u1" || tr != TransitionNone {
		t.Fatalf("disconnect c1: got (%q, %v), want (u1, TransitionNone)", user, tr)
	}
	if !r.IsOnline("u1") {
		t.Fatal("u1 must stay online while c2 remains")
	}

	if user, tr := r.Disconnect("c2"); user != "u1" || tr != TransitionOffline {
		t.Fatalf("disconnect c2: got (%q, %v), want (u1, TransitionOffline)", user, tr)
	}
	if r.IsOnline("u1") {
		t.Fatal("u1 must be offline after last disconnect")
	}
	if got := r.ConnectionsOf("u1"); len(got) != 0 {
		t.Fatalf("ConnectionsOf(u1) = %v, want empty", got)
	}
}

func TestRegistry_OnlineIffConnectionsNonEmpty(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	now := time.Now().UTC()

	users := []string{"a", "b", "c"}
	for i, u := range users {
		for j := 0; j <= i; j++ {
			r.Connect(u, fmt.Sprintf("%s-conn-%d", u, j), now)
		}
	}
	r.Disconnect("c-conn-0")
	r.Disconnect("c-conn-1")
	r.Disconnect("c-conn-2")

	for _, u := range users {
		online := r.IsOnline(u)
		conns := r.ConnectionsOf(u)
		if online != (len(conns) > 0) {
			t.Fatalf("user %s: IsOnline=%v but ConnectionsOf=%v", u, online, conns)
		}
	}

	got := r.OnlineUsers()
	want := []string{"a", "b"}
	if len(got) != len(want) {
		t.Fatalf("OnlineUsers() = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("OnlineUsers() = %v, want %v", got, want)
		}
	}
}

func TestRegistry_DoubleDisconnectIsBenign(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	r.Connect("u1", "c1", time.Now().UTC())

	if user, tr := r.Disconnect("c1"); user != "u1" || tr != TransitionOffline {
		t.Fatalf("first disconnect: got (%q, %v)", user, tr)
	}
	if user, tr := r.Disconnect("c1"); user != "" || tr != TransitionNone {
		t.Fatalf("second disconnect: got (%q, %v), want benign no-op", user, tr)
	}
	if user, tr := r.Disconnect("never-existed"); user != "" || tr != TransitionNone {
		t.Fatalf("unknown disconnect: got (%q, %v), want benign no-op", user, tr)
	}
}

func TestRegistry_DuplicateConnectIsBenign(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	now := time.Now().UTC()

	if got := r.Connect("u1", "c1", now); got != TransitionOnline {
		t.Fatalf("connect: got %v", got)
	}
	if got := r.Connect("u1", "c1", now); got != TransitionNone {
		t.Fatalf("duplicate connect: got %v, want TransitionNone", got)
	}
	if got := r.ConnectionsOf("u1"); len(got) != 1 {
		t.Fatalf("ConnectionsOf(u1) = %v, want exactly one", got)
	}
}

func TestRegistry_ConcurrentChurn_NoEmptySetLeak(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	now := time.Now().UTC()

	const (
		users        = 8
		connsPerUser = 16
	)

	var wg sync.WaitGroup
	for u := 0; u < users; u++ {
		for c := 0; c < connsPerUser; c++ {
			wg.Add(1)
			go func(u, c int) {
				defer wg.Done()

				user := fmt.Sprintf("user-%d", u)
				conn := fmt.Sprintf("user-%d-conn-%d", u, c)

				r.Connect(user, conn, now)
				if c%2 == 0 {
					r.Disconnect(conn)
				}
			}(u, c)
		}
	}
	wg.Wait()

	// Half of each user's connections remain: everyone is still online.
	if got := r.OnlineCount(); got != users {
		t.Fatalf("OnlineCount() = %d, want %d", got, users)
	}
	if got := r.ConnectionCount(); got != users*connsPerUser/2 {
		t.Fatalf("ConnectionCount() = %d, want %d", got, users*connsPerUser/2)
	}

	// Drain the rest; no user key may survive with an empty set.
	for u := 0; u < users; u++ {
		for c := 1; c < connsPerUser; c += 2 {
			r.Disconnect(fmt.Sprintf("user-%d-conn-%d", u, c))
		}
	}
	if got := r.OnlineUsers(); len(got) != 0 {
		t.Fatalf("OnlineUsers() = %v, want empty after drain", got)
	}
	if got := r.ConnectionCount(); got != 0 {
		t.Fatalf("ConnectionCount() = %d, want 0 after drain", got)
	}
}
