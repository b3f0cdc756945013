// Copyright (c) 2026 Gatehouse Team
// Gatehouse - bastion SSH console
// This source code is licensed under the MIT license found in the LICENSE file.

package session

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/gatehouse/gatehouse/internal/model"
	"github.com/gatehouse/gatehouse/internal/testutil"
)

func newLiveForTest(userID int64) (*Live, *testutil.FakeConn) {
	conn := testutil.NewFakeConn()
	target := model.TargetHost{ID: 1, UserID: userID, User: "deploy", Host: "example.com", Port: 22}
	return NewLive(userID, target, conn), conn
}

func TestRegisterAllocatesLowestFreeID(t *testing.T) {
	r := NewRegistry()

	for want := 1; want <= 3; want++ {
		l, _ := newLiveForTest(7)
		if got := r.Register(l); got != want {
			t.Fatalf("Register assigned id %d, want %d", got, want)
		}
	}

	// Freeing the middle slot makes it the next allocation.
	r.Remove(7, 2)
	if got := r.NextInstanceID(7); got != 2 {
		t.Fatalf("NextInstanceID = %d after removing 2, want 2", got)
	}
	l, _ := newLiveForTest(7)
	if got := r.Register(l); got != 2 {
		t.Fatalf("Register reused id %d, want 2", got)
	}
	// And the next fresh allocation goes past the occupied range.
	l2, _ := newLiveForTest(7)
	if got := r.Register(l2); got != 4 {
		t.Fatalf("Register assigned id %d, want 4", got)
	}
}

func TestNextInstanceIDNeverReturnsOccupied(t *testing.T) {
	r := NewRegistry()
	l, _ := newLiveForTest(1)
	r.Register(l)

	if got := r.NextInstanceID(1); got == l.InstanceID {
		t.Fatalf("NextInstanceID returned occupied id %d", got)
	}
}

func TestRemoveIsIdempotent(t *testing.T) {
	r := NewRegistry()
	r.Remove(42, 1) // absent user
	l, _ := newLiveForTest(42)
	r.Register(l)
	r.Remove(42, l.InstanceID)
	r.Remove(42, l.InstanceID) // second removal is a no-op
	if got := r.Get(42, l.InstanceID); got != nil {
		t.Fatalf("session still present after removal")
	}
}

func TestListForUserSorted(t *testing.T) {
	r := NewRegistry()
	for i := 0; i < 5; i++ {
		l, _ := newLiveForTest(9)
		r.Register(l)
	}
	r.Remove(9, 3)
	l, _ := newLiveForTest(9)
	r.Register(l) // reuses 3

	list := r.ListForUser(9)
	if len(list) != 5 {
		t.Fatalf("expected 5 sessions, got %d", len(list))
	}
	for i, s := range list {
		if s.InstanceID != i+1 {
			t.Fatalf("list out of order at %d: got instance %d", i, s.InstanceID)
		}
	}
}

func TestUsersAreIsolated(t *testing.T) {
	r := NewRegistry()
	a, _ := newLiveForTest(1)
	b, _ := newLiveForTest(2)
	r.Register(a)
	r.Register(b)

	if a.InstanceID != 1 || b.InstanceID != 1 {
		t.Fatalf("instance ids are per-user; got %d and %d", a.InstanceID, b.InstanceID)
	}
	if got := r.Get(1, 1); got != a {
		t.Fatalf("user 1 lookup returned wrong session")
	}
	if got := r.Get(2, 1); got != b {
		t.Fatalf("user 2 lookup returned wrong session")
	}
	r.Remove(1, 1)
	if got := r.Get(2, 1); got != b {
		t.Fatalf("removing user 1's session disturbed user 2")
	}
}

func TestConcurrentRegisterUniqueIDs(t *testing.T) {
	r := NewRegistry()
	const n = 50
	var wg sync.WaitGroup
	ids := make(chan int, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			l, _ := newLiveForTest(3)
			ids <- r.Register(l)
		}()
	}
	wg.Wait()
	close(ids)

	seen := make(map[int]bool)
	for id := range ids {
		if seen[id] {
			t.Fatalf("instance id %d assigned twice", id)
		}
		seen[id] = true
	}
	if len(r.ListForUser(3)) != n {
		t.Fatalf("expected %d registered sessions, got %d", n, len(r.ListForUser(3)))
	}
}

func TestDisconnectRemovesEvenWhenCloseFails(t *testing.T) {
	r := NewRegistry()
	l, conn := newLiveForTest(5)
	conn.CloseFunc = func() error { return errors.New("transport already gone") }
	r.Register(l)
	l.StartPump()

	err := r.Disconnect(5, l.InstanceID)
	if err == nil {
		t.Fatalf("expected close error to be reported")
	}
	if got := r.Get(5, l.InstanceID); got != nil {
		t.Fatalf("session left in registry after failing disconnect")
	}

	select {
	case <-l.PumpDone():
	case <-time.After(2 * time.Second):
		t.Fatalf("pump did not exit after disconnect")
	}
}

func TestDisconnectAbsentIsNoError(t *testing.T) {
	r := NewRegistry()
	if err := r.Disconnect(1, 99); err != nil {
		t.Fatalf("Disconnect of absent session returned %v", err)
	}
}

func TestShutdownClosesEverything(t *testing.T) {
	r := NewRegistry()
	var conns []*testutil.FakeConn
	for u := int64(1); u <= 3; u++ {
		for i := 0; i < 2; i++ {
			l, c := newLiveForTest(u)
			r.Register(l)
			conns = append(conns, c)
		}
	}
	r.Shutdown()
	for i, c := range conns {
		if !c.Closed() {
			t.Fatalf("conn %d not closed by Shutdown", i)
		}
	}
	for u := int64(1); u <= 3; u++ {
		if got := len(r.ListForUser(u)); got != 0 {
			t.Fatalf("user %d still has %d sessions", u, got)
		}
	}
}

func TestSendReachesRemote(t *testing.T) {
	r := NewRegistry()
	l, conn := newLiveForTest(8)
	r.Register(l)

	lines := make(chan string, 1)
	go func() {
		buf := make([]byte, 64)
		n, _ := conn.RemoteReader().Read(buf)
		lines <- string(buf[:n])
	}()

	if err := l.Send("uptime"); err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	select {
	case got := <-lines:
		if got != "uptime\n" {
			t.Fatalf("remote saw %q, want %q", got, "uptime\n")
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("command never reached the remote side")
	}
}

func TestRegistryStressManyUsers(t *testing.T) {
	r := NewRegistry()
	var wg sync.WaitGroup
	for u := int64(1); u <= 8; u++ {
		wg.Add(1)
		go func(userID int64) {
			defer wg.Done()
			for i := 0; i < 20; i++ {
				l, _ := newLiveForTest(userID)
				id := r.Register(l)
				if i%3 == 0 {
					_ = r.Disconnect(userID, id)
				}
			}
		}(u)
	}
	wg.Wait()

	// Every remaining session must hold a distinct id for its user.
	for u := int64(1); u <= 8; u++ {
		seen := make(map[int]bool)
		for _, l := range r.ListForUser(u) {
			key := l.InstanceID
			if seen[key] {
				t.Fatalf("user %d has duplicate instance id %d", u, key)
			}
			seen[key] = true
		}
	}
}
