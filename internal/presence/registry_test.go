package presence

import (
	"sync"
	"testing"

	"go.uber.org/zap"
)

type fakeConn struct {
	mu     sync.Mutex
	events []string
	closed bool
}

func (f *fakeConn) Send(event string, data any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, event)
	return nil
}

func (f *fakeConn) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeConn) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func TestRegisterOnlineLastWins(t *testing.T) {
	reg := NewRegistry(zap.NewNop())
	first := &fakeConn{}
	second := &fakeConn{}

	reg.RegisterOnline("u1", RoleUser, first)
	reg.RegisterOnline("u1", RoleUser, second)

	entry, ok := reg.Lookup("u1")
	if !ok {
		t.Fatal("expected presence entry")
	}
	if entry.Conn != second {
		t.Fatal("expected last registration to win")
	}
	if !first.isClosed() {
		t.Fatal("expected displaced connection to be closed")
	}
	if reg.Count() != 1 {
		t.Fatalf("expected one entry, got %d", reg.Count())
	}
}

func TestStaleCleanupDoesNotRemoveNewerRegistration(t *testing.T) {
	reg := NewRegistry(zap.NewNop())
	first := &fakeConn{}
	second := &fakeConn{}

	cleanupFirst := reg.RegisterOnline("u1", RoleUser, first)
	reg.RegisterOnline("u1", RoleUser, second)
	cleanupFirst()

	entry, ok := reg.Lookup("u1")
	if !ok {
		t.Fatal("newer registration was removed by stale cleanup")
	}
	if entry.Conn != second {
		t.Fatal("unexpected connection after stale cleanup")
	}
}

func TestRegisterOffline(t *testing.T) {
	reg := NewRegistry(zap.NewNop())
	reg.RegisterOnline("a1", RoleAstrologer, &fakeConn{})
	reg.RegisterOffline("a1")

	if _, ok := reg.Lookup("a1"); ok {
		t.Fatal("expected entry removed after offline")
	}
	// Offline for an unknown participant is a no-op, not an error.
	reg.RegisterOffline("missing")
}

func TestLookupMissIsNotAnError(t *testing.T) {
	reg := NewRegistry(zap.NewNop())
	if _, ok := reg.Lookup("nobody"); ok {
		t.Fatal("expected lookup miss")
	}
	if reg.Online("nobody") {
		t.Fatal("expected offline")
	}
}

func TestSend(t *testing.T) {
	reg := NewRegistry(zap.NewNop())
	conn := &fakeConn{}
	reg.RegisterOnline("u1", RoleUser, conn)

	if !reg.Send("u1", "timer-tick", map[string]int{"elapsedSeconds": 5}) {
		t.Fatal("expected delivery to online participant")
	}
	if reg.Send("offline-user", "timer-tick", nil) {
		t.Fatal("expected best-effort send to offline participant to report false")
	}
	conn.mu.Lock()
	defer conn.mu.Unlock()
	if len(conn.events) != 1 || conn.events[0] != "timer-tick" {
		t.Fatalf("unexpected events: %v", conn.events)
	}
}
