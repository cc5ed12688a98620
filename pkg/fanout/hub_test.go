package fanout

import (
	"encoding/json"
	"testing"
)

func testPeer(userID string) *Peer {
	return &Peer{userID: userID, send: make(chan []byte, sendBuffer)}
}

func drain(t *testing.T, p *Peer) []Message {
	t.Helper()
	var msgs []Message
	for {
		select {
		case data, ok := <-p.send:
			if !ok {
				return msgs
			}
			var m Message
			if err := json.Unmarshal(data, &m); err != nil {
				t.Fatalf("bad message on peer channel: %v", err)
			}
			msgs = append(msgs, m)
		default:
			return msgs
		}
	}
}

func TestTaskUpdate_ThrottlesIntermediateTicks(t *testing.T) {
	h := NewHub()
	p := testPeer("alice")
	h.Register(p)

	for i := 0; i < 10; i++ {
		h.TaskUpdate("alice", "task-1", map[string]int{"tick": i}, false)
	}

	got := drain(t, p)
	if len(got) != 1 {
		t.Errorf("burst of 10 ticks should coalesce to 1, got %d", len(got))
	}
}

func TestTaskUpdate_TerminalBypassesThrottle(t *testing.T) {
	h := NewHub()
	p := testPeer("alice")
	h.Register(p)

	// exhaust the task's limiter
	h.TaskUpdate("alice", "task-1", "progress", false)
	h.TaskUpdate("alice", "task-1", "progress", false)

	h.TaskUpdate("alice", "task-1", "done", true)

	got := drain(t, p)
	if len(got) != 2 {
		t.Fatalf("expected throttled tick + terminal update, got %d", len(got))
	}
	if got[1].Payload != "done" {
		t.Errorf("terminal update payload = %v", got[1].Payload)
	}

	h.mu.Lock()
	_, still := h.throttle["task-1"]
	h.mu.Unlock()
	if still {
		t.Error("terminal update must drop the task's limiter")
	}
}

func TestTaskUpdate_PerTaskLimiters(t *testing.T) {
	h := NewHub()
	p := testPeer("alice")
	h.Register(p)

	h.TaskUpdate("alice", "task-1", "a", false)
	h.TaskUpdate("alice", "task-2", "b", false)

	if got := drain(t, p); len(got) != 2 {
		t.Errorf("different tasks must not share a limiter, got %d messages", len(got))
	}
}

func TestNotifyUser_ReachesAllSessionsOfOneUser(t *testing.T) {
	h := NewHub()
	a1 := testPeer("alice")
	a2 := testPeer("alice")
	b := testPeer("bob")
	h.Register(a1)
	h.Register(a2)
	h.Register(b)

	h.NotifyUser("alice", "hello")

	if got := drain(t, a1); len(got) != 1 || got[0].Kind != KindNotification {
		t.Errorf("first session: %v", got)
	}
	if got := drain(t, a2); len(got) != 1 {
		t.Errorf("second session: %v", got)
	}
	if got := drain(t, b); len(got) != 0 {
		t.Errorf("other user must not receive the message, got %v", got)
	}
}

func TestSend_EvictsFullPeer(t *testing.T) {
	h := NewHub()
	stuck := &Peer{userID: "alice", send: make(chan []byte)} // no buffer, nobody reading
	h.Register(stuck)

	h.NotifyUser("alice", "x")

	if h.ConnectedUsers() != 0 {
		t.Error("peer with a full queue must be evicted")
	}
	if _, ok := <-stuck.send; ok {
		t.Error("evicted peer's channel must be closed")
	}
}

func TestUnregister_Idempotent(t *testing.T) {
	h := NewHub()
	p := testPeer("alice")
	h.Register(p)

	h.Unregister(p)
	h.Unregister(p)

	if h.ConnectedUsers() != 0 {
		t.Errorf("connected users = %d", h.ConnectedUsers())
	}
	// channel closed exactly once, no panic on double unregister
	if _, ok := <-p.send; ok {
		t.Error("send channel should be closed")
	}
}

func TestConnectedUsers_CountsUsersNotSessions(t *testing.T) {
	h := NewHub()
	h.Register(testPeer("alice"))
	h.Register(testPeer("alice"))
	h.Register(testPeer("bob"))

	if got := h.ConnectedUsers(); got != 2 {
		t.Errorf("ConnectedUsers = %d, want 2", got)
	}
}
