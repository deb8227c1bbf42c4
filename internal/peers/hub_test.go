package peers

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/bytebundle/bytebundle/pkg/protocol"
)

type sink struct {
	mu   sync.Mutex
	envs []protocol.Envelope
}

func (s *sink) send(env protocol.Envelope) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.envs = append(s.envs, env)
	return nil
}

func (s *sink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.envs)
}

func waitCount(t *testing.T, s *sink, want int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if s.count() == want {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("sink has %d envelopes, want %d", s.count(), want)
}

func env(t *testing.T, to string) protocol.Envelope {
	t.Helper()
	e, err := protocol.NewEnvelope(protocol.TypeError, protocol.NewMsgID(), protocol.Error{Code: "test"})
	if err != nil {
		t.Fatal(err)
	}
	e.To = to
	return e
}

func TestHub_SendTo(t *testing.T) {
	hub := NewHub()
	a := &sink{}
	b := &sink{}
	removeA := hub.Add(Peer{OwnerID: "alice", ConnID: "c1"}, a.send)
	defer removeA()
	removeB := hub.Add(Peer{OwnerID: "bob", ConnID: "c2"}, b.send)
	defer removeB()

	if err := hub.SendTo("bob", env(t, "bob")); err != nil {
		t.Fatalf("send to connected peer: %v", err)
	}
	waitCount(t, b, 1)
	if a.count() != 0 {
		t.Errorf("alice received %d envelopes, want 0", a.count())
	}

	if err := hub.SendTo("ghost", env(t, "ghost")); !errors.Is(err, ErrPeerNotFound) {
		t.Errorf("send to unknown peer: err = %v, want ErrPeerNotFound", err)
	}
}

func TestHub_SendToWaitsForSlowWriter(t *testing.T) {
	hub := NewHub()
	release := make(chan struct{})
	got := &sink{}
	gated := func(e protocol.Envelope) error {
		<-release
		return got.send(e)
	}
	remove := hub.Add(Peer{OwnerID: "alice", ConnID: "c1"}, gated)
	defer remove()

	// Fill the queue against a stalled writer until the send wait
	// expires.
	var sent int
	var err error
	for i := 0; i < 300; i++ {
		if err = hub.SendTo("alice", env(t, "alice")); err != nil {
			break
		}
		sent++
	}
	if !errors.Is(err, ErrQueueFull) {
		t.Fatalf("err = %v after %d sends, want ErrQueueFull", err, sent)
	}

	// Once the writer drains, a held-back send goes through instead of
	// being dropped.
	errCh := make(chan error, 1)
	go func() { errCh <- hub.SendTo("alice", env(t, "alice")) }()
	time.Sleep(20 * time.Millisecond)
	close(release)
	if err := <-errCh; err != nil {
		t.Fatalf("send into a draining queue: %v", err)
	}
	waitCount(t, got, sent+1)
}

func TestHub_BroadcastExcept(t *testing.T) {
	hub := NewHub()
	sinks := map[string]*sink{"alice": {}, "bob": {}, "carol": {}}
	for owner, s := range sinks {
		remove := hub.Add(Peer{OwnerID: owner, ConnID: "conn-" + owner}, s.send)
		defer remove()
	}

	hub.BroadcastExcept("alice", env(t, ""))
	waitCount(t, sinks["bob"], 1)
	waitCount(t, sinks["carol"], 1)
	if sinks["alice"].count() != 0 {
		t.Errorf("excluded peer received %d envelopes", sinks["alice"].count())
	}
}

func TestHub_ReconnectReplaces(t *testing.T) {
	hub := NewHub()
	old := &sink{}
	fresh := &sink{}
	removeOld := hub.Add(Peer{OwnerID: "alice", ConnID: "c1"}, old.send)
	hub.Add(Peer{OwnerID: "alice", ConnID: "c2"}, fresh.send)

	if hub.Count() != 1 {
		t.Fatalf("count = %d after reconnect, want 1", hub.Count())
	}
	hub.SendTo("alice", env(t, "alice"))
	waitCount(t, fresh, 1)
	if old.count() != 0 {
		t.Errorf("stale connection received %d envelopes", old.count())
	}

	// Removing the replaced connection must not unregister the new one.
	removeOld()
	if hub.Count() != 1 {
		t.Fatalf("count = %d after stale remove, want 1", hub.Count())
	}
}

func TestHub_List(t *testing.T) {
	hub := NewHub()
	for _, owner := range []string{"carol", "alice", "bob"} {
		s := &sink{}
		remove := hub.Add(Peer{OwnerID: owner, ConnID: "conn-" + owner}, s.send)
		defer remove()
	}
	got := hub.List()
	want := []string{"alice", "bob", "carol"}
	if len(got) != len(want) {
		t.Fatalf("list = %v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("list = %v, want %v", got, want)
		}
	}
}
