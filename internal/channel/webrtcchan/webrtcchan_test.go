package webrtcchan

import (
	"context"
	"testing"

	"github.com/bytebundle/bytebundle/internal/channel"
	"github.com/bytebundle/bytebundle/internal/logging"
)

// TestAdapterInterfaceCompliance ensures Adapter satisfies MultiChannel.
func TestAdapterInterfaceCompliance(t *testing.T) {
	var _ channel.MultiChannel = (*Adapter)(nil)
}

func TestParseLabel(t *testing.T) {
	cases := []struct {
		label string
		idx   int
		ok    bool
	}{
		{"chan-0", 0, true},
		{"chan-15", 15, true},
		{"chan-", 0, false},
		{"chan--1", 0, false},
		{"stream-3", 0, false},
		{"", 0, false},
	}
	for _, tc := range cases {
		idx, ok := parseLabel(tc.label)
		if ok != tc.ok || (ok && idx != tc.idx) {
			t.Errorf("parseLabel(%q) = (%d, %v), want (%d, %v)", tc.label, idx, ok, tc.idx, tc.ok)
		}
	}
}

func TestPeerConnectionConfig(t *testing.T) {
	cfg := PeerConnectionConfig(
		[]string{"stun:stun.example.com:3478"},
		[]string{"turn:turn1.example.com:3478", "turn:turn2.example.com:3478"},
	)
	if len(cfg.ICEServers) != 3 {
		t.Fatalf("ICE server entries = %d, want 3", len(cfg.ICEServers))
	}
}

func TestNew_CreatesChannels(t *testing.T) {
	pc, err := NewPeerConnection(PeerConnectionConfig(nil, nil))
	if err != nil {
		t.Fatal(err)
	}

	a, err := New(pc, 3, logging.Nop())
	if err != nil {
		t.Fatalf("new adapter: %v", err)
	}
	defer a.Close()

	if a.ChannelCount() != 3 {
		t.Fatalf("channel count = %d, want 3", a.ChannelCount())
	}
	if err := a.Send(context.Background(), 7, []byte("x")); err != channel.ErrBadIndex {
		t.Errorf("send on bad index: err = %v, want ErrBadIndex", err)
	}
}

func TestSend_AfterClose(t *testing.T) {
	pc, err := NewPeerConnection(PeerConnectionConfig(nil, nil))
	if err != nil {
		t.Fatal(err)
	}

	a, err := New(pc, 2, logging.Nop())
	if err != nil {
		t.Fatal(err)
	}
	if err := a.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := a.Send(context.Background(), 0, []byte("x")); err != channel.ErrClosed {
		t.Errorf("send after close: err = %v, want ErrClosed", err)
	}
}
