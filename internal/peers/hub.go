// Package peers tracks relay-connected peers and routes envelopes
// between them. Peers are addressed by owner ID; a reconnect with the
// same owner ID replaces the previous connection.
package peers

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/bytebundle/bytebundle/pkg/protocol"
)

var (
	// ErrPeerNotFound reports a targeted send to an owner with no
	// registered connection.
	ErrPeerNotFound = errors.New("peer not found")
	// ErrQueueFull reports that the target's writer could not drain its
	// queue within the send wait.
	ErrQueueFull = errors.New("peer queue full")
)

// Peer is one relay connection.
type Peer struct {
	OwnerID string
	ConnID  string // unique per websocket connection
}

// peerConnection pairs a peer with its outbound queue.
type peerConnection struct {
	peer Peer
	send chan protocol.Envelope
}

// Hub is the relay's routing table. Each peer gets a buffered queue
// and a writer goroutine; broadcasts never block, and targeted sends
// wait at most sendWait on a slow peer.
type Hub struct {
	mu      sync.RWMutex
	conns   map[string]*peerConnection // connID -> connection
	byOwner map[string]string          // ownerID -> connID
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{
		conns:   make(map[string]*peerConnection),
		byOwner: make(map[string]string),
	}
}

// Add registers a peer and starts its writer. send delivers one
// envelope to the peer's connection. The returned remove function
// unregisters the peer and stops the writer; it is safe to call after
// the connection has already been replaced.
func (h *Hub) Add(p Peer, send func(env protocol.Envelope) error) (remove func()) {
	ch := make(chan protocol.Envelope, 256)
	pc := &peerConnection{peer: p, send: ch}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for env := range ch {
			if err := send(env); err != nil {
				return
			}
		}
	}()

	h.mu.Lock()
	// A reconnecting owner replaces its old connection.
	if oldConnID, ok := h.byOwner[p.OwnerID]; ok && oldConnID != p.ConnID {
		if old, ok := h.conns[oldConnID]; ok {
			close(old.send)
		}
		delete(h.conns, oldConnID)
	}
	h.conns[p.ConnID] = pc
	h.byOwner[p.OwnerID] = p.ConnID
	h.mu.Unlock()

	return func() {
		h.mu.Lock()
		if _, still := h.conns[p.ConnID]; !still {
			h.mu.Unlock()
			return
		}
		delete(h.conns, p.ConnID)
		if h.byOwner[p.OwnerID] == p.ConnID {
			delete(h.byOwner, p.OwnerID)
		}
		h.mu.Unlock()

		close(ch)
		select {
		case <-done:
		case <-time.After(time.Second):
		}
	}
}

// List returns the connected owner IDs, sorted.
func (h *Hub) List() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	owners := make([]string, 0, len(h.byOwner))
	for owner := range h.byOwner {
		owners = append(owners, owner)
	}
	sort.Strings(owners)
	return owners
}

// Count returns the number of connected peers.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

// sendWait bounds how long a targeted send holds a full queue open
// before reporting ErrQueueFull.
const sendWait = 500 * time.Millisecond

// SendTo queues an envelope for one owner. A full queue waits up to
// sendWait for the peer's writer to drain; targeted traffic carries
// chunk data and must not be dropped silently.
func (h *Hub) SendTo(ownerID string, env protocol.Envelope) error {
	h.mu.RLock()
	defer h.mu.RUnlock()

	connID, ok := h.byOwner[ownerID]
	if !ok {
		return ErrPeerNotFound
	}
	pc, ok := h.conns[connID]
	if !ok {
		return ErrPeerNotFound
	}

	select {
	case pc.send <- env:
		return nil
	default:
	}
	timer := time.NewTimer(sendWait)
	defer timer.Stop()
	select {
	case pc.send <- env:
		return nil
	case <-timer.C:
		return ErrQueueFull
	}
}

// BroadcastExcept queues an envelope for every peer but the named one.
func (h *Hub) BroadcastExcept(exceptOwnerID string, env protocol.Envelope) {
	h.mu.RLock()
	targets := make([]*peerConnection, 0, len(h.conns))
	for _, pc := range h.conns {
		if pc.peer.OwnerID == exceptOwnerID {
			continue
		}
		targets = append(targets, pc)
	}
	h.mu.RUnlock()

	for _, pc := range targets {
		select {
		case pc.send <- env:
		default:
		}
	}
}
