package channel

import (
	"context"
	"sync"
)

// Mock is an in-memory MultiChannel implementation for testing.
// Two linked Mocks deliver payloads to each other through per-index
// queues, preserving order within an index while letting distinct
// indices interleave, the way real substrates behave.
type Mock struct {
	mu      sync.Mutex
	peer    *Mock
	handler Handler
	queues  []chan []byte
	count   int
	closed  bool
	done    chan struct{}
	wg      sync.WaitGroup
}

var _ MultiChannel = (*Mock)(nil)

// NewMockPair creates two linked Mocks with channelCount channels each.
// A payload sent on index i of one side is delivered to the other
// side's handler with the same index.
func NewMockPair(channelCount int) (*Mock, *Mock) {
	if channelCount < 1 {
		channelCount = 1
	}
	a := newMock(channelCount)
	b := newMock(channelCount)
	a.peer = b
	b.peer = a
	a.startPumps()
	b.startPumps()
	return a, b
}

func newMock(channelCount int) *Mock {
	m := &Mock{
		count:  channelCount,
		queues: make([]chan []byte, channelCount),
		done:   make(chan struct{}),
	}
	for i := range m.queues {
		m.queues[i] = make(chan []byte, 64)
	}
	return m
}

// startPumps launches one delivery goroutine per channel index so that
// ordering holds per index but not across indices.
func (m *Mock) startPumps() {
	for i := range m.queues {
		idx := i
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			for {
				select {
				case payload := <-m.queues[idx]:
					m.peer.deliver(idx, payload)
				case <-m.done:
					return
				}
			}
		}()
	}
}

func (m *Mock) deliver(channelIndex int, payload []byte) {
	m.mu.Lock()
	h := m.handler
	closed := m.closed
	m.mu.Unlock()
	if closed || h == nil {
		return
	}
	h(channelIndex, payload)
}

// Send queues payload for delivery to the peer's handler on the same index.
func (m *Mock) Send(ctx context.Context, channelIndex int, payload []byte) error {
	if channelIndex < 0 || channelIndex >= m.count {
		return ErrBadIndex
	}
	m.mu.Lock()
	closed := m.closed
	m.mu.Unlock()
	if closed {
		return ErrClosed
	}

	// Copy so callers can reuse their buffer after Send returns.
	buf := make([]byte, len(payload))
	copy(buf, payload)

	select {
	case m.queues[channelIndex] <- buf:
		return nil
	case <-m.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SetHandler installs the inbound payload callback.
func (m *Mock) SetHandler(h Handler) {
	m.mu.Lock()
	m.handler = h
	m.mu.Unlock()
}

// ChannelCount returns the number of channels.
func (m *Mock) ChannelCount() int {
	return m.count
}

// Close stops delivery in both directions for this side.
func (m *Mock) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()
	close(m.done)
	m.wg.Wait()
	return nil
}
