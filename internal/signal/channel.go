package signal

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/bytebundle/bytebundle/internal/channel"
	"github.com/bytebundle/bytebundle/pkg/protocol"
)

// Channel adapts a relay connection into a single-lane MultiChannel so
// a transfer can run entirely through the relay when no direct path to
// the peer exists. Every message rides one websocket, so the channel
// count is fixed at one and negotiation collapses to a single lane.
type Channel struct {
	client *Client
	log    *slog.Logger

	mu      sync.Mutex
	handler channel.Handler
}

var _ channel.MultiChannel = (*Channel)(nil)

// NewChannel wraps an established relay client.
func NewChannel(client *Client, logger *slog.Logger) *Channel {
	if logger == nil {
		logger = slog.Default()
	}
	return &Channel{client: client, log: logger}
}

// Run pumps inbound envelopes to the handler until ctx is done or the
// connection drops.
func (ch *Channel) Run(ctx context.Context) error {
	return ch.client.ReadLoop(ctx, func(env protocol.Envelope) {
		raw, err := json.Marshal(env)
		if err != nil {
			ch.log.Warn("remarshal inbound envelope", "err", err)
			return
		}
		ch.mu.Lock()
		h := ch.handler
		ch.mu.Unlock()
		if h != nil {
			h(0, raw)
		}
	})
}

// Send forwards an already marshaled envelope through the relay.
func (ch *Channel) Send(ctx context.Context, channelIndex int, payload []byte) error {
	if channelIndex != 0 {
		return channel.ErrBadIndex
	}
	var env protocol.Envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return err
	}
	return ch.client.Send(env)
}

// SetHandler installs the inbound payload callback.
func (ch *Channel) SetHandler(h channel.Handler) {
	ch.mu.Lock()
	ch.handler = h
	ch.mu.Unlock()
}

// ChannelCount returns 1: the relay is a single shared lane.
func (ch *Channel) ChannelCount() int {
	return 1
}

// Close closes the underlying relay connection.
func (ch *Channel) Close() error {
	return ch.client.Close()
}
