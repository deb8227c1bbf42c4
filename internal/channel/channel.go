package channel

import (
	"context"
	"errors"
)

// Sentinel errors returned by MultiChannel implementations.
var (
	ErrClosed   = errors.New("channel: closed")
	ErrBadIndex = errors.New("channel: index out of range")
)

// Handler receives a raw payload that arrived on the given channel index.
// Payloads on the same index arrive in the order they were sent; payloads
// on different indices may interleave arbitrarily.
type Handler func(channelIndex int, payload []byte)

// MultiChannel is an established group of ordered, reliable message
// channels to a single remote peer. Implementations wrap a concrete
// substrate (QUIC streams, WebRTC data channels, in-memory pipes) and
// expose the channels by zero-based index.
//
// Each message is delivered whole: Send transmits one payload and the
// remote handler observes it as one payload, never split or coalesced.
type MultiChannel interface {
	// Send transmits payload on the channel with the given index.
	// It blocks until the payload is handed to the substrate or ctx is done.
	Send(ctx context.Context, channelIndex int, payload []byte) error

	// SetHandler installs the callback invoked for every inbound payload.
	// It must be called before traffic arrives; installing a new handler
	// replaces the previous one.
	SetHandler(h Handler)

	// ChannelCount returns the number of channels in the group.
	ChannelCount() int

	// Close tears down all channels. Subsequent Sends return ErrClosed.
	Close() error
}
