// Package webrtcchan exposes a WebRTC peer connection as an indexed
// multi-channel path: one ordered, reliable data channel per index,
// labeled "chan-<index>" so both ends agree on the numbering. The
// offering side creates the channels; the answering side collects them
// as they arrive.
package webrtcchan

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/bytebundle/bytebundle/internal/channel"
)

const labelPrefix = "chan-"

var _ channel.MultiChannel = (*Adapter)(nil)

// Adapter implements channel.MultiChannel over WebRTC data channels.
type Adapter struct {
	pc    *webrtc.PeerConnection
	log   *slog.Logger
	count int

	mu      sync.Mutex
	handler channel.Handler
	chans   []*webrtc.DataChannel
	ready   []chan struct{}
	closed  bool
	done    chan struct{}
}

func newAdapter(pc *webrtc.PeerConnection, channelCount int, logger *slog.Logger) *Adapter {
	if logger == nil {
		logger = slog.Default()
	}
	a := &Adapter{
		pc:    pc,
		log:   logger,
		count: channelCount,
		chans: make([]*webrtc.DataChannel, channelCount),
		ready: make([]chan struct{}, channelCount),
		done:  make(chan struct{}),
	}
	for i := range a.ready {
		a.ready[i] = make(chan struct{})
	}
	return a
}

// New creates the adapter on the offering side: it opens channelCount
// data channels on pc. The caller completes SDP signaling afterwards;
// Send blocks until the target channel opens.
func New(pc *webrtc.PeerConnection, channelCount int, logger *slog.Logger) (*Adapter, error) {
	if channelCount < 1 {
		channelCount = 1
	}
	a := newAdapter(pc, channelCount, logger)

	ordered := true
	for i := 0; i < channelCount; i++ {
		dc, err := pc.CreateDataChannel(labelPrefix+strconv.Itoa(i), &webrtc.DataChannelInit{
			Ordered: &ordered,
		})
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("create data channel %d: %w", i, err)
		}
		a.bind(i, dc)
	}
	return a, nil
}

// Accept creates the adapter on the answering side: incoming data
// channels are matched to their index by label. Channels with foreign
// labels are rejected.
func Accept(pc *webrtc.PeerConnection, channelCount int, logger *slog.Logger) *Adapter {
	if channelCount < 1 {
		channelCount = 1
	}
	a := newAdapter(pc, channelCount, logger)

	pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		idx, ok := parseLabel(dc.Label())
		if !ok || idx >= channelCount {
			a.log.Warn("rejecting data channel with foreign label", "label", dc.Label())
			dc.Close()
			return
		}
		a.bind(idx, dc)
	})
	return a
}

// bind wires one data channel into the adapter at idx.
func (a *Adapter) bind(idx int, dc *webrtc.DataChannel) {
	a.mu.Lock()
	if a.chans[idx] != nil {
		a.mu.Unlock()
		a.log.Warn("duplicate data channel for index", "channel", idx)
		dc.Close()
		return
	}
	a.chans[idx] = dc
	ready := a.ready[idx]
	a.mu.Unlock()

	dc.OnOpen(func() {
		close(ready)
	})
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		a.mu.Lock()
		h := a.handler
		closed := a.closed
		a.mu.Unlock()
		if closed || h == nil {
			return
		}
		h(idx, msg.Data)
	})
	dc.OnError(func(err error) {
		a.log.Warn("data channel error", "channel", idx, "err", err)
	})
}

// Send transmits payload on the data channel for channelIndex, waiting
// for the channel to open first.
func (a *Adapter) Send(ctx context.Context, channelIndex int, payload []byte) error {
	if channelIndex < 0 || channelIndex >= a.count {
		return channel.ErrBadIndex
	}
	a.mu.Lock()
	closed := a.closed
	ready := a.ready[channelIndex]
	a.mu.Unlock()
	if closed {
		return channel.ErrClosed
	}

	select {
	case <-ready:
	case <-a.done:
		return channel.ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}

	a.mu.Lock()
	dc := a.chans[channelIndex]
	a.mu.Unlock()
	if dc == nil {
		return channel.ErrClosed
	}
	return dc.Send(payload)
}

// SetHandler installs the inbound message callback.
func (a *Adapter) SetHandler(h channel.Handler) {
	a.mu.Lock()
	a.handler = h
	a.mu.Unlock()
}

// ChannelCount returns the number of channels.
func (a *Adapter) ChannelCount() int {
	return a.count
}

// Close tears down the data channels and the peer connection.
func (a *Adapter) Close() error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	chans := a.chans
	a.mu.Unlock()
	close(a.done)

	for _, dc := range chans {
		if dc != nil {
			dc.Close()
		}
	}
	return a.pc.Close()
}

func parseLabel(label string) (int, bool) {
	rest, ok := strings.CutPrefix(label, labelPrefix)
	if !ok {
		return 0, false
	}
	idx, err := strconv.Atoi(rest)
	if err != nil || idx < 0 {
		return 0, false
	}
	return idx, true
}
