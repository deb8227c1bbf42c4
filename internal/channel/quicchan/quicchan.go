// Package quicchan exposes an established QUIC connection as an
// indexed multi-channel path: one bidirectional stream per channel,
// carrying length-prefixed frames. The side that opens the streams
// announces each stream's channel index in a one-byte header so both
// ends agree on the numbering.
package quicchan

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/quic-go/quic-go"

	"github.com/bytebundle/bytebundle/internal/channel"
)

// maxFrameBytes bounds a single frame so a corrupt length prefix
// cannot trigger an unbounded allocation.
const maxFrameBytes = 16 * 1024 * 1024

var _ channel.MultiChannel = (*Adapter)(nil)

// Adapter implements channel.MultiChannel over QUIC streams.
type Adapter struct {
	conn  *quic.Conn
	log   *slog.Logger
	count int

	mu      sync.Mutex
	handler channel.Handler
	closed  bool

	writeMu []sync.Mutex
	streams []*quic.Stream
	wg      sync.WaitGroup
}

func newAdapter(conn *quic.Conn, channelCount int, logger *slog.Logger) *Adapter {
	return &Adapter{
		conn:    conn,
		log:     logger,
		count:   channelCount,
		writeMu: make([]sync.Mutex, channelCount),
		streams: make([]*quic.Stream, channelCount),
	}
}

// Dial opens channelCount streams on conn and announces each stream's
// channel index to the acceptor. The caller keeps ownership of conn's
// lifecycle until the adapter is closed.
func Dial(ctx context.Context, conn *quic.Conn, channelCount int, logger *slog.Logger) (*Adapter, error) {
	if channelCount < 1 {
		channelCount = 1
	}
	if channelCount > 256 {
		return nil, fmt.Errorf("quicchan: %d channels exceeds the header limit", channelCount)
	}
	if logger == nil {
		logger = slog.Default()
	}

	a := newAdapter(conn, channelCount, logger)
	for i := 0; i < channelCount; i++ {
		s, err := conn.OpenStreamSync(ctx)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("open stream %d: %w", i, err)
		}
		if _, err := s.Write([]byte{byte(i)}); err != nil {
			a.Close()
			return nil, fmt.Errorf("announce stream %d: %w", i, err)
		}
		a.streams[i] = s
	}
	a.startReaders()
	return a, nil
}

// Accept collects channelCount streams from the remote opener and
// pairs each with the channel index it announces.
func Accept(ctx context.Context, conn *quic.Conn, channelCount int, logger *slog.Logger) (*Adapter, error) {
	if channelCount < 1 {
		channelCount = 1
	}
	if channelCount > 256 {
		return nil, fmt.Errorf("quicchan: %d channels exceeds the header limit", channelCount)
	}
	if logger == nil {
		logger = slog.Default()
	}

	a := newAdapter(conn, channelCount, logger)
	for i := 0; i < channelCount; i++ {
		s, err := conn.AcceptStream(ctx)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("accept stream: %w", err)
		}
		var hdr [1]byte
		if _, err := io.ReadFull(s, hdr[:]); err != nil {
			a.Close()
			return nil, fmt.Errorf("read stream header: %w", err)
		}
		idx := int(hdr[0])
		if idx >= channelCount || a.streams[idx] != nil {
			a.Close()
			return nil, fmt.Errorf("stream announced invalid channel %d", idx)
		}
		a.streams[idx] = s
	}
	a.startReaders()
	return a, nil
}

func (a *Adapter) startReaders() {
	for i := range a.streams {
		idx := i
		s := a.streams[idx]
		a.wg.Add(1)
		go func() {
			defer a.wg.Done()
			for {
				payload, err := readFrame(s)
				if err != nil {
					if !errors.Is(err, io.EOF) {
						a.log.Debug("channel read ended", "channel", idx, "err", err)
					}
					return
				}
				a.mu.Lock()
				h := a.handler
				closed := a.closed
				a.mu.Unlock()
				if closed {
					return
				}
				if h != nil {
					h(idx, payload)
				}
			}
		}()
	}
}

// Send writes payload as one frame on the stream for channelIndex.
func (a *Adapter) Send(ctx context.Context, channelIndex int, payload []byte) error {
	if channelIndex < 0 || channelIndex >= a.count {
		return channel.ErrBadIndex
	}
	if len(payload) > maxFrameBytes {
		return fmt.Errorf("frame of %d bytes exceeds limit", len(payload))
	}
	a.mu.Lock()
	closed := a.closed
	a.mu.Unlock()
	if closed {
		return channel.ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	a.writeMu[channelIndex].Lock()
	defer a.writeMu[channelIndex].Unlock()
	return writeFrame(a.streams[channelIndex], payload)
}

// SetHandler installs the inbound frame callback.
func (a *Adapter) SetHandler(h channel.Handler) {
	a.mu.Lock()
	a.handler = h
	a.mu.Unlock()
}

// ChannelCount returns the number of channels.
func (a *Adapter) ChannelCount() int {
	return a.count
}

// Close tears down every stream and the underlying connection.
func (a *Adapter) Close() error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	a.mu.Unlock()

	for _, s := range a.streams {
		if s == nil {
			continue
		}
		s.CancelRead(0)
		s.Close()
	}
	err := a.conn.CloseWithError(0, "")
	a.wg.Wait()
	return err
}

func writeFrame(w io.Writer, payload []byte) error {
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(payload)))
	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}
	_, err := w.Write(payload)
	return err
}

func readFrame(r io.Reader) ([]byte, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(hdr[:])
	if n > maxFrameBytes {
		return nil, fmt.Errorf("frame of %d bytes exceeds limit", n)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}
