// Package chunker splits files into fixed-size chunks for streaming
// over one channel and reassembles them on the receiving side. Pacing
// is purely time-based: a small in-flight window plus an adaptive
// inter-chunk delay, with no acknowledgement windowing.
package chunker

import (
	"context"
	"hash/crc32"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/bytebundle/bytebundle/internal/bufpool"
	"github.com/bytebundle/bytebundle/pkg/protocol"
)

// Defaults for Config fields left zero.
const (
	DefaultChunkSize      = 512 * 1024
	DefaultWindow         = 2
	DefaultRampChunks     = 8
	DefaultBaseDelay      = 2 * time.Millisecond
	DefaultRampDelay      = 10 * time.Millisecond
	DefaultLargeFileBytes = 8 * 1024 * 1024
)

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

// ChunkCRC computes the integrity checksum carried by every chunk.
func ChunkCRC(payload []byte) uint32 {
	return crc32.Checksum(payload, castagnoli)
}

// SendFunc transmits one chunk toward the remote peer. It must not
// retain the payload after returning.
type SendFunc func(ctx context.Context, c protocol.Chunk) error

// ProgressFn is invoked as bytes move, on both sides of a transfer.
type ProgressFn func(fileName string, bytesDone, totalBytes int64)

// Config tunes the sender pacing.
type Config struct {
	ChunkSize      uint32
	Window         int           // chunks in flight per file
	RampChunks     int           // first chunks that get the long delay
	BaseDelay      time.Duration // steady-state inter-chunk delay
	RampDelay      time.Duration // ramp and large-file inter-chunk delay
	LargeFileBytes int64         // files at or above always use RampDelay
	Progress       ProgressFn
}

func (c Config) withDefaults() Config {
	if c.ChunkSize == 0 {
		c.ChunkSize = DefaultChunkSize
	}
	if c.Window < 1 {
		c.Window = DefaultWindow
	}
	if c.RampChunks <= 0 {
		c.RampChunks = DefaultRampChunks
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = DefaultBaseDelay
	}
	if c.RampDelay <= 0 {
		c.RampDelay = DefaultRampDelay
	}
	if c.LargeFileBytes <= 0 {
		c.LargeFileBytes = DefaultLargeFileBytes
	}
	return c
}

// Sender streams files as chunk sessions.
type Sender struct {
	cfg Config
	log *slog.Logger

	mu     sync.Mutex
	active map[string]context.CancelFunc
}

// NewSender creates a sender. logger may be nil.
func NewSender(cfg Config, logger *slog.Logger) *Sender {
	if logger == nil {
		logger = slog.Default()
	}
	return &Sender{
		cfg:    cfg.withDefaults(),
		log:    logger,
		active: make(map[string]context.CancelFunc),
	}
}

// Session is one in-flight outbound file transfer.
type Session struct {
	id       string
	fileName string
	total    int
	cancel   context.CancelFunc
	done     chan struct{}

	mu  sync.Mutex
	err error
}

// ID returns the session identifier carried by every chunk.
func (s *Session) ID() string { return s.id }

// TotalChunks returns the chunk count for the file.
func (s *Session) TotalChunks() int { return s.total }

// Cancel stops further sends immediately. Chunks already handed to the
// channel are not retracted.
func (s *Session) Cancel() { s.cancel() }

// Wait blocks until streaming ends and returns its outcome.
func (s *Session) Wait() error {
	<-s.done
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *Session) finish(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
	close(s.done)
}

// StartTransfer begins streaming data as chunks through send and
// returns the session immediately. Chunks are emitted in index order
// with at most cfg.Window outstanding sends at a time.
func (s *Sender) StartTransfer(ctx context.Context, fileName string, data []byte, fileHash string, channelIndex int, send SendFunc) *Session {
	chunkSize := int(s.cfg.ChunkSize)
	total := (len(data) + chunkSize - 1) / chunkSize
	if total == 0 {
		// Zero-byte files still move one empty chunk so the receiver
		// sees the session and can report the file complete.
		total = 1
	}

	ctx, cancel := context.WithCancel(ctx)
	sess := &Session{
		id:       uuid.NewString(),
		fileName: fileName,
		total:    total,
		cancel:   cancel,
		done:     make(chan struct{}),
	}

	s.mu.Lock()
	s.active[sess.id] = cancel
	s.mu.Unlock()

	go s.stream(ctx, sess, data, fileHash, channelIndex, send)
	return sess
}

// CancelSession cancels an active session by ID. Unknown IDs are a no-op.
func (s *Sender) CancelSession(sessionID string) {
	s.mu.Lock()
	cancel, ok := s.active[sessionID]
	s.mu.Unlock()
	if ok {
		cancel()
	}
}

func (s *Sender) stream(ctx context.Context, sess *Session, data []byte, fileHash string, channelIndex int, send SendFunc) {
	defer func() {
		s.mu.Lock()
		delete(s.active, sess.id)
		s.mu.Unlock()
	}()

	chunkSize := int(s.cfg.ChunkSize)
	pool := bufpool.For(chunkSize)
	window := make(chan struct{}, s.cfg.Window)
	errOnce := make(chan error, 1)

	var wg sync.WaitGroup
	var sent int64

	for i := 0; i < sess.total; i++ {
		select {
		case <-ctx.Done():
			wg.Wait()
			sess.finish(ctx.Err())
			return
		case err := <-errOnce:
			wg.Wait()
			sess.finish(err)
			return
		case window <- struct{}{}:
		}

		start := i * chunkSize
		end := start + chunkSize
		if end > len(data) {
			end = len(data)
		}
		payload := pool.Get()[:end-start]
		copy(payload, data[start:end])

		chunk := protocol.Chunk{
			SessionID:    sess.id,
			FileName:     sess.fileName,
			ChunkIndex:   i,
			TotalChunks:  sess.total,
			Payload:      payload,
			PayloadCRC:   ChunkCRC(payload),
			FileHash:     fileHash,
			ChannelIndex: channelIndex,
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() { <-window }()
			err := send(ctx, chunk)
			pool.Put(payload[:cap(payload)])
			if err != nil {
				select {
				case errOnce <- err:
				default:
				}
				return
			}
		}()

		sent += int64(end - start)
		if s.cfg.Progress != nil {
			s.cfg.Progress(sess.fileName, sent, int64(len(data)))
		}

		if i == sess.total-1 {
			break
		}
		if !sleepCtx(ctx, s.delayFor(i, int64(len(data)))) {
			wg.Wait()
			sess.finish(ctx.Err())
			return
		}
	}

	wg.Wait()
	select {
	case err := <-errOnce:
		sess.finish(err)
	default:
		s.log.Debug("chunk stream finished",
			"session", sess.id, "file", sess.fileName, "chunks", sess.total)
		sess.finish(nil)
	}
}

// delayFor picks the inter-chunk delay: the long delay while ramping
// up and for large files, the short one otherwise.
func (s *Sender) delayFor(chunkIndex int, fileSize int64) time.Duration {
	if chunkIndex < s.cfg.RampChunks || fileSize >= s.cfg.LargeFileBytes {
		return s.cfg.RampDelay
	}
	return s.cfg.BaseDelay
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
