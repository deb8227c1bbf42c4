package chunker

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/bytebundle/bytebundle/pkg/protocol"
)

// Defaults for ReceiverConfig fields left zero.
const (
	DefaultStaleAfter = 2 * time.Minute
	DefaultSweepEvery = 30 * time.Second
)

// ReceiverConfig tunes reassembly.
type ReceiverConfig struct {
	ChunkSize  uint32        // must match the sender's chunk size
	StaleAfter time.Duration // sessions idle past this are evicted
	SweepEvery time.Duration // janitor interval
	Progress   ProgressFn
}

func (c ReceiverConfig) withDefaults() ReceiverConfig {
	if c.ChunkSize == 0 {
		c.ChunkSize = DefaultChunkSize
	}
	if c.StaleAfter <= 0 {
		c.StaleAfter = DefaultStaleAfter
	}
	if c.SweepEvery <= 0 {
		c.SweepEvery = DefaultSweepEvery
	}
	return c
}

// session is one in-progress file reassembly.
type session struct {
	fileName     string
	totalChunks  int
	buf          []byte
	received     *Bitmap
	lastChunkLen int
	lastActivity time.Time
}

// Receiver reassembles chunk streams back into files. One Receiver
// serves every channel of a transfer; sessions are keyed by the
// sender-assigned session ID.
type Receiver struct {
	cfg ReceiverConfig
	log *slog.Logger

	mu       sync.Mutex
	sessions map[string]*session
	finished map[string]time.Time
}

// NewReceiver creates a receiver. logger may be nil.
func NewReceiver(cfg ReceiverConfig, logger *slog.Logger) *Receiver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Receiver{
		cfg:      cfg.withDefaults(),
		log:      logger,
		sessions: make(map[string]*session),
		finished: make(map[string]time.Time),
	}
}

// ReceiveChunk folds one chunk into its session. When the chunk
// completes the file, the assembled bytes are returned exactly once and
// the session is destroyed. Malformed chunks are logged and dropped;
// duplicates and chunks for finished sessions are silently ignored.
// The returned bool reports whether assembled bytes are being handed over.
func (r *Receiver) ReceiveChunk(c protocol.Chunk) ([]byte, bool) {
	if c.TotalChunks <= 0 {
		r.log.Warn("chunk with invalid total", "session", c.SessionID, "total", c.TotalChunks)
		return nil, false
	}
	if c.ChunkIndex < 0 || c.ChunkIndex >= c.TotalChunks {
		r.log.Warn("chunk index out of range",
			"session", c.SessionID, "index", c.ChunkIndex, "total", c.TotalChunks)
		return nil, false
	}
	if len(c.Payload) == 0 && c.TotalChunks != 1 {
		// A single empty chunk is how a zero-byte file travels; an
		// empty payload in a multi-chunk session is malformed.
		r.log.Warn("empty chunk payload", "session", c.SessionID, "index", c.ChunkIndex)
		return nil, false
	}
	if ChunkCRC(c.Payload) != c.PayloadCRC {
		r.log.Warn("chunk checksum mismatch",
			"session", c.SessionID, "file", c.FileName, "index", c.ChunkIndex)
		return nil, false
	}

	chunkSize := int(r.cfg.ChunkSize)

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, done := r.finished[c.SessionID]; done {
		// Late delivery for a completed session.
		return nil, false
	}

	sess, ok := r.sessions[c.SessionID]
	if !ok {
		sess = &session{
			fileName:    c.FileName,
			totalChunks: c.TotalChunks,
			buf:         make([]byte, c.TotalChunks*chunkSize),
			received:    NewBitmap(c.TotalChunks),
		}
		r.sessions[c.SessionID] = sess
	}
	sess.lastActivity = time.Now()

	if c.TotalChunks != sess.totalChunks {
		r.log.Warn("chunk total disagrees with session",
			"session", c.SessionID, "got", c.TotalChunks, "want", sess.totalChunks)
		return nil, false
	}
	if sess.received.Get(c.ChunkIndex) {
		// Duplicate delivery.
		return nil, false
	}

	offset := c.ChunkIndex * chunkSize
	n := len(c.Payload)
	if offset+n > len(sess.buf) {
		r.log.Warn("chunk overruns session buffer",
			"session", c.SessionID, "index", c.ChunkIndex, "len", n)
		n = len(sess.buf) - offset
	}
	copy(sess.buf[offset:offset+n], c.Payload[:n])
	sess.received.Set(c.ChunkIndex)
	if c.ChunkIndex == sess.totalChunks-1 {
		sess.lastChunkLen = n
	}

	if r.cfg.Progress != nil {
		r.cfg.Progress(sess.fileName,
			int64(sess.received.CountSet())*int64(chunkSize),
			int64(sess.totalChunks)*int64(chunkSize))
	}

	if sess.received.CountSet() != sess.totalChunks {
		return nil, false
	}

	// Complete: trim the provisional buffer to the real length.
	size := (sess.totalChunks-1)*chunkSize + sess.lastChunkLen
	assembled := sess.buf[:size]
	delete(r.sessions, c.SessionID)
	r.finished[c.SessionID] = time.Now()
	r.log.Debug("file reassembled",
		"session", c.SessionID, "file", sess.fileName, "bytes", size)
	return assembled, true
}

// ActiveSessions returns the number of in-progress reassemblies.
func (r *Receiver) ActiveSessions() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// CancelSession drops an in-progress reassembly. Unknown IDs are a no-op.
func (r *Receiver) CancelSession(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, sessionID)
}

// EvictStale purges sessions idle past the staleness window and
// returns how many were dropped.
func (r *Receiver) EvictStale(now time.Time) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	evicted := 0
	for id, sess := range r.sessions {
		if now.Sub(sess.lastActivity) > r.cfg.StaleAfter {
			r.log.Warn("evicting stale session",
				"session", id, "file", sess.fileName,
				"received", sess.received.CountSet(), "total", sess.totalChunks)
			delete(r.sessions, id)
			evicted++
		}
	}
	for id, at := range r.finished {
		if now.Sub(at) > r.cfg.StaleAfter {
			delete(r.finished, id)
		}
	}
	return evicted
}

// RunJanitor sweeps stale sessions until ctx is done. Meant to run in
// its own goroutine for the lifetime of the receiver.
func (r *Receiver) RunJanitor(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.SweepEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			r.EvictStale(now)
		}
	}
}
