// Package recovery preserves completion state across a disconnect and
// drives reconnection so a resumed transfer continues from what was
// already received instead of restarting.
package recovery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/bytebundle/bytebundle/pkg/protocol"
)

// ErrRetriesExhausted is returned when the reconnect budget runs out.
// The transfer is terminally failed at that point.
var ErrRetriesExhausted = errors.New("recovery: retries exhausted")

// Defaults for Config fields left zero.
const (
	DefaultMaxRetries  = 5
	DefaultBaseBackoff = time.Second
	DefaultMaxBackoff  = 30 * time.Second
)

// AttemptFn re-establishes connectivity to the peer. Supplied by the
// transport collaborator; called once per retry.
type AttemptFn func(ctx context.Context) error

// ResumeFn delivers the recovery request to the reconnected peer.
type ResumeFn func(ctx context.Context, req protocol.RecoveryRequest) error

// Config tunes the retry schedule.
type Config struct {
	MaxRetries  int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxRetries < 1 {
		c.MaxRetries = DefaultMaxRetries
	}
	if c.BaseBackoff <= 0 {
		c.BaseBackoff = DefaultBaseBackoff
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = DefaultMaxBackoff
	}
	return c
}

// Session snapshots a partially completed inbound transfer at the
// moment of disconnect. The in-progress transfer state it mirrors is
// not cleared; recovery is a continuation, not a reset.
type Session struct {
	PeerID           string
	TransferID       string
	OwnerID          string
	CompletedFiles   []string
	FileHashes       map[string]string
	BytesTransferred uint64
}

// Request builds the wire message enumerating what this side already
// holds, so the remote resumes with only the remainder.
func (s *Session) Request() protocol.RecoveryRequest {
	return protocol.RecoveryRequest{
		TransferID:       s.TransferID,
		OwnerID:          s.OwnerID,
		CompletedFiles:   append([]string(nil), s.CompletedFiles...),
		FileHashes:       s.FileHashes,
		BytesTransferred: s.BytesTransferred,
	}
}

// Coordinator owns one recovery session per disconnected peer.
type Coordinator struct {
	cfg Config
	log *slog.Logger

	mu       sync.Mutex
	sessions map[string]*Session
}

// New creates a coordinator. logger may be nil.
func New(cfg Config, logger *slog.Logger) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{
		cfg:      cfg.withDefaults(),
		log:      logger,
		sessions: make(map[string]*Session),
	}
}

// OnDisconnect records the snapshot for a peer. A second disconnect
// for the same peer before recovery finishes replaces the snapshot,
// since the newer one reflects more progress.
func (c *Coordinator) OnDisconnect(s Session) {
	c.mu.Lock()
	c.sessions[s.PeerID] = &s
	c.mu.Unlock()
	c.log.Info("recovery session created",
		"peer", s.PeerID, "transfer", s.TransferID,
		"completed", len(s.CompletedFiles), "bytes", s.BytesTransferred)
}

// Pending returns the stored session for a peer, if any.
func (c *Coordinator) Pending(peerID string) (Session, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.sessions[peerID]
	if !ok {
		return Session{}, false
	}
	return *s, true
}

// Run drives reconnection for a disconnected peer: attempt, back off,
// repeat up to the retry budget. On success the recovery request is
// sent through resume and the session is consumed. On exhaustion the
// session is discarded and ErrRetriesExhausted is returned; the caller
// reports the terminal failure to the consumer exactly once.
func (c *Coordinator) Run(ctx context.Context, peerID string, attempt AttemptFn, resume ResumeFn) error {
	c.mu.Lock()
	sess, ok := c.sessions[peerID]
	c.mu.Unlock()
	if !ok {
		return fmt.Errorf("recovery: no session for peer %s", peerID)
	}

	var lastErr error
	for n := 0; n < c.cfg.MaxRetries; n++ {
		if n > 0 {
			if !sleepCtx(ctx, c.Backoff(n-1)) {
				c.discard(peerID)
				return ctx.Err()
			}
		}

		if err := attempt(ctx); err != nil {
			lastErr = err
			c.log.Warn("reconnect attempt failed",
				"peer", peerID, "attempt", n+1, "max", c.cfg.MaxRetries, "err", err)
			continue
		}

		if err := resume(ctx, sess.Request()); err != nil {
			lastErr = err
			c.log.Warn("recovery request failed",
				"peer", peerID, "attempt", n+1, "err", err)
			continue
		}

		c.discard(peerID)
		c.log.Info("recovery negotiated",
			"peer", peerID, "transfer", sess.TransferID, "held", len(sess.CompletedFiles))
		return nil
	}

	c.discard(peerID)
	if lastErr != nil {
		return fmt.Errorf("%w: %v", ErrRetriesExhausted, lastErr)
	}
	return ErrRetriesExhausted
}

// Backoff returns the delay before retry n (zero-based): base doubled
// per attempt, capped.
func (c *Coordinator) Backoff(n int) time.Duration {
	d := c.cfg.BaseBackoff
	for i := 0; i < n; i++ {
		d *= 2
		if d >= c.cfg.MaxBackoff {
			return c.cfg.MaxBackoff
		}
	}
	if d > c.cfg.MaxBackoff {
		return c.cfg.MaxBackoff
	}
	return d
}

func (c *Coordinator) discard(peerID string) {
	c.mu.Lock()
	delete(c.sessions, peerID)
	c.mu.Unlock()
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
