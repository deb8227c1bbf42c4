package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/bytebundle/bytebundle/internal/config"
	"github.com/bytebundle/bytebundle/internal/logging"
	"github.com/bytebundle/bytebundle/internal/peers"
	"github.com/bytebundle/bytebundle/pkg/protocol"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // Allow all origins for now
	},
}

const relayVersion = "v0.1.0"

func main() {
	if hasHelpFlag(os.Args[1:]) {
		printRelayUsage()
		return
	}
	if hasVersionFlag(os.Args[1:]) {
		fmt.Println(relayVersion)
		return
	}
	cfg := config.ParseRelayConfig()
	logger := logging.New("bytebundle-relay", cfg.LogLevel)

	addr := fmt.Sprintf(":%d", cfg.Port)
	fmt.Printf("starting relay addr=%s\n", addr)

	hub := peers.NewHub()
	connLimit := newConnLimiter(cfg.MaxPeers)

	http.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]bool{"ok": true})
	})

	http.HandleFunc("/peers", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string][]string{"peers": hub.List()})
	})

	http.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		handleWebSocket(w, r, hub, logger, cfg, connLimit)
	})

	if err := http.ListenAndServe(addr, nil); err != nil {
		logger.Error("relay failed", "error", err)
		os.Exit(1)
	}
}

func handleWebSocket(w http.ResponseWriter, r *http.Request, hub *peers.Hub, logger *slog.Logger, cfg config.RelayConfig, connLimit *connLimiter) {
	ownerID := r.URL.Query().Get("owner_id")
	if ownerID == "" {
		sendError(w, http.StatusBadRequest, "missing owner_id")
		return
	}

	if cfg.MaxPeers > 0 {
		if !connLimit.Acquire() {
			sendError(w, http.StatusTooManyRequests, "connection limit reached")
			return
		}
		defer connLimit.Release()
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Error("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()
	if cfg.MaxMessageBytes > 0 {
		conn.SetReadLimit(int64(cfg.MaxMessageBytes))
	}
	var writeMu sync.Mutex
	if cfg.IdleTimeout > 0 {
		conn.SetReadDeadline(time.Now().Add(cfg.IdleTimeout))
		conn.SetPongHandler(func(string) error {
			conn.SetReadDeadline(time.Now().Add(cfg.IdleTimeout))
			return nil
		})
		conn.SetPingHandler(func(appData string) error {
			conn.SetReadDeadline(time.Now().Add(cfg.IdleTimeout))
			writeMu.Lock()
			err := conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(10*time.Second))
			writeMu.Unlock()
			return err
		})
	}

	connID := protocol.NewMsgID()

	sendFunc := func(env protocol.Envelope) error {
		writeMu.Lock()
		err := conn.WriteJSON(env)
		writeMu.Unlock()
		return err
	}

	removePeer := hub.Add(peers.Peer{OwnerID: ownerID, ConnID: connID}, sendFunc)
	defer removePeer()

	if cfg.IdleTimeout > 0 {
		stopPing := make(chan struct{})
		defer close(stopPing)
		go func() {
			ticker := time.NewTicker(30 * time.Second)
			defer ticker.Stop()
			for {
				select {
				case <-stopPing:
					return
				case <-ticker.C:
					writeMu.Lock()
					_ = conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(10*time.Second))
					writeMu.Unlock()
				}
			}
		}()
	}

	fmt.Printf("peer connected owner_id=%s conn_id=%s\n", ownerID, connID)
	defer fmt.Printf("peer disconnected owner_id=%s conn_id=%s\n", ownerID, connID)

	msgLimiter := newTokenBucket(float64(cfg.MsgsPerSec), cfg.MsgsBurst)
	for {
		messageType, message, err := conn.ReadMessage()
		if err != nil {
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				logger.Info("websocket idle timeout", "owner_id", ownerID)
			}
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				logger.Error("websocket read error", "error", err)
			}
			break
		}
		if cfg.IdleTimeout > 0 {
			conn.SetReadDeadline(time.Now().Add(cfg.IdleTimeout))
		}

		if messageType != websocket.TextMessage {
			continue
		}

		var env protocol.Envelope
		if err := json.Unmarshal(message, &env); err != nil {
			logger.Warn("invalid JSON envelope", "error", err, "owner_id", ownerID)
			continue
		}
		if err := env.ValidateBasic(); err != nil {
			logger.Warn("invalid envelope", "error", err, "owner_id", ownerID)
			continue
		}

		if throttled(msgLimiter, cfg.MsgsPerSec, env.Type) {
			logger.Warn("websocket message rate limit exceeded", "owner_id", ownerID)
			conn.Close()
			break
		}

		// The From field always reflects the authenticated connection.
		env.From = ownerID

		if env.To != "" {
			if err := hub.SendTo(env.To, env); err != nil {
				code := "peer_not_found"
				if errors.Is(err, peers.ErrQueueFull) {
					code = "peer_busy"
				}
				errorMsg := protocol.Error{
					Code:    code,
					Message: "targeted send to " + env.To + " failed: " + err.Error(),
				}
				errorEnv, envErr := protocol.NewEnvelope(protocol.TypeError, protocol.NewMsgID(), errorMsg)
				if envErr == nil {
					errorEnv.From = "relay"
					errorEnv.To = ownerID
					sendFunc(errorEnv)
				}
				logger.Warn("targeted send failed", "from", ownerID, "to", env.To, "error", err)
			}
		} else {
			hub.BroadcastExcept(ownerID, env)
		}
	}
}

// throttled reports whether an envelope exceeds the per-connection
// message budget. Chunk envelopes are exempt; a transfer legitimately
// sustains far more chunks per second than any control-message rate.
func throttled(limiter *tokenBucket, msgsPerSec int, msgType string) bool {
	if msgsPerSec <= 0 || msgType == protocol.TypeChunk {
		return false
	}
	return !limiter.Allow()
}

type tokenBucket struct {
	mu     sync.Mutex
	tokens float64
	last   time.Time
	rate   float64
	burst  float64
}

func newTokenBucket(ratePerSec float64, burst int) *tokenBucket {
	if ratePerSec < 0 {
		ratePerSec = 0
	}
	if burst < 1 {
		burst = 1
	}
	return &tokenBucket{
		tokens: float64(burst),
		last:   time.Now(),
		rate:   ratePerSec,
		burst:  float64(burst),
	}
}

func (b *tokenBucket) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := time.Now()
	elapsed := now.Sub(b.last).Seconds()
	b.last = now
	b.tokens += elapsed * b.rate
	if b.tokens > b.burst {
		b.tokens = b.burst
	}
	if b.tokens < 1 {
		return false
	}
	b.tokens -= 1
	return true
}

type connLimiter struct {
	mu    sync.Mutex
	limit int
	inUse int
}

func newConnLimiter(limit int) *connLimiter {
	return &connLimiter{limit: limit}
}

func (l *connLimiter) Acquire() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.limit > 0 && l.inUse >= l.limit {
		return false
	}
	l.inUse++
	return true
}

func (l *connLimiter) Release() {
	l.mu.Lock()
	if l.inUse > 0 {
		l.inUse--
	}
	l.mu.Unlock()
}

func sendError(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}

func printRelayUsage() {
	fmt.Fprintln(os.Stderr, "usage: bytebundle-relay [--port N] [--max-peers N]")
	fmt.Fprintln(os.Stderr, "  --port N                relay listen port (default 8080)")
	fmt.Fprintln(os.Stderr, "  --log-level LEVEL       log level: debug, info, warn, error (default info)")
	fmt.Fprintln(os.Stderr, "  --max-peers N           max concurrent relay connections (default 2000, 0 disables)")
	fmt.Fprintln(os.Stderr, "  --max-message-bytes N   max websocket message size (default 2097152)")
	fmt.Fprintln(os.Stderr, "  --msgs-per-sec N        max messages per second per connection (default 50, 0 disables)")
	fmt.Fprintln(os.Stderr, "  --msgs-burst N          burst messages per connection (default 100)")
	fmt.Fprintln(os.Stderr, "  --idle-timeout DURATION websocket idle timeout (default 10m, 0 disables)")
}

func hasHelpFlag(args []string) bool {
	for _, arg := range args {
		if arg == "--help" || arg == "-h" {
			return true
		}
	}
	return false
}

func hasVersionFlag(args []string) bool {
	for _, arg := range args {
		if arg == "--version" || arg == "-v" {
			return true
		}
	}
	return false
}
