package chunker

import (
	"bytes"
	"context"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/bytebundle/bytebundle/internal/logging"
	"github.com/bytebundle/bytebundle/pkg/protocol"
)

func testSenderConfig() Config {
	return Config{
		ChunkSize:  1024,
		Window:     2,
		BaseDelay:  time.Microsecond,
		RampDelay:  time.Microsecond,
		RampChunks: 2,
	}
}

func testReceiverConfig() ReceiverConfig {
	return ReceiverConfig{ChunkSize: 1024}
}

func makeData(n int) []byte {
	data := make([]byte, n)
	rng := rand.New(rand.NewSource(42))
	rng.Read(data)
	return data
}

// collectChunks runs a full send and returns every emitted chunk with
// payloads copied, since the sender recycles its buffers.
func collectChunks(t *testing.T, data []byte) []protocol.Chunk {
	t.Helper()
	var mu sync.Mutex
	var chunks []protocol.Chunk

	s := NewSender(testSenderConfig(), logging.Nop())
	sess := s.StartTransfer(context.Background(), "asset.tex", data, "hash1", 0,
		func(_ context.Context, c protocol.Chunk) error {
			payload := make([]byte, len(c.Payload))
			copy(payload, c.Payload)
			c.Payload = payload
			mu.Lock()
			chunks = append(chunks, c)
			mu.Unlock()
			return nil
		})
	if err := sess.Wait(); err != nil {
		t.Fatalf("Wait: %v", err)
	}
	return chunks
}

func TestSendReceive_RoundTrip(t *testing.T) {
	data := makeData(10*1024 + 37) // 11 chunks, short last chunk
	chunks := collectChunks(t, data)
	if len(chunks) != 11 {
		t.Fatalf("emitted %d chunks, want 11", len(chunks))
	}

	r := NewReceiver(testReceiverConfig(), logging.Nop())
	var assembled []byte
	completions := 0
	for _, c := range chunks {
		if out, done := r.ReceiveChunk(c); done {
			assembled = out
			completions++
		}
	}
	if completions != 1 {
		t.Fatalf("completion fired %d times", completions)
	}
	if !bytes.Equal(assembled, data) {
		t.Fatalf("reassembled %d bytes != original %d bytes", len(assembled), len(data))
	}
	if r.ActiveSessions() != 0 {
		t.Fatalf("session not destroyed on completion")
	}
}

func TestSendReceive_ZeroByteFile(t *testing.T) {
	chunks := collectChunks(t, nil)
	if len(chunks) != 1 {
		t.Fatalf("emitted %d chunks for empty data, want 1", len(chunks))
	}
	if chunks[0].TotalChunks != 1 || len(chunks[0].Payload) != 0 {
		t.Fatalf("empty-file marker chunk = %+v", chunks[0])
	}

	r := NewReceiver(testReceiverConfig(), logging.Nop())
	out, done := r.ReceiveChunk(chunks[0])
	if !done {
		t.Fatal("empty-file chunk did not complete the session")
	}
	if len(out) != 0 {
		t.Fatalf("assembled %d bytes for empty file", len(out))
	}
	if r.ActiveSessions() != 0 {
		t.Fatalf("session not destroyed on completion")
	}
}

func TestReceive_AnyPermutationWithDuplicates(t *testing.T) {
	data := makeData(8*1024 + 511)
	chunks := collectChunks(t, data)

	rng := rand.New(rand.NewSource(7))
	for trial := 0; trial < 20; trial++ {
		shuffled := make([]protocol.Chunk, len(chunks))
		copy(shuffled, chunks)
		rng.Shuffle(len(shuffled), func(i, j int) {
			shuffled[i], shuffled[j] = shuffled[j], shuffled[i]
		})
		// Inject duplicates mid-stream.
		shuffled = append(shuffled, shuffled[0], shuffled[len(shuffled)/2])

		r := NewReceiver(testReceiverConfig(), logging.Nop())
		var assembled []byte
		completions := 0
		for _, c := range shuffled {
			if out, done := r.ReceiveChunk(c); done {
				assembled = out
				completions++
			}
		}
		if completions != 1 {
			t.Fatalf("trial %d: completion fired %d times", trial, completions)
		}
		if !bytes.Equal(assembled, data) {
			t.Fatalf("trial %d: reassembly mismatch", trial)
		}
	}
}

func TestReceive_LateChunkAfterCompletionIgnored(t *testing.T) {
	data := makeData(3 * 1024)
	chunks := collectChunks(t, data)

	r := NewReceiver(testReceiverConfig(), logging.Nop())
	for _, c := range chunks {
		r.ReceiveChunk(c)
	}
	// Session is gone; a late chunk recreates nothing visible to callers
	// and never re-fires completion on its own.
	if _, done := r.ReceiveChunk(chunks[0]); done {
		t.Fatal("late chunk re-fired completion")
	}
}

func TestReceive_MalformedChunksDropped(t *testing.T) {
	data := makeData(2 * 1024)
	chunks := collectChunks(t, data)
	r := NewReceiver(testReceiverConfig(), logging.Nop())

	bad := chunks[0]
	bad.ChunkIndex = 99
	if _, done := r.ReceiveChunk(bad); done {
		t.Fatal("out-of-range index accepted")
	}

	bad = chunks[0]
	bad.Payload = nil
	if _, done := r.ReceiveChunk(bad); done {
		t.Fatal("empty payload accepted")
	}

	bad = chunks[0]
	bad.PayloadCRC++
	if _, done := r.ReceiveChunk(bad); done {
		t.Fatal("corrupt chunk accepted")
	}

	// The session stays completable after the bad deliveries.
	var assembled []byte
	completions := 0
	for _, c := range chunks {
		if out, done := r.ReceiveChunk(c); done {
			assembled = out
			completions++
		}
	}
	if completions != 1 || !bytes.Equal(assembled, data) {
		t.Fatalf("session not completable after malformed chunks: fired %d", completions)
	}
}

func TestReceive_StalenessEviction(t *testing.T) {
	data := makeData(4 * 1024)
	chunks := collectChunks(t, data)

	r := NewReceiver(ReceiverConfig{ChunkSize: 1024, StaleAfter: time.Minute}, logging.Nop())
	r.ReceiveChunk(chunks[0])
	if r.ActiveSessions() != 1 {
		t.Fatalf("ActiveSessions = %d", r.ActiveSessions())
	}

	if n := r.EvictStale(time.Now()); n != 0 {
		t.Fatalf("fresh session evicted")
	}
	if n := r.EvictStale(time.Now().Add(2 * time.Minute)); n != 1 {
		t.Fatalf("EvictStale = %d, want 1", n)
	}
	if r.ActiveSessions() != 0 {
		t.Fatalf("stale session not purged")
	}
}

func TestSender_Cancel(t *testing.T) {
	data := makeData(64 * 1024) // 64 chunks
	cfg := testSenderConfig()
	cfg.BaseDelay = 5 * time.Millisecond
	cfg.RampDelay = 5 * time.Millisecond

	var mu sync.Mutex
	sent := 0
	s := NewSender(cfg, logging.Nop())
	sess := s.StartTransfer(context.Background(), "big.tex", data, "h", 0,
		func(_ context.Context, c protocol.Chunk) error {
			mu.Lock()
			sent++
			mu.Unlock()
			return nil
		})

	time.Sleep(15 * time.Millisecond)
	sess.Cancel()
	if err := sess.Wait(); err == nil {
		t.Fatal("expected cancellation error")
	}

	mu.Lock()
	defer mu.Unlock()
	if sent >= 64 {
		t.Fatalf("cancellation did not stop the stream: %d chunks sent", sent)
	}
}

func TestSender_CancelSessionByID(t *testing.T) {
	data := makeData(64 * 1024)
	cfg := testSenderConfig()
	cfg.BaseDelay = 5 * time.Millisecond
	cfg.RampDelay = 5 * time.Millisecond

	s := NewSender(cfg, logging.Nop())
	sess := s.StartTransfer(context.Background(), "big.tex", data, "h", 0,
		func(context.Context, protocol.Chunk) error { return nil })

	s.CancelSession(sess.ID())
	if err := sess.Wait(); err == nil {
		t.Fatal("expected cancellation error")
	}
	s.CancelSession("no-such-session") // must not panic
}

func TestSender_SendErrorStopsStream(t *testing.T) {
	data := makeData(32 * 1024)
	s := NewSender(testSenderConfig(), logging.Nop())
	sess := s.StartTransfer(context.Background(), "f.tex", data, "h", 0,
		func(_ context.Context, c protocol.Chunk) error {
			if c.ChunkIndex >= 3 {
				return context.Canceled
			}
			return nil
		})
	if err := sess.Wait(); err == nil {
		t.Fatal("expected send error to surface")
	}
}

func TestSender_ChunkMetadata(t *testing.T) {
	data := makeData(2*1024 + 100)
	chunks := collectChunks(t, data)
	if len(chunks) != 3 {
		t.Fatalf("got %d chunks", len(chunks))
	}
	for _, c := range chunks {
		if c.SessionID == "" || c.FileName != "asset.tex" || c.FileHash != "hash1" {
			t.Fatalf("bad chunk metadata: %+v", c)
		}
		if c.TotalChunks != 3 {
			t.Fatalf("TotalChunks = %d", c.TotalChunks)
		}
		if ChunkCRC(c.Payload) != c.PayloadCRC {
			t.Fatalf("chunk %d CRC mismatch", c.ChunkIndex)
		}
		// The window may reorder emission, so check lengths by index.
		if c.ChunkIndex == 2 && len(c.Payload) != 100 {
			t.Fatalf("last chunk length = %d, want 100", len(c.Payload))
		}
		if c.ChunkIndex < 2 && len(c.Payload) != 1024 {
			t.Fatalf("chunk %d length = %d, want 1024", c.ChunkIndex, len(c.Payload))
		}
	}
}
