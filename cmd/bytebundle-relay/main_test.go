package main

import (
	"testing"

	"github.com/bytebundle/bytebundle/pkg/protocol"
)

func TestThrottled_ControlMessagesCountChunksDoNot(t *testing.T) {
	// No refill at rate 0; the bucket holds exactly two tokens.
	limiter := newTokenBucket(0, 2)

	for i := 0; i < 10; i++ {
		if throttled(limiter, 50, protocol.TypeChunk) {
			t.Fatalf("chunk envelope %d was throttled", i)
		}
	}

	if throttled(limiter, 50, protocol.TypeCapabilities) {
		t.Fatal("first control message throttled")
	}
	if throttled(limiter, 50, protocol.TypeFileDone) {
		t.Fatal("second control message throttled")
	}
	if !throttled(limiter, 50, protocol.TypeFileDone) {
		t.Fatal("control message passed an empty bucket")
	}

	// Chunks still flow after control traffic drained the bucket.
	if throttled(limiter, 50, protocol.TypeChunk) {
		t.Fatal("chunk envelope throttled by a drained bucket")
	}
}

func TestThrottled_DisabledLimit(t *testing.T) {
	limiter := newTokenBucket(0, 1)
	limiter.Allow()
	if throttled(limiter, 0, protocol.TypeFileDone) {
		t.Fatal("throttled with rate limiting disabled")
	}
}
