package config

import (
	"crypto/rand"
	"encoding/hex"
	"flag"
	"os"
	"strconv"
	"time"
)

// TransferConfig holds configuration for a syncing peer.
type TransferConfig struct {
	ServerURL          string        // Signal server URL for reconnects
	LogLevel           string        // One of "debug", "info", "warn", "error"
	OwnerID            string        // Local peer identifier (default: random)
	ChunkSize          uint32        // Chunk size in bytes (default: 512 KiB)
	WindowSize         int           // Chunks in flight per file (default: 2)
	LargeFileBytes     int64         // Dedicated-channel threshold in bytes (default: 10 MiB)
	AvailableMemoryMB  int64         // Memory headroom advertised in capability exchange (default: 4096)
	BufferPerChannelMB int           // Memory budget per channel in MiB (default: 16)
	SessionStaleAfter  time.Duration // Reassembly session eviction age (default: 2m)
	SessionSweepEvery  time.Duration // Eviction sweep interval (default: 30s)
	NegotiateTimeout   time.Duration // Capability exchange deadline (default: 10s)
	RecoveryRetries    int           // Reconnect attempts before giving up (1..16, default: 5)
}

// ParseTransferConfig parses configuration from flags and environment variables.
// Flags take precedence over environment variables.
func ParseTransferConfig() TransferConfig {
	return parseTransferConfigWithFlagSet(flag.CommandLine, os.Args[1:])
}

// ParseTransferConfigFlagSet parses configuration on a caller-owned
// flag set, for subcommands that register extra flags of their own.
// Register any extra flags on fs before calling; this parses args.
func ParseTransferConfigFlagSet(fs *flag.FlagSet, args []string) TransferConfig {
	return parseTransferConfigWithFlagSet(fs, args)
}

// parseTransferConfigWithFlagSet is an internal helper for testing with isolated flag sets.
func parseTransferConfigWithFlagSet(fs *flag.FlagSet, args []string) TransferConfig {
	cfg := TransferConfig{
		ServerURL:          "http://localhost:8080",
		LogLevel:           "info",
		OwnerID:            generateOwnerID(),
		ChunkSize:          512 * 1024,
		WindowSize:         2,
		LargeFileBytes:     10 * 1024 * 1024,
		AvailableMemoryMB:  4096,
		BufferPerChannelMB: 16,
		SessionStaleAfter:  2 * time.Minute,
		SessionSweepEvery:  30 * time.Second,
		NegotiateTimeout:   10 * time.Second,
		RecoveryRetries:    5,
	}

	// Read from environment first
	if serverURL := os.Getenv("BYTEBUNDLE_SERVER_URL"); serverURL != "" {
		cfg.ServerURL = serverURL
	}
	if logLevel := os.Getenv("BYTEBUNDLE_LOG_LEVEL"); logLevel != "" {
		cfg.LogLevel = logLevel
	}
	if ownerID := os.Getenv("BYTEBUNDLE_OWNER_ID"); ownerID != "" {
		cfg.OwnerID = ownerID
	}
	if v := os.Getenv("BYTEBUNDLE_CHUNK_SIZE"); v != "" {
		if n, err := strconv.ParseUint(v, 10, 32); err == nil && n > 0 {
			cfg.ChunkSize = uint32(n)
		}
	}
	if v := os.Getenv("BYTEBUNDLE_MEMORY_MB"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
			cfg.AvailableMemoryMB = n
		}
	}
	if v := os.Getenv("BYTEBUNDLE_RECOVERY_RETRIES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.RecoveryRetries = n
		}
	}

	// Flags override environment
	fs.StringVar(&cfg.ServerURL, "server-url", cfg.ServerURL, "signal server URL")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "log level (debug, info, warn, error)")
	fs.StringVar(&cfg.OwnerID, "owner-id", cfg.OwnerID, "local peer identifier")
	fs.IntVar(&cfg.WindowSize, "window", cfg.WindowSize, "chunks in flight per file")
	fs.IntVar(&cfg.BufferPerChannelMB, "buffer-per-channel", cfg.BufferPerChannelMB, "memory budget per channel in MiB")
	fs.Int64Var(&cfg.AvailableMemoryMB, "memory-mb", cfg.AvailableMemoryMB, "memory headroom advertised during negotiation")
	fs.IntVar(&cfg.RecoveryRetries, "recovery-retries", cfg.RecoveryRetries, "reconnect attempts before giving up (1..16)")
	fs.DurationVar(&cfg.SessionStaleAfter, "session-stale-after", cfg.SessionStaleAfter, "reassembly session eviction age")
	fs.DurationVar(&cfg.NegotiateTimeout, "negotiate-timeout", cfg.NegotiateTimeout, "capability exchange deadline")

	var chunkSizeUint64 uint64
	fs.Uint64Var(&chunkSizeUint64, "chunk-size", 0, "chunk size in bytes (default: 512 KiB)")

	fs.Parse(args)

	if chunkSizeUint64 > 0 {
		cfg.ChunkSize = uint32(chunkSizeUint64)
	}

	if cfg.WindowSize < 1 {
		cfg.WindowSize = 1
	}
	if cfg.RecoveryRetries < 1 {
		cfg.RecoveryRetries = 1
	}
	if cfg.RecoveryRetries > 16 {
		cfg.RecoveryRetries = 16
	}

	return cfg
}

// generateOwnerID generates a random 10-character hex string for peer identification.
func generateOwnerID() string {
	b := make([]byte, 5) // 5 bytes = 10 hex characters
	if _, err := rand.Read(b); err != nil {
		return "0000000000"
	}
	return hex.EncodeToString(b)
}
