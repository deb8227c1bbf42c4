package config

import (
	"flag"
	"os"
	"strconv"
	"time"
)

// RelayConfig holds configuration for the relay server.
type RelayConfig struct {
	Port            int           // HTTP listen port (default: 8080)
	LogLevel        string        // One of "debug", "info", "warn", "error"
	MaxPeers        int           // Max concurrent relay connections (default: 2000, 0 disables)
	MaxMessageBytes int           // Max websocket message size (default: 2 MiB, fits a base64 chunk envelope)
	MsgsPerSec      int           // Per-connection message rate limit (default: 50, 0 disables)
	MsgsBurst       int           // Per-connection message burst (default: 100)
	IdleTimeout     time.Duration // Websocket idle timeout (default: 10m, 0 disables)
}

// ParseRelayConfig parses relay configuration from flags and
// environment variables. Flags take precedence over environment
// variables.
func ParseRelayConfig() RelayConfig {
	return parseRelayConfigWithFlagSet(flag.CommandLine, os.Args[1:])
}

func parseRelayConfigWithFlagSet(fs *flag.FlagSet, args []string) RelayConfig {
	cfg := RelayConfig{
		Port:            8080,
		LogLevel:        "info",
		MaxPeers:        2000,
		MaxMessageBytes: 2 * 1024 * 1024,
		MsgsPerSec:      50,
		MsgsBurst:       100,
		IdleTimeout:     10 * time.Minute,
	}

	if v := os.Getenv("BYTEBUNDLE_RELAY_PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Port = n
		}
	}
	if logLevel := os.Getenv("BYTEBUNDLE_LOG_LEVEL"); logLevel != "" {
		cfg.LogLevel = logLevel
	}

	fs.IntVar(&cfg.Port, "port", cfg.Port, "relay listen port")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "log level (debug, info, warn, error)")
	fs.IntVar(&cfg.MaxPeers, "max-peers", cfg.MaxPeers, "max concurrent relay connections (0 disables)")
	fs.IntVar(&cfg.MaxMessageBytes, "max-message-bytes", cfg.MaxMessageBytes, "max websocket message size")
	fs.IntVar(&cfg.MsgsPerSec, "msgs-per-sec", cfg.MsgsPerSec, "per-connection message rate limit (0 disables)")
	fs.IntVar(&cfg.MsgsBurst, "msgs-burst", cfg.MsgsBurst, "per-connection message burst")
	fs.DurationVar(&cfg.IdleTimeout, "idle-timeout", cfg.IdleTimeout, "websocket idle timeout (0 disables)")

	fs.Parse(args)

	if cfg.Port < 1 {
		cfg.Port = 8080
	}
	if cfg.MaxMessageBytes < 1 {
		cfg.MaxMessageBytes = 2 * 1024 * 1024
	}
	if cfg.MsgsBurst < 1 {
		cfg.MsgsBurst = 1
	}
	return cfg
}
