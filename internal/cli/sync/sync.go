// Package sync implements the "bytebundle sync" subcommand: it asks a
// peer for the assets this side is missing, or sits listening for
// pushed bundles.
package sync

import (
	"context"
	"flag"
	"fmt"
	"net/url"
	"os"
	osignal "os/signal"
	"strings"
	"time"

	"github.com/bytebundle/bytebundle/internal/channel/quicchan"
	"github.com/bytebundle/bytebundle/internal/config"
	"github.com/bytebundle/bytebundle/internal/logging"
	"github.com/bytebundle/bytebundle/internal/orch"
	"github.com/bytebundle/bytebundle/internal/signal"
	"github.com/bytebundle/bytebundle/pkg/manifest"
)

func Run(args []string) {
	if hasHelpFlag(args) {
		printUsage()
		return
	}

	fs := flag.NewFlagSet("sync", flag.ExitOnError)
	peer := fs.String("peer", "", "peer owner id to sync with (required)")
	out := fs.String("out", ".", "directory to materialize received bundles into")
	listen := fs.Bool("listen", false, "wait for pushed bundles instead of requesting a delta")
	quicListen := fs.String("quic-listen", "", "accept one direct QUIC transfer on host:port instead of the relay")
	channels := fs.Int("channels", 4, "channel count for direct QUIC transfers")
	timeout := fs.Duration("timeout", 5*time.Minute, "how long to wait for the delta transfer")
	cfg := config.ParseTransferConfigFlagSet(fs, args)

	if *peer == "" {
		fmt.Fprintln(os.Stderr, "missing required --peer")
		printUsage()
		os.Exit(2)
	}

	logger := logging.New("bytebundle", cfg.LogLevel)

	// Seed the local bundle with whatever is already on disk so the
	// peer only sends the missing remainder.
	var files []manifest.AssetFile
	var blobs manifest.MetadataBlobs
	if _, err := os.Stat(*out); err == nil {
		files, blobs, err = manifest.LoadDir(*out)
		if err != nil {
			fmt.Fprintf(os.Stderr, "load existing bundle: %v\n", err)
			os.Exit(1)
		}
	}

	ctx := context.Background()
	done := make(chan struct{}, 1)

	o := orch.New(cfg, func(entityID string, got map[string][]byte, gotBlobs manifest.MetadataBlobs) error {
		if err := manifest.WriteDir(*out, got, gotBlobs); err != nil {
			return err
		}
		fmt.Printf("received %d files from %s into %s\n", len(got), entityID, *out)
		select {
		case done <- struct{}{}:
		default:
		}
		return nil
	}, logger)
	o.SetBundle(files, blobs)

	janCtx, janCancel := context.WithCancel(ctx)
	defer janCancel()
	go o.RunJanitor(janCtx)

	if *quicListen != "" {
		ln, err := quicchan.ListenAddr(*quicListen, logger)
		if err != nil {
			fmt.Fprintf(os.Stderr, "quic listen: %v\n", err)
			os.Exit(1)
		}
		defer ln.Close()
		fmt.Printf("waiting for a QUIC transfer from %s on %s\n", *peer, ln.Addr())
		conn, err := ln.Accept(ctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "quic accept: %v\n", err)
			os.Exit(1)
		}
		mc, err := quicchan.Accept(ctx, conn, *channels, logger)
		if err != nil {
			fmt.Fprintf(os.Stderr, "quic channel setup: %v\n", err)
			os.Exit(1)
		}
		defer mc.Close()
		if err := o.Attach(*peer, mc); err != nil {
			fmt.Fprintf(os.Stderr, "attach %s: %v\n", *peer, err)
			os.Exit(1)
		}
		select {
		case <-done:
		case <-time.After(*timeout):
			fmt.Fprintln(os.Stderr, "no bundle received before timeout")
			os.Exit(1)
		}
		return
	}

	wsu, err := buildWebSocketURL(cfg.ServerURL, cfg.OwnerID)
	if err != nil {
		fmt.Fprintf(os.Stderr, "bad server url: %v\n", err)
		os.Exit(1)
	}
	client, err := signal.Dial(ctx, wsu, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "connect relay: %v\n", err)
		os.Exit(1)
	}
	ch := signal.NewChannel(client, logger)
	defer ch.Close()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go ch.Run(runCtx)

	if err := o.Attach(*peer, ch); err != nil {
		fmt.Fprintf(os.Stderr, "attach %s: %v\n", *peer, err)
		os.Exit(1)
	}

	if *listen {
		fmt.Printf("listening as %s for bundles from %s (ctrl-c to stop)\n", cfg.OwnerID, *peer)
		sig := make(chan os.Signal, 1)
		osignal.Notify(sig, os.Interrupt)
		<-sig
		return
	}

	fmt.Printf("requesting missing assets from %s as %s\n", *peer, cfg.OwnerID)
	if err := o.RequestSync(ctx, *peer); err != nil {
		fmt.Fprintf(os.Stderr, "sync request failed: %v\n", err)
		os.Exit(1)
	}

	select {
	case <-done:
	case <-time.After(*timeout):
		fmt.Fprintln(os.Stderr, "no delta received before timeout; local bundle may already be current")
		os.Exit(1)
	}
}

func buildWebSocketURL(serverURL, ownerID string) (string, error) {
	u, err := url.Parse(serverURL)
	if err != nil {
		return "", err
	}
	scheme := strings.Replace(u.Scheme, "http", "ws", 1)
	if scheme == "ws" && u.Scheme == "https" {
		scheme = "wss"
	}
	wsURL := url.URL{
		Scheme:   scheme,
		Host:     u.Host,
		Path:     "/ws",
		RawQuery: "owner_id=" + url.QueryEscape(ownerID),
	}
	return wsURL.String(), nil
}

func printUsage() {
	fmt.Fprintln(os.Stderr, "usage: bytebundle sync --peer ID [flags]")
	fmt.Fprintln(os.Stderr, "  --peer ID             peer owner id to sync with (required)")
	fmt.Fprintln(os.Stderr, "  --out DIR             output directory (default .)")
	fmt.Fprintln(os.Stderr, "  --listen              wait for pushed bundles instead of requesting")
	fmt.Fprintln(os.Stderr, "  --quic-listen ADDR    accept one direct QUIC transfer (instead of the relay)")
	fmt.Fprintln(os.Stderr, "  --channels N          channel count for direct QUIC transfers (default 4)")
	fmt.Fprintln(os.Stderr, "  --timeout D           how long to wait for the delta (default 5m)")
	fmt.Fprintln(os.Stderr, "  --server-url URL      relay server URL (default http://localhost:8080)")
	fmt.Fprintln(os.Stderr, "  --owner-id ID         local peer identifier (default random)")
	fmt.Fprintln(os.Stderr, "  --log-level LEVEL     debug, info, warn, error (default info)")
}

func hasHelpFlag(args []string) bool {
	for _, arg := range args {
		if arg == "--help" || arg == "-h" {
			return true
		}
	}
	return false
}
