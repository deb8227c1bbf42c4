// Package share implements the "bytebundle share" subcommand: it loads
// a bundle directory and pushes it to one or all relay peers.
package share

import (
	"context"
	"flag"
	"fmt"
	"net/url"
	"os"
	"strings"

	"github.com/bytebundle/bytebundle/internal/channel/quicchan"
	"github.com/bytebundle/bytebundle/internal/clienthttp"
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

	fs := flag.NewFlagSet("share", flag.ExitOnError)
	peer := fs.String("peer", "", "target peer owner id (default: every relay peer)")
	quicAddr := fs.String("quic", "", "dial the peer directly over QUIC at host:port instead of the relay")
	channels := fs.Int("channels", 4, "channel count for direct QUIC transfers")
	cfg := config.ParseTransferConfigFlagSet(fs, args)

	dir := "."
	if fs.NArg() > 0 {
		dir = fs.Arg(0)
	}

	logger := logging.New("bytebundle", cfg.LogLevel)

	files, blobs, err := manifest.LoadDir(dir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load bundle: %v\n", err)
		os.Exit(1)
	}
	if len(files) == 0 {
		fmt.Fprintf(os.Stderr, "bundle dir %q has no files\n", dir)
		os.Exit(1)
	}
	fmt.Printf("sharing %d files from %s as %s\n", len(files), dir, cfg.OwnerID)

	ctx := context.Background()

	o := orch.New(cfg, func(entityID string, got map[string][]byte, _ manifest.MetadataBlobs) error {
		logger.Info("received bundle back from peer", "entity", entityID, "files", len(got))
		return nil
	}, logger)
	o.SetBundle(files, blobs)

	if *quicAddr != "" {
		if *peer == "" {
			fmt.Fprintln(os.Stderr, "--quic requires --peer")
			os.Exit(2)
		}
		conn, err := quicchan.DialAddr(ctx, *quicAddr, logger)
		if err != nil {
			fmt.Fprintf(os.Stderr, "quic dial: %v\n", err)
			os.Exit(1)
		}
		mc, err := quicchan.Dial(ctx, conn, *channels, logger)
		if err != nil {
			fmt.Fprintf(os.Stderr, "quic channel setup: %v\n", err)
			os.Exit(1)
		}
		defer mc.Close()
		if err := o.Attach(*peer, mc); err != nil {
			fmt.Fprintf(os.Stderr, "attach %s: %v\n", *peer, err)
			os.Exit(1)
		}
		if err := o.Offer(ctx, *peer); err != nil {
			fmt.Fprintf(os.Stderr, "transfer to %s failed: %v\n", *peer, err)
			os.Exit(1)
		}
		fmt.Printf("transfer to %s complete\n", *peer)
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

	targets := []string{*peer}
	if *peer == "" {
		all, err := clienthttp.ListPeers(ctx, cfg.ServerURL)
		if err != nil {
			fmt.Fprintf(os.Stderr, "list peers: %v\n", err)
			os.Exit(1)
		}
		targets = targets[:0]
		for _, id := range all {
			if id != cfg.OwnerID {
				targets = append(targets, id)
			}
		}
		if len(targets) == 0 {
			fmt.Fprintln(os.Stderr, "no peers connected to the relay")
			os.Exit(1)
		}
	}

	failed := 0
	for _, target := range targets {
		if err := o.Attach(target, ch); err != nil {
			fmt.Fprintf(os.Stderr, "attach %s: %v\n", target, err)
			failed++
			continue
		}
		if err := o.Offer(ctx, target); err != nil {
			fmt.Fprintf(os.Stderr, "transfer to %s failed: %v\n", target, err)
			failed++
			continue
		}
		fmt.Printf("transfer to %s complete\n", target)
	}
	if failed > 0 {
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
	fmt.Fprintln(os.Stderr, "usage: bytebundle share [flags] [bundle-dir]")
	fmt.Fprintln(os.Stderr, "  --peer ID             target peer (default: every relay peer)")
	fmt.Fprintln(os.Stderr, "  --quic ADDR           dial the peer directly over QUIC (requires --peer)")
	fmt.Fprintln(os.Stderr, "  --channels N          channel count for direct QUIC transfers (default 4)")
	fmt.Fprintln(os.Stderr, "  --server-url URL      relay server URL (default http://localhost:8080)")
	fmt.Fprintln(os.Stderr, "  --owner-id ID         local peer identifier (default random)")
	fmt.Fprintln(os.Stderr, "  --chunk-size N        chunk size in bytes (default 524288)")
	fmt.Fprintln(os.Stderr, "  --window N            chunks in flight per file (default 2)")
	fmt.Fprintln(os.Stderr, "  --memory-mb N         memory headroom advertised during negotiation")
	fmt.Fprintln(os.Stderr, "  --negotiate-timeout D capability exchange deadline (default 10s)")
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
