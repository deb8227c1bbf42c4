package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/bytebundle/bytebundle/internal/cli/share"
	"github.com/bytebundle/bytebundle/internal/cli/sync"
	"github.com/bytebundle/bytebundle/internal/clienthttp"
)

const version = "v0.1.0"

func main() {
	args := os.Args[1:]
	if len(args) == 0 {
		printUsage()
		return
	}
	if hasVersionFlag(args) {
		fmt.Println("bytebundle " + version)
		return
	}

	cmdName := args[0]
	switch cmdName {
	case "share":
		share.Run(args[1:])
		return
	case "sync":
		sync.Run(args[1:])
		return
	case "peers":
		runPeers(args[1:])
		return
	default:
		if hasHelpFlag(args) {
			printUsage()
			return
		}
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", cmdName)
		printUsage()
		os.Exit(2)
	}
}

func runPeers(args []string) {
	fs := flag.NewFlagSet("peers", flag.ExitOnError)
	serverURL := fs.String("server-url", "http://localhost:8080", "relay server URL")
	fs.Parse(args)

	ctx := context.Background()
	if err := clienthttp.Health(ctx, *serverURL); err != nil {
		fmt.Fprintf(os.Stderr, "relay unreachable: %v\n", err)
		os.Exit(1)
	}
	ids, err := clienthttp.ListPeers(ctx, *serverURL)
	if err != nil {
		fmt.Fprintf(os.Stderr, "list peers: %v\n", err)
		os.Exit(1)
	}
	if len(ids) == 0 {
		fmt.Println("no peers connected")
		return
	}
	for _, id := range ids {
		fmt.Println(id)
	}
}

func printUsage() {
	fmt.Fprintln(os.Stderr, "usage: bytebundle <command> [args]")
	fmt.Fprintln(os.Stderr, "commands:")
	fmt.Fprintln(os.Stderr, "  share   push a bundle directory to relay peers")
	fmt.Fprintln(os.Stderr, "  sync    pull missing assets from a peer")
	fmt.Fprintln(os.Stderr, "  peers   list peers connected to the relay")
	fmt.Fprintln(os.Stderr, "quick examples:")
	fmt.Fprintln(os.Stderr, "  bytebundle share ./my-bundle --peer 4f2a91c0de")
	fmt.Fprintln(os.Stderr, "  bytebundle sync --peer 4f2a91c0de --out ./bundle")
	fmt.Fprintln(os.Stderr, "to learn detailed usage:")
	fmt.Fprintln(os.Stderr, "  bytebundle share --help")
	fmt.Fprintln(os.Stderr, "  bytebundle sync --help")
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
