package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Version information set at build time.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

const banner = `
  ╦  ┬┬  ┬┌─┐┌─┐┌─┐┌┬┐┌─┐┌─┐┌┐┌┌─┐┌┐┌┌┬┐
  ║  │└┐┌┘├┤ │  │ ││││├─┘│ ││││├┤ │││ │
  ╩═╝┴ └┘ └─┘└─┘└─┘┴ ┴┴  └─┘┘└┘└─┘┘└┘ ┴
`

func main() {
	rootCmd := &cobra.Command{
		Use:   "livecomponentd",
		Short: "Server-authoritative live component runtime",
		Long: `livecomponentd hosts stateful UI components and drives them over
a WebSocket connection using the live.v1 protocol.

Components keep their state on the server; the browser holds a thin
client that renders patches and forwards method calls. Features include:

  • Server-owned component state, mailbox-serialized per instance
  • JSON envelope protocol over WebSocket with backpressure and heartbeats
  • Chunked uploads bound to their owning instance's lifetime
  • Pub/sub event fan-out across rooms and instances
  • Prometheus metrics and OpenTelemetry tracing on every dispatched update`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(
		serveCmd(),
		versionCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "\033[31mError:\033[0m %s\n", err)
		os.Exit(1)
	}
}

// printBanner prints the ASCII art banner.
func printBanner() {
	fmt.Print(banner)
}

// success prints a success message.
func success(format string, args ...any) {
	fmt.Printf("\033[32m✓\033[0m %s\n", fmt.Sprintf(format, args...))
}

// info prints an info message.
func info(format string, args ...any) {
	fmt.Printf("  %s\n", fmt.Sprintf(format, args...))
}

// warn prints a warning message.
func warn(format string, args ...any) {
	fmt.Printf("\033[33m⚠\033[0m %s\n", fmt.Sprintf(format, args...))
}

// errorMsg prints an error message.
func errorMsg(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "\033[31m✗\033[0m %s\n", fmt.Sprintf(format, args...))
}
