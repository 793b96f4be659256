// Package main provides the terminal console entry point for Chainsight
package main

import (
	"flag"
	"fmt"
	"os"

	"chainsight/internal/tui"
)

var (
	version = "dev"
)

func main() {
	var (
		showVersion bool
		serverURL   string
	)

	flag.BoolVar(&showVersion, "version", false, "Show version and exit")
	flag.BoolVar(&showVersion, "v", false, "Show version and exit (shorthand)")
	flag.StringVar(&serverURL, "server", "http://localhost:8080", "Chainsight engine URL")
	flag.StringVar(&serverURL, "s", "http://localhost:8080", "Chainsight engine URL (shorthand)")
	flag.Parse()

	if showVersion {
		fmt.Printf("chainsight-console %s\n", version)
		os.Exit(0)
	}

	// Print startup banner
	fmt.Println("Starting Chainsight console...")
	fmt.Printf("Connecting to: %s\n", serverURL)

	if err := tui.Run(serverURL); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
