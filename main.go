// Package main provides the entry point for snoopsim.
// snoopsim is a discrete-event simulator of snoop-based coherent caches
// built on the Akita simulation framework.
//
// For the full CLI, use: go run ./cmd/snoopsim
package main

import (
	"fmt"
	"os"
)

func main() {
	fmt.Println("snoopsim - Snoop Cache Hierarchy Simulator")
	fmt.Println("Built on the Akita simulation framework")
	fmt.Println("")
	fmt.Println("Usage: snoopsim run [options]")
	fmt.Println("")
	fmt.Println("Options:")
	fmt.Println("  -c, --config   Path to a JSON system configuration")
	fmt.Println("  -v, --verbose  Log every event the caches handle")
	fmt.Println("      --strict   Validate cache invariants after every event")
	fmt.Println("")
	fmt.Println("Run 'go run ./cmd/snoopsim' for the full CLI.")

	if len(os.Args) > 1 {
		fmt.Println("\nNote: You provided arguments. Use 'go run ./cmd/snoopsim' instead.")
	}
}
