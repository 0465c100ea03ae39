// Package main implements the contextmem CLI for operating a record store
// from the shell: adding texts, retrieving, decay and cleanup passes, and
// fact conflict resolution.
package main

import (
	"fmt"
	"os"
)

// version is set at build time.
var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
