// Package main provides the drawing-ingest CLI entrypoint.
package main

import (
	"fmt"
	"os"

	"github.com/spherical/drawing-ingest/cmd/drawing-ingest/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
