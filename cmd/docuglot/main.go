// Package main provides the docuglot CLI entrypoint.
package main

import (
	"fmt"
	"os"

	"github.com/docuglot/docuglot/cmd/docuglot/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
