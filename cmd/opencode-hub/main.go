// Package main provides the entry point for the OpenCode hub CLI.
package main

import (
	"fmt"
	"os"

	"github.com/opencode-ai/opencode-hub/cmd/opencode-hub/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
