// Package main provides the entry point for snapkeep-cli, the command-line
// tool for managing snapshot repositories on a SnapKeep server.
package main

import (
	"fmt"
	"os"

	"github.com/yndnr/snapkeep-go/internal/cli/command"
)

func main() {
	app := command.App()

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
