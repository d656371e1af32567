// Package main is the entry point for the kafswarm CLI.
package main

import (
	"os"

	"github.com/KafClaw/kafswarm/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
