// Package main provides dc-cli, a command-line client for digital credential
// verification flows.
package main

import (
	"os"

	"github.com/sirosfoundation/go-digital-credentials/cmd/dc-cli/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
