// Package main provides appshell-ctl, a command line client for the
// management protocol of a running appshell.
package main

import (
	"os"

	"github.com/sirosfoundation/go-appshell/cmd/appshell-ctl/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
