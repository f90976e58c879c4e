// Package main is the entry point for the optimarr application.
package main

import (
	"os"

	"github.com/jmylchreest/optimarr/cmd/optimarr/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
