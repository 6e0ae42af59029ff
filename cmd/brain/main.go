package main

import (
	"os"

	"github.com/grovetools/brain/cmd"
)

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	if err := cmd.NewRootCmd(version).Execute(); err != nil {
		os.Exit(1)
	}
}
