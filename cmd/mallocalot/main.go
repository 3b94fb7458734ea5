package main

import (
	"os"

	"github.com/PelionIoT/node-cgroups/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
