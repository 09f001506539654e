package main

import (
	"os"

	"github.com/G-Research/eveingester/cmd/eveingester/cmd"
)

func main() {
	if err := cmd.RootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
