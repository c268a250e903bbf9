package main

import (
	"os"

	"github.com/rustyeddy/yieldtrader/cmd/yieldtrader/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
