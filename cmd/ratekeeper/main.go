package main

import (
	"os"

	"github.com/ratekeeper/ratekeeper/internal/cli"
)

func main() {
	if err := cli.NewRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
