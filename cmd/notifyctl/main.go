package main

import (
	"os"

	"github.com/mesh-research/remote-api-notifier/cmd/notifyctl/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
