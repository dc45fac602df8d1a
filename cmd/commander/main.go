package main

import (
	"os"

	"github.com/falleco/open-commander/cmd/commander/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
