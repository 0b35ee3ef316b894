package main

import (
	"os"

	"secumsg/cmd/sessionctl/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		os.Exit(1)
	}
}
