package main

import (
	"os"

	"repovault/cmd/rv/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		os.Exit(1)
	}
}
