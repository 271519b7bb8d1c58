package main

import (
	"os"

	"github.com/jholhewres/promptrelay/cmd/promptrelay/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		os.Exit(1)
	}
}
