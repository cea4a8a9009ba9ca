package main

import (
	"os"

	"github.com/rand/finagent/internal/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
