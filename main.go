package main

import (
	"os"

	"github.com/proxyme/proxyme/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
