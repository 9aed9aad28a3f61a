package main

import (
	"os"

	"github.com/solatis/serverrules/cmd/serverrules/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
