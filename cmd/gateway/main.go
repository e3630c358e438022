package main

import (
	"os"

	"github.com/mealhub/gateway/cmd/gateway/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
