package main

import (
	"os"

	"github.com/airhost/airhost-gateway/cmd/airhostctl/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
