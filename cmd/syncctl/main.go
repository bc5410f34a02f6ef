package main

import (
	"fmt"
	"os"

	"content-sync/internal/cli"
	"content-sync/internal/core/logger"
)

func main() {
	err := cli.NewRootCommand().Execute()
	logger.Sync()
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
