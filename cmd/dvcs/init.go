package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/oxcart/dvcs/internal/repo"
)

func runInit(args []string, logger *slog.Logger) int {
	dir := "."
	if len(args) > 0 {
		dir = args[0]
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return fatalf("creating %s: %v", dir, err)
		}
	}
	r, err := repo.Init(dir, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "dvcs: %v\n", err)
		return exitCodeOf(err)
	}
	fmt.Printf("Initialized empty dvcs repository in %s\n", r.WorkDir)
	return 0
}
