package main

import (
	"fmt"
	"os"

	"github.com/oxcart/dvcs/internal/repo"
)

func runAdd(r *repo.Repository, paths []string) int {
	if err := r.Add(paths...); err != nil {
		fmt.Fprintf(os.Stderr, "dvcs: %v\n", err)
		return exitCodeOf(err)
	}
	return 0
}

func runRm(r *repo.Repository, paths []string) int {
	if len(paths) == 0 {
		return fatalf("rm: at least one path required")
	}
	for _, p := range paths {
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			return fatalf("rm %s: %v", p, err)
		}
	}
	if err := r.Add(paths...); err != nil {
		fmt.Fprintf(os.Stderr, "dvcs: %v\n", err)
		return exitCodeOf(err)
	}
	return 0
}
