package main

import (
	"fmt"
	"os"

	"github.com/oxcart/dvcs/internal/repo"
)

func runCommit(r *repo.Repository, args []string) int {
	var message string
	for i := 0; i < len(args); i++ {
		if (args[i] == "-m" || args[i] == "--message") && i+1 < len(args) {
			message = args[i+1]
			i++
		}
	}
	if message == "" {
		return fatalf("commit: -m <message> is required")
	}

	identity, err := currentIdentity()
	if err != nil {
		fmt.Fprintf(os.Stderr, "dvcs: %v\n", err)
		return exitCodeOf(err)
	}

	id, err := r.Commit(identity, message)
	if err != nil {
		fmt.Fprintf(os.Stderr, "dvcs: %v\n", err)
		return exitCodeOf(err)
	}
	fmt.Printf("[%s] %s\n", id.Short(), message)
	return 0
}
