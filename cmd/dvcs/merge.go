package main

import (
	"fmt"
	"os"

	"github.com/oxcart/dvcs/internal/mergeengine"
	"github.com/oxcart/dvcs/internal/repo"
)

func runMerge(r *repo.Repository, args []string) int {
	if len(args) == 0 {
		return fatalf("merge: branch name required")
	}

	identity, err := currentIdentity()
	if err != nil {
		fmt.Fprintf(os.Stderr, "dvcs: %v\n", err)
		return exitCodeOf(err)
	}

	outcome, err := r.Merge(args[0], identity)
	if err != nil {
		fmt.Fprintf(os.Stderr, "dvcs: %v\n", err)
		return exitCodeOf(err)
	}

	switch outcome.Kind {
	case mergeengine.FastForward:
		fmt.Printf("Fast-forward to %s\n", outcome.Commit.Short())
	case mergeengine.Created:
		fmt.Printf("Merge commit %s created\n", outcome.Commit.Short())
	case mergeengine.Conflicted:
		fmt.Printf("Merge produced %d conflict(s); resolve and commit to finish\n", len(outcome.Conflicts))
		return 1
	}
	return 0
}
