package main

import (
	"context"
	"fmt"
	"os"

	"github.com/oxcart/dvcs/internal/repo"
	"github.com/oxcart/dvcs/internal/transport"
)

// remoteAndBranch resolves the optional <remote> <branch> CLI positional
// arguments, defaulting to "origin" and the repository's current branch.
func remoteAndBranch(r *repo.Repository, args []string) (remote, branch string, err error) {
	remote = "origin"
	if len(args) > 0 {
		remote = args[0]
	}
	branch = ""
	if len(args) > 1 {
		branch = args[1]
	}
	if branch == "" {
		head, herr := r.Refs.GetHead()
		if herr != nil {
			return "", "", herr
		}
		if head.IsDetached() {
			return "", "", fmt.Errorf("HEAD is detached; specify a branch explicitly")
		}
		branch = head.Branch
	}
	return remote, branch, nil
}

func runPush(r *repo.Repository, args []string) int {
	remote, branch, err := remoteAndBranch(r, args)
	if err != nil {
		return fatalf("push: %v", err)
	}

	p := transport.NewCLIProgress(fmt.Sprintf("pushing %s -> %s", branch, remote))
	err = r.Push(context.Background(), remote, branch, p)
	sent := p.Finish()
	if err != nil {
		fmt.Fprintf(os.Stderr, "dvcs: %v\n", err)
		return exitCodeOf(err)
	}
	fmt.Printf("Pushed %s to %s (%d bytes transferred)\n", branch, remote, sent)
	return 0
}

func runPull(r *repo.Repository, args []string) int {
	remote, branch, err := remoteAndBranch(r, args)
	if err != nil {
		return fatalf("pull: %v", err)
	}

	identity, err := currentIdentity()
	if err != nil {
		fmt.Fprintf(os.Stderr, "dvcs: %v\n", err)
		return exitCodeOf(err)
	}

	p := transport.NewCLIProgress(fmt.Sprintf("pulling %s <- %s", branch, remote))
	outcome, err := r.Pull(context.Background(), remote, branch, identity, p)
	p.Finish()
	if err != nil {
		fmt.Fprintf(os.Stderr, "dvcs: %v\n", err)
		return exitCodeOf(err)
	}
	if outcome.UpToDate {
		fmt.Println("Already up to date.")
		return 0
	}
	if err := r.RestoreAll(branch); err != nil {
		fmt.Fprintf(os.Stderr, "dvcs: %v\n", err)
		return exitCodeOf(err)
	}
	fmt.Printf("Updated %s from %s\n", branch, remote)
	return 0
}
