package main

import (
	"fmt"
	"os"
	"sort"

	"github.com/oxcart/dvcs/internal/repo"
	"github.com/oxcart/dvcs/internal/termcolor"
)

func runBranch(r *repo.Repository, args []string, cw *termcolor.Writer) int {
	if len(args) > 0 {
		if err := r.CreateBranch(args[0]); err != nil {
			fmt.Fprintf(os.Stderr, "dvcs: %v\n", err)
			return exitCodeOf(err)
		}
		return 0
	}

	names, err := r.Refs.ListBranches()
	if err != nil {
		fmt.Fprintf(os.Stderr, "dvcs: %v\n", err)
		return exitCodeOf(err)
	}
	sort.Strings(names)

	head, err := r.Refs.GetHead()
	if err != nil {
		fmt.Fprintf(os.Stderr, "dvcs: %v\n", err)
		return exitCodeOf(err)
	}
	for _, name := range names {
		if !head.IsDetached() && name == head.Branch {
			fmt.Println(cw.Green("* " + name))
		} else {
			fmt.Println("  " + name)
		}
	}
	return 0
}

func runCheckout(r *repo.Repository, args []string) int {
	if len(args) == 0 {
		return fatalf("checkout: branch name required")
	}
	if err := r.Checkout(args[0]); err != nil {
		fmt.Fprintf(os.Stderr, "dvcs: %v\n", err)
		return exitCodeOf(err)
	}
	fmt.Printf("Switched to branch '%s'\n", args[0])
	return 0
}

func runRestore(r *repo.Repository, args []string) int {
	if len(args) == 0 {
		return fatalf("restore: branch name required")
	}
	if err := r.RestoreAll(args[0]); err != nil {
		fmt.Fprintf(os.Stderr, "dvcs: %v\n", err)
		return exitCodeOf(err)
	}
	fmt.Printf("Restored working tree to '%s'\n", args[0])
	return 0
}
