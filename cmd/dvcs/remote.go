package main

import (
	"fmt"
	"os"
	"sort"

	"github.com/oxcart/dvcs/internal/repo"
)

func runRemote(r *repo.Repository, args []string) int {
	if len(args) == 0 {
		names := make([]string, 0, len(r.Config.Remotes))
		for name := range r.Config.Remotes {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			fmt.Printf("%s\t%s\n", name, r.Config.Remotes[name])
		}
		return 0
	}
	if len(args) != 3 || args[0] != "add" {
		return fatalf("remote: usage is 'dvcs remote add <name> <url>'")
	}
	if err := r.Config.SetRemote(r.DvcsDir(), args[1], args[2]); err != nil {
		fmt.Fprintf(os.Stderr, "dvcs: %v\n", err)
		return exitCodeOf(err)
	}
	return 0
}
