package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"syscall"

	"github.com/oxcart/dvcs/internal/repo"
	"github.com/oxcart/dvcs/internal/scanner"
	"github.com/oxcart/dvcs/internal/termcolor"
)

func runStatus(r *repo.Repository, args []string, cw *termcolor.Writer) int {
	watch := false
	for _, a := range args {
		if a == "--watch" || a == "-w" {
			watch = true
		}
	}

	if watch {
		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		printStatus(r, cw)
		err := r.Watch(ctx, func() { printStatus(r, cw) })
		if err != nil {
			fmt.Fprintf(os.Stderr, "dvcs: %v\n", err)
			return exitCodeOf(err)
		}
		return 0
	}

	return printStatus(r, cw)
}

func printStatus(r *repo.Repository, cw *termcolor.Writer) int {
	statuses, err := r.Status()
	if err != nil {
		fmt.Fprintf(os.Stderr, "dvcs: %v\n", err)
		return exitCodeOf(err)
	}
	sort.Slice(statuses, func(i, j int) bool { return statuses[i].Path < statuses[j].Path })

	if len(statuses) == 0 {
		fmt.Println("nothing to commit, working tree clean")
		return 0
	}

	fmt.Println("Changes not staged:")
	for _, st := range statuses {
		line := fmt.Sprintf("\t%-9s %s", st.Status, st.Path)
		switch st.Status {
		case scanner.Added:
			line = cw.Green(line)
		case scanner.Removed:
			line = cw.Red(line)
		case scanner.Modified:
			line = cw.Cyan(line)
		}
		fmt.Println(line)
	}
	return 0
}
