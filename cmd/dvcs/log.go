package main

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/oxcart/dvcs/internal/repo"
	"github.com/oxcart/dvcs/internal/termcolor"
)

func runLog(r *repo.Repository, args []string, cw *termcolor.Writer) int {
	oneline := false
	count := 0
	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "--oneline":
			oneline = true
		case args[i] == "-n" && i+1 < len(args):
			n, err := strconv.Atoi(args[i+1])
			if err != nil {
				return fatalf("log: invalid -n value %q", args[i+1])
			}
			count = n
			i++
		}
	}

	head, err := r.Refs.GetHead()
	if err != nil {
		fmt.Fprintf(os.Stderr, "dvcs: %v\n", err)
		return exitCodeOf(err)
	}
	if head.CommitHash.IsZero() {
		fmt.Println("no commits yet")
		return 0
	}

	ids, err := r.Commits.ListFrom(head.CommitHash)
	if err != nil {
		fmt.Fprintf(os.Stderr, "dvcs: %v\n", err)
		return exitCodeOf(err)
	}
	if count > 0 && count < len(ids) {
		ids = ids[:count]
	}

	for _, id := range ids {
		c, gerr := r.Commits.Get(id)
		if gerr != nil {
			fmt.Fprintf(os.Stderr, "dvcs: %v\n", gerr)
			return exitCodeOf(gerr)
		}
		if oneline {
			fmt.Printf("%s %s\n", cw.Yellow(id.Short()), firstLine(c.Message))
			continue
		}
		fmt.Printf("%s %s\n", cw.Yellow("commit"), id)
		fmt.Printf("Author: %s <%s>\n", c.Author, c.Email)
		fmt.Printf("Date:   %s\n", time.Unix(c.TimestampSec, int64(c.TimestampNsec)).Format(time.RFC1123Z))
		fmt.Printf("\n\t%s\n\n", c.Message)
	}
	return 0
}

func firstLine(s string) string {
	for i, r := range s {
		if r == '\n' {
			return s[:i]
		}
	}
	return s
}
