package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/oxcart/dvcs/internal/repo"
	"github.com/oxcart/dvcs/internal/transport"
)

func runClone(args []string, logger *slog.Logger) int {
	if len(args) == 0 {
		return fatalf("clone: remote address required")
	}
	remoteAddr := args[0]

	var dir string
	if len(args) > 1 {
		dir = args[1]
	} else {
		dir = strings.TrimSuffix(filepath.Base(remoteAddr), filepath.Ext(remoteAddr))
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fatalf("clone: creating %s: %v", dir, err)
	}

	r, err := repo.Init(dir, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "dvcs: %v\n", err)
		return exitCodeOf(err)
	}
	if err := r.Config.SetRemote(r.DvcsDir(), "origin", remoteAddr); err != nil {
		fmt.Fprintf(os.Stderr, "dvcs: %v\n", err)
		return exitCodeOf(err)
	}

	identity, err := currentIdentity()
	if err != nil {
		fmt.Fprintf(os.Stderr, "dvcs: %v\n", err)
		return exitCodeOf(err)
	}

	p := transport.NewCLIProgress("cloning")
	outcome, err := r.Pull(context.Background(), "origin", "main", identity, p)
	p.Finish()
	if err != nil {
		fmt.Fprintf(os.Stderr, "dvcs: %v\n", err)
		return exitCodeOf(err)
	}
	if !outcome.UpToDate {
		if err := r.RestoreAll("main"); err != nil {
			fmt.Fprintf(os.Stderr, "dvcs: %v\n", err)
			return exitCodeOf(err)
		}
	}
	fmt.Printf("Cloned into %s\n", dir)
	return 0
}
