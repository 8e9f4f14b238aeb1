// Command dvcs is the command-line interface to the dataset version control
// engine: content-addressed storage, branching and merging, and push/pull
// sync against a remote, all scoped to tabular and blob data rather than
// source trees.
package main

import (
	"fmt"
	"log/slog"
	"os"
	"runtime"

	"github.com/oxcart/dvcs/internal/cli"
	"github.com/oxcart/dvcs/internal/config"
	"github.com/oxcart/dvcs/internal/repo"
	"github.com/oxcart/dvcs/internal/termcolor"
)

// Build-time variables set via -ldflags.
var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

const ghRepo = "oxcart/dvcs"

func main() {
	gf, args := parseGlobalFlags(os.Args[1:])

	for _, a := range args {
		if a == "--version" {
			printVersion()
			os.Exit(0)
		}
	}

	cw := termcolor.NewWriter(os.Stdout, gf.colorMode)
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))

	app := cli.NewApp("dvcs", version)
	app.Stderr = os.Stderr

	// r is assigned after dispatch determines the matched command needs a
	// repository (NeedsRepo); the registered closures capture the pointer
	// variable, which is populated before they run.
	var r *repo.Repository

	app.Register(&cli.Command{
		Name:      "status",
		Summary:   "Show working tree status",
		Usage:     "dvcs status [--watch]",
		Examples:  []string{"dvcs status", "dvcs status --watch"},
		NeedsRepo: true,
		Run:       func(args []string) int { return runStatus(r, args, cw) },
	})
	app.Register(&cli.Command{
		Name:      "add",
		Summary:   "Stage working tree changes",
		Usage:     "dvcs add [<path>...]",
		Examples:  []string{"dvcs add", "dvcs add data/train.csv"},
		NeedsRepo: true,
		Run:       func(args []string) int { return runAdd(r, args) },
	})
	app.Register(&cli.Command{
		Name:      "rm",
		Summary:   "Stage removal of tracked paths",
		Usage:     "dvcs rm <path>...",
		NeedsRepo: true,
		Run:       func(args []string) int { return runRm(r, args) },
	})
	app.Register(&cli.Command{
		Name:      "commit",
		Summary:   "Record staged changes as a new commit",
		Usage:     "dvcs commit -m <message>",
		Examples:  []string{"dvcs commit -m \"reprocess survey responses\""},
		NeedsRepo: true,
		Run:       func(args []string) int { return runCommit(r, args) },
	})
	app.Register(&cli.Command{
		Name:      "log",
		Summary:   "Show commit history",
		Usage:     "dvcs log [--oneline] [-n <count>]",
		NeedsRepo: true,
		Run:       func(args []string) int { return runLog(r, args, cw) },
	})
	app.Register(&cli.Command{
		Name:      "branch",
		Summary:   "List or create branches",
		Usage:     "dvcs branch [<name>]",
		Examples:  []string{"dvcs branch", "dvcs branch cleanup-2024"},
		NeedsRepo: true,
		Run:       func(args []string) int { return runBranch(r, args, cw) },
	})
	app.Register(&cli.Command{
		Name:      "checkout",
		Summary:   "Switch the working tree to another branch",
		Usage:     "dvcs checkout <branch>",
		NeedsRepo: true,
		Run:       func(args []string) int { return runCheckout(r, args) },
	})
	app.Register(&cli.Command{
		Name:      "restore",
		Summary:   "Rematerialize a branch's full content into the working tree",
		Usage:     "dvcs restore <branch>",
		NeedsRepo: true,
		Run:       func(args []string) int { return runRestore(r, args) },
	})
	app.Register(&cli.Command{
		Name:      "merge",
		Summary:   "Merge a branch into the current branch",
		Usage:     "dvcs merge <branch>",
		NeedsRepo: true,
		Run:       func(args []string) int { return runMerge(r, args) },
	})
	app.Register(&cli.Command{
		Name:    "init",
		Summary: "Create a new repository in the current directory",
		Usage:   "dvcs init",
		Run:     func(args []string) int { return runInit(args, logger) },
	})
	app.Register(&cli.Command{
		Name:    "clone",
		Summary: "Clone a remote repository",
		Usage:   "dvcs clone <remote> [<dir>]",
		Run:     func(args []string) int { return runClone(args, logger) },
	})
	app.Register(&cli.Command{
		Name:      "remote",
		Summary:   "Manage configured remotes",
		Usage:     "dvcs remote add <name> <url>",
		NeedsRepo: true,
		Run:       func(args []string) int { return runRemote(r, args) },
	})
	app.Register(&cli.Command{
		Name:      "push",
		Summary:   "Send local commits to a remote",
		Usage:     "dvcs push [<remote>] [<branch>]",
		NeedsRepo: true,
		Run:       func(args []string) int { return runPush(r, args) },
	})
	app.Register(&cli.Command{
		Name:      "pull",
		Summary:   "Fetch and merge commits from a remote",
		Usage:     "dvcs pull [<remote>] [<branch>]",
		NeedsRepo: true,
		Run:       func(args []string) int { return runPull(r, args) },
	})
	app.Register(&cli.Command{
		Name:    "update",
		Summary: "Update to the latest release",
		Usage:   "dvcs update [--check]",
		Run:     func(args []string) int { return runUpdate(args, version) },
	})
	app.Register(&cli.Command{
		Name:    "version",
		Summary: "Show version information",
		Usage:   "dvcs version",
		Run:     func([]string) int { printVersion(); return 0 },
	})

	if len(args) > 0 {
		cmd := app.Lookup(args[0])
		if cmd != nil && cmd.NeedsRepo {
			var err error
			r, err = repo.Open(".", logger)
			if err != nil {
				fmt.Fprintf(os.Stderr, "dvcs: %v\n", err)
				os.Exit(exitCodeOf(err))
			}
		}
	}

	os.Exit(app.Run(args, cw))
}

func printVersion() {
	fmt.Printf("dvcs %s\n", version)
	fmt.Printf("  commit:     %s\n", commit)
	fmt.Printf("  built:      %s\n", buildDate)
	fmt.Printf("  go version: %s\n", runtime.Version())
	fmt.Printf("  platform:   %s/%s\n", runtime.GOOS, runtime.GOARCH)
}

// currentIdentity loads the user's configured identity, falling back to the
// placeholder LoadUser already returns when no config file exists.
func currentIdentity() (config.Identity, error) {
	u, err := config.LoadUser()
	if err != nil {
		return config.Identity{}, err
	}
	return u.Identity, nil
}
