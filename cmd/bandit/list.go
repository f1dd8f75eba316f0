package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/FelixBand/Bandit/internal/progress"
)

func runList(args []string) int {
	fs := flag.NewFlagSet("list", flag.ExitOnError)

	configPath := fs.String("config", "", "Path to config file")
	installedOnly := fs.Bool("installed", false, "Show only installed games")

	fs.Usage = func() {
		fmt.Fprintln(os.Stderr, `Usage: bandit list [options]

Fetch the game catalog for this platform and print it, marking games that
are already installed.

Options:`)
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		return ExitInvalidArgs
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return ExitInvalidArgs
	}

	games, err := newCatalog(cfg).Games(context.Background())
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return ExitNetworkError
	}

	lib, err := openLibrary(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return ExitGeneralError
	}

	w := tabwriter.NewWriter(os.Stdout, 2, 4, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tID\tSIZE\tSTATUS")
	shown := 0
	for _, g := range games {
		_, installed := lib.InstallDir(g.ID)
		if *installedOnly && !installed {
			continue
		}
		status := ""
		if installed {
			status = "installed"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", g.Name, g.ID, progress.FormatBytes(g.Size), status)
		shown++
	}
	w.Flush()

	if shown == 0 {
		fmt.Fprintln(os.Stderr, "[bandit] No games to show")
	}
	return ExitSuccess
}
