package main

import (
	"flag"
	"fmt"
	"os"
)

func runUninstall(args []string) int {
	fs := flag.NewFlagSet("uninstall", flag.ExitOnError)

	configPath := fs.String("config", "", "Path to config file")

	fs.Usage = func() {
		fmt.Fprintln(os.Stderr, `Usage: bandit uninstall [options] <game-id>

Delete an installed game's directory and drop it from the installed-games
record.

Options:`)
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		return ExitInvalidArgs
	}
	if fs.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "Error: exactly one game id is required")
		fs.Usage()
		return ExitInvalidArgs
	}
	gameID := fs.Arg(0)

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return ExitInvalidArgs
	}

	lib, err := openLibrary(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return ExitGeneralError
	}

	dir, ok := lib.InstallDir(gameID)
	if !ok {
		fmt.Fprintf(os.Stderr, "Error: %s is not installed\n", gameID)
		return ExitNotInstalled
	}

	if err := os.RemoveAll(dir); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return ExitWriteError
	}
	if err := lib.Remove(gameID); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return ExitGeneralError
	}

	fmt.Fprintf(os.Stderr, "[bandit] Uninstalled %s\n", gameID)
	return ExitSuccess
}
