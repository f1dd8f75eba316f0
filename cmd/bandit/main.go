package main

import (
	"fmt"
	"os"

	// Blob drivers for install -url sources outside http(s),
	// e.g. file:///srv/archives/game.tar.gz.
	_ "gocloud.dev/blob/fileblob"
	_ "gocloud.dev/blob/memblob"
)

// Exit codes
const (
	ExitSuccess        = 0
	ExitGeneralError   = 1
	ExitInvalidArgs    = 2
	ExitNetworkError   = 3
	ExitCorruptArchive = 4
	ExitUnsafeArchive  = 5
	ExitWriteError     = 6
	ExitSourceChanged  = 7
	ExitDuplicateJob   = 8
	ExitCancelled      = 9
	ExitNotInstalled   = 10
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	if len(args) == 0 {
		printUsage()
		return ExitInvalidArgs
	}

	command := args[0]
	cmdArgs := args[1:]

	switch command {
	case "list":
		return runList(cmdArgs)
	case "install":
		return runInstall(cmdArgs)
	case "uninstall":
		return runUninstall(cmdArgs)
	case "launch":
		return runLaunch(cmdArgs)
	case "help", "-h", "--help":
		printUsage()
		return ExitSuccess
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", command)
		printUsage()
		return ExitInvalidArgs
	}
}

func printUsage() {
	fmt.Fprintln(os.Stderr, `Usage: bandit <command> [options]

Commands:
  list       Show the games the server offers and which are installed
  install    Download a game archive and extract it into the install root
  uninstall  Remove an installed game and forget it
  launch     Start an installed game

Run 'bandit <command> -h' for command-specific help.`)
}
