package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

func runLaunch(args []string) int {
	fs := flag.NewFlagSet("launch", flag.ExitOnError)

	configPath := fs.String("config", "", "Path to config file")

	fs.Usage = func() {
		fmt.Fprintln(os.Stderr, `Usage: bandit launch [options] <game-id>

Start an installed game. The executable path comes from the server's
executable_paths.json; the game runs with its executable's directory as
working directory so relative assets and DLLs resolve.

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
	installDir, ok := lib.InstallDir(gameID)
	if !ok {
		fmt.Fprintf(os.Stderr, "Error: %s is not installed\n", gameID)
		return ExitNotInstalled
	}

	paths, err := newCatalog(cfg).ExecutablePaths(context.Background())
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return ExitNetworkError
	}
	relPath, ok := paths[gameID]
	if !ok {
		fmt.Fprintf(os.Stderr, "Error: no executable path known for %s\n", gameID)
		return ExitGeneralError
	}
	if !safeRelPath(relPath) {
		fmt.Fprintf(os.Stderr, "Error: refusing executable path %q outside the install directory\n", relPath)
		return ExitUnsafeArchive
	}

	executable := filepath.Join(installDir, filepath.FromSlash(relPath))
	if _, err := os.Stat(executable); err != nil {
		fmt.Fprintf(os.Stderr, "Error: executable not found at %s\n", executable)
		return ExitGeneralError
	}

	// The working directory must be the executable's own directory, not
	// the install root, so the game finds its assets and mod DLLs.
	cmd := exec.Command(executable)
	cmd.Dir = filepath.Dir(executable)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	if err := cmd.Start(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: launch failed: %v\n", err)
		return ExitGeneralError
	}
	fmt.Fprintf(os.Stderr, "[bandit] Launched %s (pid %d)\n", gameID, cmd.Process.Pid)
	return ExitSuccess
}

// safeRelPath rejects executable paths that would resolve outside the
// game's install directory. The catalog is remote input; treat it like one.
func safeRelPath(rel string) bool {
	if rel == "" || strings.ContainsRune(rel, '\\') {
		return false
	}
	clean := filepath.Clean(filepath.FromSlash(rel))
	if filepath.IsAbs(clean) || filepath.VolumeName(clean) != "" {
		return false
	}
	for _, elem := range strings.Split(clean, string(filepath.Separator)) {
		if elem == ".." {
			return false
		}
	}
	return true
}
