package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/FelixBand/Bandit/internal/config"
	"github.com/FelixBand/Bandit/internal/fetch"
	"github.com/FelixBand/Bandit/internal/progress"
	"github.com/FelixBand/Bandit/internal/registry"
	"github.com/FelixBand/Bandit/internal/sink"
	"github.com/FelixBand/Bandit/internal/tarstream"
	"github.com/FelixBand/Bandit/internal/transfer"
)

func runInstall(args []string) int {
	fs := flag.NewFlagSet("install", flag.ExitOnError)

	configPath := fs.String("config", "", "Path to config file")
	dest := fs.String("dest", "", "Install directory (default: <install_root>/<game-id>)")
	sourceURL := fs.String("url", "", "Archive URL, bypassing the server catalog")
	resumePolicy := fs.String("resume-policy", "", "fresh or attemptResume (overrides config)")

	fs.Usage = func() {
		fmt.Fprintln(os.Stderr, `Usage: bandit install [options] <game-id>

Download the game's archive and extract it into the install directory while
it streams; the raw archive is never written to disk. Interrupt with Ctrl-C
to cancel; partially written files are cleaned up.

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
	if *resumePolicy != "" {
		cfg.ResumePolicy = config.ResumePolicy(*resumePolicy)
		if !cfg.ResumePolicy.Valid() {
			fmt.Fprintf(os.Stderr, "Error: unknown resume policy %q\n", *resumePolicy)
			return ExitInvalidArgs
		}
	}

	archiveURL := *sourceURL
	if archiveURL == "" {
		archiveURL = newCatalog(cfg).ArchiveURL(gameID)
	}
	destination := *dest
	if destination == "" {
		destination = filepath.Join(cfg.InstallRoot, gameID)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	client := newHTTPClient(cfg)
	src, closeSrc, err := fetch.OpenSourceURL(ctx, client, archiveURL)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return ExitNetworkError
	}
	defer closeSrc()

	tr := transfer.New(src, transfer.Options{
		ID:          gameID,
		SourceURL:   archiveURL,
		Destination: destination,
		Compression: tarstream.CompressionForName(archiveURL),
		Fetch: fetch.Options{
			ChunkSize:  cfg.ChunkSize,
			Attempts:   cfg.Retry.Attempts,
			Backoff:    cfg.Retry.Backoff,
			MaxBackoff: cfg.Retry.MaxBackoff,
		},
		ChunkBuffer:      cfg.ChunkBuffer,
		ProgressInterval: cfg.ProgressInterval,
		KeepExisting:     cfg.ResumePolicy == config.ResumeAttempt,
	})

	reg := registry.New(registry.Options{})
	handle, err := reg.Submit(ctx, tr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		var dup *registry.DuplicateDestinationError
		if errors.As(err, &dup) {
			return ExitDuplicateJob
		}
		return ExitGeneralError
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		<-sigCh
		fmt.Fprintln(os.Stderr, "\n[bandit] Received interrupt, cancelling...")
		reg.Cancel(handle)
	}()

	var reporter *progress.Reporter
	var final transfer.Event
	for ev := range tr.Events() {
		if reporter == nil {
			reporter = progress.NewReporter(progress.Options{
				TotalBytes: ev.TotalBytes,
				Label:      gameID,
			})
		}
		if ev.Terminal {
			final = ev
			break
		}
		reporter.Update(ev.BytesFetched, ev.BytesWritten, ev.EntriesDone)
	}
	if reporter == nil {
		reporter = progress.NewReporter(progress.Options{TotalBytes: final.TotalBytes, Label: gameID})
	}
	reporter.Finish(final.State.String(), final.BytesWritten, final.EntriesDone)

	switch final.State {
	case transfer.StateCompleted:
		lib, err := openLibrary(cfg)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			return ExitGeneralError
		}
		if err := lib.Set(gameID, destination); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			return ExitGeneralError
		}
		return ExitSuccess
	case transfer.StateCancelled:
		return ExitCancelled
	default:
		fmt.Fprintf(os.Stderr, "Error: %v\n", final.Err)
		return exitCodeFor(final.Err)
	}
}

// exitCodeFor maps a terminal failure to the most specific exit code.
func exitCodeFor(err error) int {
	var (
		netErr   *fetch.NetworkError
		mismatch *fetch.SizeMismatchError
		writeErr *sink.WriteError
	)
	switch {
	case errors.Is(err, sink.ErrPathTraversal):
		return ExitUnsafeArchive
	case errors.Is(err, tarstream.ErrCorrupt), errors.Is(err, tarstream.ErrUnexpectedEOF):
		return ExitCorruptArchive
	case errors.As(err, &mismatch):
		return ExitSourceChanged
	case errors.As(err, &netErr), errors.Is(err, fetch.ErrResumeUnsupported), errors.Is(err, fetch.ErrNotFound):
		return ExitNetworkError
	case errors.As(err, &writeErr):
		return ExitWriteError
	default:
		return ExitGeneralError
	}
}
