// Package registry tracks transfer jobs process-wide. It enforces at most
// one active job per destination and keeps terminal jobs queryable for a
// bounded retention window.
package registry

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/FelixBand/Bandit/internal/transfer"
)

// ErrUnknownHandle is returned for handles that were never issued or whose
// job has been cleared.
var ErrUnknownHandle = errors.New("registry: unknown job handle")

// ErrJobActive is returned by Clear for jobs that have not finished.
var ErrJobActive = errors.New("registry: job is still active")

// DuplicateDestinationError rejects a submission whose destination is
// already claimed by an active job. No job is created.
type DuplicateDestinationError struct {
	Destination string
	ActiveJobID string
}

func (e *DuplicateDestinationError) Error() string {
	return fmt.Sprintf("registry: destination %q is already claimed by active job %s",
		e.Destination, e.ActiveJobID)
}

// Handle identifies a submitted job.
type Handle string

// Options tune a Registry.
type Options struct {
	// Retention is how long a terminal job stays queryable before it is
	// cleared automatically. Zero keeps terminal jobs until an explicit
	// Clear. Default: 1h
	Retention time.Duration
}

// Registry is safe for concurrent use. The destination map is the only
// shared mutable state between submitters, guarded by one mutex so the
// duplicate check and the insert are a single atomic step.
type Registry struct {
	opts Options

	mu     sync.Mutex
	jobs   map[Handle]*transfer.Transfer
	byDest map[string]Handle
}

// New creates an empty Registry.
func New(opts Options) *Registry {
	if opts.Retention == 0 {
		opts.Retention = time.Hour
	}
	return &Registry{
		opts:   opts,
		jobs:   make(map[Handle]*transfer.Transfer),
		byDest: make(map[string]Handle),
	}
}

// Submit registers tr and starts it. It fails with DuplicateDestinationError
// when an active job already targets the same destination; in that case tr
// is not started.
func (r *Registry) Submit(ctx context.Context, tr *transfer.Transfer) (Handle, error) {
	snap := tr.Snapshot()
	dest, err := filepath.Abs(snap.Destination)
	if err != nil {
		return "", fmt.Errorf("registry: resolve destination: %w", err)
	}

	r.mu.Lock()
	if prev, ok := r.byDest[dest]; ok {
		if active := r.jobs[prev]; active != nil && !active.Snapshot().State.Terminal() {
			r.mu.Unlock()
			return "", &DuplicateDestinationError{
				Destination: dest,
				ActiveJobID: active.Snapshot().ID,
			}
		}
		// The previous claim is terminal; the destination is free again.
		delete(r.byDest, dest)
	}

	h := Handle(uuid.NewString())
	r.jobs[h] = tr
	r.byDest[dest] = h
	r.mu.Unlock()

	tr.Start(ctx)

	if r.opts.Retention > 0 {
		go func() {
			<-tr.Done()
			time.AfterFunc(r.opts.Retention, func() { r.Clear(h) })
		}()
	}
	return h, nil
}

// Status returns a snapshot of the job behind h.
func (r *Registry) Status(h Handle) (transfer.Snapshot, error) {
	r.mu.Lock()
	tr := r.jobs[h]
	r.mu.Unlock()
	if tr == nil {
		return transfer.Snapshot{}, ErrUnknownHandle
	}
	return tr.Snapshot(), nil
}

// Cancel requests cancellation of the job behind h. The job transitions to
// its terminal state asynchronously.
func (r *Registry) Cancel(h Handle) error {
	r.mu.Lock()
	tr := r.jobs[h]
	r.mu.Unlock()
	if tr == nil {
		return ErrUnknownHandle
	}
	tr.Cancel()
	return nil
}

// Clear drops a terminal job from the registry. Active jobs cannot be
// cleared; cancel them first.
func (r *Registry) Clear(h Handle) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	tr := r.jobs[h]
	if tr == nil {
		return ErrUnknownHandle
	}
	snap := tr.Snapshot()
	if !snap.State.Terminal() {
		return ErrJobActive
	}

	delete(r.jobs, h)
	if dest, err := filepath.Abs(snap.Destination); err == nil && r.byDest[dest] == h {
		delete(r.byDest, dest)
	}
	return nil
}

// Jobs returns snapshots of every registered job, active and terminal.
func (r *Registry) Jobs() []transfer.Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]transfer.Snapshot, 0, len(r.jobs))
	for _, tr := range r.jobs {
		out = append(out, tr.Snapshot())
	}
	return out
}
