package transfer

import (
	"fmt"
	"time"
)

// State is a job's lifecycle state.
type State int

const (
	// StatePending is the initial state, before any network activity.
	StatePending State = iota

	// StateFetching covers the whole active pipeline run. Fetch, decode
	// and write are concurrent substeps of this one observable state;
	// partial progress is reported through events, not state transitions.
	StateFetching

	// StateCompleted means every entry was written and the byte count
	// matched the declared total.
	StateCompleted

	// StateFailed means the pipeline stopped on an unrecovered error.
	StateFailed

	// StateCancelled means an external cancellation request was observed.
	StateCancelled
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateFetching:
		return "fetching"
	case StateCompleted:
		return "completed"
	case StateFailed:
		return "failed"
	case StateCancelled:
		return "cancelled"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Terminal reports whether s is a final state.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateCancelled
}

// Snapshot is a point-in-time copy of a job's observable state. Snapshots
// are values; holding one never aliases the live job.
type Snapshot struct {
	ID          string
	SourceURL   string
	Destination string
	State       State

	// TotalBytes is the declared archive size on the wire, or -1 when the
	// server did not declare one.
	TotalBytes int64

	// BytesFetched counts archive bytes delivered by the network stage.
	// With a compressed archive this differs from BytesWritten.
	BytesFetched int64

	// BytesWritten counts decoded content bytes committed to files.
	BytesWritten int64

	// EntriesDone counts fully materialized entries.
	EntriesDone int

	// Err is the error that ended the job, set only in StateFailed.
	Err error
}

// Event is an immutable progress or terminal notification for one job.
// Exactly one event with Terminal set is delivered per started job, and it
// is the last event on the subscription.
type Event struct {
	JobID        string
	Time         time.Time
	State        State
	TotalBytes   int64
	BytesFetched int64
	BytesWritten int64
	EntriesDone  int
	Terminal     bool

	// Err carries the failure cause on a terminal StateFailed event.
	Err error
}

// StageError wraps a stage-local failure with job context before it is
// surfaced to subscribers.
type StageError struct {
	JobID  string
	Stage  string // "fetch", "decode" or "write"
	Offset int64  // bytes fetched when the stage failed
	Entry  string // entry being written, when known
	Err    error
}

func (e *StageError) Error() string {
	if e.Entry != "" {
		return fmt.Sprintf("job %s: %s stage failed at offset %d (entry %q): %v",
			e.JobID, e.Stage, e.Offset, e.Entry, e.Err)
	}
	return fmt.Sprintf("job %s: %s stage failed at offset %d: %v", e.JobID, e.Stage, e.Offset, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }
