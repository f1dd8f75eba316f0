package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	"time"
)

// Chunk is one contiguous run of raw archive bytes. The buffer is owned by
// the consumer once received and is never reused by the Fetcher.
type Chunk struct {
	Offset int64
	Data   []byte
}

// NetworkError wraps a transport failure that exhausted the retry budget.
type NetworkError struct {
	Offset   int64 // byte offset at the time of failure
	Attempts int
	Err      error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("network failure at offset %d after %d attempts: %v", e.Offset, e.Attempts, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// SizeMismatchError indicates the remote content changed between the initial
// request and a resume attempt. Continuing would splice two different
// archives together, so this is fatal.
type SizeMismatchError struct {
	DeclaredSize int64
	CurrentSize  int64
	DeclaredETag string
	CurrentETag  string
}

func (e *SizeMismatchError) Error() string {
	return fmt.Sprintf("remote content changed during transfer (size %d -> %d, etag %q -> %q)",
		e.DeclaredSize, e.CurrentSize, e.DeclaredETag, e.CurrentETag)
}

// Options configures a Fetcher.
type Options struct {
	// ChunkSize is the maximum size of each delivered Chunk.
	// Default: 128KiB
	ChunkSize int64

	// Attempts is the number of reconnects allowed after a transient
	// failure before giving up. Default: 5
	Attempts int

	// Backoff is the initial delay before a reconnect. Default: 1s
	Backoff time.Duration

	// MaxBackoff caps the exponential backoff. Default: 30s
	MaxBackoff time.Duration

	// DisableResume forces reconnects to fail instead of resuming from
	// the current offset. Set by the coordinator when falling back to a
	// full restart against a server without range support.
	DisableResume bool

	// OnProgress, if set, is called with the total bytes delivered so far
	// after each chunk is handed to the consumer.
	OnProgress func(delivered int64)
}

func (o *Options) applyDefaults() {
	if o.ChunkSize <= 0 {
		o.ChunkSize = 128 * 1024
	}
	if o.Attempts <= 0 {
		o.Attempts = 5
	}
	if o.Backoff <= 0 {
		o.Backoff = time.Second
	}
	if o.MaxBackoff <= 0 {
		o.MaxBackoff = 30 * time.Second
	}
}

// Fetcher streams an archive from a Source as a bounded sequence of Chunks,
// transparently resuming from the last delivered offset on transient
// network failures.
type Fetcher struct {
	src  Source
	opts Options

	attrs      Attrs
	attrsKnown bool
}

// New creates a Fetcher for the given source.
func New(src Source, opts Options) *Fetcher {
	opts.applyDefaults()
	return &Fetcher{src: src, opts: opts}
}

// Attrs returns the archive metadata, fetching it once and caching it.
func (f *Fetcher) Attrs(ctx context.Context) (Attrs, error) {
	if f.attrsKnown {
		return f.attrs, nil
	}
	attrs, err := f.src.Attrs(ctx)
	if err != nil {
		return Attrs{}, fmt.Errorf("stat source: %w", err)
	}
	f.attrs = attrs
	f.attrsKnown = true
	return attrs, nil
}

// Run streams chunks for bytes [start, end) into out until the source is
// exhausted. It returns the error that stopped the stream, or nil once the
// whole archive (per the declared size, if known) has been delivered.
// Run does not close out; that is the caller's job.
func (f *Fetcher) Run(ctx context.Context, out chan<- Chunk, start int64) error {
	attrs, err := f.Attrs(ctx)
	if err != nil {
		return &NetworkError{Offset: start, Attempts: 1, Err: err}
	}

	offset := start
	attempt := 0

	for {
		body, err := f.src.Open(ctx, offset)
		if err != nil {
			if fatal(err) || ctx.Err() != nil {
				return err
			}
			attempt++
			if attempt > f.opts.Attempts {
				return &NetworkError{Offset: offset, Attempts: attempt, Err: err}
			}
			if err := f.backoff(ctx, attempt); err != nil {
				return err
			}
			continue
		}

		before := offset
		readErr := f.stream(ctx, body, &offset, out)
		body.Close()
		if offset > before {
			// Forward progress buys back the retry budget.
			attempt = 0
		}

		switch {
		case readErr == nil:
			// Clean end of stream: the byte count must line up with
			// the declared size, otherwise the connection died early
			// and we resume.
			if attrs.Size < 0 || offset >= attrs.Size {
				return nil
			}
			readErr = io.ErrUnexpectedEOF
		case errors.Is(readErr, context.Canceled) || errors.Is(readErr, context.DeadlineExceeded):
			return readErr
		}

		// Transient mid-stream failure: back off, re-verify the remote
		// content, then reopen at the current offset.
		attempt++
		if attempt > f.opts.Attempts {
			return &NetworkError{Offset: offset, Attempts: attempt, Err: readErr}
		}
		if offset > 0 && (f.opts.DisableResume || !attrs.AcceptsRanges) {
			return ErrResumeUnsupported
		}
		if err := f.backoff(ctx, attempt); err != nil {
			return err
		}
		if err := f.verifyUnchanged(ctx, attrs); err != nil {
			return err
		}
	}
}

// stream copies from body into out, advancing *offset for every delivered
// chunk. Returns nil on EOF.
func (f *Fetcher) stream(ctx context.Context, body io.Reader, offset *int64, out chan<- Chunk) error {
	for {
		buf := make([]byte, f.opts.ChunkSize)
		n, err := body.Read(buf)
		if n > 0 {
			select {
			case out <- Chunk{Offset: *offset, Data: buf[:n]}:
			case <-ctx.Done():
				return ctx.Err()
			}
			*offset += int64(n)
			if f.opts.OnProgress != nil {
				f.opts.OnProgress(*offset)
			}
		}
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
	}
}

// verifyUnchanged confirms the remote archive still has the size and etag
// observed at the start of the transfer.
func (f *Fetcher) verifyUnchanged(ctx context.Context, declared Attrs) error {
	current, err := f.src.Attrs(ctx)
	if err != nil {
		// Stat failed; let the reopen attempt surface the real error.
		return nil
	}
	sizeChanged := declared.Size >= 0 && current.Size >= 0 && declared.Size != current.Size
	etagChanged := declared.ETag != "" && current.ETag != "" && declared.ETag != current.ETag
	if sizeChanged || etagChanged {
		return &SizeMismatchError{
			DeclaredSize: declared.Size,
			CurrentSize:  current.Size,
			DeclaredETag: declared.ETag,
			CurrentETag:  current.ETag,
		}
	}
	return nil
}

// backoff waits for an exponentially increasing duration with jitter.
func (f *Fetcher) backoff(ctx context.Context, attempt int) error {
	backoff := f.opts.Backoff * time.Duration(1<<uint(attempt-1))
	if backoff > f.opts.MaxBackoff {
		backoff = f.opts.MaxBackoff
	}

	// Add jitter: 0.5 to 1.5 of backoff
	jitter := time.Duration(float64(backoff) * (0.5 + rand.Float64()))

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(jitter):
		return nil
	}
}

// fatal reports whether err can never be cured by reconnecting.
func fatal(err error) bool {
	return errors.Is(err, ErrNotFound) ||
		errors.Is(err, ErrForbidden) ||
		errors.Is(err, ErrUnauthorized) ||
		errors.Is(err, ErrResumeUnsupported)
}
