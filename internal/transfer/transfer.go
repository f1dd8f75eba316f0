package transfer

import (
	"context"
	"errors"
	"io"
	"log"
	"os"
	"sync"
	"time"

	"github.com/FelixBand/Bandit/internal/fetch"
	"github.com/FelixBand/Bandit/internal/sink"
	"github.com/FelixBand/Bandit/internal/tarstream"
)

const (
	// eventBuffer sizes the subscription channel. Progress events are
	// dropped when the subscriber lags, but the last slot is reserved so
	// the terminal event always fits.
	eventBuffer = 16

	copyBuffer = 32 * 1024
)

// Options configure one transfer job.
type Options struct {
	// ID identifies the job in events, logs and error messages.
	ID string

	// SourceURL is the archive location, for display only. The actual
	// byte source is passed to New separately.
	SourceURL string

	// Destination is the directory the archive is extracted into.
	Destination string

	// Compression selects the decompression layer, usually derived from
	// the archive name via tarstream.CompressionForName.
	Compression tarstream.Compression

	// Fetch configures the network stage, including its retry budget.
	Fetch fetch.Options

	// ChunkBuffer bounds the channels joining the stages. A slow disk
	// backpressures the socket through these. Default: 8
	ChunkBuffer int

	// ProgressInterval is the event cadence. Values below 100ms are
	// raised to 100ms so subscribers see at most ten events per second.
	// Default: 200ms
	ProgressInterval time.Duration

	// KeepExisting leaves an existing destination tree in place and
	// overwrites entries as they stream in ("attemptResume" policy).
	// When false the destination is removed before the transfer starts
	// ("fresh" policy).
	KeepExisting bool

	// Logger receives job lifecycle messages. Defaults to stderr.
	Logger *log.Logger
}

func (o *Options) applyDefaults() {
	if o.ChunkBuffer <= 0 {
		o.ChunkBuffer = 8
	}
	if o.ProgressInterval <= 0 {
		o.ProgressInterval = 200 * time.Millisecond
	}
	if o.ProgressInterval < 100*time.Millisecond {
		o.ProgressInterval = 100 * time.Millisecond
	}
	if o.Logger == nil {
		o.Logger = log.New(os.Stderr, "[bandit] ", 0)
	}
}

// Transfer drives one job: fetch, decode and write run as three concurrent
// stages joined by bounded channels, so a slow consumer backpressures all
// the way to the socket. A Transfer runs once; create a new one per job.
type Transfer struct {
	src  fetch.Source
	opts Options

	mu        sync.Mutex
	snap      Snapshot
	cancelled bool
	started   bool
	cancel    context.CancelFunc

	events chan Event
	done   chan struct{}
}

// New creates a Transfer reading from src. The job starts in StatePending
// and does nothing until Start is called.
func New(src fetch.Source, opts Options) *Transfer {
	opts.applyDefaults()
	return &Transfer{
		src:  src,
		opts: opts,
		snap: Snapshot{
			ID:          opts.ID,
			SourceURL:   opts.SourceURL,
			Destination: opts.Destination,
			State:       StatePending,
			TotalBytes:  -1,
		},
		events: make(chan Event, eventBuffer),
		done:   make(chan struct{}),
	}
}

// Events returns the subscription channel. It delivers progress events on
// the configured cadence and exactly one terminal event, then closes.
func (t *Transfer) Events() <-chan Event { return t.events }

// Done is closed once the job has reached a terminal state.
func (t *Transfer) Done() <-chan struct{} { return t.done }

// Snapshot returns a copy of the job's current state.
func (t *Transfer) Snapshot() Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.snap
}

// Cancel requests cancellation. It returns immediately; the job transitions
// to StateCancelled asynchronously once all stages have unwound.
func (t *Transfer) Cancel() {
	t.mu.Lock()
	t.cancelled = true
	cancel := t.cancel
	t.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Start launches the pipeline. Calling Start more than once is a no-op.
func (t *Transfer) Start(ctx context.Context) {
	t.mu.Lock()
	if t.started {
		t.mu.Unlock()
		return
	}
	t.started = true
	ctx, t.cancel = context.WithCancel(ctx)
	if t.cancelled {
		t.cancel()
	}
	t.mu.Unlock()

	go t.run(ctx)
}

func (t *Transfer) run(ctx context.Context) {
	defer close(t.done)

	err := t.execute(ctx)

	t.mu.Lock()
	switch {
	case err == nil:
		t.snap.State = StateCompleted
	case t.cancelled:
		t.snap.State = StateCancelled
	default:
		t.snap.State = StateFailed
		t.snap.Err = err
	}
	snap := t.snap
	t.mu.Unlock()

	switch snap.State {
	case StateCompleted:
		t.opts.Logger.Printf("job %s completed: %d entries, %d bytes written", t.opts.ID, snap.EntriesDone, snap.BytesWritten)
	case StateCancelled:
		t.opts.Logger.Printf("job %s cancelled", t.opts.ID)
	case StateFailed:
		t.opts.Logger.Printf("job %s failed: %v", t.opts.ID, err)
	}

	t.emit(snap, true)
	close(t.events)
}

// execute runs the pipeline to completion, falling back to one full restart
// when the server turns out not to support range resume.
func (t *Transfer) execute(ctx context.Context) error {
	snk, err := t.prepareDestination()
	if err != nil {
		return err
	}

	fetcher := fetch.New(t.src, t.fetchOptions())
	attrs, err := fetcher.Attrs(ctx)
	if err != nil {
		return t.wrap("fetch", "", err)
	}

	t.mu.Lock()
	t.snap.TotalBytes = attrs.Size
	t.snap.State = StateFetching
	t.mu.Unlock()

	stop := make(chan struct{})
	var tickers sync.WaitGroup
	tickers.Add(1)
	go func() {
		defer tickers.Done()
		ticker := time.NewTicker(t.opts.ProgressInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				t.emit(t.Snapshot(), false)
			case <-stop:
				return
			}
		}
	}()
	defer func() {
		close(stop)
		tickers.Wait()
	}()

	err = t.pipeline(ctx, fetcher, snk)
	if !errors.Is(err, fetch.ErrResumeUnsupported) {
		return err
	}

	// The server lost the connection mid-stream and cannot serve ranges.
	// Throw away the partial tree and stream the whole archive again.
	t.opts.Logger.Printf("job %s: server does not support range resume, restarting from offset 0", t.opts.ID)
	if err := snk.Clean(); err != nil {
		return t.wrap("write", "", err)
	}
	if snk, err = sink.New(t.opts.Destination, sink.Options{OnWrite: t.addWritten}); err != nil {
		return t.wrap("write", "", err)
	}
	t.mu.Lock()
	t.snap.BytesFetched, t.snap.BytesWritten, t.snap.EntriesDone = 0, 0, 0
	t.mu.Unlock()

	return t.pipeline(ctx, fetch.New(t.src, t.fetchOptions()), snk)
}

func (t *Transfer) prepareDestination() (*sink.Sink, error) {
	if !t.opts.KeepExisting {
		if err := os.RemoveAll(t.opts.Destination); err != nil {
			return nil, t.wrap("write", "", &sink.WriteError{Path: t.opts.Destination, Op: "remove", Err: err})
		}
	}
	snk, err := sink.New(t.opts.Destination, sink.Options{OnWrite: t.addWritten})
	if err != nil {
		return nil, t.wrap("write", "", err)
	}
	return snk, nil
}

func (t *Transfer) fetchOptions() fetch.Options {
	fopts := t.opts.Fetch
	fopts.OnProgress = func(delivered int64) {
		t.mu.Lock()
		t.snap.BytesFetched = delivered
		t.mu.Unlock()
	}
	return fopts
}

// pipeline runs the three stages once. The fetch and decode stages get their
// own goroutines; the write stage runs on the calling goroutine. Any stage
// failure cancels the shared context so the others unwind promptly.
func (t *Transfer) pipeline(ctx context.Context, fetcher *fetch.Fetcher, snk *sink.Sink) error {
	pctx, pcancel := context.WithCancel(ctx)
	defer pcancel()

	chunks := make(chan fetch.Chunk, t.opts.ChunkBuffer)
	items := make(chan item, t.opts.ChunkBuffer)

	var wg sync.WaitGroup
	var fetchErr, decodeErr error

	wg.Add(1)
	go func() {
		defer wg.Done()
		defer close(chunks)
		// On failure the closed channel tells the decoder the stream is
		// truncated; no cancel needed here.
		fetchErr = fetcher.Run(pctx, chunks, 0)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		defer close(items)
		decodeErr = t.decode(pctx, chunks, items)
		if decodeErr != nil {
			pcancel()
		}
	}()

	sinkEntry, sinkErr := t.apply(pctx, snk, items)
	if sinkErr != nil {
		pcancel()
	}
	wg.Wait()

	// The first stage to fail for a real reason owns the verdict; errors
	// in the other stages are knock-on effects (truncated stream, context
	// cancellation). Fetch outranks decode because a dropped connection
	// surfaces in the decoder as a truncated archive.
	switch {
	case real(fetchErr):
		return t.wrap("fetch", "", fetchErr)
	case real(decodeErr):
		return t.wrap("decode", "", decodeErr)
	case real(sinkErr):
		return t.wrap("write", sinkEntry, sinkErr)
	case fetchErr != nil:
		return fetchErr
	case decodeErr != nil:
		return decodeErr
	}
	return sinkErr
}

// decode pulls chunks, reassembles archive entries and feeds them to the
// write stage as a header followed by content fragments and an end marker.
func (t *Transfer) decode(ctx context.Context, chunks <-chan fetch.Chunk, items chan<- item) error {
	zr, err := tarstream.NewReader(&chunkReader{ctx: ctx, ch: chunks}, t.opts.Compression)
	if err != nil {
		return err
	}
	defer zr.Close()

	dec := tarstream.NewDecoder(zr)
	for {
		hdr, err := dec.Next()
		if err == io.EOF {
			// Archive terminator seen. Drain trailing padding so the
			// fetcher's final sends do not block forever.
			for range chunks {
			}
			return nil
		}
		if err != nil {
			return err
		}

		if err := send(ctx, items, item{hdr: hdr}); err != nil {
			return err
		}
		for {
			buf := make([]byte, copyBuffer)
			n, rerr := dec.Read(buf)
			if n > 0 {
				if err := send(ctx, items, item{data: buf[:n]}); err != nil {
					return err
				}
			}
			if rerr == io.EOF {
				break
			}
			if rerr != nil {
				return rerr
			}
		}
		if err := send(ctx, items, item{last: true}); err != nil {
			return err
		}
	}
}

// apply materializes entries in stream order. Returns the entry being
// written at the time of a failure, for error context.
func (t *Transfer) apply(ctx context.Context, snk *sink.Sink, items <-chan item) (string, error) {
	for {
		var it item
		var ok bool
		select {
		case it, ok = <-items:
		case <-ctx.Done():
			return "", ctx.Err()
		}
		if !ok {
			return "", nil
		}
		if it.hdr == nil {
			// End marker of an entry whose content the sink never read
			// (directories, symlinks).
			continue
		}

		er := &entryReader{ctx: ctx, ch: items}
		if err := snk.Apply(it.hdr, er); err != nil {
			if errors.Is(err, sink.ErrPathTraversal) {
				// Security-relevant: keep these visible even when
				// ordinary failures are filtered from logs.
				t.opts.Logger.Printf("SECURITY job %s: rejected archive entry: %v", t.opts.ID, err)
			}
			return it.hdr.Path, err
		}

		t.mu.Lock()
		t.snap.EntriesDone++
		t.mu.Unlock()
	}
}

func (t *Transfer) addWritten(n int64) {
	t.mu.Lock()
	t.snap.BytesWritten += n
	t.mu.Unlock()
}

func (t *Transfer) wrap(stage, entry string, err error) error {
	if err == nil {
		return nil
	}
	var staged *StageError
	if errors.As(err, &staged) {
		return err
	}
	t.mu.Lock()
	offset := t.snap.BytesFetched
	t.mu.Unlock()
	return &StageError{JobID: t.opts.ID, Stage: stage, Offset: offset, Entry: entry, Err: err}
}

// emit delivers an event. Progress events are best-effort and never fill the
// channel's last slot; the terminal event takes that reserved slot, so it is
// always delivered before the channel closes.
func (t *Transfer) emit(snap Snapshot, terminal bool) {
	ev := Event{
		JobID:        snap.ID,
		Time:         time.Now(),
		State:        snap.State,
		TotalBytes:   snap.TotalBytes,
		BytesFetched: snap.BytesFetched,
		BytesWritten: snap.BytesWritten,
		EntriesDone:  snap.EntriesDone,
		Terminal:     terminal,
		Err:          snap.Err,
	}
	if terminal {
		t.events <- ev
		return
	}
	if len(t.events) < cap(t.events)-1 {
		select {
		case t.events <- ev:
		default:
		}
	}
}

// real reports whether err is a failure in its own right rather than the
// echo of another stage's cancellation.
func real(err error) bool {
	return err != nil &&
		!errors.Is(err, context.Canceled) &&
		!errors.Is(err, context.DeadlineExceeded)
}

// item is the decode-to-write handoff: a header opens an entry, data items
// carry its content, and last closes it.
type item struct {
	hdr  *tarstream.Header
	data []byte
	last bool
}

func send(ctx context.Context, items chan<- item, it item) error {
	select {
	case items <- it:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// chunkReader adapts the fetch stage's chunk channel to io.Reader for the
// decompression and archive layers.
type chunkReader struct {
	ctx context.Context
	ch  <-chan fetch.Chunk
	buf []byte
}

func (r *chunkReader) Read(p []byte) (int, error) {
	for len(r.buf) == 0 {
		select {
		case chunk, ok := <-r.ch:
			if !ok {
				return 0, io.EOF
			}
			r.buf = chunk.Data
		case <-r.ctx.Done():
			return 0, r.ctx.Err()
		}
	}
	n := copy(p, r.buf)
	r.buf = r.buf[n:]
	return n, nil
}

// entryReader yields one entry's content items to the sink, reporting EOF at
// the entry's end marker. A channel closed mid-entry means the decoder died;
// that surfaces as io.ErrUnexpectedEOF.
type entryReader struct {
	ctx  context.Context
	ch   <-chan item
	done bool
	buf  []byte
}

func (r *entryReader) Read(p []byte) (int, error) {
	for len(r.buf) == 0 {
		if r.done {
			return 0, io.EOF
		}
		select {
		case it, ok := <-r.ch:
			if !ok {
				return 0, io.ErrUnexpectedEOF
			}
			if it.last {
				r.done = true
				return 0, io.EOF
			}
			r.buf = it.data
		case <-r.ctx.Done():
			return 0, r.ctx.Err()
		}
	}
	n := copy(p, r.buf)
	r.buf = r.buf[n:]
	return n, nil
}
