package registry

import (
	"archive/tar"
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/klauspost/compress/gzip"

	"github.com/FelixBand/Bandit/internal/fetch"
	"github.com/FelixBand/Bandit/internal/tarstream"
	"github.com/FelixBand/Bandit/internal/transfer"
)

func smallArchive(t *testing.T) []byte {
	t.Helper()

	var tarBuf bytes.Buffer
	tw := tar.NewWriter(&tarBuf)
	hdr := &tar.Header{Name: "a.txt", Typeflag: tar.TypeReg, Mode: 0o644, Size: 5, Format: tar.FormatUSTAR}
	if err := tw.WriteHeader(hdr); err != nil {
		t.Fatal(err)
	}
	tw.Write([]byte("hello"))
	if err := tw.Close(); err != nil {
		t.Fatal(err)
	}

	var out bytes.Buffer
	gw := gzip.NewWriter(&out)
	gw.Write(tarBuf.Bytes())
	gw.Close()
	return out.Bytes()
}

// quickServer serves the archive in full.
func quickServer(t *testing.T, data []byte) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Accept-Ranges", "bytes")
		if r.Method == http.MethodHead {
			w.Header().Set("Content-Length", strconv.Itoa(len(data)))
			return
		}
		w.Write(data)
	}))
	t.Cleanup(server.Close)
	return server
}

// slowServer sends a few bytes and then blocks until the client disconnects,
// keeping the job active indefinitely.
func slowServer(t *testing.T, data []byte) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Accept-Ranges", "bytes")
		if r.Method == http.MethodHead {
			w.Header().Set("Content-Length", strconv.Itoa(len(data)))
			return
		}
		w.Write(data[:2])
		if f, ok := w.(http.Flusher); ok {
			f.Flush()
		}
		<-r.Context().Done()
	}))
	t.Cleanup(server.Close)
	return server
}

func newJob(t *testing.T, url, dest, id string) *transfer.Transfer {
	t.Helper()
	client := fetch.NewClient(fetch.DefaultClientOptions())
	return transfer.New(fetch.NewHTTPSource(client, url), transfer.Options{
		ID:          id,
		SourceURL:   url,
		Destination: dest,
		Compression: tarstream.CompressionGzip,
	})
}

func waitTerminal(t *testing.T, r *Registry, h Handle) transfer.Snapshot {
	t.Helper()
	deadline := time.After(15 * time.Second)
	for {
		snap, err := r.Status(h)
		if err != nil {
			t.Fatalf("Status: %v", err)
		}
		if snap.State.Terminal() {
			return snap
		}
		select {
		case <-deadline:
			t.Fatalf("job stuck in state %s", snap.State)
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestSubmitAndComplete(t *testing.T) {
	server := quickServer(t, smallArchive(t))
	dest := filepath.Join(t.TempDir(), "game")

	r := New(Options{})
	h, err := r.Submit(context.Background(), newJob(t, server.URL+"/a.tar.gz", dest, "job-1"))
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	snap := waitTerminal(t, r, h)
	if snap.State != transfer.StateCompleted {
		t.Fatalf("state = %s (err: %v)", snap.State, snap.Err)
	}

	// Terminal jobs stay queryable until cleared.
	if _, err := r.Status(h); err != nil {
		t.Errorf("terminal job not retained: %v", err)
	}
}

func TestSubmitRejectsDuplicateDestination(t *testing.T) {
	server := slowServer(t, smallArchive(t))
	dest := filepath.Join(t.TempDir(), "game")

	r := New(Options{})
	h1, err := r.Submit(context.Background(), newJob(t, server.URL+"/a.tar.gz", dest, "job-1"))
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	_, err = r.Submit(context.Background(), newJob(t, server.URL+"/a.tar.gz", dest, "job-2"))
	var dup *DuplicateDestinationError
	if !errors.As(err, &dup) {
		t.Fatalf("second Submit = %v, want DuplicateDestinationError", err)
	}
	if dup.ActiveJobID != "job-1" {
		t.Errorf("active job = %s, want job-1", dup.ActiveJobID)
	}

	// A different destination is fine while the first is active.
	other := filepath.Join(t.TempDir(), "other")
	h2, err := r.Submit(context.Background(), newJob(t, server.URL+"/a.tar.gz", other, "job-3"))
	if err != nil {
		t.Fatalf("Submit to other destination: %v", err)
	}

	r.Cancel(h1)
	r.Cancel(h2)
	waitTerminal(t, r, h1)
	waitTerminal(t, r, h2)
}

func TestSubmitAfterTerminalFreesDestination(t *testing.T) {
	server := quickServer(t, smallArchive(t))
	dest := filepath.Join(t.TempDir(), "game")

	r := New(Options{})
	h1, err := r.Submit(context.Background(), newJob(t, server.URL+"/a.tar.gz", dest, "job-1"))
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	waitTerminal(t, r, h1)

	// Same destination, first job finished: accepted.
	h2, err := r.Submit(context.Background(), newJob(t, server.URL+"/a.tar.gz", dest, "job-2"))
	if err != nil {
		t.Fatalf("resubmit: %v", err)
	}
	waitTerminal(t, r, h2)

	// The first handle still answers status queries.
	if _, err := r.Status(h1); err != nil {
		t.Errorf("old handle lost: %v", err)
	}
}

func TestCancelThroughRegistry(t *testing.T) {
	server := slowServer(t, smallArchive(t))
	dest := filepath.Join(t.TempDir(), "game")

	r := New(Options{})
	h, err := r.Submit(context.Background(), newJob(t, server.URL+"/a.tar.gz", dest, "job-1"))
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	if err := r.Cancel(h); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	snap := waitTerminal(t, r, h)
	if snap.State != transfer.StateCancelled {
		t.Errorf("state = %s, want cancelled", snap.State)
	}
}

func TestClear(t *testing.T) {
	server := slowServer(t, smallArchive(t))
	dest := filepath.Join(t.TempDir(), "game")

	r := New(Options{})
	h, err := r.Submit(context.Background(), newJob(t, server.URL+"/a.tar.gz", dest, "job-1"))
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	if err := r.Clear(h); !errors.Is(err, ErrJobActive) {
		t.Errorf("Clear active job = %v, want ErrJobActive", err)
	}

	r.Cancel(h)
	waitTerminal(t, r, h)

	if err := r.Clear(h); err != nil {
		t.Fatalf("Clear: %v", err)
	}
	if _, err := r.Status(h); !errors.Is(err, ErrUnknownHandle) {
		t.Errorf("Status after Clear = %v, want ErrUnknownHandle", err)
	}
	if err := r.Clear(h); !errors.Is(err, ErrUnknownHandle) {
		t.Errorf("double Clear = %v, want ErrUnknownHandle", err)
	}
}

func TestRetentionExpiry(t *testing.T) {
	server := quickServer(t, smallArchive(t))
	dest := filepath.Join(t.TempDir(), "game")

	r := New(Options{Retention: 50 * time.Millisecond})
	h, err := r.Submit(context.Background(), newJob(t, server.URL+"/a.tar.gz", dest, "job-1"))
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	waitTerminal(t, r, h)

	deadline := time.After(5 * time.Second)
	for {
		if _, err := r.Status(h); errors.Is(err, ErrUnknownHandle) {
			return
		}
		select {
		case <-deadline:
			t.Fatal("terminal job was not cleared after the retention window")
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestStatusUnknownHandle(t *testing.T) {
	r := New(Options{})
	if _, err := r.Status(Handle("nope")); !errors.Is(err, ErrUnknownHandle) {
		t.Errorf("Status = %v, want ErrUnknownHandle", err)
	}
	if err := r.Cancel(Handle("nope")); !errors.Is(err, ErrUnknownHandle) {
		t.Errorf("Cancel = %v, want ErrUnknownHandle", err)
	}
}

func TestJobsListing(t *testing.T) {
	server := slowServer(t, smallArchive(t))
	r := New(Options{})

	h1, err := r.Submit(context.Background(), newJob(t, server.URL+"/a.tar.gz", filepath.Join(t.TempDir(), "one"), "job-1"))
	if err != nil {
		t.Fatal(err)
	}
	h2, err := r.Submit(context.Background(), newJob(t, server.URL+"/a.tar.gz", filepath.Join(t.TempDir(), "two"), "job-2"))
	if err != nil {
		t.Fatal(err)
	}

	jobs := r.Jobs()
	if len(jobs) != 2 {
		t.Errorf("Jobs() returned %d entries, want 2", len(jobs))
	}

	r.Cancel(h1)
	r.Cancel(h2)
	waitTerminal(t, r, h1)
	waitTerminal(t, r, h2)
}
