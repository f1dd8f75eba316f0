package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Common errors.
var (
	ErrResumeUnsupported = errors.New("fetch: server does not support range requests")
	ErrNotFound          = errors.New("fetch: resource not found")
	ErrForbidden         = errors.New("fetch: access forbidden")
	ErrUnauthorized      = errors.New("fetch: unauthorized")
	ErrServerError       = errors.New("fetch: server error")
)

// ClientOptions configures the HTTP client.
type ClientOptions struct {
	// MaxIdleConnsPerHost sets the maximum idle connections per host.
	// Default: 8
	MaxIdleConnsPerHost int

	// ReadTimeout bounds how long a single body read may stall before the
	// connection is torn down. Default: 30s
	ReadTimeout time.Duration
}

// DefaultClientOptions returns options with sensible defaults.
func DefaultClientOptions() ClientOptions {
	return ClientOptions{
		MaxIdleConnsPerHost: 8,
		ReadTimeout:         30 * time.Second,
	}
}

// Client is an HTTP client for streaming archive downloads. It carries no
// retry logic of its own; resume and retry decisions belong to the Fetcher.
type Client struct {
	client *http.Client
	opts   ClientOptions
}

// NewClient creates a new HTTP client with the given options.
func NewClient(opts ClientOptions) *Client {
	if opts.MaxIdleConnsPerHost == 0 {
		opts = DefaultClientOptions()
	}

	transport := &http.Transport{
		MaxIdleConnsPerHost: opts.MaxIdleConnsPerHost,
		MaxIdleConns:        opts.MaxIdleConnsPerHost * 2,
		IdleConnTimeout:     90 * time.Second,
		DisableCompression:  true, // archive bytes must arrive unmodified
	}

	return &Client{
		// No overall timeout: bodies stream for minutes. Stalls are
		// caught per-read, see stallReader.
		client: &http.Client{Transport: transport},
		opts:   opts,
	}
}

// Head performs a HEAD request to get archive metadata.
func (c *Client) Head(ctx context.Context, url string) (Attrs, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, url, nil)
	if err != nil {
		return Attrs{}, fmt.Errorf("create request: %w", err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return Attrs{}, err
	}
	resp.Body.Close()

	if err := checkStatusCode(resp.StatusCode, resp.Status); err != nil {
		return Attrs{}, err
	}

	return Attrs{
		Size:          resp.ContentLength,
		ETag:          cleanETag(resp.Header.Get("ETag")),
		AcceptsRanges: resp.Header.Get("Accept-Ranges") == "bytes",
	}, nil
}

// Get performs a simple GET request, used for small catalog resources.
func (c *Client) Get(ctx context.Context, url string) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}

	if err := checkStatusCode(resp.StatusCode, resp.Status); err != nil {
		resp.Body.Close()
		return nil, err
	}

	return resp.Body, nil
}

// GetFrom opens the resource body starting at offset. An offset of zero is a
// plain GET; a positive offset sends a Range header and fails with
// ErrResumeUnsupported if the server ignores it.
func (c *Client) GetFrom(ctx context.Context, url string, offset int64) (io.ReadCloser, error) {
	reqCtx, cancel := context.WithCancel(ctx)

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, url, nil)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("create request: %w", err)
	}
	if offset > 0 {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-", offset))
	}

	resp, err := c.client.Do(req)
	if err != nil {
		cancel()
		return nil, err
	}

	switch {
	case offset == 0 && resp.StatusCode == http.StatusOK:
	case offset == 0 && resp.StatusCode == http.StatusPartialContent:
	case offset > 0 && resp.StatusCode == http.StatusPartialContent:
	case offset > 0 && resp.StatusCode == http.StatusOK:
		// Server ignored the Range header and is replaying from zero.
		resp.Body.Close()
		cancel()
		return nil, ErrResumeUnsupported
	case resp.StatusCode == http.StatusRequestedRangeNotSatisfiable:
		resp.Body.Close()
		cancel()
		return nil, ErrResumeUnsupported
	default:
		resp.Body.Close()
		cancel()
		return nil, checkStatusCode(resp.StatusCode, resp.Status)
	}

	return newStallReader(resp.Body, c.opts.ReadTimeout, cancel), nil
}

// stallReader tears down the request if a single Read blocks longer than the
// timeout, so a dead connection surfaces as a read error instead of hanging
// the pipeline.
type stallReader struct {
	rc      io.ReadCloser
	timer   *time.Timer
	timeout time.Duration
	cancel  context.CancelFunc

	mu      sync.Mutex
	stalled bool
	closed  bool
}

func newStallReader(rc io.ReadCloser, timeout time.Duration, cancel context.CancelFunc) io.ReadCloser {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	sr := &stallReader{rc: rc, timeout: timeout, cancel: cancel}
	sr.timer = time.AfterFunc(timeout, func() {
		sr.mu.Lock()
		if !sr.closed {
			sr.stalled = true
		}
		sr.mu.Unlock()
		cancel()
	})
	return sr
}

func (sr *stallReader) Read(p []byte) (int, error) {
	sr.timer.Reset(sr.timeout)
	n, err := sr.rc.Read(p)
	sr.timer.Stop()
	if err != nil {
		sr.mu.Lock()
		stalled := sr.stalled
		sr.mu.Unlock()
		if stalled && err != io.EOF {
			err = fmt.Errorf("read stalled for %s: %w", sr.timeout, err)
		}
	}
	return n, err
}

func (sr *stallReader) Close() error {
	sr.mu.Lock()
	sr.closed = true
	sr.mu.Unlock()
	sr.timer.Stop()
	err := sr.rc.Close()
	sr.cancel()
	return err
}

// checkStatusCode returns an appropriate error for non-success status codes.
func checkStatusCode(code int, status string) error {
	switch {
	case code >= 200 && code < 300:
		return nil
	case code == http.StatusNotFound:
		return ErrNotFound
	case code == http.StatusForbidden:
		return ErrForbidden
	case code == http.StatusUnauthorized:
		return ErrUnauthorized
	case code >= 500:
		return fmt.Errorf("%w: %s", ErrServerError, status)
	default:
		return fmt.Errorf("unexpected status code: %d", code)
	}
}

// cleanETag removes quotes and weak-validator markers from an ETag value.
func cleanETag(etag string) string {
	etag = strings.TrimPrefix(etag, "W/")
	return strings.Trim(etag, `"`)
}

// ParseContentRange parses a Content-Range header value.
// Returns start, end, total bytes. Total may be -1 if unknown.
func ParseContentRange(header string) (start, end, total int64, err error) {
	// Format: bytes start-end/total or bytes start-end/*
	header = strings.TrimPrefix(header, "bytes ")
	parts := strings.Split(header, "/")
	if len(parts) != 2 {
		return 0, 0, 0, fmt.Errorf("invalid Content-Range format: %s", header)
	}

	rangeParts := strings.Split(parts[0], "-")
	if len(rangeParts) != 2 {
		return 0, 0, 0, fmt.Errorf("invalid Content-Range format: %s", header)
	}

	start, err = strconv.ParseInt(rangeParts[0], 10, 64)
	if err != nil {
		return 0, 0, 0, fmt.Errorf("invalid start byte: %w", err)
	}

	end, err = strconv.ParseInt(rangeParts[1], 10, 64)
	if err != nil {
		return 0, 0, 0, fmt.Errorf("invalid end byte: %w", err)
	}

	if parts[1] == "*" {
		total = -1
	} else {
		total, err = strconv.ParseInt(parts[1], 10, 64)
		if err != nil {
			return 0, 0, 0, fmt.Errorf("invalid total bytes: %w", err)
		}
	}

	return start, end, total, nil
}
