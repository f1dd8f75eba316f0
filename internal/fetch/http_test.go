package fetch

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
)

// rangeHandler serves data with byte-range support, the way the Bandit file
// server does.
func rangeHandler(data []byte) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodHead {
			w.Header().Set("Content-Length", strconv.Itoa(len(data)))
			w.Header().Set("Accept-Ranges", "bytes")
			w.Header().Set("ETag", `"fixture-etag"`)
			return
		}

		rangeHeader := r.Header.Get("Range")
		if rangeHeader == "" {
			w.Header().Set("Content-Length", strconv.Itoa(len(data)))
			w.Write(data)
			return
		}

		rangeHeader = strings.TrimPrefix(rangeHeader, "bytes=")
		start, _ := strconv.ParseInt(strings.TrimSuffix(rangeHeader, "-"), 10, 64)
		w.Header().Set("Content-Range",
			"bytes "+strconv.FormatInt(start, 10)+"-"+strconv.Itoa(len(data)-1)+"/"+strconv.Itoa(len(data)))
		w.Header().Set("Content-Length", strconv.Itoa(len(data)-int(start)))
		w.WriteHeader(http.StatusPartialContent)
		w.Write(data[start:])
	}
}

func TestHead(t *testing.T) {
	server := httptest.NewServer(rangeHandler(make([]byte, 1024)))
	defer server.Close()

	client := NewClient(DefaultClientOptions())
	attrs, err := client.Head(context.Background(), server.URL)
	if err != nil {
		t.Fatalf("Head: %v", err)
	}

	if attrs.Size != 1024 {
		t.Errorf("expected size 1024, got %d", attrs.Size)
	}
	if attrs.ETag != "fixture-etag" {
		t.Errorf("expected ETag 'fixture-etag', got %q", attrs.ETag)
	}
	if !attrs.AcceptsRanges {
		t.Error("expected AcceptsRanges to be true")
	}
}

func TestHeadNotFound(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	client := NewClient(DefaultClientOptions())
	_, err := client.Head(context.Background(), server.URL)
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestGetFromOffset(t *testing.T) {
	data := []byte("Hello, World! This is test data for range requests.")
	server := httptest.NewServer(rangeHandler(data))
	defer server.Close()

	client := NewClient(DefaultClientOptions())
	body, err := client.GetFrom(context.Background(), server.URL, 7)
	if err != nil {
		t.Fatalf("GetFrom: %v", err)
	}
	defer body.Close()

	got, err := io.ReadAll(body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	if string(got) != string(data[7:]) {
		t.Errorf("got %q, want %q", got, data[7:])
	}
}

func TestGetFromResumeUnsupported(t *testing.T) {
	// Server that ignores Range headers entirely.
	data := []byte("no ranges here")
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(data)
	}))
	defer server.Close()

	client := NewClient(DefaultClientOptions())
	_, err := client.GetFrom(context.Background(), server.URL, 5)
	if !errors.Is(err, ErrResumeUnsupported) {
		t.Errorf("expected ErrResumeUnsupported, got %v", err)
	}

	// Offset zero is a plain GET and must work against the same server.
	body, err := client.GetFrom(context.Background(), server.URL, 0)
	if err != nil {
		t.Fatalf("GetFrom offset 0: %v", err)
	}
	body.Close()
}

func TestCleanETag(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{`"abc123"`, "abc123"},
		{`W/"abc123"`, "abc123"},
		{"abc123", "abc123"},
		{"", ""},
	}
	for _, tt := range tests {
		if got := cleanETag(tt.input); got != tt.expected {
			t.Errorf("cleanETag(%q) = %q, want %q", tt.input, got, tt.expected)
		}
	}
}

func TestParseContentRange(t *testing.T) {
	start, end, total, err := ParseContentRange("bytes 100-199/500")
	if err != nil {
		t.Fatalf("ParseContentRange: %v", err)
	}
	if start != 100 || end != 199 || total != 500 {
		t.Errorf("got %d-%d/%d", start, end, total)
	}

	_, _, total, err = ParseContentRange("bytes 0-99/*")
	if err != nil {
		t.Fatalf("ParseContentRange: %v", err)
	}
	if total != -1 {
		t.Errorf("expected total -1 for '*', got %d", total)
	}

	if _, _, _, err := ParseContentRange("garbage"); err == nil {
		t.Error("expected error for malformed header")
	}
}
