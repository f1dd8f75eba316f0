package tarstream

import (
	"fmt"
	"io"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
)

// Compression identifies the compression layer wrapped around the tar stream.
type Compression int

const (
	CompressionNone Compression = iota
	CompressionGzip
	CompressionZstd
)

func (c Compression) String() string {
	switch c {
	case CompressionGzip:
		return "gzip"
	case CompressionZstd:
		return "zstd"
	default:
		return "none"
	}
}

// CompressionForName picks the compression layer from an archive file name.
// The Bandit file server publishes .tar.gz archives; .tar.zst is accepted
// for newer server builds, and a bare .tar streams through untouched.
func CompressionForName(name string) Compression {
	name = strings.ToLower(name)
	switch {
	case strings.HasSuffix(name, ".tar.gz"), strings.HasSuffix(name, ".tgz"):
		return CompressionGzip
	case strings.HasSuffix(name, ".tar.zst"), strings.HasSuffix(name, ".tar.zstd"):
		return CompressionZstd
	default:
		return CompressionNone
	}
}

// NewReader wraps r with the given decompression layer. The returned
// ReadCloser must be closed to release decoder resources; closing it does
// not close r.
func NewReader(r io.Reader, c Compression) (io.ReadCloser, error) {
	switch c {
	case CompressionNone:
		return io.NopCloser(r), nil
	case CompressionGzip:
		zr, err := gzip.NewReader(r)
		if err != nil {
			return nil, fmt.Errorf("%w: not a gzip stream: %v", ErrCorrupt, err)
		}
		return zr, nil
	case CompressionZstd:
		zr, err := zstd.NewReader(r)
		if err != nil {
			return nil, fmt.Errorf("%w: not a zstd stream: %v", ErrCorrupt, err)
		}
		return zr.IOReadCloser(), nil
	default:
		return nil, fmt.Errorf("tarstream: unknown compression %d", c)
	}
}
