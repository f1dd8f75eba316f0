// Package tarstream incrementally decodes the archive container the Bandit
// file server streams: a USTAR tar, usually gzip-compressed.
//
// The decoder is strictly sequential and pull-based. It buffers at most one
// 512-byte block, so headers and content that straddle network chunk
// boundaries are reassembled without unbounded lookahead, and a slow
// consumer backpressures all the way to the socket.
//
// Wire contract: USTAR headers (file, directory and symlink entries; PAX
// metadata blocks are tolerated and skipped), contents padded to 512-byte
// blocks, terminated by two zero blocks. Compression is selected by archive
// name suffix, see CompressionForName.
package tarstream
