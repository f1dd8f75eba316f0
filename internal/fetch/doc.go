// Package fetch streams remote game archives as bounded chunk sequences.
//
// A Source abstracts where the archive lives: HTTPSource talks to the Bandit
// file server with Range-based resume, BucketSource serves from any
// gocloud.dev blob bucket. The Fetcher drives a Source, delivering Chunks
// into a bounded channel and transparently reconnecting from the last
// delivered offset on transient failures, with exponential backoff.
//
// The Fetcher never touches the filesystem.
package fetch
