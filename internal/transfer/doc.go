// Package transfer coordinates one download-and-extract job: the network
// fetcher, the archive decoder and the filesystem sink run as concurrent
// stages joined by bounded channels, with progress events, cancellation and
// a retry/resume policy on transient network failure.
//
// A job moves Pending -> Fetching -> Completed | Failed | Cancelled. Every
// started job reaches exactly one terminal state and emits exactly one
// terminal event, so a subscriber is never left guessing the outcome.
package transfer
