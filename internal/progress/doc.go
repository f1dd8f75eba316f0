// Package progress renders install progress on a terminal and provides
// byte-size formatting helpers shared with the config package.
//
// The reporter is display-only: it consumes counter snapshots emitted by
// the transfer pipeline and never touches pipeline state itself.
package progress
