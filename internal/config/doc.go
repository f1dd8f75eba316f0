// Package config defines configuration structures for the bandit CLI.
//
// Configuration can be provided via:
//   - Command-line flags
//   - Environment variables (BANDIT_ prefix)
//   - YAML configuration file
//
// Values layer in that order, flags winning over environment over file.
package config
