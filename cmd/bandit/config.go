package main

import (
	"os"
	"path/filepath"

	"github.com/FelixBand/Bandit/internal/catalog"
	"github.com/FelixBand/Bandit/internal/config"
	"github.com/FelixBand/Bandit/internal/fetch"
	"github.com/FelixBand/Bandit/internal/library"
)

// loadConfig layers defaults, an optional YAML file and BANDIT_* environment
// variables, in that order. An empty path falls back to the default config
// location when that file exists.
func loadConfig(path string) (config.Config, error) {
	if path == "" {
		if p := defaultConfigPath(); p != "" {
			if _, err := os.Stat(p); err == nil {
				path = p
			}
		}
	}

	cfg := config.Default()
	if path != "" {
		loaded, err := config.LoadFromFile(path)
		if err != nil {
			return config.Config{}, err
		}
		cfg = loaded
	}
	if err := cfg.LoadFromEnv(); err != nil {
		return config.Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return config.Config{}, err
	}
	return cfg, nil
}

func defaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".banditgamelauncher", "config.yaml")
}

func newHTTPClient(cfg config.Config) *fetch.Client {
	opts := fetch.DefaultClientOptions()
	opts.ReadTimeout = cfg.ReadTimeout
	return fetch.NewClient(opts)
}

func newCatalog(cfg config.Config) *catalog.Client {
	return catalog.New(newHTTPClient(cfg), cfg.ServerURL, cfg.Platform)
}

// openLibrary opens the installed-games record kept next to the games in the
// install root.
func openLibrary(cfg config.Config) (*library.Library, error) {
	return library.Open(filepath.Join(cfg.InstallRoot, "installed.json"))
}
