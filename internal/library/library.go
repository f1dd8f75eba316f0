// Package library records which games are installed and where. The record
// is a small JSON file in the install root, mapping game id to install
// directory.
package library

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"sync"
)

// Library is the on-disk installed-games record. Safe for concurrent use
// within one process; it is not a cross-process lock.
type Library struct {
	path string

	mu    sync.Mutex
	games map[string]string
}

// Open loads the record at path, or starts an empty one when the file does
// not exist yet.
func Open(path string) (*Library, error) {
	l := &Library{path: path, games: make(map[string]string)}

	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return l, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read library: %w", err)
	}
	if err := json.Unmarshal(data, &l.games); err != nil {
		return nil, fmt.Errorf("parse library %s: %w", path, err)
	}
	return l, nil
}

// InstallDir returns where a game is installed.
func (l *Library) InstallDir(id string) (string, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	dir, ok := l.games[id]
	return dir, ok
}

// Set records a game's install directory and persists the record.
func (l *Library) Set(id, dir string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.games[id] = dir
	return l.save()
}

// Remove drops a game from the record and persists it. Removing an unknown
// id is a no-op.
func (l *Library) Remove(id string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.games[id]; !ok {
		return nil
	}
	delete(l.games, id)
	return l.save()
}

// IDs returns the recorded game ids, sorted.
func (l *Library) IDs() []string {
	l.mu.Lock()
	defer l.mu.Unlock()

	ids := make([]string, 0, len(l.games))
	for id := range l.games {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// save writes the record atomically: temp file in the same directory, fsync,
// then rename over the old file. A crash mid-save leaves the previous record
// intact. Caller holds l.mu.
func (l *Library) save() error {
	data, err := json.MarshalIndent(l.games, "", "  ")
	if err != nil {
		return fmt.Errorf("encode library: %w", err)
	}

	dir := filepath.Dir(l.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create library dir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(l.path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("write library: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write library: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync library: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close library: %w", err)
	}
	if err := os.Rename(tmp.Name(), l.path); err != nil {
		return fmt.Errorf("replace library: %w", err)
	}
	return nil
}
