// Package catalog reads the game index the Bandit file server publishes per
// platform: a pipe-separated list.txt naming the available games and an
// executable_paths.json mapping game ids to their launch binary.
package catalog

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"

	"github.com/FelixBand/Bandit/internal/fetch"
)

// Game is one entry of the server's list.txt.
type Game struct {
	// Name is the display name shown to users.
	Name string

	// ID names the game's archive and keys executable_paths.json.
	ID string

	// Size is the archive size in bytes as declared by the index. The
	// authoritative size still comes from the server's response headers
	// at download time.
	Size int64
}

// Client fetches catalog documents for one platform.
type Client struct {
	http      *fetch.Client
	serverURL string
	platform  string
}

// New creates a catalog client. serverURL is the base URL without the
// platform segment; platform is Windows, Linux or Darwin.
func New(httpClient *fetch.Client, serverURL, platform string) *Client {
	return &Client{
		http:      httpClient,
		serverURL: strings.TrimSuffix(serverURL, "/"),
		platform:  platform,
	}
}

// Games downloads and parses list.txt. Lines are "Name|id|bytes"; malformed
// lines are skipped rather than failing the whole index. The result is
// sorted by display name, case-insensitively.
func (c *Client) Games(ctx context.Context) ([]Game, error) {
	body, err := c.http.Get(ctx, c.url("list.txt"))
	if err != nil {
		return nil, fmt.Errorf("fetch game list: %w", err)
	}
	defer body.Close()

	games, err := parseList(body)
	if err != nil {
		return nil, fmt.Errorf("parse game list: %w", err)
	}

	sort.Slice(games, func(i, j int) bool {
		return strings.ToLower(games[i].Name) < strings.ToLower(games[j].Name)
	})
	return games, nil
}

// ExecutablePaths downloads executable_paths.json, mapping game id to the
// game's executable path relative to its install directory.
func (c *Client) ExecutablePaths(ctx context.Context) (map[string]string, error) {
	body, err := c.http.Get(ctx, c.url("executable_paths.json"))
	if err != nil {
		return nil, fmt.Errorf("fetch executable paths: %w", err)
	}
	defer body.Close()

	var paths map[string]string
	if err := json.NewDecoder(body).Decode(&paths); err != nil {
		return nil, fmt.Errorf("parse executable paths: %w", err)
	}
	return paths, nil
}

// ArchiveURL returns the download URL for a game's archive.
func (c *Client) ArchiveURL(gameID string) string {
	return c.url(gameID + ".tar.gz")
}

func (c *Client) url(name string) string {
	return c.serverURL + "/" + c.platform + "/" + name
}

func parseList(r io.Reader) ([]Game, error) {
	var games []Game
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		parts := strings.Split(line, "|")
		if len(parts) != 3 {
			continue
		}
		size, err := strconv.ParseInt(strings.TrimSpace(parts[2]), 10, 64)
		if err != nil || size < 0 {
			continue
		}
		name := strings.TrimSpace(parts[0])
		id := strings.TrimSpace(parts[1])
		if name == "" || id == "" {
			continue
		}
		games = append(games, Game{Name: name, ID: id, Size: size})
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return games, nil
}
