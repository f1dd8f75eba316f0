package sink

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"

	"github.com/FelixBand/Bandit/internal/tarstream"
)

func fileHeader(path string, size int64) *tarstream.Header {
	return &tarstream.Header{Path: path, Size: size, Mode: 0o644, Type: tarstream.TypeFile}
}

func TestApplyTree(t *testing.T) {
	s, err := New(t.TempDir(), Options{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if err := s.Apply(&tarstream.Header{Path: "data", Mode: 0o755, Type: tarstream.TypeDir}, nil); err != nil {
		t.Fatalf("apply dir: %v", err)
	}
	content := []byte("level one")
	if err := s.Apply(fileHeader("data/level1.dat", int64(len(content))), bytes.NewReader(content)); err != nil {
		t.Fatalf("apply file: %v", err)
	}

	got, err := os.ReadFile(filepath.Join(s.Root(), "data", "level1.dat"))
	if err != nil {
		t.Fatalf("read back: %v", err)
	}
	if !bytes.Equal(got, content) {
		t.Errorf("content = %q, want %q", got, content)
	}
}

func TestApplyCreatesMissingParents(t *testing.T) {
	s, err := New(t.TempDir(), Options{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	// No directory entry for a/b precedes the file.
	if err := s.Apply(fileHeader("a/b/c.txt", 2), strings.NewReader("ok")); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if _, err := os.Stat(filepath.Join(s.Root(), "a", "b", "c.txt")); err != nil {
		t.Errorf("file missing: %v", err)
	}
}

func TestApplyExecutableBit(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("permission bits are not meaningful on windows")
	}
	s, err := New(t.TempDir(), Options{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	hdr := &tarstream.Header{Path: "run.sh", Size: 5, Mode: 0o755, Type: tarstream.TypeFile}
	if err := s.Apply(hdr, strings.NewReader("#!/bi")); err != nil {
		t.Fatalf("apply: %v", err)
	}
	info, err := os.Stat(filepath.Join(s.Root(), "run.sh"))
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if info.Mode().Perm() != 0o755 {
		t.Errorf("mode = %o, want 755", info.Mode().Perm())
	}
}

func TestApplyRejectsTraversal(t *testing.T) {
	tests := []string{
		"../evil.txt",
		"a/../../evil.txt",
		"/etc/passwd",
		"..",
		"",
		`a\..\..\evil.txt`,
	}

	root := t.TempDir()
	s, err := New(root, Options{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	for _, path := range tests {
		err := s.Apply(fileHeader(path, 4), strings.NewReader("evil"))
		var traversal *PathTraversalError
		if !errors.As(err, &traversal) {
			t.Errorf("Apply(%q) = %v, want PathTraversalError", path, err)
		}
		if !errors.Is(err, ErrPathTraversal) {
			t.Errorf("Apply(%q) does not unwrap to ErrPathTraversal", path)
		}
	}

	// Nothing may have been written inside (or next to) the root.
	entries, err := os.ReadDir(root)
	if err != nil {
		t.Fatalf("readdir: %v", err)
	}
	if len(entries) != 0 {
		t.Errorf("destination not empty after rejected entries: %v", entries)
	}
	if _, err := os.Stat(filepath.Join(filepath.Dir(root), "evil.txt")); !os.IsNotExist(err) {
		t.Error("traversal escaped the destination root")
	}
}

func TestApplySymlinkWithinRoot(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("symlink creation needs privileges on windows")
	}
	s, err := New(t.TempDir(), Options{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if err := s.Apply(fileHeader("bin/game", 4), strings.NewReader("ELF!")); err != nil {
		t.Fatalf("apply file: %v", err)
	}
	link := &tarstream.Header{Path: "start", Type: tarstream.TypeSymlink, LinkTarget: "bin/game"}
	if err := s.Apply(link, nil); err != nil {
		t.Fatalf("apply symlink: %v", err)
	}

	target, err := os.Readlink(filepath.Join(s.Root(), "start"))
	if err != nil {
		t.Fatalf("readlink: %v", err)
	}
	if target != filepath.FromSlash("bin/game") {
		t.Errorf("link target = %q", target)
	}

	// Re-applying the same link must replace, not fail.
	if err := s.Apply(link, nil); err != nil {
		t.Errorf("re-apply symlink: %v", err)
	}
}

func TestApplyRejectsEscapingSymlink(t *testing.T) {
	s, err := New(t.TempDir(), Options{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	tests := []struct{ path, target string }{
		{"escape", "../outside"},
		{"abs", "/etc/passwd"},
		{"deep/escape", "../../outside"},
		{"empty", ""},
	}
	for _, tt := range tests {
		hdr := &tarstream.Header{Path: tt.path, Type: tarstream.TypeSymlink, LinkTarget: tt.target}
		if err := s.Apply(hdr, nil); !errors.Is(err, ErrPathTraversal) {
			t.Errorf("Apply(%q -> %q) = %v, want traversal error", tt.path, tt.target, err)
		}
	}
}

// failingReader yields some bytes, then an error.
type failingReader struct {
	data []byte
	err  error
}

func (r *failingReader) Read(p []byte) (int, error) {
	if len(r.data) == 0 {
		return 0, r.err
	}
	n := copy(p, r.data)
	r.data = r.data[n:]
	return n, nil
}

func TestApplyRemovesPartialFileOnStreamError(t *testing.T) {
	s, err := New(t.TempDir(), Options{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	streamErr := errors.New("decoder gave up")
	hdr := fileHeader("partial.bin", 1024)
	err = s.Apply(hdr, &failingReader{data: []byte("some bytes"), err: streamErr})
	if !errors.Is(err, streamErr) {
		t.Fatalf("Apply = %v, want the reader's error", err)
	}
	if _, err := os.Stat(filepath.Join(s.Root(), "partial.bin")); !os.IsNotExist(err) {
		t.Error("partial file left behind")
	}
}

func TestApplyRemovesShortFile(t *testing.T) {
	s, err := New(t.TempDir(), Options{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	// Reader ends cleanly before the declared size.
	err = s.Apply(fileHeader("short.bin", 100), strings.NewReader("ten bytes."))
	var writeErr *WriteError
	if !errors.As(err, &writeErr) {
		t.Fatalf("Apply = %v, want WriteError", err)
	}
	if _, err := os.Stat(filepath.Join(s.Root(), "short.bin")); !os.IsNotExist(err) {
		t.Error("short file left behind")
	}
}

func TestOnWriteCallback(t *testing.T) {
	var total int64
	s, err := New(t.TempDir(), Options{
		OnWrite: func(n int64) { total += n },
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	content := bytes.Repeat([]byte("x"), 70*1024) // spans multiple copy buffers
	if err := s.Apply(fileHeader("big", int64(len(content))), bytes.NewReader(content)); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if total != int64(len(content)) {
		t.Errorf("OnWrite total = %d, want %d", total, len(content))
	}
}

func TestClean(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "game")
	s, err := New(dir, Options{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := s.Apply(fileHeader("a.txt", 2), strings.NewReader("hi")); err != nil {
		t.Fatalf("apply: %v", err)
	}

	if err := s.Clean(); err != nil {
		t.Fatalf("Clean: %v", err)
	}
	if _, err := os.Stat(dir); !os.IsNotExist(err) {
		t.Error("destination still exists after Clean")
	}
}
