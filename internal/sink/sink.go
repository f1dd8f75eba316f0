// Package sink materializes decoded archive entries under a destination
// directory. Every entry path is validated before anything touches the
// filesystem, and a file that fails mid-write is removed so the tree never
// holds a silently truncated file.
package sink

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/FelixBand/Bandit/internal/tarstream"
)

// ErrPathTraversal is the base error for entry paths that would resolve
// outside the destination root.
var ErrPathTraversal = errors.New("sink: entry path escapes destination root")

// PathTraversalError reports the offending archive path. It unwraps to
// ErrPathTraversal.
type PathTraversalError struct {
	Path string
}

func (e *PathTraversalError) Error() string {
	return fmt.Sprintf("sink: entry path %q escapes destination root", e.Path)
}

func (e *PathTraversalError) Unwrap() error { return ErrPathTraversal }

// WriteError reports a filesystem failure while materializing an entry.
type WriteError struct {
	Path string // destination path, relative to the root
	Op   string
	Err  error
}

func (e *WriteError) Error() string {
	return fmt.Sprintf("sink: %s %q: %v", e.Op, e.Path, e.Err)
}

func (e *WriteError) Unwrap() error { return e.Err }

// Options tune a Sink.
type Options struct {
	// OnWrite, when set, is called with the number of bytes appended to a
	// file after each write. Callbacks happen on the goroutine calling
	// Apply and must not block.
	OnWrite func(n int64)
}

// Sink writes archive entries beneath a single destination root.
type Sink struct {
	root string
	opts Options
}

// New creates a Sink rooted at dir, creating the directory if needed.
func New(dir string, opts Options) (*Sink, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, &WriteError{Path: dir, Op: "resolve", Err: err}
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, &WriteError{Path: dir, Op: "mkdir", Err: err}
	}
	return &Sink{root: abs, opts: opts}, nil
}

// Root returns the absolute destination directory.
func (s *Sink) Root() string { return s.root }

// Apply materializes one entry. For file entries, content is streamed from r;
// r is ignored for directories and symlinks.
func (s *Sink) Apply(hdr *tarstream.Header, r io.Reader) error {
	dest, err := s.resolve(hdr.Path)
	if err != nil {
		return err
	}

	switch hdr.Type {
	case tarstream.TypeDir:
		return s.makeDir(hdr, dest)
	case tarstream.TypeFile:
		return s.writeFile(hdr, dest, r)
	case tarstream.TypeSymlink:
		return s.makeSymlink(hdr, dest)
	default:
		return &WriteError{Path: hdr.Path, Op: "apply", Err: fmt.Errorf("unsupported entry type %s", hdr.Type)}
	}
}

// resolve maps an archive path to an absolute destination path, rejecting
// anything that would land outside the root. The check runs on the lexical
// path, before any filesystem operation.
func (s *Sink) resolve(name string) (string, error) {
	if name == "" {
		return "", &PathTraversalError{Path: name}
	}
	// Archive paths are slash-separated. A backslash on Windows would be a
	// separator smuggled past the element check below.
	if strings.ContainsRune(name, '\\') {
		return "", &PathTraversalError{Path: name}
	}
	clean := filepath.Clean(filepath.FromSlash(name))
	if filepath.IsAbs(clean) || filepath.VolumeName(clean) != "" {
		return "", &PathTraversalError{Path: name}
	}
	for _, elem := range strings.Split(clean, string(filepath.Separator)) {
		if elem == ".." {
			return "", &PathTraversalError{Path: name}
		}
	}
	return filepath.Join(s.root, clean), nil
}

func (s *Sink) makeDir(hdr *tarstream.Header, dest string) error {
	if err := os.MkdirAll(dest, 0o755); err != nil {
		return &WriteError{Path: hdr.Path, Op: "mkdir", Err: err}
	}
	if hdr.Mode != 0 {
		if err := os.Chmod(dest, hdr.Mode); err != nil {
			return &WriteError{Path: hdr.Path, Op: "chmod", Err: err}
		}
	}
	return nil
}

func (s *Sink) writeFile(hdr *tarstream.Header, dest string, r io.Reader) error {
	// Archives are not required to list parent directories first.
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return &WriteError{Path: hdr.Path, Op: "mkdir", Err: err}
	}

	mode := hdr.Mode
	if mode == 0 {
		mode = 0o644
	}
	f, err := os.OpenFile(dest, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, mode)
	if err != nil {
		return &WriteError{Path: hdr.Path, Op: "create", Err: err}
	}

	written, copyErr := s.copyContent(f, hdr.Path, r)
	closeErr := f.Close()

	if copyErr == nil && closeErr != nil {
		copyErr = &WriteError{Path: hdr.Path, Op: "close", Err: closeErr}
	}
	if copyErr != nil {
		// Never leave a truncated file behind.
		os.Remove(dest)
		return copyErr
	}

	if written != hdr.Size {
		os.Remove(dest)
		return &WriteError{
			Path: hdr.Path,
			Op:   "write",
			Err:  fmt.Errorf("short content: %d of %d bytes", written, hdr.Size),
		}
	}

	// OpenFile's permission argument is filtered through the umask; restore
	// the archive's bits so executables stay executable.
	if err := os.Chmod(dest, mode); err != nil {
		return &WriteError{Path: hdr.Path, Op: "chmod", Err: err}
	}
	return nil
}

// copyContent streams r into w. Writer-side failures come back as
// *WriteError; reader-side errors (decoder failures, cancellation) pass
// through untouched so the caller can tell the stages apart.
func (s *Sink) copyContent(w io.Writer, path string, r io.Reader) (int64, error) {
	buf := make([]byte, 32*1024)
	var written int64
	for {
		n, rerr := r.Read(buf)
		if n > 0 {
			wn, werr := w.Write(buf[:n])
			written += int64(wn)
			if s.opts.OnWrite != nil && wn > 0 {
				s.opts.OnWrite(int64(wn))
			}
			if werr == nil && wn < n {
				werr = io.ErrShortWrite
			}
			if werr != nil {
				return written, &WriteError{Path: path, Op: "write", Err: werr}
			}
		}
		if rerr == io.EOF {
			return written, nil
		}
		if rerr != nil {
			return written, rerr
		}
	}
}

func (s *Sink) makeSymlink(hdr *tarstream.Header, dest string) error {
	if err := s.checkLinkTarget(hdr); err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return &WriteError{Path: hdr.Path, Op: "mkdir", Err: err}
	}
	// Symlink fails on an existing name; replace to keep Apply idempotent
	// for re-streamed archives.
	if _, err := os.Lstat(dest); err == nil {
		if err := os.Remove(dest); err != nil {
			return &WriteError{Path: hdr.Path, Op: "replace symlink", Err: err}
		}
	}
	if err := os.Symlink(filepath.FromSlash(hdr.LinkTarget), dest); err != nil {
		return &WriteError{Path: hdr.Path, Op: "symlink", Err: err}
	}
	return nil
}

// checkLinkTarget rejects symlinks whose target resolves outside the root.
// The target is evaluated relative to the link's own directory.
func (s *Sink) checkLinkTarget(hdr *tarstream.Header) error {
	target := hdr.LinkTarget
	if target == "" {
		return &PathTraversalError{Path: hdr.Path}
	}
	if strings.ContainsRune(target, '\\') {
		return &PathTraversalError{Path: hdr.Path}
	}
	t := filepath.FromSlash(target)
	if filepath.IsAbs(t) || filepath.VolumeName(t) != "" {
		return &PathTraversalError{Path: hdr.Path}
	}

	resolved := filepath.Clean(filepath.Join(filepath.Dir(filepath.FromSlash(hdr.Path)), t))
	for _, elem := range strings.Split(resolved, string(filepath.Separator)) {
		if elem == ".." {
			return &PathTraversalError{Path: hdr.Path}
		}
	}
	return nil
}

// Clean removes the destination tree. Used to discard partial output after a
// failed or cancelled transfer, and to reset the destination under the
// "fresh" resume policy.
func (s *Sink) Clean() error {
	if err := os.RemoveAll(s.root); err != nil {
		return &WriteError{Path: s.root, Op: "remove", Err: err}
	}
	return nil
}
