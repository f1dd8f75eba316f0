package tarstream

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"strconv"
	"strings"
)

const blockSize = 512

// ErrCorrupt is the base error for structurally invalid archives. Concrete
// failures are reported as *CorruptError, which unwraps to this.
var ErrCorrupt = errors.New("tarstream: corrupt archive")

// ErrUnexpectedEOF is returned when the byte stream ends before an entry's
// declared content or the archive terminator has been seen.
var ErrUnexpectedEOF = errors.New("tarstream: unexpected end of archive stream")

// CorruptError reports a structural problem at a byte offset in the
// (decompressed) archive stream.
type CorruptError struct {
	Offset int64
	Reason string
}

func (e *CorruptError) Error() string {
	return fmt.Sprintf("tarstream: corrupt archive at offset %d: %s", e.Offset, e.Reason)
}

func (e *CorruptError) Unwrap() error { return ErrCorrupt }

// EntryType classifies an archive entry.
type EntryType byte

const (
	TypeFile EntryType = iota
	TypeDir
	TypeSymlink
)

func (t EntryType) String() string {
	switch t {
	case TypeFile:
		return "file"
	case TypeDir:
		return "dir"
	case TypeSymlink:
		return "symlink"
	default:
		return "unknown"
	}
}

// Header describes one entry in the archive.
type Header struct {
	// Path is the entry's slash-separated path relative to the archive
	// root. It has not been validated; the sink decides whether it is
	// safe to materialize.
	Path string

	// Size is the declared content size in bytes. Zero for directories
	// and symlinks.
	Size int64

	// Mode holds the permission bits.
	Mode fs.FileMode

	// Type is the entry kind.
	Type EntryType

	// LinkTarget is the symlink target for TypeSymlink entries.
	LinkTarget string
}

// Decoder incrementally parses a USTAR stream. Headers and content may
// straddle arbitrary read boundaries; the decoder owns a single block-sized
// carry buffer and never looks ahead further than one 512-byte block.
//
// Usage mirrors archive/tar: call Next to advance to the following entry,
// then Read to drain that entry's content. Reading pulls from the underlying
// stream on demand, so a slow consumer backpressures the producer.
type Decoder struct {
	r      io.Reader
	offset int64 // bytes consumed from r

	block     [blockSize]byte
	remaining int64 // content bytes left in the current entry
	padding   int64 // block padding after the current entry
	done      bool
}

// NewDecoder creates a Decoder reading from r, which must yield an
// uncompressed tar stream.
func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{r: r}
}

// Next skips any unread content of the current entry and parses the next
// header. It returns io.EOF once the archive terminator has been read.
func (d *Decoder) Next() (*Header, error) {
	if d.done {
		return nil, io.EOF
	}

	if err := d.skip(d.remaining + d.padding); err != nil {
		return nil, err
	}
	d.remaining, d.padding = 0, 0

	for {
		hdr, err := d.readHeader()
		if err != nil || hdr != nil {
			return hdr, err
		}
		// PAX metadata block: content skipped, try the next header.
	}
}

// readHeader parses one header block. It returns (nil, nil) for metadata
// entries that the caller should skip over.
func (d *Decoder) readHeader() (*Header, error) {
	headerOffset := d.offset
	if err := d.readBlock(); err != nil {
		return nil, err
	}

	if isZeroBlock(d.block[:]) {
		// End of archive: a second zero block must follow.
		if err := d.readBlock(); err != nil {
			return nil, err
		}
		if !isZeroBlock(d.block[:]) {
			return nil, &CorruptError{Offset: headerOffset, Reason: "lone zero block inside archive"}
		}
		d.done = true
		return nil, io.EOF
	}

	if err := verifyChecksum(d.block[:]); err != nil {
		return nil, &CorruptError{Offset: headerOffset, Reason: err.Error()}
	}

	size, err := parseNumeric(d.block[124:136])
	if err != nil {
		return nil, &CorruptError{Offset: headerOffset, Reason: "invalid size field: " + err.Error()}
	}
	if size < 0 {
		return nil, &CorruptError{Offset: headerOffset, Reason: fmt.Sprintf("negative entry size %d", size)}
	}

	mode, err := parseNumeric(d.block[100:108])
	if err != nil {
		return nil, &CorruptError{Offset: headerOffset, Reason: "invalid mode field: " + err.Error()}
	}

	name := cString(d.block[0:100])
	if prefix := cString(d.block[345:500]); prefix != "" {
		name = prefix + "/" + name
	}
	if name == "" {
		return nil, &CorruptError{Offset: headerOffset, Reason: "empty entry name"}
	}

	typeflag := d.block[156]
	switch typeflag {
	case 'x', 'g':
		// PAX extended headers carry metadata we do not interpret.
		// Skip their content and continue with the real entry.
		d.remaining = size
		d.padding = blockPadding(size)
		if err := d.skip(d.remaining + d.padding); err != nil {
			return nil, err
		}
		d.remaining, d.padding = 0, 0
		return nil, nil

	case '0', 0:
		hdr := &Header{
			Path: name,
			Size: size,
			Mode: fs.FileMode(mode) & fs.ModePerm,
			Type: TypeFile,
		}
		// Pre-POSIX archives mark directories with a trailing slash.
		if strings.HasSuffix(name, "/") {
			hdr.Path = strings.TrimSuffix(name, "/")
			hdr.Size = 0
			hdr.Type = TypeDir
			d.remaining = size
			d.padding = blockPadding(size)
			return hdr, nil
		}
		d.remaining = size
		d.padding = blockPadding(size)
		return hdr, nil

	case '5':
		d.remaining = size
		d.padding = blockPadding(size)
		return &Header{
			Path: strings.TrimSuffix(name, "/"),
			Mode: fs.FileMode(mode) & fs.ModePerm,
			Type: TypeDir,
		}, nil

	case '2':
		target := cString(d.block[157:257])
		if target == "" {
			return nil, &CorruptError{Offset: headerOffset, Reason: "symlink without target"}
		}
		d.remaining = size
		d.padding = blockPadding(size)
		return &Header{
			Path:       name,
			Mode:       fs.FileMode(mode) & fs.ModePerm,
			Type:       TypeSymlink,
			LinkTarget: target,
		}, nil

	default:
		return nil, &CorruptError{
			Offset: headerOffset,
			Reason: fmt.Sprintf("unknown entry type %q for %q", typeflag, name),
		}
	}
}

// Read returns content bytes of the current entry, ending with io.EOF once
// the declared size has been delivered.
func (d *Decoder) Read(p []byte) (int, error) {
	if d.remaining <= 0 {
		return 0, io.EOF
	}
	if int64(len(p)) > d.remaining {
		p = p[:d.remaining]
	}
	n, err := d.r.Read(p)
	d.offset += int64(n)
	d.remaining -= int64(n)
	if err == io.EOF {
		if d.remaining > 0 {
			return n, fmt.Errorf("%w: entry content truncated at offset %d", ErrUnexpectedEOF, d.offset)
		}
		err = nil
	}
	if err != nil {
		return n, err
	}
	if d.remaining == 0 && n == 0 {
		return 0, io.EOF
	}
	return n, nil
}

// readBlock fills the carry buffer with the next 512-byte block.
func (d *Decoder) readBlock() error {
	n, err := io.ReadFull(d.r, d.block[:])
	d.offset += int64(n)
	if err == io.EOF || err == io.ErrUnexpectedEOF {
		return fmt.Errorf("%w: truncated at offset %d", ErrUnexpectedEOF, d.offset)
	}
	return err
}

// skip discards n bytes from the stream.
func (d *Decoder) skip(n int64) error {
	if n <= 0 {
		return nil
	}
	copied, err := io.CopyN(io.Discard, d.r, n)
	d.offset += copied
	if err == io.EOF || err == io.ErrUnexpectedEOF {
		return fmt.Errorf("%w: truncated at offset %d", ErrUnexpectedEOF, d.offset)
	}
	return err
}

func blockPadding(size int64) int64 {
	if r := size % blockSize; r != 0 {
		return blockSize - r
	}
	return 0
}

func isZeroBlock(b []byte) bool {
	for _, c := range b {
		if c != 0 {
			return false
		}
	}
	return true
}

// cString extracts a NUL-terminated string field.
func cString(b []byte) string {
	if i := bytes.IndexByte(b, 0); i >= 0 {
		b = b[:i]
	}
	return string(b)
}

// parseNumeric parses an octal field, or GNU base-256 when the high bit of
// the first byte is set (used for sizes beyond 8GiB).
func parseNumeric(b []byte) (int64, error) {
	if len(b) > 0 && b[0]&0x80 != 0 {
		var v int64
		for i, c := range b {
			if i == 0 {
				c &= 0x7f
			}
			if v > (1<<55) { // would overflow int64 with 8 more bits
				return 0, errors.New("base-256 value overflows int64")
			}
			v = v<<8 | int64(c)
		}
		return v, nil
	}

	s := strings.Trim(cString(b), " ")
	if s == "" {
		return 0, nil
	}
	v, err := strconv.ParseInt(s, 8, 64)
	if err != nil {
		return 0, fmt.Errorf("bad octal %q", s)
	}
	return v, nil
}

// verifyChecksum validates the header block checksum. Both the unsigned sum
// (POSIX) and the signed sum (historic tars) are accepted.
func verifyChecksum(block []byte) error {
	field := strings.Trim(cString(block[148:156]), " ")
	want, err := strconv.ParseInt(field, 8, 64)
	if err != nil {
		return fmt.Errorf("bad checksum field %q", field)
	}

	var unsigned, signed int64
	for i, c := range block {
		if i >= 148 && i < 156 {
			c = ' '
		}
		unsigned += int64(c)
		signed += int64(int8(c))
	}

	if want != unsigned && want != signed {
		return fmt.Errorf("header checksum mismatch (want %d, got %d)", want, unsigned)
	}
	return nil
}
