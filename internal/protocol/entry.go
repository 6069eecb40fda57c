package protocol

import (
	"errors"
	"fmt"
	"strings"
)

const (
	// maxLongDigits bounds size, mtime, device and inode fields.
	maxLongDigits = 20

	// MaxNameLen is the longest file name accepted in an entry line.
	MaxNameLen = 255

	// MaxLinkLen is the longest symlink target accepted in an entry line.
	MaxLinkLen = 4096
)

// FileType is the single-character file type of an entry line.
type FileType byte

const (
	TypeRegular   FileType = '-'
	TypeDirectory FileType = 'd'
	TypeSymlink   FileType = 'l'
	TypeCharDev   FileType = 'c'
	TypeBlockDev  FileType = 'b'
	TypeFIFO      FileType = 'p'
	TypeSocket    FileType = 's'
	TypeUnknown   FileType = '?'
)

// FileEntry describes one directory entry as sent to the client and as
// persisted in a directory cache file.
type FileEntry struct {
	Name     string
	Type     FileType
	Size     int64
	Mtime    int64 // milliseconds since the epoch
	CanRead  bool
	CanWrite bool
	CanExec  bool
	Dev      uint64
	Ino      uint64
	Link     string // symlink target, empty for other types
}

// Access returns the "rwx" triple with '-' for denied permissions.
func (e *FileEntry) Access() string {
	b := []byte("---")
	if e.CanRead {
		b[0] = 'r'
	}
	if e.CanWrite {
		b[1] = 'w'
	}
	if e.CanExec {
		b[2] = 'x'
	}
	return string(b)
}

// Format encodes the entry as
//
//	name_len name type size mtime rwx dev ino link_len link
//
// without a trailing newline. The same text follows "e <id> " on the wire
// and forms one line of a cache file.
func (e *FileEntry) Format() string {
	name := Escape(e.Name)
	link := Escape(e.Link)
	return fmt.Sprintf("%d %s %c %d %d %s %d %d %d %s",
		CharLen(name), name,
		byte(e.Type),
		e.Size,
		e.Mtime,
		e.Access(),
		e.Dev,
		e.Ino,
		CharLen(link), link)
}

// ParseEntry decodes a line produced by Format.
func ParseEntry(line string) (*FileEntry, error) {
	line = strings.TrimSuffix(line, "\n")
	orig := line

	fail := func(format string, args ...any) (*FileEntry, error) {
		return nil, fmt.Errorf("%w: %s: %q", ErrMalformed, fmt.Sprintf(format, args...), orig)
	}

	nameLen, rest, err := decodeNumber(line)
	if err != nil {
		return fail("name length: %v", err)
	}
	size, ok := takeChars(rest, nameLen)
	if !ok || size >= len(rest) {
		return fail("too long (%d) name", nameLen)
	}
	e := &FileEntry{Name: Unescape(rest[:size])}
	rest = rest[size+1:]

	if len(rest) < 2 {
		return fail("missing file type")
	}
	e.Type = FileType(rest[0])
	rest = rest[2:]

	var v uint64
	if v, rest, err = decodeUint(rest, maxLongDigits); err != nil {
		return fail("size: %v", err)
	}
	e.Size = int64(v)
	if v, rest, err = decodeUint(rest, maxLongDigits); err != nil {
		return fail("mtime: %v", err)
	}
	e.Mtime = int64(v)

	if len(rest) < 4 {
		return fail("missing access flags")
	}
	var flagErr error
	e.CanRead, flagErr = accessFlag(rest[0], 'r')
	if flagErr != nil {
		return fail("can_read: %v", flagErr)
	}
	e.CanWrite, flagErr = accessFlag(rest[1], 'w')
	if flagErr != nil {
		return fail("can_write: %v", flagErr)
	}
	e.CanExec, flagErr = accessFlag(rest[2], 'x')
	if flagErr != nil {
		return fail("can_exec: %v", flagErr)
	}
	rest = rest[4:]

	if e.Dev, rest, err = decodeUint(rest, maxLongDigits); err != nil {
		return fail("device: %v", err)
	}
	if e.Ino, rest, err = decodeUint(rest, maxLongDigits); err != nil {
		return fail("inode: %v", err)
	}

	linkLen, rest, err := decodeNumber(rest)
	if err != nil {
		return fail("link length: %v", err)
	}
	if linkLen > 0 {
		size, ok := takeChars(rest, linkLen)
		if !ok {
			return fail("too long (%d) link name", linkLen)
		}
		e.Link = Unescape(rest[:size])
	}

	if len(e.Name) > MaxNameLen {
		return fail("too long (%d) file name", len(e.Name))
	}
	if len(e.Link) > MaxLinkLen {
		return fail("too long (%d) link name", len(e.Link))
	}
	return e, nil
}

func accessFlag(c, allowed byte) (bool, error) {
	switch c {
	case allowed:
		return true, nil
	case '-':
		return false, nil
	default:
		return false, errors.New("wrong flag " + string(c))
	}
}
