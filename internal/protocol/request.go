package protocol

import (
	"errors"
	"fmt"
	"strings"
)

// ErrMalformed is returned by Decode for lines that do not form a request.
var ErrMalformed = errors.New("malformed request")

// maxNumberDigits bounds every numeric field of a request line.
const maxNumberDigits = 12

// Kind identifies a request by its first character on the wire.
type Kind byte

const (
	KindLs                 Kind = 'l'
	KindRecursiveLs        Kind = 'r'
	KindStat               Kind = 'S'
	KindLstat              Kind = 's'
	KindCopy               Kind = 'C'
	KindMove               Kind = 'm'
	KindQuit               Kind = 'q'
	KindSleep              Kind = 'P'
	KindAddWatch           Kind = 'W'
	KindRemoveWatch        Kind = 'w'
	KindRefresh            Kind = 'R'
	KindDelete             Kind = 'd'
	KindDeleteOnDisconnect Kind = 'D'
	KindServerInfo         Kind = 'i'
	KindHelp               Kind = '?'
	KindOption             Kind = 'o'
)

// Kinds lists every request kind in help order.
var Kinds = []Kind{
	KindLs, KindRecursiveLs, KindStat, KindLstat, KindCopy, KindMove,
	KindQuit, KindSleep, KindAddWatch, KindRemoveWatch, KindRefresh,
	KindDelete, KindDeleteOnDisconnect, KindServerInfo, KindOption, KindHelp,
}

var kindNames = map[Kind]string{
	KindLs:                 "LS",
	KindRecursiveLs:        "RECURSIVE_LS",
	KindStat:               "STAT",
	KindLstat:              "LSTAT",
	KindCopy:               "COPY",
	KindMove:               "MOVE",
	KindQuit:               "QUIT",
	KindSleep:              "SLEEP",
	KindAddWatch:           "ADD_WATCH",
	KindRemoveWatch:        "REMOVE_WATCH",
	KindRefresh:            "REFRESH",
	KindDelete:             "DELETE",
	KindDeleteOnDisconnect: "DELETE_ON_DISCONNECT",
	KindServerInfo:         "SERVER_INFO",
	KindHelp:               "HELP",
	KindOption:             "OPTION",
}

// String returns the symbolic name of the kind.
func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("UNKNOWN(%q)", byte(k))
}

// Valid reports whether k is a known request kind.
func (k Kind) Valid() bool {
	_, ok := kindNames[k]
	return ok
}

// HasSecondPath reports whether requests of this kind carry a destination.
func (k Kind) HasSecondPath() bool {
	return k == KindCopy || k == KindMove
}

// Request is a decoded request line.
//
// Paths are unescaped. Raw keeps the original line (without the trailing
// newline) for the request log and diagnostics.
type Request struct {
	Kind  Kind
	ID    int
	Path  string
	Path2 string
	Raw   string
}

// Decode parses one request line.
//
// Format:
//
//	<kind> <id> <len> <path> [<len2> <path2>]
//
// `q` and `?` need nothing after the kind, `i` takes only an id. A length
// of 0 means "the rest of the current word".
//
// Returns:
//   - *Request: a fresh value owned by the caller
//   - error: wraps ErrMalformed when the line is not a valid request
func Decode(line string) (*Request, error) {
	line = strings.TrimSuffix(line, "\n")
	line = strings.TrimSuffix(line, "\r")

	if line == "" {
		return nil, fmt.Errorf("%w: zero length request", ErrMalformed)
	}

	req := &Request{Kind: Kind(line[0]), Raw: line}

	if req.Kind == KindQuit || req.Kind == KindHelp {
		return req, nil
	}
	if !req.Kind.Valid() {
		return nil, fmt.Errorf("%w: wrong request kind: %q", ErrMalformed, line)
	}
	if len(line) < 2 || line[1] != ' ' {
		return nil, fmt.Errorf("%w: no space after request kind: %q", ErrMalformed, line)
	}

	id, rest, err := decodeNumber(line[2:])
	if req.Kind == KindServerInfo {
		req.ID = id
		return req, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: request id: %v", ErrMalformed, err)
	}
	req.ID = id

	path, rest, err := decodePath(rest)
	if err != nil {
		return nil, fmt.Errorf("%w: %v: %q", ErrMalformed, err, line)
	}
	req.Path = path

	if req.Kind.HasSecondPath() {
		path2, _, err := decodePath(rest)
		if err != nil {
			return nil, fmt.Errorf("%w: second path: %v: %q", ErrMalformed, err, line)
		}
		req.Path2 = path2
	}

	return req, nil
}

// decodeNumber reads a run of digits terminated by whitespace or the end of
// the text and returns the value plus the text after the terminator.
func decodeNumber(s string) (int, string, error) {
	n, rest, err := decodeUint(s, maxNumberDigits)
	return int(n), rest, err
}

func decodeUint(s string, maxDigits int) (uint64, string, error) {
	if s == "" {
		return 0, s, errors.New("unexpected end of line, number expected")
	}
	if s[0] < '0' || s[0] > '9' {
		return 0, s, fmt.Errorf("unexpected numeric value: %q", s[0])
	}
	var v uint64
	i := 0
	for ; i < len(s); i++ {
		c := s[i]
		if c >= '0' && c <= '9' {
			if i >= maxDigits {
				return 0, s, fmt.Errorf("numeric value too long: %q", s)
			}
			v = v*10 + uint64(c-'0')
			continue
		}
		if c == ' ' || c == '\t' || c == '\n' || c == '\r' {
			return v, s[i+1:], nil
		}
		return 0, s, fmt.Errorf("unexpected numeric value: %q", c)
	}
	return v, "", nil
}

// decodePath reads a length-prefixed escaped path and returns it unescaped
// together with the text following it (separator consumed).
func decodePath(s string) (string, string, error) {
	n, rest, err := decodeNumber(s)
	if err != nil {
		return "", s, fmt.Errorf("path length: %w", err)
	}

	var size int
	if n == 0 {
		size = wordLen(rest)
		if size == 0 {
			return "", s, errors.New("zero path")
		}
	} else {
		var ok bool
		size, ok = takeChars(rest, n)
		if !ok {
			return "", s, fmt.Errorf("path shorter than its length %d", n)
		}
	}

	path := Unescape(rest[:size])
	rest = rest[size:]
	if rest != "" {
		rest = rest[1:]
	}
	return path, rest, nil
}

func wordLen(s string) int {
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case ' ', '\t', '\n', '\r':
			return i
		}
	}
	return len(s)
}
