// Package bytesize provides a byte count type that config files can spell
// in human units ("16KiB", "1 MB", "4096").
package bytesize

import (
	"fmt"
	"strings"

	"github.com/dustin/go-humanize"
)

// ByteSize is a size in bytes.
type ByteSize uint64

// Common sizes.
const (
	B   ByteSize = 1
	KiB ByteSize = 1 << 10
	MiB ByteSize = 1 << 20
	GiB ByteSize = 1 << 30

	KB ByteSize = 1000
	MB ByteSize = 1000 * KB
)

// ParseByteSize parses sizes such as "16KiB", "16Ki", "1MB" or "512".
// Decimal units (KB, MB) are powers of 1000, binary units (KiB, Ki) powers
// of 1024.
func ParseByteSize(s string) (ByteSize, error) {
	if strings.TrimSpace(s) == "" {
		return 0, fmt.Errorf("empty byte size string")
	}
	n, err := humanize.ParseBytes(s)
	if err != nil {
		return 0, fmt.Errorf("invalid byte size %q: %w", s, err)
	}
	return ByteSize(n), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (b *ByteSize) UnmarshalText(text []byte) error {
	size, err := ParseByteSize(string(text))
	if err != nil {
		return err
	}
	*b = size
	return nil
}

// MarshalYAML writes the size in binary units so saved configs stay
// readable.
func (b ByteSize) MarshalYAML() (any, error) {
	return b.String(), nil
}

// String returns the size in binary units, e.g. "16 KiB".
func (b ByteSize) String() string {
	return humanize.IBytes(uint64(b))
}

// Int returns the size as an int.
func (b ByteSize) Int() int {
	return int(b)
}
