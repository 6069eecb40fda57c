package refresh

import (
	"fmt"
	"sort"

	"github.com/marmos91/fsserver/internal/protocol"
)

// SortByName orders entries the way cached and live listings are compared.
func SortByName(entries []*protocol.FileEntry) {
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name })
}

// Differs compares a live entry with its cached counterpart and returns a
// description of the first difference, or "" when they match.
//
// Names and types are always compared, link targets for symlinks, size and
// mtime for regular files. Caches of version 2 and later also carry access
// flags, device and inode.
func Differs(live, cached *protocol.FileEntry, version int) string {
	if live.Name != cached.Name {
		return fmt.Sprintf("names differ: %q vs %q", live.Name, cached.Name)
	}
	if live.Type != cached.Type {
		return fmt.Sprintf("file types differ for %s: %c vs %c", live.Name, live.Type, cached.Type)
	}
	if live.Type == protocol.TypeSymlink && live.Link != cached.Link {
		return fmt.Sprintf("links differ for %s: %q vs %q", live.Name, live.Link, cached.Link)
	}
	if live.Type == protocol.TypeRegular {
		if live.Size != cached.Size {
			return fmt.Sprintf("sizes differ for %s: %d vs %d", live.Name, live.Size, cached.Size)
		}
		if live.Mtime != cached.Mtime {
			return fmt.Sprintf("times differ for %s: %d vs %d", live.Name, live.Mtime, cached.Mtime)
		}
	}
	if version > 1 {
		if live.Access() != cached.Access() {
			return fmt.Sprintf("access differs for %s: %s vs %s", live.Name, live.Access(), cached.Access())
		}
		if live.Dev != cached.Dev {
			return fmt.Sprintf("st_dev differs for %s: %d vs %d", live.Name, live.Dev, cached.Dev)
		}
		if live.Ino != cached.Ino {
			return fmt.Sprintf("st_ino differs for %s: %d vs %d", live.Name, live.Ino, cached.Ino)
		}
	}
	return ""
}

// ListingsDiffer compares two listings already sorted by name.
func ListingsDiffer(live, cached []*protocol.FileEntry, version int) string {
	if len(live) != len(cached) {
		return fmt.Sprintf("entry count differs: %d vs %d", len(live), len(cached))
	}
	for i := range live {
		if reason := Differs(live[i], cached[i], version); reason != "" {
			return reason
		}
	}
	return ""
}
