package fsutil

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"golang.org/x/sys/unix"
)

func TestModeAccess(t *testing.T) {
	id := identity{euid: 1000, egid: 100, groups: []int{100, 200}}
	st := func(uid, gid uint32, mode uint32) *unix.Stat_t {
		var s unix.Stat_t
		s.Uid = uid
		s.Gid = gid
		s.Mode = unix.S_IFREG | mode
		return &s
	}

	r, w, x := modeAccess(id, st(1000, 0, 0o640))
	assert.Equal(t, []bool{true, true, false}, []bool{r, w, x})

	r, w, x = modeAccess(id, st(0, 200, 0o650))
	assert.Equal(t, []bool{true, false, true}, []bool{r, w, x})

	r, w, x = modeAccess(id, st(0, 0, 0o604))
	assert.Equal(t, []bool{true, false, false}, []bool{r, w, x})

	root := identity{euid: 0}
	r, w, x = modeAccess(root, st(5, 5, 0o000))
	assert.Equal(t, []bool{true, true, false}, []bool{r, w, x})
}
