// Package bufpool recycles the byte slices used to copy file contents.
//
// A Pool holds one sync.Pool per size class. Get picks the smallest class
// that fits and returns a slice of exactly the requested length; Put files
// the slice back by capacity. Requests larger than the biggest class are
// allocated directly and never pooled.
//
// Usage:
//
//	buf := pool.Get(n)
//	defer pool.Put(buf)
package bufpool

import (
	"sort"
	"sync"
)

// DefaultCopySize is the buffer size used by copy requests.
const DefaultCopySize = 16 << 10

type class struct {
	size int
	pool sync.Pool
}

// Pool manages byte slices grouped by size class.
type Pool struct {
	classes []*class
}

// NewPool creates a pool with the given size classes. Non-positive sizes are
// ignored; with no valid size the pool uses DefaultCopySize.
func NewPool(sizes ...int) *Pool {
	valid := make([]int, 0, len(sizes))
	for _, s := range sizes {
		if s > 0 {
			valid = append(valid, s)
		}
	}
	if len(valid) == 0 {
		valid = append(valid, DefaultCopySize)
	}
	sort.Ints(valid)

	p := &Pool{}
	for i, s := range valid {
		if i > 0 && valid[i-1] == s {
			continue
		}
		c := &class{size: s}
		c.pool.New = func() any {
			buf := make([]byte, c.size)
			return &buf
		}
		p.classes = append(p.classes, c)
	}
	return p
}

// Sizes returns the size classes in ascending order.
func (p *Pool) Sizes() []int {
	out := make([]int, len(p.classes))
	for i, c := range p.classes {
		out[i] = c.size
	}
	return out
}

// Get returns a slice of length size. The caller must Put it back.
func (p *Pool) Get(size int) []byte {
	for _, c := range p.classes {
		if size <= c.size {
			buf := *(c.pool.Get().(*[]byte))
			return buf[:size]
		}
	}
	return make([]byte, size)
}

// Put returns buf to its size class. Slices whose capacity matches no class
// are left to the garbage collector.
func (p *Pool) Put(buf []byte) {
	if buf == nil {
		return
	}
	for _, c := range p.classes {
		if cap(buf) == c.size {
			full := buf[:c.size]
			c.pool.Put(&full)
			return
		}
	}
}

var defaultPool = NewPool(DefaultCopySize)

// Get returns a slice from the package pool.
func Get(size int) []byte {
	return defaultPool.Get(size)
}

// Put returns a slice to the package pool.
func Put(buf []byte) {
	defaultPool.Put(buf)
}
