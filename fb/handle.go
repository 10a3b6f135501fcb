package fb

import (
	"fmt"
	"image"
	"sync/atomic"
)

// Handle is a reference counted framebuffer id. It starts with one
// reference, owned by whoever created it; the teardown function runs
// when the last reference is released.
type Handle struct {
	id       uint32
	size     image.Point
	refs     atomic.Int32
	teardown func()
}

func NewHandle(id uint32, size image.Point, teardown func()) *Handle {
	h := &Handle{id: id, size: size, teardown: teardown}
	h.refs.Store(1)
	return h
}

func (h *Handle) ID() uint32 {
	return h.id
}

func (h *Handle) Size() image.Point {
	return h.size
}

// Acquire adds a reference and returns h.
func (h *Handle) Acquire() *Handle {
	if h.refs.Add(1) <= 1 {
		panic(fmt.Sprintf("fb: acquiring released framebuffer %d", h.id))
	}
	return h
}

// Release drops a reference.
func (h *Handle) Release() {
	switch n := h.refs.Add(-1); {
	case n == 0:
		if h.teardown != nil {
			h.teardown()
		}
	case n < 0:
		panic(fmt.Sprintf("fb: framebuffer %d released too many times", h.id))
	}
}

// Refs is the current number of references.
func (h *Handle) Refs() int {
	return int(h.refs.Load())
}

func (h *Handle) String() string {
	return fmt.Sprintf("fb %d (%dx%d)", h.id, h.size.X, h.size.Y)
}

// rmFB builds the teardown that removes id from dev.
func rmFB(dev Device, id uint32) func() {
	return func() {
		if err := dev.RmFB(id); err != nil {
			log.WithError(err).WithField("fb", id).Warn("failed to remove framebuffer")
		}
	}
}
