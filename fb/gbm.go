package fb

import (
	"errors"
	"fmt"
	"image"

	"golang.org/x/sys/unix"

	"github.com/NeowayLabs/kmsdisplay/mode"
)

// ErrNoFreeBuffers means the caller holds more frames than the surface
// has buffers. It wraps EBUSY.
var ErrNoFreeBuffers = fmt.Errorf("gbm surface has no free buffers: %w", unix.EBUSY)

// ModInvalid is the modifier of buffers allocated without an explicit
// layout.
const ModInvalid = 0x00ffffffffffffff

// BufferObject is a GBM buffer object allocated on the KMS device.
type BufferObject interface {
	// Handle is the GEM handle of the buffer on the device.
	Handle() uint32
	Stride() uint32
	Offset() uint32
	Size() image.Point
	Format() uint32
	Modifier() uint64
}

// Surface is a GBM swapchain.
type Surface interface {
	LockFrontBuffer() (BufferObject, error)
	ReleaseBuffer(bo BufferObject)
	HasFreeBuffers() bool
	Destroy()
}

// GBMDevice allocates scanout surfaces. It is implemented on top of
// libgbm by the renderer.
type GBMDevice interface {
	CreateSurface(size image.Point, format uint32) (Surface, error)
	CreateSurfaceWithModifiers(size image.Point, format uint32, modifiers []uint64) (Surface, error)
}

// GBMSurface turns the front buffers of a GBM surface into framebuffers.
type GBMSurface struct {
	dev     Device
	surface Surface
	cache   *Cache
	size    image.Point
	format  uint32
}

// NewGBMSurface creates a scanout surface. An explicit modifier list is
// passed to the allocator only when modifiers is not empty.
func NewGBMSurface(dev Device, gbm GBMDevice, size image.Point, format uint32, modifiers []uint64) (*GBMSurface, error) {
	var (
		surface Surface
		err     error
	)
	if len(modifiers) > 0 {
		surface, err = gbm.CreateSurfaceWithModifiers(size, format, modifiers)
	} else {
		surface, err = gbm.CreateSurface(size, format)
	}
	if err != nil {
		return nil, fmt.Errorf("creating %dx%d gbm surface: %w", size.X, size.Y, err)
	}
	return &GBMSurface{
		dev:     dev,
		surface: surface,
		cache:   NewCache(),
		size:    size,
		format:  format,
	}, nil
}

func (s *GBMSurface) Size() image.Point {
	return s.size
}

// ClaimFramebuffer locks the front buffer the renderer just finished and
// returns a framebuffer for it. Releasing the returned handle gives the
// buffer back to the surface.
func (s *GBMSurface) ClaimFramebuffer() (*Handle, error) {
	if !s.surface.HasFreeBuffers() {
		return nil, ErrNoFreeBuffers
	}
	bo, err := s.surface.LockFrontBuffer()
	if err != nil {
		return nil, fmt.Errorf("locking front buffer: %w", err)
	}

	fb, ok := s.cache.Lookup(bo)
	if !ok {
		fb, err = addBufferObject(s.dev, bo)
		if err != nil {
			s.surface.ReleaseBuffer(bo)
			return nil, err
		}
		s.cache.Store(bo, fb.Acquire())
	}

	return NewHandle(fb.ID(), fb.Size(), func() {
		s.surface.ReleaseBuffer(bo)
		fb.Release()
	}), nil
}

// Close drops the cached framebuffers and destroys the surface.
func (s *GBMSurface) Close() {
	s.cache.Clear()
	s.surface.Destroy()
}

func addBufferObject(dev Device, bo BufferObject) (*Handle, error) {
	size := bo.Size()
	fb2 := &mode.FB2{
		Width:  uint32(size.X),
		Height: uint32(size.Y),
		Format: bo.Format(),
	}
	fb2.Handles[0] = bo.Handle()
	fb2.Pitches[0] = bo.Stride()
	fb2.Offsets[0] = bo.Offset()
	if mod := bo.Modifier(); mod != ModInvalid {
		fb2.Flags = mode.FBModifiers
		fb2.Modifiers[0] = mod
	}
	id, err := dev.AddFB2(fb2)
	if err != nil {
		return nil, fmt.Errorf("adding framebuffer for buffer object: %w", err)
	}
	return NewHandle(id, size, rmFB(dev, id)), nil
}

// IsNoFreeBuffers reports whether err came from a surface without free
// buffers.
func IsNoFreeBuffers(err error) bool {
	return errors.Is(err, ErrNoFreeBuffers)
}
