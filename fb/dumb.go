package fb

import (
	"errors"
	"fmt"
	"image"
	"image/color"

	"github.com/NeowayLabs/kmsdisplay"
	"github.com/NeowayLabs/kmsdisplay/mode"
)

// DumbBuffer is a CPU mapped buffer registered as a framebuffer. Pixels
// are 32 bit little endian ARGB or XRGB.
type DumbBuffer struct {
	*Handle

	dev    Device
	handle uint32
	pitch  uint32
	data   []byte
	format uint32
}

// NewDumbBuffer allocates, maps and registers a dumb buffer. The
// framebuffer is created with an explicit linear modifier when the driver
// supports modifiers.
func NewDumbBuffer(dev Device, size image.Point, format uint32) (*DumbBuffer, error) {
	if size.X <= 0 || size.Y <= 0 || size.X > 0xffff || size.Y > 0xffff {
		return nil, fmt.Errorf("invalid dumb buffer size %v", size)
	}
	bo, err := dev.CreateDumb(uint16(size.X), uint16(size.Y), 32)
	if err != nil {
		return nil, fmt.Errorf("creating dumb buffer: %w", err)
	}
	offset, err := dev.MapDumb(bo.Handle)
	if err != nil {
		dev.DestroyDumb(bo.Handle)
		return nil, fmt.Errorf("preparing dumb buffer for mapping: %w", err)
	}
	data, err := dev.Mmap(offset, int(bo.Size))
	if err != nil {
		dev.DestroyDumb(bo.Handle)
		return nil, err
	}

	fb2 := &mode.FB2{
		Width:  uint32(size.X),
		Height: uint32(size.Y),
		Format: format,
	}
	fb2.Handles[0] = bo.Handle
	fb2.Pitches[0] = bo.Pitch
	if mods, err := dev.Cap(drm.CapAddFB2Modifiers); err == nil && mods != 0 {
		fb2.Flags = mode.FBModifiers
		fb2.Modifiers[0] = mode.FormatModLinear
	}
	id, err := dev.AddFB2(fb2)
	if err != nil {
		dev.Munmap(data)
		dev.DestroyDumb(bo.Handle)
		return nil, fmt.Errorf("adding framebuffer for dumb buffer: %w", err)
	}

	b := &DumbBuffer{
		dev:    dev,
		handle: bo.Handle,
		pitch:  bo.Pitch,
		data:   data,
		format: format,
	}
	b.Handle = NewHandle(id, size, b.destroy)
	return b, nil
}

// The framebuffer must go before the memory backing it.
func (b *DumbBuffer) destroy() {
	err := errors.Join(
		b.dev.RmFB(b.Handle.ID()),
		b.dev.Munmap(b.data),
		b.dev.DestroyDumb(b.handle),
	)
	if err != nil {
		log.WithError(err).WithField("fb", b.Handle.ID()).Warn("failed to destroy dumb buffer")
	}
	b.data = nil
}

// GEMHandle is the kernel handle of the buffer memory.
func (b *DumbBuffer) GEMHandle() uint32 {
	return b.handle
}

func (b *DumbBuffer) Stride() int {
	return int(b.pitch)
}

func (b *DumbBuffer) Format() uint32 {
	return b.format
}

// Pixels is the mapped buffer memory.
func (b *DumbBuffer) Pixels() []byte {
	return b.data
}

// Fill paints the whole buffer with c.
func (b *DumbBuffer) Fill(c color.Color) {
	r, g, bl, a := c.RGBA()
	px := [4]byte{byte(bl >> 8), byte(g >> 8), byte(r >> 8), byte(a >> 8)}
	size := b.Size()
	for y := 0; y < size.Y; y++ {
		row := b.data[y*int(b.pitch):]
		for x := 0; x < size.X; x++ {
			copy(row[x*4:x*4+4], px[:])
		}
	}
}

// WriteARGB copies rows of ARGB8888 pixels into the buffer, clipping
// what does not fit and clearing the rest.
func (b *DumbBuffer) WriteARGB(pixels []byte, stride int) {
	clear(b.data)
	size := b.Size()
	rowLen := min(stride, size.X*4)
	for y := 0; y < size.Y && (y+1)*stride <= len(pixels); y++ {
		copy(b.data[y*int(b.pitch):][:rowLen], pixels[y*stride:])
	}
}
