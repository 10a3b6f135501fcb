package fb

import (
	"image"

	"github.com/NeowayLabs/kmsdisplay/mode"
)

// Device is the buffer management part of a DRM device.
type Device interface {
	AddFB2(fb *mode.FB2) (uint32, error)
	RmFB(id uint32) error

	CreateDumb(width, height uint16, bpp uint32) (*mode.FB, error)
	MapDumb(handle uint32) (uint64, error)
	DestroyDumb(handle uint32) error
	Mmap(offset uint64, size int) ([]byte, error)
	Munmap(data []byte) error

	PrimeFDToHandle(fd int) (uint32, error)
	GemClose(handle uint32) error

	Cap(c uint64) (uint64, error)
}

// Framebuffer is a registered DRM framebuffer.
type Framebuffer interface {
	ID() uint32
	Size() image.Point
}

// Pixel formats accepted by the allocators.
const (
	FormatXRGB8888 = mode.FormatXRGB8888
	FormatARGB8888 = mode.FormatARGB8888
)
