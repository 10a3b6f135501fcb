package fb

import (
	"fmt"
	"image"

	"github.com/NeowayLabs/kmsdisplay"
)

// Kind names a way of producing framebuffers.
type Kind int

const (
	// CPUAddressable buffers are dumb buffers the CPU renders into.
	CPUAddressable Kind = iota
	// GBM buffers come from a GBM surface the GPU renders into.
	GBM
	// DMABuf buffers are allocated elsewhere and imported.
	DMABuf
)

func (k Kind) String() string {
	switch k {
	case CPUAddressable:
		return "dumb"
	case GBM:
		return "gbm"
	case DMABuf:
		return "dmabuf"
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// ParseKind is the inverse of Kind.String.
func ParseKind(s string) (Kind, error) {
	for _, k := range []Kind{CPUAddressable, GBM, DMABuf} {
		if k.String() == s {
			return k, nil
		}
	}
	return 0, fmt.Errorf("unknown buffer backend %q", s)
}

// Allocator is implemented by CPUAllocator, GBMAllocator and
// DMABufAllocator.
type Allocator interface {
	Kind() Kind
}

type CPUAllocator struct {
	dev Device
}

func (*CPUAllocator) Kind() Kind { return CPUAddressable }

// Alloc returns an XRGB8888 dumb buffer of the given size.
func (a *CPUAllocator) Alloc(size image.Point) (*DumbBuffer, error) {
	return NewDumbBuffer(a.dev, size, FormatXRGB8888)
}

type GBMAllocator struct {
	dev Device
	gbm GBMDevice
}

func (*GBMAllocator) Kind() Kind { return GBM }

func (a *GBMAllocator) MakeSurface(size image.Point, format uint32, modifiers []uint64) (*GBMSurface, error) {
	return NewGBMSurface(a.dev, a.gbm, size, format, modifiers)
}

type DMABufAllocator struct {
	dev Device
}

func (*DMABufAllocator) Kind() Kind { return DMABuf }

func (a *DMABufAllocator) Import(size image.Point, format uint32, modifier uint64, planes []DMABufPlane) *Handle {
	return ImportDMABuf(a.dev, size, format, modifier, planes)
}

const primeCapImport = 0x1

// MaybeCreateAllocator returns an allocator of the given kind, or nil if
// the device does not support it. gbm may be nil when no renderer
// provides one.
func MaybeCreateAllocator(dev Device, gbm GBMDevice, kind Kind) Allocator {
	switch kind {
	case CPUAddressable:
		if v, err := dev.Cap(drm.CapDumbBuffer); err == nil && v != 0 {
			return &CPUAllocator{dev: dev}
		}
	case GBM:
		if gbm != nil {
			return &GBMAllocator{dev: dev, gbm: gbm}
		}
	case DMABuf:
		if v, err := dev.Cap(drm.CapPrime); err == nil && v&primeCapImport != 0 {
			return &DMABufAllocator{dev: dev}
		}
	}
	return nil
}
