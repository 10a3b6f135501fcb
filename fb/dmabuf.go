package fb

import (
	"image"
	"slices"

	"github.com/NeowayLabs/kmsdisplay/mode"
)

// DMABufPlane describes one memory plane of an exported buffer.
type DMABufPlane struct {
	FD     int
	Stride uint32
	Offset uint32
}

// ImportDMABuf registers an externally allocated buffer as a
// framebuffer. It returns nil when the device cannot scan the buffer
// out; callers then have to composite it instead.
func ImportDMABuf(dev Device, size image.Point, format uint32, modifier uint64, planes []DMABufPlane) *Handle {
	if len(planes) == 0 || len(planes) > mode.MaxPlanes {
		return nil
	}
	fb2 := &mode.FB2{
		Width:  uint32(size.X),
		Height: uint32(size.Y),
		Format: format,
	}
	if modifier != ModInvalid {
		fb2.Flags = mode.FBModifiers
	}

	var handles []uint32
	defer func() {
		// the framebuffer keeps its own reference to the memory
		for _, h := range slices.Compact(slices.Sorted(slices.Values(handles))) {
			dev.GemClose(h)
		}
	}()
	for i, p := range planes {
		h, err := dev.PrimeFDToHandle(p.FD)
		if err != nil {
			log.WithError(err).WithField("fd", p.FD).Debug("cannot import dma-buf")
			return nil
		}
		handles = append(handles, h)
		fb2.Handles[i] = h
		fb2.Pitches[i] = p.Stride
		fb2.Offsets[i] = p.Offset
		if modifier != ModInvalid {
			fb2.Modifiers[i] = modifier
		}
	}

	id, err := dev.AddFB2(fb2)
	if err != nil {
		log.WithError(err).Debug("cannot add framebuffer for dma-buf")
		return nil
	}
	return NewHandle(id, size, rmFB(dev, id))
}
