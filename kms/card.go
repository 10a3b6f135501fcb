package kms

import (
	"fmt"
	"os"

	"launchpad.net/gommap"

	"github.com/NeowayLabs/kmsdisplay"
	"github.com/NeowayLabs/kmsdisplay/mode"
)

// Card is a DRM device node opened for atomic modesetting.
type Card struct {
	file  *os.File
	index int
}

// OpenCard opens /dev/dri/card<n> and enables universal planes and the
// atomic API on it.
func OpenCard(n int) (*Card, error) {
	file, err := drm.OpenCard(n)
	if err != nil {
		return nil, err
	}
	card, err := NewCard(file, n)
	if err != nil {
		file.Close()
		return nil, err
	}
	return card, nil
}

// NewCard wraps an already opened device node, e.g. one handed out by
// logind.
func NewCard(file *os.File, index int) (*Card, error) {
	if err := drm.SetClientCap(file, drm.ClientCapUniversalPlanes, 1); err != nil {
		return nil, fmt.Errorf("enabling universal planes on %s: %w", file.Name(), err)
	}
	if err := drm.SetClientCap(file, drm.ClientCapAtomic, 1); err != nil {
		return nil, fmt.Errorf("enabling atomic modesetting on %s: %w", file.Name(), err)
	}
	return &Card{file: file, index: index}, nil
}

func (c *Card) Index() int       { return c.index }
func (c *Card) File() *os.File   { return c.file }
func (c *Card) Fd() uintptr      { return c.file.Fd() }
func (c *Card) Close() error     { return c.file.Close() }
func (c *Card) SetMaster() error { return drm.SetMaster(c.file) }

func (c *Card) DropMaster() error {
	return drm.DropMaster(c.file)
}

func (c *Card) Cap(capability uint64) (uint64, error) {
	return drm.GetCap(c.file, capability)
}

func (c *Card) Resources() (*mode.Resources, error) {
	return mode.GetResources(c.file)
}

func (c *Card) Connector(id uint32, probe bool) (*mode.Connector, error) {
	if probe {
		return mode.GetConnector(c.file, id)
	}
	return mode.GetConnectorCurrent(c.file, id)
}

func (c *Card) Encoder(id uint32) (*mode.Encoder, error) {
	return mode.GetEncoder(c.file, id)
}

func (c *Card) Crtc(id uint32) (*mode.Crtc, error) {
	return mode.GetCrtc(c.file, id)
}

func (c *Card) SetCrtc(crtc, fb, x, y uint32, connectors []uint32, m *mode.Info) error {
	var conns *uint32
	if len(connectors) > 0 {
		conns = &connectors[0]
	}
	return mode.SetCrtc(c.file, crtc, fb, x, y, conns, len(connectors), m)
}

func (c *Card) PlaneResources() ([]uint32, error) {
	return mode.GetPlaneResources(c.file)
}

func (c *Card) Plane(id uint32) (*mode.Plane, error) {
	return mode.GetPlane(c.file, id)
}

func (c *Card) ObjectProperties(obj, typ uint32) (*mode.ObjectProperties, error) {
	return mode.GetObjectProperties(c.file, obj, typ)
}

func (c *Card) Property(id uint32) (*mode.Property, error) {
	return mode.GetProperty(c.file, id)
}

func (c *Card) CreateBlob(data []byte) (uint32, error) {
	return mode.CreatePropertyBlob(c.file, data)
}

func (c *Card) DestroyBlob(id uint32) error {
	return mode.DestroyPropertyBlob(c.file, id)
}

func (c *Card) Blob(id uint32) ([]byte, error) {
	return mode.GetPropertyBlob(c.file, id)
}

func (c *Card) AtomicCommit(req *mode.AtomicReq, flags uint32, userData uint64) error {
	return mode.AtomicCommit(c.file, req, flags, userData)
}

func (c *Card) SetCursor(crtc, handle, width, height uint32) error {
	return mode.SetCursor(c.file, crtc, handle, width, height)
}

func (c *Card) MoveCursor(crtc uint32, x, y int32) error {
	return mode.MoveCursor(c.file, crtc, x, y)
}

func (c *Card) Gamma(crtc uint32, size int) ([]uint16, []uint16, []uint16, error) {
	return mode.GetGamma(c.file, crtc, size)
}

func (c *Card) ReadEvents() ([]mode.Event, error) {
	return mode.ReadEvents(c.file)
}

// The buffer management half of the card, see fb.Device.

func (c *Card) AddFB2(fb *mode.FB2) (uint32, error) {
	return mode.AddFB2(c.file, fb)
}

func (c *Card) RmFB(id uint32) error {
	return mode.RmFB(c.file, id)
}

func (c *Card) CreateDumb(width, height uint16, bpp uint32) (*mode.FB, error) {
	return mode.CreateFB(c.file, width, height, bpp)
}

func (c *Card) MapDumb(handle uint32) (uint64, error) {
	return mode.MapDumb(c.file, handle)
}

func (c *Card) DestroyDumb(handle uint32) error {
	return mode.DestroyDumb(c.file, handle)
}

func (c *Card) PrimeFDToHandle(fd int) (uint32, error) {
	return mode.PrimeFDToHandle(c.file, fd)
}

func (c *Card) GemClose(handle uint32) error {
	return mode.GemClose(c.file, handle)
}

// Mmap maps size bytes of the buffer behind the fake offset returned by
// MapDumb.
func (c *Card) Mmap(offset uint64, size int) ([]byte, error) {
	mmap, err := gommap.MapAt(0, c.file.Fd(), int64(offset), int64(size),
		gommap.PROT_READ|gommap.PROT_WRITE, gommap.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("mapping dumb buffer: %w", err)
	}
	return []byte(mmap), nil
}

func (c *Card) Munmap(data []byte) error {
	return gommap.MMap(data).UnsafeUnmap()
}
