package kms

import (
	"github.com/NeowayLabs/kmsdisplay/mode"
)

// Device is the DRM ioctl surface an Output drives. Card implements it
// over a device node.
type Device interface {
	// Index is the card number of the device, e.g. 0 for /dev/dri/card0.
	Index() int

	Resources() (*mode.Resources, error)
	// Connector reads a connector. When probe is true the kernel
	// re-detects the sink and its modes, which may be slow.
	Connector(id uint32, probe bool) (*mode.Connector, error)
	Encoder(id uint32) (*mode.Encoder, error)
	Crtc(id uint32) (*mode.Crtc, error)
	// SetCrtc is the legacy modeset, used to restore the CRTC found at
	// startup.
	SetCrtc(crtc, fb, x, y uint32, connectors []uint32, m *mode.Info) error
	PlaneResources() ([]uint32, error)
	Plane(id uint32) (*mode.Plane, error)

	ObjectProperties(obj, typ uint32) (*mode.ObjectProperties, error)
	Property(id uint32) (*mode.Property, error)
	CreateBlob(data []byte) (uint32, error)
	DestroyBlob(id uint32) error
	Blob(id uint32) ([]byte, error)
	AtomicCommit(req *mode.AtomicReq, flags uint32, userData uint64) error

	SetCursor(crtc, handle, width, height uint32) error
	MoveCursor(crtc uint32, x, y int32) error
	Gamma(crtc uint32, size int) (red, green, blue []uint16, err error)

	Cap(c uint64) (uint64, error)
	SetMaster() error
	DropMaster() error
	// ReadEvents blocks until the kernel delivers events.
	ReadEvents() ([]mode.Event, error)
}
