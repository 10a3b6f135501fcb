package drm

import (
	"os"

	"github.com/NeowayLabs/kmsdisplay/ioctl"
)

// SetMaster makes file the DRM master of its device. Only the master may
// perform modesets.
func SetMaster(file *os.File) error {
	return ioctl.Do(uintptr(file.Fd()), uintptr(IOCTLSetMaster), 0)
}

// DropMaster gives up DRM master, e.g. when switching away from our VT.
func DropMaster(file *os.File) error {
	return ioctl.Do(uintptr(file.Fd()), uintptr(IOCTLDropMaster), 0)
}
