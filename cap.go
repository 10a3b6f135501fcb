package drm

import (
	"os"
	"unsafe"

	"github.com/NeowayLabs/kmsdisplay/ioctl"
)

type (
	capability struct {
		cap uint64
		val uint64
	}

	clientCapability struct {
		cap uint64
		val uint64
	}
)

const (
	CapDumbBuffer = iota + 1
	CapVBlankHighCRTC
	CapDumbPreferredDepth
	CapDumbPreferShadow
	CapPrime
	CapTimestampMonotonic
	CapAsyncPageFlip
	CapCursorWidth
	CapCursorHeight

	CapAddFB2Modifiers = 0x10
	CapPageFlipTarget  = 0x11
	CapCrtcInVBlank    = 0x12
	CapSyncObj         = 0x13
)

// Client capabilities, enabled with SetClientCap.
const (
	ClientCapStereo3D = iota + 1
	ClientCapUniversalPlanes
	ClientCapAtomic
	ClientCapAspectRatio
	ClientCapWritebackConnectors
)

func HasDumbBuffer(file *os.File) bool {
	val, err := GetCap(file, CapDumbBuffer)
	if err != nil {
		return false
	}
	return val != 0
}

// GetCap queries a driver capability (DRM_IOCTL_GET_CAP).
func GetCap(file *os.File, c uint64) (uint64, error) {
	cap := &capability{}
	cap.cap = c
	err := ioctl.Do(uintptr(file.Fd()), uintptr(IOCTLGetCap), uintptr(unsafe.Pointer(cap)))
	if err != nil {
		return 0, err
	}
	return cap.val, nil
}

// SetClientCap asks the kernel to expose an optional interface to this
// file descriptor, e.g. universal planes or atomic modesetting.
func SetClientCap(file *os.File, c, val uint64) error {
	cap := &clientCapability{cap: c, val: val}
	return ioctl.Do(uintptr(file.Fd()), uintptr(IOCTLSetClientCap),
		uintptr(unsafe.Pointer(cap)))
}
