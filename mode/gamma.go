package mode

import (
	"encoding/binary"
	"os"
	"unsafe"

	"github.com/NeowayLabs/kmsdisplay"
	"github.com/NeowayLabs/kmsdisplay/ioctl"
)

type sysCrtcLut struct {
	crtcID    uint32
	gammaSize uint32

	red   uintptr
	green uintptr
	blue  uintptr
}

var (
	// DRM_IOWR(0xA4, struct drm_mode_crtc_lut)
	IOCTLModeGetGamma = ioctl.NewCode(ioctl.Read|ioctl.Write,
		uint16(unsafe.Sizeof(sysCrtcLut{})), drm.IOCTLBase, 0xA4)
)

// GetGamma reads the legacy gamma ramp of a CRTC. size is the CRTC's
// gamma size as reported by GetCrtc.
func GetGamma(file *os.File, crtcid uint32, size int) (red, green, blue []uint16, err error) {
	if size <= 0 {
		return nil, nil, nil, nil
	}
	red = make([]uint16, size)
	green = make([]uint16, size)
	blue = make([]uint16, size)
	lut := &sysCrtcLut{
		crtcID:    crtcid,
		gammaSize: uint32(size),
		red:       uintptr(unsafe.Pointer(&red[0])),
		green:     uintptr(unsafe.Pointer(&green[0])),
		blue:      uintptr(unsafe.Pointer(&blue[0])),
	}
	err = ioctl.Do(uintptr(file.Fd()), uintptr(IOCTLModeGetGamma),
		uintptr(unsafe.Pointer(lut)))
	if err != nil {
		return nil, nil, nil, err
	}
	return red, green, blue, nil
}

// ColorLUT encodes gamma ramps as an array of struct drm_color_lut, the
// payload of the GAMMA_LUT property blob. The ramps must have equal length.
func ColorLUT(red, green, blue []uint16) []byte {
	const entrySize = 8 // red, green, blue, reserved
	out := make([]byte, len(red)*entrySize)
	for i := range red {
		entry := out[i*entrySize:]
		binary.NativeEndian.PutUint16(entry[0:], red[i])
		binary.NativeEndian.PutUint16(entry[2:], green[i])
		binary.NativeEndian.PutUint16(entry[4:], blue[i])
	}
	return out
}
