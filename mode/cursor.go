package mode

import (
	"os"
	"unsafe"

	"github.com/NeowayLabs/kmsdisplay"
	"github.com/NeowayLabs/kmsdisplay/ioctl"
)

const (
	CursorBO   = 0x01
	CursorMove = 0x02
)

type sysCursor struct {
	flags  uint32
	crtcID uint32
	x, y   int32
	width  uint32
	height uint32
	handle uint32 // 0 hides the cursor
}

var (
	// DRM_IOWR(0xA3, struct drm_mode_cursor)
	IOCTLModeCursor = ioctl.NewCode(ioctl.Read|ioctl.Write,
		uint16(unsafe.Sizeof(sysCursor{})), drm.IOCTLBase, 0xA3)
)

// SetCursor shows the buffer object handle as the CRTC's hardware
// cursor. A zero handle removes the cursor.
func SetCursor(file *os.File, crtcid, handle, width, height uint32) error {
	return ioctl.Do(uintptr(file.Fd()), uintptr(IOCTLModeCursor),
		uintptr(unsafe.Pointer(&sysCursor{
			flags:  CursorBO,
			crtcID: crtcid,
			width:  width,
			height: height,
			handle: handle,
		})))
}

// MoveCursor places the top left corner of the CRTC's cursor at x, y in
// scanout coordinates.
func MoveCursor(file *os.File, crtcid uint32, x, y int32) error {
	return ioctl.Do(uintptr(file.Fd()), uintptr(IOCTLModeCursor),
		uintptr(unsafe.Pointer(&sysCursor{
			flags:  CursorMove,
			crtcID: crtcid,
			x:      x,
			y:      y,
		})))
}
