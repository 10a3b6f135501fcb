package mode

import (
	"os"
	"unsafe"

	"github.com/NeowayLabs/kmsdisplay"
	"github.com/NeowayLabs/kmsdisplay/ioctl"
)

// FBModifiers tells ADDFB2 that FB2.Modifiers is valid.
const FBModifiers = 1 << 1

// FormatModLinear is the explicit linear layout modifier.
const FormatModLinear = 0

// DRM fourcc pixel formats used for scanout.
const (
	FormatXRGB8888 = 'X' | 'R'<<8 | '2'<<16 | '4'<<24
	FormatARGB8888 = 'A' | 'R'<<8 | '2'<<16 | '4'<<24
	FormatXBGR8888 = 'X' | 'B'<<8 | '2'<<16 | '4'<<24
	FormatABGR8888 = 'A' | 'B'<<8 | '2'<<16 | '4'<<24
	FormatRGB565   = 'R' | 'G'<<8 | '1'<<16 | '6'<<24
)

// MaxPlanes is the number of memory planes a framebuffer may span.
const MaxPlanes = 4

type (
	sysFBCmd2 struct {
		fbID        uint32
		width       uint32
		height      uint32
		pixelFormat uint32
		flags       uint32

		handles [MaxPlanes]uint32
		pitches [MaxPlanes]uint32
		offsets [MaxPlanes]uint32

		modifier [MaxPlanes]uint64
	}

	// FB2 describes a possibly multi-planar framebuffer for AddFB2.
	FB2 struct {
		Width, Height uint32
		Format        uint32
		Flags         uint32
		Handles       [MaxPlanes]uint32
		Pitches       [MaxPlanes]uint32
		Offsets       [MaxPlanes]uint32
		Modifiers     [MaxPlanes]uint64
	}
)

var (
	// DRM_IOWR(0xB8, struct drm_mode_fb_cmd2)
	IOCTLModeAddFB2 = ioctl.NewCode(ioctl.Read|ioctl.Write,
		uint16(unsafe.Sizeof(sysFBCmd2{})), drm.IOCTLBase, 0xB8)
)

// AddFB2 registers buffer objects as a framebuffer and returns its id.
// Set FBModifiers in Flags to pass explicit layout modifiers.
func AddFB2(file *os.File, fb *FB2) (uint32, error) {
	cmd := &sysFBCmd2{
		width:       fb.Width,
		height:      fb.Height,
		pixelFormat: fb.Format,
		flags:       fb.Flags,
		handles:     fb.Handles,
		pitches:     fb.Pitches,
		offsets:     fb.Offsets,
	}
	if fb.Flags&FBModifiers != 0 {
		cmd.modifier = fb.Modifiers
	}
	err := ioctl.Do(uintptr(file.Fd()), uintptr(IOCTLModeAddFB2),
		uintptr(unsafe.Pointer(cmd)))
	if err != nil {
		return 0, err
	}
	return cmd.fbID, nil
}
