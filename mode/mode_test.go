package mode

import (
	"encoding/binary"
	"testing"
	"unsafe"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// The kernel rejects ioctls whose encoded size disagrees with its own
// struct layout, so these must match include/uapi/drm/drm_mode.h.
func TestKernelStructSizes(t *testing.T) {
	for _, tc := range []struct {
		name string
		size uintptr
		want uintptr
	}{
		{"drm_mode_modeinfo", unsafe.Sizeof(Info{}), 68},
		{"drm_mode_crtc", unsafe.Sizeof(sysCrtc{}), 104},
		{"drm_mode_get_connector", unsafe.Sizeof(sysGetConnector{}), 80},
		{"drm_mode_fb_cmd2", unsafe.Sizeof(sysFBCmd2{}), 104},
		{"drm_mode_atomic", unsafe.Sizeof(sysAtomic{}), 56},
		{"drm_mode_get_plane", unsafe.Sizeof(sysGetPlane{}), 32},
		{"drm_mode_get_plane_res", unsafe.Sizeof(sysGetPlaneRes{}), 16},
		{"drm_mode_obj_get_properties", unsafe.Sizeof(sysObjGetProperties{}), 32},
		{"drm_mode_get_property", unsafe.Sizeof(sysGetProperty{}), 64},
		{"drm_mode_property_enum", unsafe.Sizeof(sysPropertyEnum{}), 40},
		{"drm_mode_create_blob", unsafe.Sizeof(sysCreateBlob{}), 16},
		{"drm_mode_get_blob", unsafe.Sizeof(sysGetBlob{}), 16},
		{"drm_mode_cursor", unsafe.Sizeof(sysCursor{}), 28},
		{"drm_mode_crtc_lut", unsafe.Sizeof(sysCrtcLut{}), 32},
		{"drm_mode_create_dumb", unsafe.Sizeof(sysCreateDumb{}), 32},
		{"drm_prime_handle", unsafe.Sizeof(sysPrimeHandle{}), 12},
		{"drm_gem_close", unsafe.Sizeof(sysGemClose{}), 8},
	} {
		assert.Equal(t, tc.want, tc.size, tc.name)
	}
}

func TestIOCTLCodes(t *testing.T) {
	assert.Equal(t, uint32(0xc06864a2), IOCTLModeSetCrtc)
	assert.Equal(t, uint32(0xc02064b2), IOCTLModeCreateDumb)
	assert.Equal(t, uint32(0xc03864bc), IOCTLModeAtomic)
	assert.Equal(t, uint32(0xc06864b8), IOCTLModeAddFB2)
	assert.Equal(t, uint32(0xc01c64a3), IOCTLModeCursor)
}

func TestRefreshRate(t *testing.T) {
	// CEA 1920x1080@60
	m := Info{
		Clock:    148500,
		Hdisplay: 1920, HsyncStart: 2008, HsyncEnd: 2052, Htotal: 2200,
		Vdisplay: 1080, VsyncStart: 1084, VsyncEnd: 1089, Vtotal: 1125,
		Vrefresh: 60,
	}
	assert.InDelta(t, 60.0, m.RefreshRate(), 0.001)

	m.Flags = FlagInterlace
	assert.InDelta(t, 120.0, m.RefreshRate(), 0.001)

	m.Flags = FlagDblScan
	assert.InDelta(t, 30.0, m.RefreshRate(), 0.001)

	empty := Info{Vrefresh: 75}
	assert.Equal(t, 75.0, empty.RefreshRate())
}

func TestSameTimingIgnoresName(t *testing.T) {
	a := Info{Clock: 1, Hdisplay: 640, Vdisplay: 480, Type: TypePreferred}
	b := a
	copy(b.Name[:], "preferred")
	b.Type = TypeDriver
	assert.True(t, a.SameTiming(&b))

	b.Vtotal = 525
	assert.False(t, a.SameTiming(&b))
}

func TestInfoStringAndBytes(t *testing.T) {
	var m Info
	copy(m.Name[:], "1024x768")
	m.Hdisplay = 1024
	assert.Equal(t, "1024x768", m.String())

	raw := m.Bytes()
	require.Len(t, raw, 68)
	assert.Equal(t, uint16(1024), binary.NativeEndian.Uint16(raw[4:]))
}

func TestConnectorTypeName(t *testing.T) {
	assert.Equal(t, "HDMI-A", ConnectorTypeName(ConnectorHDMIA))
	assert.Equal(t, "DVI-I", ConnectorTypeName(ConnectorDVII))
	assert.Equal(t, "eDP", ConnectorTypeName(ConnectorEDP))
	assert.Equal(t, "Unknown", ConnectorTypeName(999))
}

func TestAtomicReqGroupsByObject(t *testing.T) {
	req := NewAtomicReq()
	req.AddProperty(20, 1, 5)
	req.AddProperty(10, 2, 6)
	req.AddProperty(20, 3, 7)
	req.AddProperty(20, 1, 8) // overrides

	require.Equal(t, 3, req.Len())
	assert.Equal(t, []AtomicProperty{
		{Object: 10, Property: 2, Value: 6},
		{Object: 20, Property: 1, Value: 8},
		{Object: 20, Property: 3, Value: 7},
	}, req.Properties())
}

func TestParseEvents(t *testing.T) {
	buf := make([]byte, 32+8+32)
	put := func(off int, typ, length uint32, user uint64, crtc uint32) {
		binary.NativeEndian.PutUint32(buf[off:], typ)
		binary.NativeEndian.PutUint32(buf[off+4:], length)
		if length >= 32 {
			binary.NativeEndian.PutUint64(buf[off+8:], user)
			binary.NativeEndian.PutUint32(buf[off+24:], 7)
			binary.NativeEndian.PutUint32(buf[off+28:], crtc)
		}
	}
	put(0, EventFlipComplete, 32, 42, 31)
	put(32, 0x80000000, 8, 0, 0) // vendor event, skipped
	put(40, EventVBlank, 32, 43, 32)

	events := ParseEvents(buf)
	require.Len(t, events, 2)
	assert.Equal(t, Event{Type: EventFlipComplete, UserData: 42, Sequence: 7, CrtcID: 31}, events[0])
	assert.Equal(t, uint32(32), events[1].CrtcID)

	assert.Empty(t, ParseEvents(buf[:4]))
}

func TestColorLUT(t *testing.T) {
	lut := ColorLUT([]uint16{1, 2}, []uint16{3, 4}, []uint16{5, 6})
	require.Len(t, lut, 16)
	assert.Equal(t, uint16(2), binary.NativeEndian.Uint16(lut[8:]))
	assert.Equal(t, uint16(4), binary.NativeEndian.Uint16(lut[10:]))
	assert.Equal(t, uint16(6), binary.NativeEndian.Uint16(lut[12:]))
	assert.Equal(t, uint16(0), binary.NativeEndian.Uint16(lut[14:]))
}

func TestFourcc(t *testing.T) {
	assert.Equal(t, uint32(0x34325258), uint32(FormatXRGB8888))
	assert.Equal(t, uint32(0x34325241), uint32(FormatARGB8888))
}
