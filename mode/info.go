package mode

import "unsafe"

// String returns the mode name, e.g. "1920x1080".
func (m *Info) String() string {
	return cstring(m.Name[:])
}

// Preferred reports whether the driver flagged this mode as preferred.
func (m *Info) Preferred() bool {
	return m.Type&TypePreferred != 0
}

// RefreshRate computes the vertical refresh in Hz from the mode timings,
// falling back to the integer Vrefresh reported by the kernel.
func (m *Info) RefreshRate() float64 {
	if m.Htotal == 0 || m.Vtotal == 0 {
		return float64(m.Vrefresh)
	}

	rate := float64(m.Clock) * 1000.0 / float64(m.Htotal) / float64(m.Vtotal)
	if m.Flags&FlagInterlace != 0 {
		rate *= 2
	}
	if m.Flags&FlagDblScan != 0 {
		rate /= 2
	}
	if m.Vscan > 1 {
		rate /= float64(m.Vscan)
	}
	return rate
}

// SameTiming reports whether two modes program the CRTC identically. The
// name and type are informational and ignored.
func (m *Info) SameTiming(o *Info) bool {
	return m.Clock == o.Clock &&
		m.Hdisplay == o.Hdisplay && m.HsyncStart == o.HsyncStart &&
		m.HsyncEnd == o.HsyncEnd && m.Htotal == o.Htotal && m.Hskew == o.Hskew &&
		m.Vdisplay == o.Vdisplay && m.VsyncStart == o.VsyncStart &&
		m.VsyncEnd == o.VsyncEnd && m.Vtotal == o.Vtotal && m.Vscan == o.Vscan &&
		m.Vrefresh == o.Vrefresh && m.Flags == o.Flags
}

// Bytes returns the raw struct drm_mode_modeinfo, suitable for a MODE_ID
// property blob.
func (m *Info) Bytes() []byte {
	raw := unsafe.Slice((*byte)(unsafe.Pointer(m)), unsafe.Sizeof(*m))
	out := make([]byte, len(raw))
	copy(out, raw)
	return out
}

// ConnectorTypeName returns the name the kernel uses for a connector type
// in sysfs, e.g. "HDMI-A".
func ConnectorTypeName(typ uint32) string {
	if int(typ) < len(connectorTypeNames) {
		return connectorTypeNames[typ]
	}
	return "Unknown"
}

var connectorTypeNames = []string{
	ConnectorUnknown:     "Unknown",
	ConnectorVGA:         "VGA",
	ConnectorDVII:        "DVI-I",
	ConnectorDVID:        "DVI-D",
	ConnectorDVIA:        "DVI-A",
	ConnectorComposite:   "Composite",
	ConnectorSVIDEO:      "SVIDEO",
	ConnectorLVDS:        "LVDS",
	ConnectorComponent:   "Component",
	Connector9PinDIN:     "DIN",
	ConnectorDisplayPort: "DP",
	ConnectorHDMIA:       "HDMI-A",
	ConnectorHDMIB:       "HDMI-B",
	ConnectorTV:          "TV",
	ConnectorEDP:         "eDP",
	ConnectorVirtual:     "Virtual",
	ConnectorDSI:         "DSI",
	ConnectorDPI:         "DPI",
	ConnectorWriteback:   "Writeback",
	ConnectorSPI:         "SPI",
	ConnectorUSB:         "USB",
}
