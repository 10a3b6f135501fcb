package kms

import (
	"errors"
	"fmt"
	"image"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/NeowayLabs/kmsdisplay/conf"
	"github.com/NeowayLabs/kmsdisplay/fb"
	"github.com/NeowayLabs/kmsdisplay/mode"
)

// CursorBuffer is a buffer the hardware cursor can scan out.
type CursorBuffer interface {
	GEMHandle() uint32
	Size() image.Point
}

// Output drives one connector through the CRTC and primary plane it is
// bound to.
type Output struct {
	dev    Device
	claims *claims
	flips  *flipTracker
	base   *logrus.Entry
	log    *logrus.Entry

	connID    uint32
	connector *mode.Connector
	connProps *PropertyTable

	// Resolved pipeline; crtc is nil when none is bound.
	crtc       *mode.Crtc
	crtcProps  *PropertyTable
	plane      uint32
	planeProps *PropertyTable

	// CRTC state found before we touched it, restored on Close.
	saved    *mode.Crtc
	modified bool

	modeIndex int
	modeBlob  uint32
	offset    image.Point

	hasCursor bool
}

func newOutput(dev Device, cl *claims, flips *flipTracker, connID uint32) *Output {
	base := logrus.WithFields(logrus.Fields{
		"card":      dev.Index(),
		"connector": connID,
	})
	return &Output{
		dev:       dev,
		claims:    cl,
		flips:     flips,
		connID:    connID,
		modeIndex: conf.InvalidModeIndex,
		base:      base,
		log:       base,
	}
}

// ID is the connector id. It identifies the output until the next
// hardware probe.
func (o *Output) ID() uint32 {
	return o.connID
}

func (o *Output) CardID() int {
	return o.dev.Index()
}

func (o *Output) Connected() bool {
	return o.connector != nil && o.connector.Connection == mode.Connected
}

// ConnectorType and ConnectorTypeID identify the physical port.
func (o *Output) ConnectorType() uint32 {
	if o.connector == nil {
		return mode.ConnectorUnknown
	}
	return o.connector.Type
}

func (o *Output) ConnectorTypeID() uint32 {
	if o.connector == nil {
		return 0
	}
	return o.connector.TypeID
}

// CrtcID is the bound CRTC, or 0.
func (o *Output) CrtcID() uint32 {
	if o.crtc == nil {
		return 0
	}
	return o.crtc.ID
}

// Reset re-reads the connector. A connector that went away while we held
// a CRTC has its pipeline switched off and released.
func (o *Output) Reset() error {
	conn, err := o.dev.Connector(o.connID, true)
	if err != nil {
		return fmt.Errorf("reading connector %d: %w", o.connID, err)
	}
	o.connector = conn
	props, err := NewPropertyTable(o.dev, o.connID, mode.ObjectConnector)
	if err != nil {
		return err
	}
	o.connProps = props

	if o.crtc == nil {
		return nil
	}
	if conn.Connection != mode.Connected {
		req := mode.NewAtomicReq()
		err = o.addDisable(req)
		if err == nil {
			err = o.dev.AtomicCommit(req, mode.AtomicAllowModeset, 0)
		}
		if err != nil {
			o.log.WithError(err).Warn("failed to release crtc of disconnected output")
		}
		o.releaseCrtc()
		return nil
	}
	crtc, err := o.dev.Crtc(o.crtc.ID)
	if err != nil {
		o.log.WithError(err).Warn("failed to refresh crtc state")
		o.releaseCrtc()
		return nil
	}
	o.crtc = crtc
	return nil
}

// Configure selects the mode to drive and where in the framebuffer the
// output starts reading. It resolves a CRTC when possible.
func (o *Output) Configure(offset image.Point, modeIndex int) error {
	if o.connector == nil || modeIndex < 0 || modeIndex >= len(o.connector.Modes) {
		return fmt.Errorf("%w: %d for connector %d", ErrInvalidModeIndex, modeIndex, o.connID)
	}
	info := o.connector.Modes[modeIndex]
	blob, err := o.dev.CreateBlob(info.Bytes())
	if err != nil {
		return fmt.Errorf("creating mode blob: %w", err)
	}
	o.destroyModeBlob()
	o.modeBlob = blob
	o.modeIndex = modeIndex
	o.offset = offset
	o.EnsureCrtc()
	return nil
}

func (o *Output) destroyModeBlob() {
	if o.modeBlob == 0 {
		return
	}
	if err := o.dev.DestroyBlob(o.modeBlob); err != nil {
		o.log.WithError(err).Debug("failed to destroy mode blob")
	}
	o.modeBlob = 0
}

// Mode is the configured mode.
func (o *Output) Mode() (mode.Info, bool) {
	if o.connector == nil || o.modeIndex < 0 || o.modeIndex >= len(o.connector.Modes) {
		return mode.Info{}, false
	}
	return o.connector.Modes[o.modeIndex], true
}

// Size is the configured mode's resolution.
func (o *Output) Size() image.Point {
	m, ok := o.Mode()
	if !ok {
		return image.Point{}
	}
	return image.Pt(int(m.Hdisplay), int(m.Vdisplay))
}

// RefreshRate of the configured mode, in Hz.
func (o *Output) RefreshRate() float64 {
	m, ok := o.Mode()
	if !ok {
		return 0
	}
	return m.RefreshRate()
}

// EnsureCrtc binds a CRTC and primary plane if none is bound. It reports
// false when the output is disconnected or no pipeline is available.
func (o *Output) EnsureCrtc() bool {
	if o.crtc != nil {
		return true
	}
	if !o.Connected() {
		return false
	}

	conn, err := o.dev.Connector(o.connID, false)
	if err != nil {
		// the connector went away since the last probe
		o.log.WithError(err).Warn("failed to re-read connector")
		return false
	}
	o.connector.EncoderID = conn.EncoderID

	p, err := findPipeline(o.dev, o.claims, o.connector)
	if err != nil {
		o.log.WithError(err).Warn("no crtc for output")
		return false
	}
	crtc, err := o.dev.Crtc(p.crtc)
	if err == nil {
		o.crtcProps, err = NewPropertyTable(o.dev, p.crtc, mode.ObjectCrtc)
	}
	if err == nil {
		o.planeProps, err = NewPropertyTable(o.dev, p.plane, mode.ObjectPlane)
	}
	if err != nil {
		o.log.WithError(err).Warn("failed to read crtc state")
		o.claims.release(o.connID)
		return false
	}
	if o.saved == nil {
		saved := *crtc
		o.saved = &saved
	}
	o.crtc = crtc
	o.plane = p.plane
	o.log = o.base.WithFields(logrus.Fields{"crtc": p.crtc, "plane": p.plane})
	o.log.Debug("bound crtc")
	return true
}

func (o *Output) releaseCrtc() {
	if o.crtc != nil {
		o.flips.forget(o.crtc.ID)
	}
	o.claims.release(o.connID)
	o.crtc = nil
	o.crtcProps = nil
	o.planeProps = nil
	o.plane = 0
	o.hasCursor = false
	o.log = o.base
}

// addViewport sets the plane's source rectangle (16.16 fixed point) and
// destination rectangle (pixels) and the framebuffer it scans out.
func (o *Output) addViewport(s *propertySetter, f fb.Framebuffer) {
	size := o.Size()
	w, h := uint64(size.X), uint64(size.Y)
	s.set(o.planeProps, "SRC_X", uint64(o.offset.X)<<16)
	s.set(o.planeProps, "SRC_Y", uint64(o.offset.Y)<<16)
	s.set(o.planeProps, "SRC_W", w<<16)
	s.set(o.planeProps, "SRC_H", h<<16)
	s.set(o.planeProps, "CRTC_X", 0)
	s.set(o.planeProps, "CRTC_Y", 0)
	s.set(o.planeProps, "CRTC_W", w)
	s.set(o.planeProps, "CRTC_H", h)
	s.set(o.planeProps, "FB_ID", uint64(f.ID()))
	s.set(o.planeProps, "CRTC_ID", uint64(o.crtc.ID))
}

func (o *Output) addDisable(req *mode.AtomicReq) error {
	s := &propertySetter{req: req}
	s.set(o.connProps, "CRTC_ID", 0)
	s.set(o.crtcProps, "ACTIVE", 0)
	s.set(o.crtcProps, "MODE_ID", 0)
	s.set(o.planeProps, "FB_ID", 0)
	s.set(o.planeProps, "CRTC_ID", 0)
	return s.err
}

// SetCrtc performs a synchronous modeset showing f. On failure the CRTC
// is released so the next EnsureCrtc resolves a fresh one.
func (o *Output) SetCrtc(f fb.Framebuffer) bool {
	if !o.EnsureCrtc() {
		o.log.Warn("cannot set crtc of output without crtc")
		return false
	}
	m, ok := o.Mode()
	if !ok || o.modeBlob == 0 {
		o.log.Warn("cannot set crtc of unconfigured output")
		return false
	}

	s := &propertySetter{req: mode.NewAtomicReq()}
	s.set(o.connProps, "CRTC_ID", uint64(o.crtc.ID))
	s.set(o.crtcProps, "MODE_ID", uint64(o.modeBlob))
	s.set(o.crtcProps, "ACTIVE", 1)
	o.addViewport(s, f)
	err := s.err
	if err == nil {
		err = o.dev.AtomicCommit(s.req, mode.AtomicAllowModeset, 0)
	}
	if err != nil {
		o.log.WithError(err).WithField("fb", f.ID()).Warn("failed to set crtc")
		o.releaseCrtc()
		return false
	}

	o.modified = true
	o.crtc.BufferID = f.ID()
	o.crtc.Mode = m
	o.crtc.ModeValid = 1
	o.crtc.Width, o.crtc.Height = uint32(m.Hdisplay), uint32(m.Vdisplay)
	o.crtc.X, o.crtc.Y = uint32(o.offset.X), uint32(o.offset.Y)
	return true
}

// HasCrtcMismatch reports whether the CRTC currently runs a different
// mode than the configured one, in which case flips need a SetCrtc
// first.
func (o *Output) HasCrtcMismatch() bool {
	if !o.EnsureCrtc() {
		return true
	}
	m, ok := o.Mode()
	if !ok {
		return true
	}
	return o.crtc.ModeValid == 0 || !o.crtc.Mode.SameTiming(&m)
}

// PageFlip schedules f for the next vblank. It reports false when f does
// not match the CRTC's current size, so the caller falls back to SetCrtc.
func (o *Output) PageFlip(f fb.Framebuffer) bool {
	if !o.EnsureCrtc() {
		return false
	}
	crtcSize := image.Pt(int(o.crtc.Width), int(o.crtc.Height))
	need := o.offset.Add(crtcSize)
	if crtcSize != o.Size() || f.Size().X < need.X || f.Size().Y < need.Y {
		o.log.WithField("fb", f.ID()).Debug("framebuffer does not match crtc, page flip rejected")
		return false
	}

	s := &propertySetter{req: mode.NewAtomicReq()}
	o.addViewport(s, f)
	err := s.err
	if err == nil {
		err = o.dev.AtomicCommit(s.req, mode.PageFlipEvent|mode.AtomicNonblock, uint64(o.crtc.ID))
	}
	if err != nil {
		o.log.WithError(err).WithField("fb", f.ID()).Warn("page flip failed")
		return false
	}
	o.flips.add(o.crtc.ID)
	o.crtc.BufferID = f.ID()
	o.modified = true
	return true
}

// FlipPending reports whether a page flip is outstanding.
func (o *Output) FlipPending() bool {
	return o.crtc != nil && o.flips.isPending(o.crtc.ID)
}

// WaitForPageFlip blocks until the outstanding page flip, if any,
// completed.
func (o *Output) WaitForPageFlip() error {
	if o.crtc == nil {
		return nil
	}
	return o.flips.wait(o.crtc.ID)
}

// ClearCrtc switches the pipeline off. EACCES and EPERM, seen while the
// VT is being switched away, are ignored; other failures wrap ErrFatal.
func (o *Output) ClearCrtc() error {
	if o.crtc == nil {
		// a pipeline lit before we started is bound first so it can be
		// switched off
		if o.connector == nil {
			return nil
		}
		lit, err := currentCrtc(o.dev, o.connector)
		if err != nil || lit == nil || !o.EnsureCrtc() {
			return nil
		}
	}
	req := mode.NewAtomicReq()
	err := o.addDisable(req)
	if err == nil {
		err = o.dev.AtomicCommit(req, mode.AtomicAllowModeset, 0)
	}
	switch {
	case err == nil:
		o.modified = true
	case errors.Is(err, unix.EACCES) || errors.Is(err, unix.EPERM):
		o.log.WithError(err).Info("could not clear crtc, not the drm master")
		return nil
	default:
		return fmt.Errorf("%w: clearing crtc %d: %w", ErrFatal, o.crtc.ID, err)
	}
	o.releaseCrtc()
	return nil
}

// SetCursorImage shows buf on the CRTC's cursor plane.
func (o *Output) SetCursorImage(buf CursorBuffer) bool {
	if o.crtc == nil {
		return false
	}
	size := buf.Size()
	if err := o.dev.SetCursor(o.crtc.ID, buf.GEMHandle(), uint32(size.X), uint32(size.Y)); err != nil {
		o.log.WithError(err).Warn("failed to set cursor image")
		return false
	}
	o.hasCursor = true
	return true
}

// MoveCursor places the cursor's top-left corner at p, in scanout
// pixels.
func (o *Output) MoveCursor(p image.Point) bool {
	if o.crtc == nil {
		return false
	}
	if err := o.dev.MoveCursor(o.crtc.ID, int32(p.X), int32(p.Y)); err != nil {
		o.log.WithError(err).Warn("failed to move cursor")
		return false
	}
	return true
}

// ClearCursor hides the cursor. It is a no-op without a CRTC.
func (o *Output) ClearCursor() bool {
	o.hasCursor = false
	if o.crtc == nil {
		return true
	}
	if err := o.dev.SetCursor(o.crtc.ID, 0, 0, 0); err != nil {
		o.log.WithError(err).Warn("failed to clear cursor")
		return false
	}
	return true
}

func (o *Output) HasCursorImage() bool {
	return o.hasCursor
}

// SetPowerMode switches the CRTC on or off. Every mode but PowerOn turns
// the pipeline off.
func (o *Output) SetPowerMode(pm conf.PowerMode) {
	if o.crtc == nil {
		if pm == conf.PowerOn {
			o.log.Error("cannot power on output without crtc")
		}
		return
	}
	var active uint64
	if pm == conf.PowerOn {
		active = 1
	}
	req := mode.NewAtomicReq()
	err := o.crtcProps.Add(req, "ACTIVE", active)
	if err == nil {
		err = o.dev.AtomicCommit(req, mode.AtomicAllowModeset, 0)
	}
	if err != nil {
		o.log.WithError(err).WithField("power", pm).Error("failed to set power mode")
		return
	}
	o.modified = true
}

// SetGamma loads the lookup tables into the CRTC's GAMMA_LUT.
func (o *Output) SetGamma(g conf.Gamma) error {
	if len(g.Red) != len(g.Green) || len(g.Red) != len(g.Blue) {
		return fmt.Errorf("%w: %d/%d/%d", ErrGammaMismatch, len(g.Red), len(g.Green), len(g.Blue))
	}
	if len(g.Red) == 0 {
		return nil
	}
	if o.crtc == nil {
		o.log.Warn("cannot set gamma of output without crtc")
		return nil
	}
	blob, err := o.dev.CreateBlob(mode.ColorLUT(g.Red, g.Green, g.Blue))
	if err != nil {
		return fmt.Errorf("creating gamma blob: %w", err)
	}
	defer o.dev.DestroyBlob(blob)

	req := mode.NewAtomicReq()
	if err := o.crtcProps.Add(req, "GAMMA_LUT", uint64(blob)); err != nil {
		return err
	}
	if err := o.dev.AtomicCommit(req, 0, 0); err != nil {
		return fmt.Errorf("setting gamma of crtc %d: %w", o.crtc.ID, err)
	}
	o.modified = true
	return nil
}

// UpdateFromHardwareState fills the hardware derived fields of out from
// the last probe. A mode matching the running CRTC becomes the current
// mode; failing that, a mode named "preferred" (some virtual drivers
// report nothing else), then the preferred mode.
func (o *Output) UpdateFromHardwareState(out *conf.Output) {
	conn := o.connector
	if conn == nil {
		return
	}
	out.Type = conf.OutputType(conn.Type)
	out.CardID = o.dev.Index()
	out.Connected = conn.Connection == mode.Connected
	out.PhysicalSizeMM = image.Pt(int(conn.Width), int(conn.Height))
	out.Subpixel = subpixel(conn.Subpixel)

	out.Modes = nil
	out.PreferredModeIndex = conf.InvalidModeIndex
	out.CurrentModeIndex = conf.InvalidModeIndex
	out.EDID = nil
	out.Display = conf.DisplayInfo{}
	out.GammaSupported = false

	if !out.Connected {
		out.Used = false
		return
	}

	crtc := o.crtc
	if crtc == nil {
		var err error
		if crtc, err = currentCrtc(o.dev, conn); err != nil {
			o.log.WithError(err).Debug("cannot read current crtc")
		}
	}

	for i := range conn.Modes {
		m := &conn.Modes[i]
		out.Modes = append(out.Modes, conf.Mode{
			Size:        image.Pt(int(m.Hdisplay), int(m.Vdisplay)),
			RefreshRate: m.RefreshRate(),
		})
		if crtc != nil && crtc.ModeValid != 0 && crtc.Mode.SameTiming(m) &&
			out.CurrentModeIndex == conf.InvalidModeIndex {
			out.CurrentModeIndex = i
		}
		if m.Preferred() && out.PreferredModeIndex == conf.InvalidModeIndex {
			out.PreferredModeIndex = i
		}
	}
	if out.CurrentModeIndex == conf.InvalidModeIndex {
		for i := range conn.Modes {
			if conn.Modes[i].String() == "preferred" {
				out.CurrentModeIndex = i
				break
			}
		}
	}
	if out.CurrentModeIndex == conf.InvalidModeIndex {
		out.CurrentModeIndex = out.PreferredModeIndex
	}

	if o.connProps != nil {
		if id, ok := o.connProps.Value("EDID"); ok && id != 0 {
			if edid, err := o.dev.Blob(uint32(id)); err == nil {
				out.EDID = edid
				if info, err := conf.ParseEDID(edid); err == nil {
					out.Display = info
				}
			}
		}
	}

	if crtc != nil && crtc.GammaSize > 0 {
		r, g, b, err := o.dev.Gamma(crtc.ID, crtc.GammaSize)
		if err != nil {
			o.log.WithError(err).Debug("cannot read gamma")
		} else {
			out.GammaSupported = true
			out.Gamma = conf.Gamma{Red: r, Green: g, Blue: b}
		}
	}
}

func subpixel(s uint8) conf.Subpixel {
	switch s {
	case mode.SubpixelHorizontalRGB:
		return conf.SubpixelHorizontalRGB
	case mode.SubpixelHorizontalBGR:
		return conf.SubpixelHorizontalBGR
	case mode.SubpixelVerticalRGB:
		return conf.SubpixelVerticalRGB
	case mode.SubpixelVerticalBGR:
		return conf.SubpixelVerticalBGR
	case mode.SubpixelNone:
		return conf.SubpixelNone
	}
	return conf.SubpixelUnknown
}

// Close restores the CRTC found before the output was first driven and
// frees the kernel objects the output created.
func (o *Output) Close() error {
	o.destroyModeBlob()
	var err error
	if o.saved != nil && o.modified {
		var m *mode.Info
		if o.saved.ModeValid != 0 {
			m = &o.saved.Mode
		}
		var conns []uint32
		if m != nil {
			conns = []uint32{o.connID}
		}
		err = o.dev.SetCrtc(o.saved.ID, o.saved.BufferID, o.saved.X, o.saved.Y, conns, m)
		if err != nil {
			err = fmt.Errorf("restoring crtc %d: %w", o.saved.ID, err)
		}
	}
	o.releaseCrtc()
	o.saved = nil
	o.modified = false
	return err
}
