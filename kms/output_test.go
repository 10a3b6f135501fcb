package kms_test

import (
	"errors"
	"image"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/NeowayLabs/kmsdisplay/conf"
	"github.com/NeowayLabs/kmsdisplay/kms"
	"github.com/NeowayLabs/kmsdisplay/kms/kmstest"
	"github.com/NeowayLabs/kmsdisplay/mode"
)

type testFB struct {
	id   uint32
	size image.Point
}

func (f testFB) ID() uint32        { return f.id }
func (f testFB) Size() image.Point { return f.size }

var (
	mode1080 = kmstest.Mode(1920, 1080, 60, true)
	mode720  = kmstest.Mode(1280, 720, 60, false)
)

// singleOutput builds a device with one CRTC and one connected HDMI
// connector and returns its configured output.
func singleOutput(t *testing.T) (*kmstest.Device, *kms.Output) {
	t.Helper()
	dev := kmstest.New(0)
	dev.AddCrtc()
	dev.AddConnector(mode.ConnectorHDMIA, mode1080, mode720)

	cfg, err := kms.NewConfiguration(kms.NewContainer(dev))
	require.NoError(t, err)
	out, err := cfg.OutputFor(1)
	require.NoError(t, err)
	require.NoError(t, out.Configure(image.Point{}, 0))
	return dev, out
}

func TestSetCrtc(t *testing.T) {
	dev, out := singleOutput(t)
	crtc := dev.CrtcIDs()[0]
	plane := dev.PrimaryPlane(crtc)

	require.True(t, out.EnsureCrtc())
	assert.Equal(t, crtc, out.CrtcID())
	assert.True(t, out.HasCrtcMismatch(), "crtc is off")

	require.True(t, out.SetCrtc(testFB{id: 7, size: image.Pt(1920, 1080)}))
	c, ok := dev.LastCommit()
	require.True(t, ok)
	assert.NotZero(t, c.Flags&mode.AtomicAllowModeset)

	for name, want := range map[string]uint64{
		"SRC_X": 0, "SRC_Y": 0,
		"SRC_W": 1920 << 16, "SRC_H": 1080 << 16,
		"CRTC_X": 0, "CRTC_Y": 0,
		"CRTC_W": 1920, "CRTC_H": 1080,
		"FB_ID": 7, "CRTC_ID": uint64(crtc),
	} {
		got, ok := c.Value(plane, name)
		assert.True(t, ok, name)
		assert.Equal(t, want, got, name)
	}
	active, _ := c.Value(crtc, "ACTIVE")
	assert.Equal(t, uint64(1), active)
	assert.True(t, c.Has(crtc, "MODE_ID"))

	state := dev.CrtcState(crtc)
	assert.True(t, state.Mode.SameTiming(&mode1080))
	assert.Equal(t, uint32(7), state.BufferID)
	assert.False(t, out.HasCrtcMismatch())
}

func TestSetCrtcFailureReleasesCrtc(t *testing.T) {
	dev, out := singleOutput(t)
	require.True(t, out.EnsureCrtc())

	dev.FailCommit = func(kmstest.Commit) error { return unix.EINVAL }
	assert.False(t, out.SetCrtc(testFB{id: 7, size: image.Pt(1920, 1080)}))
	assert.Zero(t, out.CrtcID())

	dev.FailCommit = nil
	assert.True(t, out.SetCrtc(testFB{id: 7, size: image.Pt(1920, 1080)}))
	assert.Equal(t, dev.CrtcIDs()[0], out.CrtcID())
}

func TestPageFlip(t *testing.T) {
	dev, out := singleOutput(t)
	require.True(t, out.SetCrtc(testFB{id: 7, size: image.Pt(1920, 1080)}))

	assert.False(t, out.PageFlip(testFB{id: 8, size: image.Pt(1280, 720)}), "too small")

	require.True(t, out.PageFlip(testFB{id: 8, size: image.Pt(1920, 1080)}))
	c, _ := dev.LastCommit()
	assert.Equal(t, uint32(mode.PageFlipEvent|mode.AtomicNonblock), c.Flags)
	assert.Equal(t, uint64(out.CrtcID()), c.UserData)
	assert.False(t, c.Has(out.CrtcID(), "MODE_ID"), "flips do not modeset")
	assert.True(t, out.FlipPending())

	require.NoError(t, out.WaitForPageFlip())
	assert.False(t, out.FlipPending())
	assert.Equal(t, uint32(8), dev.CrtcState(out.CrtcID()).BufferID)
}

func TestPageFlipRejectsModeMismatch(t *testing.T) {
	dev, out := singleOutput(t)
	require.True(t, out.SetCrtc(testFB{id: 7, size: image.Pt(1920, 1080)}))
	require.NoError(t, out.Configure(image.Point{}, 1))

	dev.Reset()
	assert.True(t, out.HasCrtcMismatch())
	assert.False(t, out.PageFlip(testFB{id: 8, size: image.Pt(1280, 720)}))
	assert.Empty(t, dev.Commits)
}

func TestClearCrtc(t *testing.T) {
	dev, out := singleOutput(t)
	require.True(t, out.SetCrtc(testFB{id: 7, size: image.Pt(1920, 1080)}))
	crtc := out.CrtcID()

	require.NoError(t, out.ClearCrtc())
	assert.Zero(t, out.CrtcID())
	c, _ := dev.LastCommit()
	for _, name := range []string{"ACTIVE", "MODE_ID"} {
		v, ok := c.Value(crtc, name)
		assert.True(t, ok, name)
		assert.Zero(t, v, name)
	}
	assert.Zero(t, dev.CrtcState(crtc).ModeValid)

	assert.NoError(t, out.ClearCrtc(), "idempotent")
}

func TestClearCrtcWithoutMaster(t *testing.T) {
	hook := test.NewGlobal()
	defer hook.Reset()

	dev, out := singleOutput(t)
	require.True(t, out.SetCrtc(testFB{id: 7, size: image.Pt(1920, 1080)}))
	require.NoError(t, dev.DropMaster())

	assert.NoError(t, out.ClearCrtc())
	require.NotNil(t, hook.LastEntry())
	assert.Equal(t, logrus.InfoLevel, hook.LastEntry().Level)
	assert.ErrorIs(t, hook.LastEntry().Data[logrus.ErrorKey].(error), unix.EACCES)
}

func TestClearCrtcFatal(t *testing.T) {
	dev, out := singleOutput(t)
	require.True(t, out.SetCrtc(testFB{id: 7, size: image.Pt(1920, 1080)}))

	dev.FailCommit = func(kmstest.Commit) error { return unix.EINVAL }
	err := out.ClearCrtc()
	assert.ErrorIs(t, err, kms.ErrFatal)
	assert.ErrorIs(t, err, unix.EINVAL)
}

func TestSetGamma(t *testing.T) {
	dev, out := singleOutput(t)
	require.True(t, out.EnsureCrtc())

	err := out.SetGamma(conf.Gamma{Red: []uint16{0, 1}, Green: []uint16{0}, Blue: []uint16{0, 1}})
	assert.ErrorIs(t, err, kms.ErrGammaMismatch)

	dev.Reset()
	ramp := []uint16{0, 0x8000, 0xffff}
	require.NoError(t, out.SetGamma(conf.Gamma{Red: ramp, Green: ramp, Blue: ramp}))
	c, _ := dev.LastCommit()
	assert.True(t, c.Has(out.CrtcID(), "GAMMA_LUT"))
}

func TestSetPowerMode(t *testing.T) {
	dev, out := singleOutput(t)
	require.True(t, out.SetCrtc(testFB{id: 7, size: image.Pt(1920, 1080)}))

	out.SetPowerMode(conf.PowerOff)
	assert.Zero(t, dev.PropertyValue(out.CrtcID(), "ACTIVE"))
	out.SetPowerMode(conf.PowerOn)
	assert.Equal(t, uint64(1), dev.PropertyValue(out.CrtcID(), "ACTIVE"))
}

func TestPowerOnWithoutCrtcIsLogged(t *testing.T) {
	hook := test.NewGlobal()
	defer hook.Reset()

	dev := kmstest.New(0)
	dev.AddConnector(mode.ConnectorHDMIA, mode1080)
	cfg, err := kms.NewConfiguration(kms.NewContainer(dev))
	require.NoError(t, err)
	out, err := cfg.OutputFor(1)
	require.NoError(t, err)

	out.SetPowerMode(conf.PowerOff)
	assert.Nil(t, hook.LastEntry(), "already off")
	out.SetPowerMode(conf.PowerOn)
	require.NotNil(t, hook.LastEntry())
	assert.Equal(t, logrus.ErrorLevel, hook.LastEntry().Level)
}

func TestCursorCalls(t *testing.T) {
	dev, out := singleOutput(t)
	buf := cursorBuffer{handle: 3, size: image.Pt(64, 64)}

	assert.False(t, out.SetCursorImage(buf), "no crtc yet")
	require.True(t, out.EnsureCrtc())
	crtc := out.CrtcID()

	require.True(t, out.SetCursorImage(buf))
	assert.True(t, out.HasCursorImage())
	require.True(t, out.MoveCursor(image.Pt(10, -4)))
	require.True(t, out.ClearCursor())
	assert.False(t, out.HasCursorImage())

	assert.Equal(t, []kmstest.CursorImage{
		{Crtc: crtc, Handle: 3, Width: 64, Height: 64},
		{Crtc: crtc},
	}, dev.CursorImages)
	assert.Equal(t, []kmstest.CursorMove{{Crtc: crtc, X: 10, Y: -4}}, dev.CursorMoves)

	dev.FailCursor = errors.New("boom")
	assert.False(t, out.SetCursorImage(buf))
	assert.False(t, out.ClearCursor())
}

type cursorBuffer struct {
	handle uint32
	size   image.Point
}

func (b cursorBuffer) GEMHandle() uint32 { return b.handle }
func (b cursorBuffer) Size() image.Point { return b.size }

func TestDisconnectReleasesCrtc(t *testing.T) {
	dev := kmstest.New(0)
	dev.AddCrtc()
	conn := dev.AddConnector(mode.ConnectorDisplayPort, mode1080)
	container := kms.NewContainer(dev)
	cfg, err := kms.NewConfiguration(container)
	require.NoError(t, err)
	out, err := cfg.OutputFor(1)
	require.NoError(t, err)
	require.NoError(t, out.Configure(image.Point{}, 0))
	require.True(t, out.SetCrtc(testFB{id: 7, size: image.Pt(1920, 1080)}))
	crtc := out.CrtcID()

	dev.Unplug(conn)
	require.NoError(t, out.Reset())
	assert.Zero(t, out.CrtcID())
	assert.False(t, out.EnsureCrtc())
	assert.Zero(t, dev.PropertyValue(crtc, "ACTIVE"))
	assert.Zero(t, dev.PropertyValue(conn, "CRTC_ID"))
}

func TestOutputsGetDistinctCrtcs(t *testing.T) {
	dev := kmstest.New(0)
	dev.AddCrtc()
	dev.AddCrtc()
	dev.AddConnector(mode.ConnectorHDMIA, mode1080)
	dev.AddConnector(mode.ConnectorHDMIA, mode720)
	dev.AddConnector(mode.ConnectorHDMIA, mode720)

	cfg, err := kms.NewConfiguration(kms.NewContainer(dev))
	require.NoError(t, err)
	crtcs := map[uint32]bool{}
	for id := conf.OutputID(1); id <= 2; id++ {
		out, err := cfg.OutputFor(id)
		require.NoError(t, err)
		require.True(t, out.EnsureCrtc())
		assert.False(t, crtcs[out.CrtcID()], "crtc %d bound twice", out.CrtcID())
		crtcs[out.CrtcID()] = true
	}

	third, err := cfg.OutputFor(3)
	require.NoError(t, err)
	assert.False(t, third.EnsureCrtc(), "every crtc is taken")

	first, _ := cfg.OutputFor(1)
	require.NoError(t, first.ClearCrtc())
	assert.True(t, third.EnsureCrtc(), "released crtc is reused")
}

func TestCloseRestoresSavedCrtc(t *testing.T) {
	dev := kmstest.New(0)
	crtc := dev.AddCrtc()
	conn := dev.AddConnector(mode.ConnectorEDP, mode1080, mode720)
	dev.Light(conn, crtc, mode720)

	container := kms.NewContainer(dev)
	cfg, err := kms.NewConfiguration(container)
	require.NoError(t, err)
	out, err := cfg.OutputFor(1)
	require.NoError(t, err)
	require.NoError(t, out.Configure(image.Point{}, 0))
	require.True(t, out.SetCrtc(testFB{id: 7, size: image.Pt(1920, 1080)}))

	require.NoError(t, container.Close())
	require.Len(t, dev.SetCrtcCalls, 1)
	call := dev.SetCrtcCalls[0]
	assert.Equal(t, crtc, call.Crtc)
	assert.Equal(t, uint32(1), call.FB)
	assert.Equal(t, []uint32{conn}, call.Connectors)
	require.NotNil(t, call.Mode)
	assert.True(t, call.Mode.SameTiming(&mode720))
}

func TestCloseLeavesUntouchedCrtc(t *testing.T) {
	dev := kmstest.New(0)
	crtc := dev.AddCrtc()
	conn := dev.AddConnector(mode.ConnectorEDP, mode1080)
	dev.Light(conn, crtc, mode1080)

	container := kms.NewContainer(dev)
	_, err := kms.NewConfiguration(container)
	require.NoError(t, err)
	require.NoError(t, container.Close())
	assert.Empty(t, dev.SetCrtcCalls)
}
