package display_test

import (
	"errors"
	"image"
	"image/color"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/NeowayLabs/kmsdisplay/conf"
	"github.com/NeowayLabs/kmsdisplay/display"
	"github.com/NeowayLabs/kmsdisplay/fb"
	"github.com/NeowayLabs/kmsdisplay/kms"
	"github.com/NeowayLabs/kmsdisplay/kms/kmstest"
	"github.com/NeowayLabs/kmsdisplay/mode"
)

var (
	mode1080 = kmstest.Mode(1920, 1080, 60, true)
	mode720  = kmstest.Mode(1280, 720, 60, false)
)

var errCursor = errors.New("cursor ioctl failed")

func newDisplay(t *testing.T, dev *kmstest.Device) *display.Display {
	t.Helper()
	d, err := display.New(display.Options{
		BufferBackend: fb.CPUAddressable,
		RenderBudget:  5 * time.Millisecond,
	}, dev)
	require.NoError(t, err)
	t.Cleanup(func() { d.Close() })
	return d
}

// oneScreen is a device with a single connected HDMI output.
func oneScreen() (*kmstest.Device, uint32, uint32) {
	dev := kmstest.New(0)
	crtc := dev.AddCrtc()
	conn := dev.AddConnector(mode.ConnectorHDMIA, mode1080, mode720)
	return dev, crtc, conn
}

func useConnected(c *conf.Configuration) {
	c.ForEachOutput(func(o *conf.Output) {
		if o.Connected {
			o.Used = true
		}
	})
}

func modesets(dev *kmstest.Device) int {
	n := 0
	for _, c := range dev.Commits {
		if c.Flags&mode.AtomicAllowModeset != 0 {
			n++
		}
	}
	return n
}

func flips(dev *kmstest.Device) int {
	n := 0
	for _, c := range dev.Commits {
		if c.Flags&mode.PageFlipEvent != 0 {
			n++
		}
	}
	return n
}

func frame(id uint32, size image.Point) *fb.Handle {
	return fb.NewHandle(id, size, func() {})
}

func TestConfigureCreatesSink(t *testing.T) {
	dev, _, _ := oneScreen()
	d := newDisplay(t, dev)

	c := d.Configuration()
	useConnected(c)
	require.NoError(t, d.Configure(c))

	sinks := d.Sinks()
	require.Len(t, sinks, 1)
	assert.Equal(t, image.Rect(0, 0, 1920, 1080), sinks[0].ViewArea())
	assert.Equal(t, conf.Identity, sinks[0].Transformation())
	require.NotNil(t, sinks[0].Allocator())
	assert.Equal(t, fb.CPUAddressable, sinks[0].Allocator().Kind())

	applied := d.Configuration()
	assert.True(t, applied.Outputs()[0].Used)
}

func TestConfigureRejectsInvalid(t *testing.T) {
	dev := kmstest.New(0)
	dev.AddCrtc()
	dev.AddConnector(mode.ConnectorHDMIA)
	d := newDisplay(t, dev)

	c := d.Configuration()
	c.ForEachOutput(func(o *conf.Output) { o.Used = true })
	assert.ErrorIs(t, d.Configure(c), conf.ErrInvalidConfiguration)
	assert.Empty(t, d.Sinks())
	assert.Empty(t, dev.Commits)
}

func TestPostModesetsThenFlips(t *testing.T) {
	dev, crtc, _ := oneScreen()
	d := newDisplay(t, dev)
	c := d.Configuration()
	useConnected(c)
	require.NoError(t, d.Configure(c))
	sink := d.Sinks()[0]
	size := image.Pt(1920, 1080)

	first := frame(50, size)
	sink.SetNextFrame(first)
	sleep := sink.Post()
	assert.InDelta(t, float64(time.Second/60-5*time.Millisecond), float64(sleep), float64(time.Millisecond))
	assert.Equal(t, 1, modesets(dev))
	assert.Same(t, first, sink.Visible())
	assert.Equal(t, uint32(50), dev.CrtcState(crtc).BufferID)

	second := frame(51, size)
	sink.SetNextFrame(second)
	sink.Post()
	assert.Equal(t, 1, modesets(dev), "no modeset once the mode is set")
	assert.Equal(t, 1, flips(dev))
	assert.Same(t, first, sink.Visible(), "flip still pending")
	assert.Same(t, second, sink.Scheduled())

	third := frame(52, size)
	sink.SetNextFrame(third)
	sink.Post()
	assert.Equal(t, 2, flips(dev))
	assert.Same(t, second, sink.Visible(), "previous flip completed first")

	assert.Equal(t, 1, first.Refs(), "sink dropped its reference")
	assert.Equal(t, 2, second.Refs())
	assert.Equal(t, 2, third.Refs())

	sink.Release()
	assert.Equal(t, 1, second.Refs())
	assert.Equal(t, 1, third.Refs())
}

func TestPostWithoutFrame(t *testing.T) {
	dev, _, _ := oneScreen()
	d := newDisplay(t, dev)
	c := d.Configuration()
	useConnected(c)
	require.NoError(t, d.Configure(c))

	assert.Zero(t, d.Sinks()[0].Post())
	assert.Zero(t, modesets(dev))
}

func TestPageFlipFallback(t *testing.T) {
	dev, crtc, conn := oneScreen()
	dev.Light(conn, crtc, mode720)
	d := newDisplay(t, dev)

	c := d.Configuration()
	useConnected(c)
	c.ForEachOutput(func(o *conf.Output) {
		assert.Equal(t, 1, o.CurrentModeIndex, "current mode follows the lit crtc")
		o.CurrentModeIndex = 0
	})
	require.NoError(t, d.Configure(c))
	sink := d.Sinks()[0]

	f := frame(60, image.Pt(1920, 1080))
	sink.SetNextFrame(f)
	sink.Post()
	assert.Equal(t, 1, modesets(dev))
	assert.Zero(t, flips(dev))
	assert.Same(t, f, sink.Visible())
	state := dev.CrtcState(crtc)
	assert.True(t, state.Mode.SameTiming(&mode1080))

	sink.SetNextFrame(frame(61, image.Pt(1920, 1080)))
	sink.Post()
	assert.Equal(t, 1, modesets(dev))
	assert.Equal(t, 1, flips(dev))
}

func TestLitCrtcInConfiguredModeFlips(t *testing.T) {
	dev, crtc, conn := oneScreen()
	dev.Light(conn, crtc, mode1080)
	d := newDisplay(t, dev)

	c := d.Configuration()
	useConnected(c)
	require.NoError(t, d.Configure(c))
	sink := d.Sinks()[0]

	sink.SetNextFrame(frame(70, image.Pt(1920, 1080)))
	sink.Post()
	assert.Zero(t, modesets(dev), "firmware mode is reused")
	assert.Equal(t, 1, flips(dev))
}

func TestCompatibleConfigurationKeepsSinks(t *testing.T) {
	dev, _, _ := oneScreen()
	d := newDisplay(t, dev)
	c := d.Configuration()
	useConnected(c)
	require.NoError(t, d.Configure(c))
	before := d.Sinks()

	scaled := d.Configuration()
	scaled.ForEachOutput(func(o *conf.Output) { o.Scale = 2 })
	require.NoError(t, d.Configure(scaled))

	after := d.Sinks()
	require.Len(t, after, 1)
	assert.Same(t, before[0], after[0])
	assert.Equal(t, image.Rect(0, 0, 960, 540), after[0].ViewArea())

	rotated := d.Configuration()
	rotated.ForEachOutput(func(o *conf.Output) { o.Orientation = conf.Right })
	require.NoError(t, d.Configure(rotated))
	assert.Same(t, before[0], d.Sinks()[0])
	assert.Equal(t, conf.Right.Transform(), d.Sinks()[0].Transformation())
}

func TestIncompatibleConfigurationRebuildsSinks(t *testing.T) {
	dev, _, _ := oneScreen()
	d := newDisplay(t, dev)
	c := d.Configuration()
	useConnected(c)
	require.NoError(t, d.Configure(c))
	before := d.Sinks()

	smaller := d.Configuration()
	smaller.ForEachOutput(func(o *conf.Output) { o.CurrentModeIndex = 1 })
	require.NoError(t, d.Configure(smaller))

	after := d.Sinks()
	require.Len(t, after, 1)
	assert.NotSame(t, before[0], after[0])
	assert.Equal(t, image.Rect(0, 0, 1280, 720), after[0].ViewArea())
}

func TestLogicalGroupSharesSink(t *testing.T) {
	dev := kmstest.New(0)
	dev.AddCrtc()
	dev.AddCrtc()
	dev.AddConnector(mode.ConnectorHDMIA, mode1080)
	dev.AddConnector(mode.ConnectorDisplayPort, mode1080)
	d := newDisplay(t, dev)

	c := d.Configuration()
	useConnected(c)
	c.ForEachOutput(func(o *conf.Output) {
		o.LogicalGroupID = 1
		if o.ID == 2 {
			o.TopLeft = image.Pt(1920, 0)
		}
	})
	require.NoError(t, d.Configure(c))

	sinks := d.Sinks()
	require.Len(t, sinks, 1)
	assert.Equal(t, image.Rect(0, 0, 3840, 1080), sinks[0].ViewArea())

	size := image.Pt(3840, 1080)
	sinks[0].SetNextFrame(frame(80, size))
	sinks[0].Post()
	assert.Equal(t, 2, modesets(dev))

	second := frame(81, size)
	sinks[0].SetNextFrame(second)
	sinks[0].Post()
	assert.Equal(t, 2, flips(dev))
	assert.Same(t, second, sinks[0].Visible(), "groups wait for their flips")

	var offsets []uint64
	for _, commit := range dev.Commits[len(dev.Commits)-2:] {
		for _, values := range commit.Values {
			if x, ok := values["SRC_X"]; ok {
				offsets = append(offsets, x>>16)
			}
		}
	}
	assert.ElementsMatch(t, []uint64{0, 1920}, offsets)
}

func TestUngroupedOutputsGetOwnSinks(t *testing.T) {
	dev := kmstest.New(0)
	dev.AddCrtc()
	dev.AddCrtc()
	dev.AddConnector(mode.ConnectorHDMIA, mode1080)
	dev.AddConnector(mode.ConnectorDisplayPort, mode720)
	d := newDisplay(t, dev)

	c := d.Configuration()
	useConnected(c)
	c.ForEachOutput(func(o *conf.Output) {
		if o.ID == 2 {
			o.TopLeft = image.Pt(1920, 0)
		}
	})
	require.NoError(t, d.Configure(c))

	sinks := d.Sinks()
	require.Len(t, sinks, 2)
	assert.Equal(t, image.Rect(0, 0, 1920, 1080), sinks[0].ViewArea())
	assert.Equal(t, image.Rect(1920, 0, 3200, 720), sinks[1].ViewArea())
}

func TestUnusedOutputIsCleared(t *testing.T) {
	dev, crtc, conn := oneScreen()
	dev.Light(conn, crtc, mode1080)
	d := newDisplay(t, dev)

	require.NoError(t, d.Configure(d.Configuration()))
	assert.Empty(t, d.Sinks())
	state := dev.CrtcState(crtc)
	assert.Zero(t, state.ModeValid)
	assert.Zero(t, dev.PropertyValue(crtc, "ACTIVE"))
}

type renderable struct {
	f        *fb.Handle
	pos, src image.Rectangle
}

func (r renderable) Framebuffer() *fb.Handle         { return r.f }
func (r renderable) ScreenPosition() image.Rectangle { return r.pos }
func (r renderable) SrcBounds() image.Rectangle      { return r.src }

func TestOverlay(t *testing.T) {
	dev, _, _ := oneScreen()
	d := newDisplay(t, dev)
	c := d.Configuration()
	useConnected(c)
	require.NoError(t, d.Configure(c))
	sink := d.Sinks()[0]

	full := image.Rect(0, 0, 1920, 1080)
	f := frame(90, full.Size())
	small := frame(91, image.Pt(640, 480))

	for name, rs := range map[string][]display.Renderable{
		"none":        nil,
		"two":         {renderable{f, full, full}, renderable{f, full, full}},
		"moved":       {renderable{f, full.Add(image.Pt(10, 0)), full}},
		"cropped":     {renderable{f, full, image.Rect(0, 0, 640, 480)}},
		"small fb":    {renderable{small, full, full}},
		"no framebuf": {renderable{nil, full, full}},
	} {
		assert.ErrorIs(t, sink.Overlay(rs), display.ErrOverlayRejected, name)
	}
	assert.Equal(t, 1, f.Refs())

	require.NoError(t, sink.Overlay([]display.Renderable{renderable{f, full, full}}))
	assert.Equal(t, 2, f.Refs())
	sink.Post()
	assert.Same(t, f, sink.Visible())
}

func TestOverlayRejectedWhenRotated(t *testing.T) {
	dev, _, _ := oneScreen()
	d := newDisplay(t, dev)
	c := d.Configuration()
	useConnected(c)
	c.ForEachOutput(func(o *conf.Output) { o.Orientation = conf.Left })
	require.NoError(t, d.Configure(c))
	sink := d.Sinks()[0]

	area := sink.ViewArea()
	assert.Equal(t, image.Rect(0, 0, 1080, 1920), area)
	f := frame(92, area.Size())
	err := sink.Overlay([]display.Renderable{renderable{f, area, image.Rectangle{Max: area.Size()}}})
	assert.ErrorIs(t, err, display.ErrOverlayRejected)
}

func TestPauseResume(t *testing.T) {
	dev, _, _ := oneScreen()
	d := newDisplay(t, dev)
	c := d.Configuration()
	useConnected(c)
	require.NoError(t, d.Configure(c))
	sink := d.Sinks()[0]
	size := image.Pt(1920, 1080)

	sink.SetNextFrame(frame(100, size))
	sink.Post()
	require.Equal(t, 1, modesets(dev))

	d.Pause()
	assert.False(t, dev.IsMaster())

	require.NoError(t, d.Resume())
	assert.True(t, dev.IsMaster())

	sink.SetNextFrame(frame(101, size))
	sink.Post()
	assert.Equal(t, 2, modesets(dev), "resume forces a modeset")
	assert.Zero(t, flips(dev))
}

func TestHotplugAppliesPolicy(t *testing.T) {
	dev := kmstest.New(0)
	dev.AddCrtc()
	conn := dev.AddConnector(mode.ConnectorHDMIA)

	d, err := display.New(display.Options{
		BufferBackend: fb.CPUAddressable,
		Policy:        conf.PolicyFunc(useConnected),
	}, dev)
	require.NoError(t, err)
	defer d.Close()

	var seen []*conf.Configuration
	d.OnConfigurationChange(func(c *conf.Configuration) { seen = append(seen, c) })

	require.NoError(t, d.HandleHotplug())
	assert.Empty(t, d.Sinks())
	require.Len(t, seen, 1)

	dev.Plug(conn, mode1080)
	require.NoError(t, d.HandleHotplug())
	require.Len(t, d.Sinks(), 1)
	require.Len(t, seen, 2)
	assert.True(t, seen[1].Outputs()[0].Used)
	assert.True(t, seen[1].Outputs()[0].Connected)

	dev.Unplug(conn)
	require.NoError(t, d.HandleHotplug())
	assert.Empty(t, d.Sinks())
}

func TestHardwareCursor(t *testing.T) {
	dev, crtc, _ := oneScreen()
	d := newDisplay(t, dev)
	c := d.Configuration()
	useConnected(c)
	require.NoError(t, d.Configure(c))

	cur := d.CreateHardwareCursor()
	require.NotNil(t, cur)
	assert.Same(t, cur, d.CreateHardwareCursor())

	img := image.NewRGBA(image.Rect(0, 0, 16, 16))
	img.Set(0, 0, color.White)
	require.NoError(t, cur.Show(img, image.Point{}))
	cur.MoveTo(image.Pt(10, 20))

	require.NotEmpty(t, dev.CursorImages)
	last := dev.CursorImages[len(dev.CursorImages)-1]
	assert.Equal(t, crtc, last.Crtc)
	assert.Equal(t, uint32(64), last.Width)
	assert.NotZero(t, last.Handle)

	require.NotEmpty(t, dev.CursorMoves)
	move := dev.CursorMoves[len(dev.CursorMoves)-1]
	assert.Equal(t, int32(10), move.X)
	assert.Equal(t, int32(20), move.Y)

	d.Pause()
	last = dev.CursorImages[len(dev.CursorImages)-1]
	assert.Zero(t, last.Handle, "suspended cursor is cleared")
}

func TestHardwareCursorNotFunctional(t *testing.T) {
	dev, _, _ := oneScreen()
	dev.FailCursor = errCursor
	d := newDisplay(t, dev)
	c := d.Configuration()
	useConnected(c)
	require.NoError(t, d.Configure(c))

	assert.Nil(t, d.CreateHardwareCursor())
}

func TestCloseRestoresFirmwareMode(t *testing.T) {
	dev, crtc, conn := oneScreen()
	dev.Light(conn, crtc, mode720)
	d, err := display.New(display.Options{BufferBackend: fb.CPUAddressable}, dev)
	require.NoError(t, err)

	c := d.Configuration()
	useConnected(c)
	c.ForEachOutput(func(o *conf.Output) { o.CurrentModeIndex = 0 })
	require.NoError(t, d.Configure(c))
	sink := d.Sinks()[0]
	sink.SetNextFrame(frame(110, image.Pt(1920, 1080)))
	sink.Post()

	require.NoError(t, d.Close())
	require.Len(t, dev.SetCrtcCalls, 1)
	call := dev.SetCrtcCalls[0]
	assert.Equal(t, crtc, call.Crtc)
	assert.Equal(t, uint32(1), call.FB)
	require.NotNil(t, call.Mode)
	assert.True(t, call.Mode.SameTiming(&mode720))
}

func TestCursorSurvivesIncompatibleConfiguration(t *testing.T) {
	dev, crtc, _ := oneScreen()
	d := newDisplay(t, dev)
	c := d.Configuration()
	useConnected(c)
	require.NoError(t, d.Configure(c))

	cur := d.CreateHardwareCursor()
	require.NotNil(t, cur)
	require.NoError(t, cur.Show(image.NewRGBA(image.Rect(0, 0, 16, 16)), image.Point{}))
	cur.MoveTo(image.Pt(10, 20))

	switched := d.Configuration()
	switched.ForEachOutput(func(o *conf.Output) {
		for i, m := range o.Modes {
			if m.Size == image.Pt(1280, 720) {
				o.CurrentModeIndex = i
			}
		}
	})
	require.False(t, conf.Compatible(c, switched))
	require.NoError(t, d.Configure(switched))

	assert.True(t, cur.Visible())
	require.NotEmpty(t, dev.CursorImages)
	last := dev.CursorImages[len(dev.CursorImages)-1]
	assert.Equal(t, crtc, last.Crtc)
	assert.NotZero(t, last.Handle, "cursor is put back after the rebuild")
}

func TestFailedConfigurationIsRecovered(t *testing.T) {
	dev, _, _ := oneScreen()
	d := newDisplay(t, dev)
	c := d.Configuration()
	useConnected(c)
	require.NoError(t, d.Configure(c))

	// a mode the hardware no longer lists, as in a snapshot taken before
	// a hotplug
	stale := c.Clone()
	stale.ForEachOutput(func(o *conf.Output) {
		o.Modes = append(o.Modes, conf.Mode{Size: image.Pt(800, 600), RefreshRate: 60})
		o.CurrentModeIndex = len(o.Modes) - 1
	})
	assert.ErrorIs(t, d.Configure(stale), kms.ErrInvalidModeIndex)
	assert.Empty(t, d.Sinks())

	require.NoError(t, d.Configure(c))
	require.Len(t, d.Sinks(), 1)
	assert.Equal(t, image.Rect(0, 0, 1920, 1080), d.Sinks()[0].ViewArea())
}
