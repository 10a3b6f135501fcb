package display

import (
	"errors"
	"fmt"
	"image"
	"runtime"
	"slices"
	"sync"
	"time"
	"weak"

	"github.com/davecgh/go-spew/spew"
	"github.com/sirupsen/logrus"

	"github.com/NeowayLabs/kmsdisplay"
	"github.com/NeowayLabs/kmsdisplay/conf"
	"github.com/NeowayLabs/kmsdisplay/cursor"
	"github.com/NeowayLabs/kmsdisplay/fb"
	"github.com/NeowayLabs/kmsdisplay/kms"
)

// Device is a DRM device a Display drives.
type Device interface {
	kms.Device
	fb.Device
}

// Options configure a Display.
type Options struct {
	// BufferBackend selects the allocator offered by every sink.
	BufferBackend fb.Kind
	// GBM is needed by the GBM backend.
	GBM          fb.GBMDevice
	RenderBudget time.Duration
	// CursorSize is the cursor buffer size used when the driver does
	// not report one.
	CursorSize int
	// Policy adjusts probed configurations before they are applied on
	// hotplug.
	Policy conf.Policy
}

// Display applies configurations to a set of DRM devices.
type Display struct {
	mu      sync.Mutex
	devices []Device
	kmsConf *kms.Configuration
	opts    Options
	log     *logrus.Entry

	// current is nil until the first Configure.
	current *conf.Configuration
	sinks   []*Sink

	cursor weak.Pointer[cursor.Cursor]

	listenersMu sync.Mutex
	listeners   []func(*conf.Configuration)
}

// New probes devs and returns a display with nothing configured yet.
func New(opts Options, devs ...Device) (*Display, error) {
	kdevs := make([]kms.Device, 0, len(devs))
	for _, d := range devs {
		kdevs = append(kdevs, d)
	}
	kmsConf, err := kms.NewConfiguration(kms.NewContainer(kdevs...))
	if err != nil {
		return nil, fmt.Errorf("probing outputs: %w", err)
	}
	if opts.CursorSize <= 0 {
		opts.CursorSize = 64
	}
	return &Display{
		devices: devs,
		kmsConf: kmsConf,
		opts:    opts,
		log:     logrus.WithField("component", "display"),
	}, nil
}

// Configuration returns the probed configuration, carrying the state
// last applied.
func (d *Display) Configuration() *conf.Configuration {
	return d.kmsConf.Snapshot()
}

// Configure applies c. A configuration compatible with the one on screen
// only updates the sinks' transformations; anything else resets every
// output and rebuilds the sinks.
func (d *Display) Configure(c *conf.Configuration) error {
	if err := c.Validate(); err != nil {
		return err
	}

	d.mu.Lock()
	err := d.configureLocked(c)
	d.mu.Unlock()
	if err != nil {
		return err
	}

	d.notify(c)
	return nil
}

type group struct {
	outputs []*kms.Output
	area    image.Rectangle
	matrix  conf.Matrix
}

func (d *Display) configureLocked(c *conf.Configuration) (err error) {
	compatible := d.current != nil && conf.Compatible(d.current, c)
	cur := d.cursor.Value()

	// a failed attempt leaves outputs and sinks in between two
	// configurations, so the next one has to rebuild everything
	defer func() {
		if err != nil {
			d.current = nil
		}
	}()

	if !compatible {
		if cur != nil {
			cur.Clear()
		}
		for _, s := range d.sinks {
			s.Release()
		}
		d.sinks = nil
		var resetErr error
		for _, o := range d.containerOutputs() {
			if err := o.Reset(); err != nil {
				resetErr = errors.Join(resetErr, err)
			}
		}
		if resetErr != nil {
			d.log.WithError(resetErr).Warn("failed to reset outputs")
		}
	}

	groups, err := d.groups(c)
	if err != nil {
		return err
	}

	if compatible && len(groups) != len(d.sinks) {
		// a compatible configuration keeps the set of used outputs
		return fmt.Errorf("%w: %d sinks for %d groups", kms.ErrFatal, len(d.sinks), len(groups))
	}
	for i, g := range groups {
		if compatible {
			d.sinks[i].SetTransformation(g.matrix, g.area)
			continue
		}
		d.sinks = append(d.sinks, NewSink(g.outputs, g.area, g.matrix, SinkOptions{
			RenderBudget: d.opts.RenderBudget,
			Allocator:    d.allocator(g.outputs[0]),
		}))
	}

	var clearErr error
	c.ForEachOutput(func(co *conf.Output) {
		if !co.Connected || (co.Used && co.PowerMode == conf.PowerOn) {
			return
		}
		o, err := d.kmsConf.OutputFor(co.ID)
		if err != nil {
			return
		}
		if err := o.ClearCrtc(); err != nil {
			clearErr = errors.Join(clearErr, err)
			return
		}
		if co.PowerMode != conf.PowerOn {
			o.SetPowerMode(co.PowerMode)
		}
	})
	if clearErr != nil {
		return clearErr
	}

	d.current = c.Clone()
	d.kmsConf.Apply(c)

	if cur != nil {
		cur.Refresh()
	}

	d.log.WithFields(logrus.Fields{
		"compatible": compatible,
		"sinks":      len(d.sinks),
	}).Info("applied display configuration")
	if d.log.Logger.IsLevelEnabled(logrus.DebugLevel) {
		d.log.Debug(spew.Sdump(c.Outputs()))
	}
	return nil
}

// groups configures the used outputs of c and collects them by logical
// group. Outputs with group 0 get a sink of their own.
func (d *Display) groups(c *conf.Configuration) ([]*group, error) {
	var (
		groups  []*group
		byID    = map[int]*group{}
		confErr error
	)
	c.ForEachOutput(func(co *conf.Output) {
		if confErr != nil || !co.Used || !co.Connected || co.PowerMode != conf.PowerOn {
			return
		}
		if _, ok := co.CurrentMode(); !ok {
			return
		}
		o, err := d.kmsConf.OutputFor(co.ID)
		if err != nil {
			confErr = err
			return
		}

		g := byID[co.LogicalGroupID]
		if g == nil || co.LogicalGroupID == 0 {
			g = &group{area: co.Extents(), matrix: co.Transform()}
			groups = append(groups, g)
			if co.LogicalGroupID != 0 {
				byID[co.LogicalGroupID] = g
			}
		} else {
			g.area = g.area.Union(co.Extents())
		}
		g.outputs = append(g.outputs, o)
	})
	if confErr != nil {
		return nil, confErr
	}

	// offsets are relative to the group's area, known only once every
	// member was seen
	for _, g := range groups {
		for _, o := range g.outputs {
			co, err := d.confOutput(c, o)
			if err != nil {
				return nil, err
			}
			modeIndex, err := d.kmsConf.KMSModeIndex(co.ID, co.CurrentModeIndex)
			if err != nil {
				return nil, err
			}
			if err := o.Configure(co.TopLeft.Sub(g.area.Min), modeIndex); err != nil {
				return nil, err
			}
			if !o.EnsureCrtc() {
				d.log.WithField("output", co.Name).Warn("output cannot be driven")
			}
			if co.GammaSupported && !co.Gamma.Empty() {
				if err := o.SetGamma(co.Gamma); err != nil {
					d.log.WithError(err).WithField("output", co.Name).Warn("failed to set gamma")
				}
			}
		}
	}
	return groups, nil
}

func (d *Display) confOutput(c *conf.Configuration, o *kms.Output) (*conf.Output, error) {
	var found *conf.Output
	c.ForEachOutput(func(co *conf.Output) {
		if found != nil {
			return
		}
		if ko, err := d.kmsConf.OutputFor(co.ID); err == nil && ko == o {
			found = co
		}
	})
	if found == nil {
		return nil, fmt.Errorf("%w: connector %d", kms.ErrUnknownOutput, o.ID())
	}
	return found, nil
}

func (d *Display) containerOutputs() []*kms.Output {
	var outputs []*kms.Output
	d.kmsConf.ForEachOutput(func(_ conf.Output, o *kms.Output) {
		outputs = append(outputs, o)
	})
	return outputs
}

func (d *Display) device(o *kms.Output) Device {
	for _, dev := range d.devices {
		if dev.Index() == o.CardID() {
			return dev
		}
	}
	return nil
}

func (d *Display) allocator(o *kms.Output) fb.Allocator {
	dev := d.device(o)
	if dev == nil {
		return nil
	}
	return fb.MaybeCreateAllocator(dev, d.opts.GBM, d.opts.BufferBackend)
}

// Sinks returns the sinks of the current configuration.
func (d *Display) Sinks() []*Sink {
	d.mu.Lock()
	defer d.mu.Unlock()
	return slices.Clone(d.sinks)
}

// Pause gives up the devices, e.g. when switching away from our VT.
func (d *Display) Pause() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if cur := d.cursor.Value(); cur != nil {
		cur.Suspend()
	}
	for _, dev := range d.devices {
		if err := dev.DropMaster(); err != nil {
			d.log.WithError(err).WithField("card", dev.Index()).Warn("failed to drop drm master")
		}
	}
}

// Resume takes the devices back. Every sink modesets on its next post
// since the hardware state may have been changed meanwhile.
func (d *Display) Resume() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, dev := range d.devices {
		if err := dev.SetMaster(); err != nil {
			d.log.WithError(err).WithField("card", dev.Index()).Warn("failed to become drm master")
		}
	}
	for _, s := range d.sinks {
		s.ScheduleSetCrtc()
	}

	var err error
	if d.current != nil {
		d.current.ForEachOutput(func(co *conf.Output) {
			if !co.Connected || co.Used {
				return
			}
			o, oerr := d.kmsConf.OutputFor(co.ID)
			if oerr != nil {
				return
			}
			if cerr := o.ClearCrtc(); cerr != nil {
				err = errors.Join(err, cerr)
			}
		})
	}
	if cur := d.cursor.Value(); cur != nil {
		cur.Resume()
	}
	return err
}

// CreateHardwareCursor returns the display's hardware cursor, creating it
// if needed. The display only keeps a weak reference: once the caller
// drops the cursor it is gone. It returns nil when the hardware cursor
// does not work, callers then draw the cursor themselves.
func (d *Display) CreateHardwareCursor() *cursor.Cursor {
	d.mu.Lock()
	defer d.mu.Unlock()
	if c := d.cursor.Value(); c != nil {
		return c
	}

	factory := cursor.DumbBufferFactory{}
	size := image.Pt(d.opts.CursorSize, d.opts.CursorSize)
	for _, dev := range d.devices {
		factory[dev.Index()] = dev
		if w, err := dev.Cap(drm.CapCursorWidth); err == nil && w > 0 {
			size.X = max(size.X, int(w))
		}
		if h, err := dev.Cap(drm.CapCursorHeight); err == nil && h > 0 {
			size.Y = max(size.Y, int(h))
		}
	}

	c, err := cursor.New(layout{d.kmsConf}, factory, size)
	if err != nil {
		d.log.WithError(err).Warn("no hardware cursor")
		return nil
	}
	d.cursor = weak.Make(c)
	runtime.AddCleanup(c, func(log *logrus.Entry) {
		log.Debug("hardware cursor released")
	}, d.log)
	return c
}

// OnConfigurationChange registers fn to be called with every applied
// configuration.
func (d *Display) OnConfigurationChange(fn func(*conf.Configuration)) {
	d.listenersMu.Lock()
	defer d.listenersMu.Unlock()
	d.listeners = append(d.listeners, fn)
}

func (d *Display) notify(c *conf.Configuration) {
	d.listenersMu.Lock()
	listeners := slices.Clone(d.listeners)
	d.listenersMu.Unlock()
	for _, fn := range listeners {
		fn(c.Clone())
	}
}

// HandleHotplug re-probes the hardware, lets the policy arrange the
// result and applies it.
func (d *Display) HandleHotplug() error {
	d.mu.Lock()
	err := d.kmsConf.Update()
	d.mu.Unlock()
	if err != nil {
		return fmt.Errorf("re-probing outputs: %w", err)
	}

	c := d.kmsConf.Snapshot()
	if d.opts.Policy != nil {
		d.opts.Policy.ApplyTo(c)
	}
	d.log.WithField("outputs", c.Len()).Info("hotplug")
	return d.Configure(c)
}

// Close drops every sink and restores the CRTCs found at startup.
func (d *Display) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, s := range d.sinks {
		s.Release()
	}
	d.sinks = nil
	var err error
	for _, o := range d.containerOutputs() {
		err = errors.Join(err, o.Close())
	}
	return err
}
