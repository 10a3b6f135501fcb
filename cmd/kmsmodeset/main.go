// kmsmodeset lights every connected output with a double buffered colour
// cycle, placing the outputs side by side.
package main

import (
	"context"
	"fmt"
	"image"
	"image/color"
	"math/rand/v2"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/NeowayLabs/kmsdisplay/conf"
	"github.com/NeowayLabs/kmsdisplay/config"
	"github.com/NeowayLabs/kmsdisplay/cursor"
	"github.com/NeowayLabs/kmsdisplay/display"
	"github.com/NeowayLabs/kmsdisplay/fb"
	"github.com/NeowayLabs/kmsdisplay/kms"
	"github.com/NeowayLabs/kmsdisplay/session"
	"github.com/NeowayLabs/kmsdisplay/udev"
)

// sideBySide uses every connected output in its current mode, left to
// right in probing order.
var sideBySide = conf.PolicyFunc(func(c *conf.Configuration) {
	x := 0
	c.ForEachOutput(func(o *conf.Output) {
		o.Used = o.Connected && len(o.Modes) > 0
		if !o.Used {
			return
		}
		if _, ok := o.CurrentMode(); !ok {
			o.CurrentModeIndex = max(o.PreferredModeIndex, 0)
		}
		o.PowerMode = conf.PowerOn
		o.TopLeft = image.Pt(x, 0)
		x += o.Extents().Dx()
	})
})

// listener forwards logind notifications to the display once it exists.
type listener struct {
	d *display.Display
}

func (l *listener) Pause() {
	if l.d != nil {
		l.d.Pause()
	}
}

func (l *listener) Resume() error {
	if l.d == nil {
		return nil
	}
	return l.d.Resume()
}

type frames struct {
	bufs  [2]*fb.DumbBuffer
	front int
}

func (f *frames) release() {
	for _, b := range f.bufs {
		if b != nil {
			b.Release()
		}
	}
}

type colourCycle struct {
	rgb [3]uint8
	up  [3]bool
}

func newColourCycle() *colourCycle {
	return &colourCycle{
		rgb: [3]uint8{uint8(rand.IntN(256)), uint8(rand.IntN(256)), uint8(rand.IntN(256))},
		up:  [3]bool{true, true, true},
	}
}

func (c *colourCycle) next() color.Color {
	for i, step := range []int{5, 3, 1} {
		v := int(c.rgb[i])
		if c.up[i] {
			v += step
		} else {
			v -= step
		}
		if v > 255 || v < 0 {
			c.up[i] = !c.up[i]
			continue
		}
		c.rgb[i] = uint8(v)
	}
	return color.RGBA{R: c.rgb[0], G: c.rgb[1], B: c.rgb[2], A: 0xff}
}

func arrow(size int) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, size, size))
	for y := 0; y < size; y++ {
		for x := 0; x <= y/2; x++ {
			img.Set(x, y, color.White)
		}
	}
	return img
}

func openCards(ctx context.Context, cfg config.Config, l *listener) ([]display.Device, *session.Session, error) {
	var sess *session.Session
	if cfg.Logind {
		var err error
		sess, err = session.Open(ctx)
		if err != nil {
			logrus.WithError(err).Warn("no logind session, opening devices directly")
		}
	}

	var devs []display.Device
	for _, n := range cfg.Devices {
		var (
			card *kms.Card
			err  error
		)
		if sess != nil {
			var file *os.File
			file, err = sess.TakeDevice(ctx, fmt.Sprintf("/dev/dri/card%d", n), l)
			if err == nil {
				card, err = kms.NewCard(file, n)
			}
		} else {
			card, err = kms.OpenCard(n)
		}
		if err != nil {
			for _, d := range devs {
				d.(*kms.Card).Close()
			}
			if sess != nil {
				sess.Close()
			}
			return nil, nil, fmt.Errorf("opening card%d: %w", n, err)
		}
		devs = append(devs, card)
	}
	return devs, sess, nil
}

func run(ctx context.Context, cfg config.Config) error {
	backend, err := cfg.Backend()
	if err != nil {
		return err
	}

	l := &listener{}
	devs, sess, err := openCards(ctx, cfg, l)
	if err != nil {
		return err
	}
	defer func() {
		for _, dev := range devs {
			dev.(*kms.Card).Close()
		}
	}()
	if sess != nil {
		defer sess.Close()
		go sess.Run(ctx)
	}

	d, err := display.New(display.Options{
		BufferBackend: backend,
		RenderBudget:  cfg.RenderBudget.Duration,
		CursorSize:    cfg.CursorSize,
		Policy:        sideBySide,
	}, devs...)
	if err != nil {
		return err
	}
	defer d.Close()
	l.d = d

	initial := d.Configuration()
	sideBySide.ApplyTo(initial)
	if err := d.Configure(initial); err != nil {
		return fmt.Errorf("configuring outputs: %w", err)
	}
	logrus.WithField("configuration", initial).Info("outputs configured")

	hotplug := make(chan struct{}, 1)
	if cfg.Hotplug {
		mon, err := udev.NewMonitor()
		if err != nil {
			logrus.WithError(err).Warn("hotplug disabled")
		} else {
			defer mon.Close()
			go mon.Run(ctx, func(udev.Event) {
				select {
				case hotplug <- struct{}{}:
				default:
				}
			})
		}
	}

	var hw *cursor.Cursor
	if cfg.HardwareCursor {
		if hw = d.CreateHardwareCursor(); hw != nil {
			if err := hw.Show(arrow(24), image.Point{}); err != nil {
				logrus.WithError(err).Warn("failed to show cursor")
			}
		}
	}

	sinks := map[*display.Sink]*frames{}
	defer func() {
		for _, f := range sinks {
			f.release()
		}
	}()

	cycle := newColourCycle()
	for tick := 0; ; tick++ {
		select {
		case <-ctx.Done():
			return nil
		case <-hotplug:
			if err := d.HandleHotplug(); err != nil {
				logrus.WithError(err).Error("failed to apply hotplug")
			}
		default:
		}

		current := map[*display.Sink]bool{}
		colour := cycle.next()
		sleep := time.Duration(-1)
		for _, s := range d.Sinks() {
			current[s] = true
			f, err := sinkFrames(sinks, s)
			if err != nil {
				logrus.WithError(err).Warn("no frames for sink")
				continue
			}
			back := f.bufs[f.front^1]
			back.Fill(colour)
			s.SetNextFrame(back.Handle)
			f.front ^= 1
			if wait := s.Post(); sleep < 0 || wait < sleep {
				sleep = wait
			}
		}
		for s, f := range sinks {
			if !current[s] {
				f.release()
				delete(sinks, s)
			}
		}

		if hw != nil {
			area := image.Rect(0, 0, 1, 1)
			for s := range current {
				area = area.Union(s.ViewArea())
			}
			hw.MoveTo(image.Pt(tick*4%area.Dx(), tick*2%area.Dy()))
		}

		if sleep < 0 {
			sleep = 100 * time.Millisecond
		}
		time.Sleep(sleep)
	}
}

func sinkFrames(sinks map[*display.Sink]*frames, s *display.Sink) (*frames, error) {
	if f, ok := sinks[s]; ok {
		return f, nil
	}
	alloc, ok := s.Allocator().(*fb.CPUAllocator)
	if !ok {
		return nil, fmt.Errorf("colour cycle needs dumb buffers, sink offers %T", s.Allocator())
	}
	f := &frames{}
	for i := range f.bufs {
		buf, err := alloc.Alloc(s.ViewArea().Size())
		if err != nil {
			f.release()
			return nil, err
		}
		f.bufs[i] = buf
	}
	sinks[s] = f
	return f, nil
}

func main() {
	cfg, err := config.LoadDefault()
	if err != nil {
		logrus.WithError(err).Fatal("failed to load configuration")
	}
	level, _ := cfg.Level()
	logrus.SetLevel(level)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		logrus.WithError(err).Fatal("kmsmodeset failed")
	}
}
