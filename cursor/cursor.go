package cursor

import (
	"errors"
	"fmt"
	"image"
	"math"
	"runtime"
	"sync"

	"github.com/sirupsen/logrus"
	"golang.org/x/image/draw"

	"github.com/NeowayLabs/kmsdisplay/conf"
	"github.com/NeowayLabs/kmsdisplay/fb"
	"github.com/NeowayLabs/kmsdisplay/kms"
)

// ErrNotFunctional is returned by New when the outputs refuse cursor
// commands.
var ErrNotFunctional = errors.New("hardware cursor not functional")

// Output is the part of kms.Output the cursor drives.
type Output interface {
	ID() uint32
	CardID() int
	SetCursorImage(buf kms.CursorBuffer) bool
	MoveCursor(p image.Point) bool
	ClearCursor() bool
	HasCursorImage() bool
}

// Layout lists the outputs with their current configuration.
type Layout interface {
	ForEachOutput(fn func(co conf.Output, o Output))
}

// Buffer is a cursor image buffer on one device.
type Buffer interface {
	kms.CursorBuffer
	// WriteARGB replaces the buffer contents with rows of ARGB8888
	// pixels.
	WriteARGB(pixels []byte, stride int)
	Release()
}

type BufferFactory interface {
	CreateBuffer(card int, size image.Point) (Buffer, error)
}

// DumbBufferFactory allocates cursor buffers as dumb buffers on the
// device of each card.
type DumbBufferFactory map[int]fb.Device

func (f DumbBufferFactory) CreateBuffer(card int, size image.Point) (Buffer, error) {
	dev, ok := f[card]
	if !ok {
		return nil, fmt.Errorf("no device for card %d", card)
	}
	b, err := fb.NewDumbBuffer(dev, size, fb.FormatARGB8888)
	if err != nil {
		return nil, err
	}
	return b, nil
}

type bufferKey struct {
	card   int
	output uint32
}

// outputBuffer is the cursor buffer of one output, holding the image
// rotated for that output's orientation.
type outputBuffer struct {
	buf         Buffer
	orientation conf.Orientation
	// written is false until the image was first written.
	written bool
	// changed is set when the contents were rewritten and the output
	// has to be given the image again.
	changed bool
}

// Cursor is a hardware cursor spanning every used output.
type Cursor struct {
	mu      sync.Mutex
	log     *logrus.Entry
	layout  Layout
	factory BufferFactory
	bufSize image.Point
	buffers map[bufferKey]*outputBuffer

	source  image.Image
	hotspot image.Point
	scale   float64

	// The image after scaling, as ARGB8888 rows of size.X pixels.
	pixels        []byte
	size          image.Point
	scaledHotspot image.Point

	position      image.Point
	visible       bool
	suspended     bool
	lastSetFailed bool
}

// New creates a hidden cursor whose buffers are bufSize large, the size
// the hardware cursor planes expect.
func New(layout Layout, factory BufferFactory, bufSize image.Point) (*Cursor, error) {
	c := &Cursor{
		log:     logrus.WithField("component", "cursor"),
		layout:  layout,
		factory: factory,
		bufSize: bufSize,
		buffers: map[bufferKey]*outputBuffer{},
		scale:   1,
	}
	c.hideAll()
	if c.lastSetFailed {
		return nil, ErrNotFunctional
	}
	runtime.AddCleanup(c, releaseBuffers, c.buffers)
	return c, nil
}

func releaseBuffers(buffers map[bufferKey]*outputBuffer) {
	for _, ob := range buffers {
		ob.buf.Release()
	}
}

// Show sets the cursor image. The hotspot is the pixel of img that
// points at the cursor position.
func (c *Cursor) Show(img image.Image, hotspot image.Point) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.source = img
	c.hotspot = hotspot
	return c.show()
}

// show scales the source image, writes it to every output's buffer and
// places the cursor. The cursor only becomes visible if every buffer
// could be written.
func (c *Cursor) show() error {
	b := c.source.Bounds()
	size := image.Pt(
		max(1, int(math.Round(float64(b.Dx())*c.scale))),
		max(1, int(math.Round(float64(b.Dy())*c.scale))),
	)
	dst := image.NewRGBA(image.Rectangle{Max: size})
	if c.scale == 1 {
		draw.Draw(dst, dst.Bounds(), c.source, b.Min, draw.Src)
	} else {
		draw.BiLinear.Scale(dst, dst.Bounds(), c.source, b, draw.Src, nil)
	}

	c.pixels = toARGB(dst)
	c.size = size
	c.scaledHotspot = image.Pt(
		int(math.Round(float64(c.hotspot.X)*c.scale)),
		int(math.Round(float64(c.hotspot.Y)*c.scale)),
	)

	var err error
	present := map[bufferKey]bool{}
	c.layout.ForEachOutput(func(co conf.Output, o Output) {
		present[keyOf(o)] = true
		if err != nil {
			return
		}
		ob, berr := c.buffer(o)
		if berr != nil {
			err = berr
			return
		}
		c.write(ob, co.Orientation)
	})
	if err != nil {
		return fmt.Errorf("writing cursor image: %w", err)
	}
	c.prune(present)

	c.visible = true
	if !c.suspended {
		c.place(c.position, true)
	}
	return nil
}

func keyOf(o Output) bufferKey {
	return bufferKey{card: o.CardID(), output: o.ID()}
}

func (c *Cursor) buffer(o Output) (*outputBuffer, error) {
	key := keyOf(o)
	if ob, ok := c.buffers[key]; ok {
		return ob, nil
	}
	buf, err := c.factory.CreateBuffer(key.card, c.bufSize)
	if err != nil {
		return nil, err
	}
	ob := &outputBuffer{buf: buf}
	c.buffers[key] = ob
	return ob, nil
}

// prune releases the buffers of outputs that left the layout.
func (c *Cursor) prune(present map[bufferKey]bool) {
	for key, ob := range c.buffers {
		if !present[key] {
			ob.buf.Release()
			delete(c.buffers, key)
		}
	}
}

// write pads the scaled image to the buffer size, rotated for the
// output's orientation.
func (c *Cursor) write(ob *outputBuffer, orientation conf.Orientation) {
	stride := c.bufSize.X * 4
	padded := make([]byte, stride*c.bufSize.Y)
	remap(padded, c.bufSize, c.pixels, c.size, orientation)
	ob.buf.WriteARGB(padded, stride)
	ob.orientation = orientation
	ob.written = true
	ob.changed = true
}

// remap copies the w x h image src into dst, rotating it the way the
// output's orientation transform rotates content. Pixels falling outside
// dst are dropped.
func remap(dst []byte, dstSize image.Point, src []byte, size image.Point, o conf.Orientation) {
	w, h := size.X, size.Y
	for iy := 0; iy < h; iy++ {
		for ix := 0; ix < w; ix++ {
			var dx, dy int
			switch o {
			case conf.Right:
				dx, dy = h-1-iy, ix
			case conf.Inverted:
				dx, dy = w-1-ix, h-1-iy
			case conf.Left:
				dx, dy = iy, w-1-ix
			default:
				dx, dy = ix, iy
			}
			if dx >= dstSize.X || dy >= dstSize.Y {
				continue
			}
			copy(dst[(dy*dstSize.X+dx)*4:][:4], src[(iy*w+ix)*4:][:4])
		}
	}
}

// toARGB converts premultiplied RGBA to little endian ARGB8888.
func toARGB(img *image.RGBA) []byte {
	size := img.Rect.Size()
	out := make([]byte, 0, size.X*size.Y*4)
	for y := 0; y < size.Y; y++ {
		row := img.Pix[y*img.Stride:]
		for x := 0; x < size.X; x++ {
			r, g, b, a := row[x*4], row[x*4+1], row[x*4+2], row[x*4+3]
			out = append(out, b, g, r, a)
		}
	}
	return out
}

// MoveTo moves the cursor hotspot to p, in logical display coordinates.
func (c *Cursor) MoveTo(p image.Point) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.position = p
	if c.visible && !c.suspended {
		c.place(p, false)
	}
}

// place shows the cursor on every used output it overlaps and clears it
// everywhere else. The image is handed to an output again when forced,
// when the output lost it or when its buffer was rewritten.
func (c *Cursor) place(p image.Point, force bool) {
	failed := false
	topLeft := p.Sub(c.scaledHotspot)
	box := image.Rectangle{Min: topLeft, Max: topLeft.Add(c.size)}

	present := map[bufferKey]bool{}
	c.layout.ForEachOutput(func(co conf.Output, o Output) {
		present[keyOf(o)] = true
		if !co.Used {
			return
		}
		ext := co.Extents()
		m, ok := co.CurrentMode()
		if !ok || !box.Overlaps(ext) {
			if !o.ClearCursor() {
				failed = true
			}
			return
		}

		ob, err := c.buffer(o)
		if err != nil {
			c.log.WithError(err).WithField("output", co.Name).Error("failed to allocate cursor buffer")
			failed = true
			return
		}
		if !ob.written || ob.orientation != co.Orientation {
			c.write(ob, co.Orientation)
		}

		if !o.MoveCursor(c.hardwarePosition(&co, ext, m.Size, p)) {
			failed = true
		}
		if force || !o.HasCursorImage() || ob.changed {
			if o.SetCursorImage(ob.buf) {
				ob.changed = false
			} else {
				failed = true
			}
		}
	})
	c.prune(present)
	c.lastSetFailed = failed
}

// hardwarePosition maps the logical cursor position p into the scanout
// pixels of an output and returns where the top-left corner of the
// cursor buffer goes.
func (c *Cursor) hardwarePosition(co *conf.Output, ext image.Rectangle, modeSize image.Point, p image.Point) image.Point {
	nx := 2*float64(p.X-ext.Min.X)/float64(ext.Dx()) - 1
	ny := 2*float64(p.Y-ext.Min.Y)/float64(ext.Dy()) - 1
	tx, ty := co.Transform().Apply(nx, ny)
	px := int(math.Round((tx + 1) / 2 * float64(modeSize.X)))
	py := int(math.Round((ty + 1) / 2 * float64(modeSize.Y)))

	// where the hotspot ends up in the rotated buffer
	w, h := c.size.X, c.size.Y
	hx, hy := c.scaledHotspot.X, c.scaledHotspot.Y
	var d image.Point
	switch co.Orientation {
	case conf.Right:
		d = image.Pt(h-hy, hx)
	case conf.Inverted:
		d = image.Pt(w-hx, h-hy)
	case conf.Left:
		d = image.Pt(hy, w-hx)
	default:
		d = image.Pt(hx, hy)
	}
	return image.Pt(px, py).Sub(d)
}

// Hide removes the cursor from every output.
func (c *Cursor) Hide() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.visible = false
	c.hideAll()
}

// Clear removes the cursor from every output, e.g. while they are
// reconfigured, without changing whether it is visible. Refresh puts it
// back.
func (c *Cursor) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.hideAll()
}

func (c *Cursor) hideAll() {
	failed := false
	c.layout.ForEachOutput(func(_ conf.Output, o Output) {
		if !o.ClearCursor() {
			failed = true
		}
	})
	c.lastSetFailed = failed
}

// SetScale changes the cursor scale and redraws the image.
func (c *Cursor) SetScale(scale float64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if scale <= 0 || scale == c.scale {
		return nil
	}
	c.scale = scale
	if c.source == nil {
		return nil
	}
	return c.show()
}

// Suspend clears the cursor from the outputs without forgetting whether
// it is visible.
func (c *Cursor) Suspend() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.suspended = true
	c.hideAll()
}

func (c *Cursor) Resume() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.suspended = false
	if c.visible {
		c.place(c.position, true)
	}
}

// Refresh places the cursor again after the outputs were reconfigured.
func (c *Cursor) Refresh() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.visible && !c.suspended {
		c.place(c.position, true)
	}
}

func (c *Cursor) Visible() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.visible
}

// LastSetFailed reports whether the last update failed on any output.
func (c *Cursor) LastSetFailed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastSetFailed
}
