package display

import (
	"errors"
	"fmt"
	"image"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/NeowayLabs/kmsdisplay/conf"
	"github.com/NeowayLabs/kmsdisplay/fb"
	"github.com/NeowayLabs/kmsdisplay/kms"
)

// ErrOverlayRejected means the renderables cannot be scanned out
// directly and must be composited first.
var ErrOverlayRejected = errors.New("renderables cannot be overlaid")

// Renderable is something the compositor wants on screen.
type Renderable interface {
	Framebuffer() *fb.Handle
	// ScreenPosition is where the renderable goes, in logical display
	// coordinates.
	ScreenPosition() image.Rectangle
	// SrcBounds is the part of the framebuffer to show.
	SrcBounds() image.Rectangle
}

// Sink presents frames on a group of outputs cloning the same area of the
// logical display.
//
// A frame goes through three slots: next (queued by Overlay or
// SetNextFrame), scheduled (a page flip was issued for it) and visible
// (being scanned out). The sink holds a reference on each.
type Sink struct {
	mu  sync.Mutex
	log *logrus.Entry

	outputs   []*kms.Output
	area      image.Rectangle
	transform conf.Matrix
	allocator fb.Allocator

	next, scheduled, visible *fb.Handle

	needsSetCrtc bool
	flipPending  bool

	refreshRate float64
	budget      time.Duration
}

// SinkOptions tune a sink.
type SinkOptions struct {
	// RenderBudget is the render time the compositor expects to need
	// before a frame is ready.
	RenderBudget time.Duration
	Allocator    fb.Allocator
}

// NewSink creates a sink over outputs, which must all be configured.
// The first post performs a modeset if any output's CRTC is not already
// running the configured mode.
func NewSink(outputs []*kms.Output, area image.Rectangle, transform conf.Matrix, opts SinkOptions) *Sink {
	s := &Sink{
		outputs:   outputs,
		area:      area,
		transform: transform,
		allocator: opts.Allocator,
		budget:    opts.RenderBudget,
		log:       logrus.WithField("area", area),
	}
	for _, o := range outputs {
		if o.HasCrtcMismatch() {
			s.needsSetCrtc = true
		}
		s.refreshRate = max(s.refreshRate, o.RefreshRate())
	}
	return s
}

// ViewArea is the rectangle of the logical display the sink shows.
func (s *Sink) ViewArea() image.Rectangle {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.area
}

func (s *Sink) Transformation() conf.Matrix {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.transform
}

// SetTransformation changes orientation and logical area without
// touching buffers.
func (s *Sink) SetTransformation(m conf.Matrix, area image.Rectangle) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.transform = m
	s.area = area
}

// Allocator returns the allocator chosen for this sink, or nil.
func (s *Sink) Allocator() fb.Allocator {
	return s.allocator
}

// ScheduleSetCrtc forces the next post to modeset, e.g. after a VT
// switch may have lost the hardware state.
func (s *Sink) ScheduleSetCrtc() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.needsSetCrtc = true
}

// Overlay queues the framebuffer of a single renderable covering exactly
// the sink's area. Anything else returns ErrOverlayRejected. A rotated or
// reflected sink (any transformation but conf.Identity) rejects every
// overlay: the plane scans buffers out untransformed, so such sinks are
// always composited.
func (s *Sink) Overlay(renderables []Renderable) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(renderables) != 1 {
		return fmt.Errorf("%w: %d renderables", ErrOverlayRejected, len(renderables))
	}
	r := renderables[0]
	f := r.Framebuffer()
	switch {
	case f == nil:
		return fmt.Errorf("%w: no framebuffer", ErrOverlayRejected)
	case s.transform != conf.Identity:
		return fmt.Errorf("%w: output is transformed", ErrOverlayRejected)
	case r.ScreenPosition() != s.area:
		return fmt.Errorf("%w: position %v does not cover %v", ErrOverlayRejected, r.ScreenPosition(), s.area)
	case r.SrcBounds() != image.Rectangle{Max: s.area.Size()} || f.Size() != s.area.Size():
		return fmt.Errorf("%w: source %v is not %v", ErrOverlayRejected, r.SrcBounds(), s.area.Size())
	}
	s.setNext(f.Acquire())
	return nil
}

// SetNextFrame queues f, taking a reference on it.
func (s *Sink) SetNextFrame(f *fb.Handle) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.setNext(f.Acquire())
}

func (s *Sink) setNext(f *fb.Handle) {
	if s.next != nil {
		s.next.Release()
	}
	s.next = f
}

// Post presents the queued frame. It waits for the previous flip before
// issuing a new one, so at most one flip is outstanding; groups of
// several outputs wait for their flips before returning. It returns how
// long the caller may sleep before it has to start rendering the next
// frame.
func (s *Sink) Post() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.next == nil {
		return 0
	}
	if s.flipPending {
		s.completeFlip()
	}

	s.scheduled, s.next = s.next, nil
	if !s.needsSetCrtc && s.pageFlip(s.scheduled) {
		s.flipPending = true
		if len(s.outputs) > 1 {
			s.completeFlip()
		}
		return s.recommendedSleep()
	}

	for _, o := range s.outputs {
		if !o.SetCrtc(s.scheduled) {
			s.log.WithField("connector", o.ID()).Warn("failed to set crtc")
		}
	}
	s.needsSetCrtc = false
	s.makeVisible()
	return s.recommendedSleep()
}

// pageFlip flips every output. If one refuses, the outputs already
// flipped are waited for and false is returned.
func (s *Sink) pageFlip(f *fb.Handle) bool {
	for i, o := range s.outputs {
		if !o.PageFlip(f) {
			for _, flipped := range s.outputs[:i] {
				s.wait(flipped)
			}
			return false
		}
	}
	return true
}

func (s *Sink) wait(o *kms.Output) {
	if err := o.WaitForPageFlip(); err != nil {
		s.log.WithError(err).WithField("connector", o.ID()).Warn("failed waiting for page flip")
	}
}

func (s *Sink) completeFlip() {
	for _, o := range s.outputs {
		s.wait(o)
	}
	s.flipPending = false
	s.makeVisible()
}

func (s *Sink) makeVisible() {
	if s.visible != nil {
		s.visible.Release()
	}
	s.visible, s.scheduled = s.scheduled, nil
}

func (s *Sink) recommendedSleep() time.Duration {
	if s.refreshRate <= 0 {
		return 0
	}
	period := time.Duration(float64(time.Second) / s.refreshRate)
	return max(0, period-s.budget)
}

// Visible is the framebuffer being scanned out, or nil.
func (s *Sink) Visible() *fb.Handle {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.visible
}

// Scheduled is the framebuffer a pending flip will show, or nil.
func (s *Sink) Scheduled() *fb.Handle {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.scheduled
}

// Release waits for an outstanding flip and drops the sink's
// framebuffer references.
func (s *Sink) Release() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.flipPending {
		s.completeFlip()
	}
	for _, f := range []*fb.Handle{s.next, s.scheduled, s.visible} {
		if f != nil {
			f.Release()
		}
	}
	s.next, s.scheduled, s.visible = nil, nil, nil
}
