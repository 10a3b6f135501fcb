package kms

import (
	"sync"

	"github.com/NeowayLabs/kmsdisplay/mode"
)

// flipTracker follows the page flips outstanding on one device. Flip
// events for every CRTC arrive on the same file descriptor, so outputs
// of a device share one tracker.
type flipTracker struct {
	mu      sync.Mutex
	dev     Device
	pending map[uint32]bool
}

func newFlipTracker(dev Device) *flipTracker {
	return &flipTracker{dev: dev, pending: map[uint32]bool{}}
}

func (f *flipTracker) add(crtc uint32) {
	f.mu.Lock()
	f.pending[crtc] = true
	f.mu.Unlock()
}

func (f *flipTracker) isPending(crtc uint32) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pending[crtc]
}

// wait reads events until the flip on crtc completed. Completions for
// other CRTCs read on the way are recorded too.
func (f *flipTracker) wait(crtc uint32) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for f.pending[crtc] {
		events, err := f.dev.ReadEvents()
		if err != nil {
			return err
		}
		for _, ev := range events {
			if ev.Type == mode.EventFlipComplete {
				delete(f.pending, uint32(ev.UserData))
			}
		}
	}
	return nil
}

func (f *flipTracker) forget(crtc uint32) {
	f.mu.Lock()
	delete(f.pending, crtc)
	f.mu.Unlock()
}
