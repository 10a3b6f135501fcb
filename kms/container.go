package kms

import (
	"errors"
	"fmt"
	"slices"

	"github.com/sirupsen/logrus"
)

type deviceState struct {
	dev    Device
	claims *claims
	flips  *flipTracker
}

// Container holds the outputs of a set of devices. Outputs keep their
// identity across Update calls as long as their connector exists, and
// are always listed in device then connector order.
type Container struct {
	devices []*deviceState
	outputs []*Output
}

func NewContainer(devs ...Device) *Container {
	c := &Container{}
	for _, dev := range devs {
		c.devices = append(c.devices, &deviceState{
			dev:    dev,
			claims: newClaims(),
			flips:  newFlipTracker(dev),
		})
	}
	return c
}

func (c *Container) Devices() []Device {
	devs := make([]Device, 0, len(c.devices))
	for _, d := range c.devices {
		devs = append(devs, d.dev)
	}
	return devs
}

// Update re-probes the connectors of every device. Outputs whose
// connector vanished, e.g. a DP MST branch that was unplugged, are
// closed.
func (c *Container) Update() error {
	var outputs []*Output
	for _, d := range c.devices {
		res, err := d.dev.Resources()
		if err != nil {
			return fmt.Errorf("cannot retrieve resources of card %d: %w", d.dev.Index(), err)
		}
		for _, id := range res.Connectors {
			o := c.find(d.dev, id)
			if o == nil {
				o = newOutput(d.dev, d.claims, d.flips, id)
			}
			if err := o.Reset(); err != nil {
				logrus.WithError(err).WithFields(logrus.Fields{
					"card":      d.dev.Index(),
					"connector": id,
				}).Warn("skipping connector")
				continue
			}
			outputs = append(outputs, o)
		}
	}

	for _, old := range c.outputs {
		if !slices.Contains(outputs, old) {
			if err := old.Close(); err != nil {
				old.log.WithError(err).Warn("failed to close vanished output")
			}
		}
	}
	c.outputs = outputs
	return nil
}

func (c *Container) find(dev Device, connID uint32) *Output {
	for _, o := range c.outputs {
		if o.dev == dev && o.connID == connID {
			return o
		}
	}
	return nil
}

func (c *Container) ForEachOutput(fn func(o *Output)) {
	for _, o := range c.outputs {
		fn(o)
	}
}

func (c *Container) Outputs() []*Output {
	return slices.Clone(c.outputs)
}

// Close gives every CRTC back the state it had before we drove it.
func (c *Container) Close() error {
	var errs []error
	for _, o := range c.outputs {
		if err := o.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	c.outputs = nil
	return errors.Join(errs...)
}
