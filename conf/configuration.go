package conf

import (
	"errors"
	"fmt"
	"strings"
)

// ErrInvalidConfiguration is returned when applying a configuration that
// fails Valid.
var ErrInvalidConfiguration = errors.New("invalid display configuration")

// Configuration is an ordered collection of outputs. Order is insertion
// order and is preserved by Clone.
type Configuration struct {
	outputs []Output
}

// Policy mutates a freshly probed configuration before it is applied,
// e.g. to restore a saved layout or to place outputs side by side.
type Policy interface {
	ApplyTo(c *Configuration)
}

// PolicyFunc adapts a function to Policy.
type PolicyFunc func(c *Configuration)

func (f PolicyFunc) ApplyTo(c *Configuration) {
	f(c)
}

func New(outputs ...Output) *Configuration {
	c := &Configuration{}
	for i := range outputs {
		c.outputs = append(c.outputs, outputs[i].Clone())
	}
	return c
}

func (c *Configuration) Len() int {
	return len(c.outputs)
}

// Outputs returns a copy of the outputs.
func (c *Configuration) Outputs() []Output {
	out := make([]Output, 0, len(c.outputs))
	for i := range c.outputs {
		out = append(out, c.outputs[i].Clone())
	}
	return out
}

// ForEachOutput calls fn with a pointer to every output, in order. fn may
// modify the output's desired state.
func (c *Configuration) ForEachOutput(fn func(o *Output)) {
	for i := range c.outputs {
		fn(&c.outputs[i])
	}
}

// Output returns the output with the given id.
func (c *Configuration) Output(id OutputID) (*Output, bool) {
	for i := range c.outputs {
		if c.outputs[i].ID == id {
			return &c.outputs[i], true
		}
	}
	return nil, false
}

func (c *Configuration) Clone() *Configuration {
	return New(c.outputs...)
}

func (c *Configuration) Equal(o *Configuration) bool {
	if len(c.outputs) != len(o.outputs) {
		return false
	}
	for i := range c.outputs {
		if !c.outputs[i].Equal(&o.outputs[i]) {
			return false
		}
	}
	return true
}

// Valid is true when every output is valid.
func (c *Configuration) Valid() bool {
	for i := range c.outputs {
		if !c.outputs[i].Valid() {
			return false
		}
	}
	return true
}

func (c *Configuration) String() string {
	var b strings.Builder
	for i := range c.outputs {
		if i > 0 {
			b.WriteString("; ")
		}
		b.WriteString(c.outputs[i].String())
	}
	return b.String()
}

// Compatible reports whether b can be applied on top of a without
// recreating framebuffers: both have the same outputs, in the same power
// modes, and differ at most in orientation, subpixel arrangement, scale,
// form factor and custom logical size.
func Compatible(a, b *Configuration) bool {
	if a.Len() != b.Len() {
		return false
	}
	for i := range a.outputs {
		out := &a.outputs[i]
		clone := b.outputs[i].Clone()
		if out.PowerMode != clone.PowerMode {
			return false
		}
		clone.Orientation = out.Orientation
		clone.Subpixel = out.Subpixel
		clone.Scale = out.Scale
		clone.FormFactor = out.FormFactor
		clone.CustomLogicalSize = out.CustomLogicalSize
		if !out.Equal(&clone) {
			return false
		}
	}
	return true
}

// Validate returns ErrInvalidConfiguration describing the first invalid
// output, or nil.
func (c *Configuration) Validate() error {
	for i := range c.outputs {
		if !c.outputs[i].Valid() {
			return fmt.Errorf("%w: %s", ErrInvalidConfiguration, c.outputs[i].String())
		}
	}
	return nil
}
