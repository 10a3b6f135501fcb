package kms

import (
	"fmt"
	"sync"

	"github.com/NeowayLabs/kmsdisplay/conf"
)

// outputKey identifies a physical port across probes.
type outputKey struct {
	card   int
	typ    uint32
	typeID uint32
}

func keyOf(o *Output) outputKey {
	return outputKey{card: o.CardID(), typ: o.ConnectorType(), typeID: o.ConnectorTypeID()}
}

type entry struct {
	key    outputKey
	output *Output
	conf   conf.Output
}

// Configuration is the display configuration as probed from, and applied
// to, the outputs of a Container.
type Configuration struct {
	mu        sync.Mutex
	container *Container
	entries   []*entry
}

// NewConfiguration probes the container's devices.
func NewConfiguration(c *Container) (*Configuration, error) {
	cfg := &Configuration{container: c}
	if err := cfg.Update(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func defaultOutput() conf.Output {
	return conf.Output{
		Used:               false,
		PowerMode:          conf.PowerOn,
		Orientation:        conf.Normal,
		Scale:              1,
		PixelFormats:       []conf.PixelFormat{conf.FormatXRGB8888, conf.FormatARGB8888},
		CurrentFormat:      conf.FormatXRGB8888,
		PreferredModeIndex: conf.InvalidModeIndex,
		CurrentModeIndex:   conf.InvalidModeIndex,
	}
}

// Update re-probes the hardware. Outputs seen before keep the state last
// applied to them; new ones start unused with default settings.
func (c *Configuration) Update() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.container.Update(); err != nil {
		return err
	}

	previous := make(map[outputKey]*entry, len(c.entries))
	for _, e := range c.entries {
		previous[e.key] = e
	}

	var entries []*entry
	cards := map[int]bool{}
	for i, o := range c.container.Outputs() {
		key := keyOf(o)
		e, ok := previous[key]
		if !ok {
			e = &entry{key: key, conf: defaultOutput()}
		}
		delete(previous, key)
		e.output = o
		o.UpdateFromHardwareState(&e.conf)
		e.conf.ID = conf.OutputID(i + 1)
		entries = append(entries, e)
		cards[key.card] = true
	}

	counters := map[outputKey]int{}
	for _, e := range entries {
		k := outputKey{card: e.key.card, typ: e.key.typ}
		counters[k]++
		name := fmt.Sprintf("%s-%d", e.conf.Type, counters[k])
		if len(cards) > 1 {
			name = fmt.Sprintf("%s-card%d", name, e.key.card)
		}
		e.conf.Name = name
	}

	c.entries = entries
	return nil
}

func (c *Configuration) find(id conf.OutputID) (*entry, error) {
	for _, e := range c.entries {
		if e.conf.ID == id {
			return e, nil
		}
	}
	return nil, fmt.Errorf("%w: %d", ErrUnknownOutput, id)
}

// OutputFor returns the hardware output behind a configuration output.
func (c *Configuration) OutputFor(id conf.OutputID) (*Output, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, err := c.find(id)
	if err != nil {
		return nil, err
	}
	return e.output, nil
}

// KMSModeIndex translates a configuration mode index of output id into
// an index of the connector's mode list.
func (c *Configuration) KMSModeIndex(id conf.OutputID, modeIndex int) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, err := c.find(id)
	if err != nil {
		return 0, err
	}
	if modeIndex < 0 || modeIndex >= len(e.conf.Modes) {
		return 0, fmt.Errorf("%w: %d of output %d", ErrInvalidModeIndex, modeIndex, id)
	}
	return modeIndex, nil
}

// Snapshot returns a copy of the configuration.
func (c *Configuration) Snapshot() *conf.Configuration {
	c.mu.Lock()
	defer c.mu.Unlock()
	outputs := make([]conf.Output, 0, len(c.entries))
	for _, e := range c.entries {
		outputs = append(outputs, e.conf)
	}
	return conf.New(outputs...)
}

// ForEachOutput calls fn with a copy of each configuration output and the
// hardware output behind it.
func (c *Configuration) ForEachOutput(fn func(co conf.Output, o *Output)) {
	c.mu.Lock()
	pairs := make([]*entry, len(c.entries))
	for i, e := range c.entries {
		pairs[i] = &entry{output: e.output, conf: e.conf.Clone()}
	}
	c.mu.Unlock()
	for _, e := range pairs {
		fn(e.conf, e.output)
	}
}

// Apply records the user settable state of cfg, so the next Snapshot and
// Update reflect what is on screen.
func (c *Configuration) Apply(cfg *conf.Configuration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	cfg.ForEachOutput(func(o *conf.Output) {
		e, err := c.find(o.ID)
		if err != nil {
			return
		}
		e.conf.Used = o.Used
		e.conf.LogicalGroupID = o.LogicalGroupID
		e.conf.TopLeft = o.TopLeft
		e.conf.CurrentModeIndex = o.CurrentModeIndex
		e.conf.CurrentFormat = o.CurrentFormat
		e.conf.PowerMode = o.PowerMode
		e.conf.Orientation = o.Orientation
		e.conf.Scale = o.Scale
		e.conf.FormFactor = o.FormFactor
		e.conf.Gamma = o.Gamma.Clone()
		e.conf.CustomLogicalSize = o.CustomLogicalSize
	})
}
