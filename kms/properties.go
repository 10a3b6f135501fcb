package kms

import (
	"errors"
	"fmt"

	"github.com/NeowayLabs/kmsdisplay/mode"
)

var ErrMissingProperty = errors.New("kms object lacks property")

// PropertyTable resolves the property names of one KMS object to the ids
// used in atomic requests. It is read once when the object is bound.
type PropertyTable struct {
	obj    uint32
	ids    map[string]uint32
	values map[string]uint64
}

func NewPropertyTable(dev Device, obj, typ uint32) (*PropertyTable, error) {
	props, err := dev.ObjectProperties(obj, typ)
	if err != nil {
		return nil, fmt.Errorf("reading properties of object %d: %w", obj, err)
	}
	t := &PropertyTable{
		obj:    obj,
		ids:    make(map[string]uint32, len(props.IDs)),
		values: make(map[string]uint64, len(props.IDs)),
	}
	for i, id := range props.IDs {
		prop, err := dev.Property(id)
		if err != nil {
			return nil, fmt.Errorf("reading property %d of object %d: %w", id, obj, err)
		}
		t.ids[prop.Name] = id
		t.values[prop.Name] = props.Values[i]
	}
	return t, nil
}

// Object is the id of the object the table describes.
func (t *PropertyTable) Object() uint32 {
	return t.obj
}

func (t *PropertyTable) ID(name string) (uint32, error) {
	id, ok := t.ids[name]
	if !ok {
		return 0, fmt.Errorf("%w %q (object %d)", ErrMissingProperty, name, t.obj)
	}
	return id, nil
}

func (t *PropertyTable) Has(name string) bool {
	_, ok := t.ids[name]
	return ok
}

// Value is the property value at the time the table was read.
func (t *PropertyTable) Value(name string) (uint64, bool) {
	v, ok := t.values[name]
	return v, ok
}

// Add appends name=value for the table's object to req.
func (t *PropertyTable) Add(req *mode.AtomicReq, name string, value uint64) error {
	id, err := t.ID(name)
	if err != nil {
		return err
	}
	req.AddProperty(t.obj, id, value)
	return nil
}

// propertySetter collects the first error of a sequence of Add calls.
type propertySetter struct {
	req *mode.AtomicReq
	err error
}

func (s *propertySetter) set(t *PropertyTable, name string, value uint64) {
	if s.err != nil {
		return
	}
	s.err = t.Add(s.req, name, value)
}
