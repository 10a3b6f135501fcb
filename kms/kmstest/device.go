// Package kmstest provides an in-memory DRM device for testing code
// built on the kms and fb packages.
package kmstest

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"slices"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/NeowayLabs/kmsdisplay"
	"github.com/NeowayLabs/kmsdisplay/mode"
)

// Commit is an atomic commit the device accepted.
type Commit struct {
	Flags    uint32
	UserData uint64
	// Values maps object id and property name to the committed value.
	Values map[uint32]map[string]uint64
}

// Value returns the value committed for property name of obj.
func (c Commit) Value(obj uint32, name string) (uint64, bool) {
	v, ok := c.Values[obj][name]
	return v, ok
}

// Has reports whether the commit touched property name of obj.
func (c Commit) Has(obj uint32, name string) bool {
	_, ok := c.Value(obj, name)
	return ok
}

type CursorImage struct {
	Crtc, Handle, Width, Height uint32
}

type CursorMove struct {
	Crtc uint32
	X, Y int32
}

type SetCrtcCall struct {
	Crtc, FB   uint32
	X, Y       uint32
	Connectors []uint32
	Mode       *mode.Info
}

// Device is a fake DRM device. Build its topology with AddCrtc and
// AddConnector, then hand it to kms.NewContainer or fb functions.
type Device struct {
	mu     sync.Mutex
	index  int
	nextID uint32

	crtcs      []uint32
	crtcState  map[uint32]*mode.Crtc
	connectors []uint32
	conns      map[uint32]*mode.Connector
	encoders   map[uint32]*mode.Encoder
	planes     []uint32
	planeState map[uint32]*mode.Plane

	propIDs   map[string]uint32
	propNames map[uint32]string
	objProps  map[uint32]map[uint32]uint64
	blobs     map[uint32][]byte

	caps    map[uint64]uint64
	master  bool
	pending []uint64

	fbs   map[uint32]*mode.FB2
	dumbs map[uint32][]byte

	Commits      []Commit
	SetCrtcCalls []SetCrtcCall
	CursorImages []CursorImage
	CursorMoves  []CursorMove
	AddedFBs     []uint32
	RemovedFBs   []uint32
	// Calls logs buffer management calls in order, e.g. "rmfb 12".
	Calls []string

	// FailCommit is consulted before a commit is applied; a non-nil
	// result fails the commit.
	FailCommit func(c Commit) error
	// FailCursor fails every cursor ioctl.
	FailCursor error
}

func New(index int) *Device {
	return &Device{
		index:      index,
		nextID:     100,
		crtcState:  map[uint32]*mode.Crtc{},
		conns:      map[uint32]*mode.Connector{},
		encoders:   map[uint32]*mode.Encoder{},
		planeState: map[uint32]*mode.Plane{},
		propIDs:    map[string]uint32{},
		propNames:  map[uint32]string{},
		objProps:   map[uint32]map[uint32]uint64{},
		blobs:      map[uint32][]byte{},
		fbs:        map[uint32]*mode.FB2{},
		dumbs:      map[uint32][]byte{},
		master:     true,
		caps: map[uint64]uint64{
			drm.CapDumbBuffer:      1,
			drm.CapPrime:           3,
			drm.CapAddFB2Modifiers: 1,
			drm.CapCursorWidth:     64,
			drm.CapCursorHeight:    64,
		},
	}
}

// Mode builds a mode with plausible timings for the given size and
// refresh rate.
func Mode(width, height, refresh int, preferred bool) mode.Info {
	m := mode.Info{
		Hdisplay:   uint16(width),
		HsyncStart: uint16(width + 48),
		HsyncEnd:   uint16(width + 80),
		Htotal:     uint16(width + 160),
		Vdisplay:   uint16(height),
		VsyncStart: uint16(height + 3),
		VsyncEnd:   uint16(height + 8),
		Vtotal:     uint16(height + 40),
		Vrefresh:   uint32(refresh),
	}
	m.Clock = uint32(int(m.Htotal) * int(m.Vtotal) * refresh / 1000)
	m.Type = mode.TypeDriver
	if preferred {
		m.Type |= mode.TypePreferred
	}
	copy(m.Name[:], fmt.Sprintf("%dx%d", width, height))
	return m
}

func (d *Device) id() uint32 {
	d.nextID++
	return d.nextID
}

func (d *Device) addProps(obj uint32, values map[string]uint64) {
	props := d.objProps[obj]
	if props == nil {
		props = map[uint32]uint64{}
		d.objProps[obj] = props
	}
	for name, v := range values {
		id, ok := d.propIDs[name]
		if !ok {
			id = d.id()
			d.propIDs[name] = id
			d.propNames[id] = name
		}
		props[id] = v
	}
}

func (d *Device) setProp(obj uint32, name string, v uint64) {
	d.objProps[obj][d.propIDs[name]] = v
}

func (d *Device) prop(obj uint32, name string) uint64 {
	return d.objProps[obj][d.propIDs[name]]
}

// AddCrtc adds a CRTC with a primary and a cursor plane and returns the
// CRTC id.
func (d *Device) AddCrtc() uint32 {
	d.mu.Lock()
	defer d.mu.Unlock()

	crtc := d.id()
	index := len(d.crtcs)
	d.crtcs = append(d.crtcs, crtc)
	d.crtcState[crtc] = &mode.Crtc{ID: crtc, GammaSize: 4}
	d.addProps(crtc, map[string]uint64{"ACTIVE": 0, "MODE_ID": 0, "GAMMA_LUT": 0})

	for _, typ := range []uint64{mode.PlaneTypeCursor, mode.PlaneTypePrimary} {
		plane := d.id()
		d.planes = append(d.planes, plane)
		d.planeState[plane] = &mode.Plane{
			ID:            plane,
			PossibleCrtcs: 1 << uint(index),
			Formats:       []uint32{mode.FormatXRGB8888, mode.FormatARGB8888},
		}
		d.addProps(plane, map[string]uint64{
			"type": typ, "FB_ID": 0, "CRTC_ID": 0,
			"SRC_X": 0, "SRC_Y": 0, "SRC_W": 0, "SRC_H": 0,
			"CRTC_X": 0, "CRTC_Y": 0, "CRTC_W": 0, "CRTC_H": 0,
		})
	}

	// encoders created earlier can drive every CRTC
	for _, enc := range d.encoders {
		enc.PossibleCrtcs = 1<<uint(len(d.crtcs)) - 1
	}
	return crtc
}

// AddConnector adds a connector of the given type behind its own
// encoder. It is connected when modes are given.
func (d *Device) AddConnector(typ uint32, modes ...mode.Info) uint32 {
	d.mu.Lock()
	defer d.mu.Unlock()

	enc := d.id()
	d.encoders[enc] = &mode.Encoder{
		ID:            enc,
		PossibleCrtcs: 1<<uint(len(d.crtcs)) - 1,
	}

	conn := d.id()
	var typeID uint32 = 1
	for _, c := range d.conns {
		if c.Type == typ {
			typeID++
		}
	}
	c := &mode.Connector{
		ID:       conn,
		Type:     typ,
		TypeID:   typeID,
		Encoders: []uint32{enc},
		Width:    520,
		Height:   290,
		Subpixel: mode.SubpixelHorizontalRGB,
	}
	d.conns[conn] = c
	d.connectors = append(d.connectors, conn)
	d.addProps(conn, map[string]uint64{"CRTC_ID": 0, "EDID": 0, "DPMS": 0})
	d.setModes(c, modes)
	return conn
}

func (d *Device) setModes(c *mode.Connector, modes []mode.Info) {
	c.Modes = slices.Clone(modes)
	c.Connection = mode.Disconnected
	if len(modes) > 0 {
		c.Connection = mode.Connected
	}
}

// Plug connects conn with the given modes.
func (d *Device) Plug(conn uint32, modes ...mode.Info) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.setModes(d.conns[conn], modes)
}

// Unplug disconnects conn.
func (d *Device) Unplug(conn uint32) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.setModes(d.conns[conn], nil)
}

// SetEDID attaches an EDID blob to conn.
func (d *Device) SetEDID(conn uint32, edid []byte) {
	d.mu.Lock()
	defer d.mu.Unlock()
	blob := d.id()
	d.blobs[blob] = slices.Clone(edid)
	d.setProp(conn, "EDID", uint64(blob))
}

// Light simulates firmware having lit conn with crtc in mode m.
func (d *Device) Light(conn, crtc uint32, m mode.Info) {
	d.mu.Lock()
	defer d.mu.Unlock()
	c := d.conns[conn]
	c.EncoderID = c.Encoders[0]
	d.encoders[c.EncoderID].CrtcID = crtc
	d.setCrtcMode(d.crtcState[crtc], &m)
	d.crtcState[crtc].BufferID = 1
	d.setProp(crtc, "ACTIVE", 1)
}

func (d *Device) setCrtcMode(crtc *mode.Crtc, m *mode.Info) {
	if m == nil {
		crtc.Mode = mode.Info{}
		crtc.ModeValid = 0
		crtc.Width, crtc.Height = 0, 0
		return
	}
	crtc.Mode = *m
	crtc.ModeValid = 1
	crtc.Width, crtc.Height = uint32(m.Hdisplay), uint32(m.Vdisplay)
}

func (d *Device) SetCap(c, v uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.caps[c] = v
}

// CrtcState returns a copy of the current state of crtc.
func (d *Device) CrtcState(crtc uint32) mode.Crtc {
	d.mu.Lock()
	defer d.mu.Unlock()
	return *d.crtcState[crtc]
}

// CrtcIDs lists the CRTCs in resource order.
func (d *Device) CrtcIDs() []uint32 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return slices.Clone(d.crtcs)
}

// PrimaryPlane returns the primary plane of crtc.
func (d *Device) PrimaryPlane(crtc uint32) uint32 {
	d.mu.Lock()
	defer d.mu.Unlock()
	index := slices.Index(d.crtcs, crtc)
	for _, p := range d.planes {
		if d.planeState[p].PossibleCrtcs == 1<<uint(index) && d.prop(p, "type") == mode.PlaneTypePrimary {
			return p
		}
	}
	return 0
}

// PropertyValue is the current value of property name of obj.
func (d *Device) PropertyValue(obj uint32, name string) uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.prop(obj, name)
}

// LiveFBs lists the framebuffers not yet removed.
func (d *Device) LiveFBs() []uint32 {
	d.mu.Lock()
	defer d.mu.Unlock()
	var ids []uint32
	for id := range d.fbs {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// LastCommit returns the most recent accepted commit.
func (d *Device) LastCommit() (Commit, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.Commits) == 0 {
		return Commit{}, false
	}
	return d.Commits[len(d.Commits)-1], true
}

func (d *Device) IsMaster() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.master
}

// Reset forgets the recorded calls.
func (d *Device) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.Commits = nil
	d.SetCrtcCalls = nil
	d.CursorImages = nil
	d.CursorMoves = nil
	d.AddedFBs = nil
	d.RemovedFBs = nil
	d.Calls = nil
}

// kms.Device

func (d *Device) Index() int {
	return d.index
}

func (d *Device) Resources() (*mode.Resources, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	res := &mode.Resources{
		Crtcs:      slices.Clone(d.crtcs),
		Connectors: slices.Clone(d.connectors),
	}
	for id := range d.encoders {
		res.Encoders = append(res.Encoders, id)
	}
	slices.Sort(res.Encoders)
	return res, nil
}

func (d *Device) Connector(id uint32, probe bool) (*mode.Connector, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	c, ok := d.conns[id]
	if !ok {
		return nil, unix.ENOENT
	}
	cc := *c
	cc.Modes = slices.Clone(c.Modes)
	cc.Encoders = slices.Clone(c.Encoders)
	return &cc, nil
}

func (d *Device) Encoder(id uint32) (*mode.Encoder, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	e, ok := d.encoders[id]
	if !ok {
		return nil, unix.ENOENT
	}
	ee := *e
	return &ee, nil
}

func (d *Device) Crtc(id uint32) (*mode.Crtc, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	c, ok := d.crtcState[id]
	if !ok {
		return nil, unix.ENOENT
	}
	cc := *c
	return &cc, nil
}

func (d *Device) SetCrtc(crtc, fb, x, y uint32, connectors []uint32, m *mode.Info) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	c, ok := d.crtcState[crtc]
	if !ok {
		return unix.ENOENT
	}
	d.SetCrtcCalls = append(d.SetCrtcCalls, SetCrtcCall{
		Crtc: crtc, FB: fb, X: x, Y: y, Connectors: slices.Clone(connectors), Mode: m,
	})
	d.setCrtcMode(c, m)
	c.BufferID, c.X, c.Y = fb, x, y
	return nil
}

func (d *Device) PlaneResources() ([]uint32, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return slices.Clone(d.planes), nil
}

func (d *Device) Plane(id uint32) (*mode.Plane, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	p, ok := d.planeState[id]
	if !ok {
		return nil, unix.ENOENT
	}
	pp := *p
	return &pp, nil
}

func (d *Device) ObjectProperties(obj, typ uint32) (*mode.ObjectProperties, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	props, ok := d.objProps[obj]
	if !ok {
		return nil, unix.ENOENT
	}
	res := &mode.ObjectProperties{}
	for id := range props {
		res.IDs = append(res.IDs, id)
	}
	slices.Sort(res.IDs)
	for _, id := range res.IDs {
		res.Values = append(res.Values, props[id])
	}
	return res, nil
}

func (d *Device) Property(id uint32) (*mode.Property, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	name, ok := d.propNames[id]
	if !ok {
		return nil, unix.ENOENT
	}
	return &mode.Property{ID: id, Name: name}, nil
}

func (d *Device) CreateBlob(data []byte) (uint32, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	id := d.id()
	d.blobs[id] = slices.Clone(data)
	return id, nil
}

func (d *Device) DestroyBlob(id uint32) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.blobs[id]; !ok {
		return unix.ENOENT
	}
	delete(d.blobs, id)
	return nil
}

func (d *Device) Blob(id uint32) ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	b, ok := d.blobs[id]
	if !ok {
		return nil, unix.ENOENT
	}
	return slices.Clone(b), nil
}

func (d *Device) AtomicCommit(req *mode.AtomicReq, flags uint32, userData uint64) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.master {
		return unix.EACCES
	}
	commit := Commit{Flags: flags, UserData: userData, Values: map[uint32]map[string]uint64{}}
	for _, p := range req.Properties() {
		name, ok := d.propNames[p.Property]
		if !ok {
			return unix.EINVAL
		}
		if _, ok := d.objProps[p.Object][p.Property]; !ok {
			return unix.EINVAL
		}
		if commit.Values[p.Object] == nil {
			commit.Values[p.Object] = map[string]uint64{}
		}
		commit.Values[p.Object][name] = p.Value
	}
	if d.FailCommit != nil {
		if err := d.FailCommit(commit); err != nil {
			return err
		}
	}
	if flags&mode.AtomicTestOnly != 0 {
		return nil
	}

	for obj, values := range commit.Values {
		for name, v := range values {
			d.setProp(obj, name, v)
		}
		if crtc, ok := d.crtcState[obj]; ok {
			if blob, ok := values["MODE_ID"]; ok {
				if blob == 0 {
					d.setCrtcMode(crtc, nil)
				} else {
					var m mode.Info
					if err := binary.Read(bytes.NewReader(d.blobs[uint32(blob)]), binary.NativeEndian, &m); err != nil {
						return unix.EINVAL
					}
					d.setCrtcMode(crtc, &m)
				}
			}
		}
		if conn, ok := d.conns[obj]; ok {
			if crtc, ok := values["CRTC_ID"]; ok {
				conn.EncoderID = 0
				if crtc != 0 {
					conn.EncoderID = conn.Encoders[0]
				}
				if len(conn.Encoders) > 0 {
					d.encoders[conn.Encoders[0]].CrtcID = uint32(crtc)
				}
			}
		}
		if _, ok := d.planeState[obj]; ok {
			if fb, ok := values["FB_ID"]; ok {
				if crtc, ok := d.crtcState[uint32(d.prop(obj, "CRTC_ID"))]; ok {
					crtc.BufferID = uint32(fb)
				}
			}
		}
	}
	if flags&mode.PageFlipEvent != 0 {
		d.pending = append(d.pending, userData)
	}
	d.Commits = append(d.Commits, commit)
	return nil
}

func (d *Device) SetCursor(crtc, handle, width, height uint32) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.FailCursor != nil {
		return d.FailCursor
	}
	d.CursorImages = append(d.CursorImages, CursorImage{crtc, handle, width, height})
	return nil
}

func (d *Device) MoveCursor(crtc uint32, x, y int32) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.FailCursor != nil {
		return d.FailCursor
	}
	d.CursorMoves = append(d.CursorMoves, CursorMove{crtc, x, y})
	return nil
}

func (d *Device) Gamma(crtc uint32, size int) ([]uint16, []uint16, []uint16, error) {
	ramp := make([]uint16, size)
	for i := range ramp {
		ramp[i] = uint16(i * 0xffff / max(size-1, 1))
	}
	return ramp, slices.Clone(ramp), slices.Clone(ramp), nil
}

func (d *Device) Cap(c uint64) (uint64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	v, ok := d.caps[c]
	if !ok {
		return 0, unix.EINVAL
	}
	return v, nil
}

func (d *Device) SetMaster() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.master = true
	return nil
}

func (d *Device) DropMaster() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.master = false
	return nil
}

// ReadEvents completes every outstanding page flip.
func (d *Device) ReadEvents() ([]mode.Event, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.pending) == 0 {
		return nil, unix.EAGAIN
	}
	var events []mode.Event
	for _, ud := range d.pending {
		events = append(events, mode.Event{
			Type:     mode.EventFlipComplete,
			UserData: ud,
			CrtcID:   uint32(ud),
		})
	}
	d.pending = nil
	return events, nil
}

// fb.Device

func (d *Device) AddFB2(fb *mode.FB2) (uint32, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if fb.Width == 0 || fb.Height == 0 {
		return 0, unix.EINVAL
	}
	id := d.id()
	cp := *fb
	d.fbs[id] = &cp
	d.AddedFBs = append(d.AddedFBs, id)
	d.Calls = append(d.Calls, fmt.Sprintf("addfb %d", id))
	return id, nil
}

// FB returns the parameters fb was added with.
func (d *Device) FB(id uint32) (mode.FB2, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	fb, ok := d.fbs[id]
	if !ok {
		return mode.FB2{}, false
	}
	return *fb, true
}

func (d *Device) RmFB(id uint32) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.fbs[id]; !ok {
		return unix.ENOENT
	}
	delete(d.fbs, id)
	d.RemovedFBs = append(d.RemovedFBs, id)
	d.Calls = append(d.Calls, fmt.Sprintf("rmfb %d", id))
	return nil
}

func (d *Device) CreateDumb(width, height uint16, bpp uint32) (*mode.FB, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	handle := d.id()
	pitch := uint32(width) * bpp / 8
	size := uint64(pitch) * uint64(height)
	d.dumbs[handle] = make([]byte, size)
	d.Calls = append(d.Calls, fmt.Sprintf("create_dumb %d", handle))
	return &mode.FB{
		Width:  uint32(width),
		Height: uint32(height),
		BPP:    bpp,
		Handle: handle,
		Pitch:  pitch,
		Size:   size,
	}, nil
}

func (d *Device) MapDumb(handle uint32) (uint64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.dumbs[handle]; !ok {
		return 0, unix.ENOENT
	}
	return uint64(handle) << 12, nil
}

func (d *Device) DestroyDumb(handle uint32) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.dumbs[handle]; !ok {
		return unix.ENOENT
	}
	delete(d.dumbs, handle)
	d.Calls = append(d.Calls, fmt.Sprintf("destroy_dumb %d", handle))
	return nil
}

func (d *Device) Mmap(offset uint64, size int) ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	data, ok := d.dumbs[uint32(offset>>12)]
	if !ok || len(data) < size {
		return nil, unix.EINVAL
	}
	d.Calls = append(d.Calls, fmt.Sprintf("mmap %d", offset>>12))
	return data[:size], nil
}

func (d *Device) Munmap(data []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.Calls = append(d.Calls, "munmap")
	return nil
}

// Dumb returns the memory of a live dumb buffer.
func (d *Device) Dumb(handle uint32) ([]byte, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	data, ok := d.dumbs[handle]
	return data, ok
}

func (d *Device) PrimeFDToHandle(fd int) (uint32, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if fd < 0 {
		return 0, unix.EBADF
	}
	d.Calls = append(d.Calls, fmt.Sprintf("prime %d", fd))
	return uint32(fd) + 1000, nil
}

func (d *Device) GemClose(handle uint32) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.Calls = append(d.Calls, fmt.Sprintf("gem_close %d", handle))
	return nil
}
