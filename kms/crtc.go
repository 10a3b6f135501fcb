package kms

import (
	"fmt"
	"sync"

	"github.com/NeowayLabs/kmsdisplay/mode"
)

// claims records which CRTCs and planes of one device are bound to a
// connector, so two outputs never share a pipeline.
type claims struct {
	mu     sync.Mutex
	crtcs  map[uint32]uint32 // crtc -> connector
	planes map[uint32]uint32 // plane -> connector
}

func newClaims() *claims {
	return &claims{
		crtcs:  map[uint32]uint32{},
		planes: map[uint32]uint32{},
	}
}

func (c *claims) crtcFree(crtc, conn uint32) bool {
	owner, ok := c.crtcs[crtc]
	return !ok || owner == conn
}

func (c *claims) planeFree(plane, conn uint32) bool {
	owner, ok := c.planes[plane]
	return !ok || owner == conn
}

func (c *claims) release(conn uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for crtc, owner := range c.crtcs {
		if owner == conn {
			delete(c.crtcs, crtc)
		}
	}
	for plane, owner := range c.planes {
		if owner == conn {
			delete(c.planes, plane)
		}
	}
}

// pipeline is a CRTC together with the primary plane feeding it.
type pipeline struct {
	crtc  uint32
	plane uint32
}

// findPipeline picks a CRTC for conn, preferring the one its current
// encoder drives, and the primary plane that can feed it. Both are
// claimed for conn.
func findPipeline(dev Device, cl *claims, conn *mode.Connector) (pipeline, error) {
	res, err := dev.Resources()
	if err != nil {
		return pipeline{}, fmt.Errorf("cannot retrieve resources: %w", err)
	}

	cl.mu.Lock()
	defer cl.mu.Unlock()

	try := func(index int) (pipeline, bool) {
		crtc := res.Crtcs[index]
		if !cl.crtcFree(crtc, conn.ID) {
			return pipeline{}, false
		}
		plane, err := findPrimaryPlane(dev, cl, conn.ID, index)
		if err != nil {
			return pipeline{}, false
		}
		cl.crtcs[crtc] = conn.ID
		cl.planes[plane] = conn.ID
		return pipeline{crtc: crtc, plane: plane}, true
	}

	if conn.EncoderID != 0 {
		if enc, err := dev.Encoder(conn.EncoderID); err == nil && enc.CrtcID != 0 {
			for i, crtc := range res.Crtcs {
				if crtc != enc.CrtcID {
					continue
				}
				if p, ok := try(i); ok {
					return p, nil
				}
			}
		}
	}

	// The connector is not bound yet, or its CRTC is taken: try every CRTC
	// each of its encoders can drive.
	for _, encID := range conn.Encoders {
		enc, err := dev.Encoder(encID)
		if err != nil {
			return pipeline{}, fmt.Errorf("cannot retrieve encoder %d: %w", encID, err)
		}
		for i := range res.Crtcs {
			if enc.PossibleCrtcs&(1<<uint(i)) == 0 {
				continue
			}
			if p, ok := try(i); ok {
				return p, nil
			}
		}
	}
	return pipeline{}, fmt.Errorf("cannot find a suitable CRTC for connector %d", conn.ID)
}

func findPrimaryPlane(dev Device, cl *claims, conn uint32, crtcIndex int) (uint32, error) {
	planes, err := dev.PlaneResources()
	if err != nil {
		return 0, err
	}
	for _, id := range planes {
		plane, err := dev.Plane(id)
		if err != nil {
			return 0, err
		}
		if plane.PossibleCrtcs&(1<<uint(crtcIndex)) == 0 || !cl.planeFree(id, conn) {
			continue
		}
		props, err := NewPropertyTable(dev, id, mode.ObjectPlane)
		if err != nil {
			return 0, err
		}
		if typ, ok := props.Value("type"); ok && typ == mode.PlaneTypePrimary {
			return id, nil
		}
	}
	return 0, fmt.Errorf("no primary plane for crtc index %d", crtcIndex)
}

// currentCrtc follows the connector's encoder to the CRTC driving it, if
// any, without claiming it.
func currentCrtc(dev Device, conn *mode.Connector) (*mode.Crtc, error) {
	if conn.EncoderID == 0 {
		return nil, nil
	}
	enc, err := dev.Encoder(conn.EncoderID)
	if err != nil {
		return nil, err
	}
	if enc.CrtcID == 0 {
		return nil, nil
	}
	return dev.Crtc(enc.CrtcID)
}
