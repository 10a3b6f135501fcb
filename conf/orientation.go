package conf

import "fmt"

// Orientation is the rotation applied to logical content to put it on
// the panel's scanout buffer.
type Orientation int

const (
	Normal   Orientation = 0
	Left     Orientation = 90
	Inverted Orientation = 180
	Right    Orientation = 270
)

func (o Orientation) String() string {
	switch o {
	case Normal:
		return "normal"
	case Left:
		return "left"
	case Inverted:
		return "inverted"
	case Right:
		return "right"
	}
	return fmt.Sprintf("Orientation(%d)", int(o))
}

// Rotated reports whether the orientation swaps width and height.
func (o Orientation) Rotated() bool {
	return o == Left || o == Right
}

// Matrix is a 2x2 linear transform.
type Matrix struct {
	XX, XY float64
	YX, YY float64
}

var Identity = Matrix{XX: 1, YY: 1}

func (m Matrix) Apply(x, y float64) (float64, float64) {
	return m.XX*x + m.XY*y, m.YX*x + m.YY*y
}

// Transform maps coordinates normalised to [-1,1]x[-1,1] over an output's
// logical extents onto the same box over its scanout buffer.
//
//	right:    logical top edge ends on the buffer's right edge
//	left:     logical top edge ends on the buffer's left edge
//	inverted: both axes flipped
func (o Orientation) Transform() Matrix {
	switch o {
	case Left:
		return Matrix{XX: 0, XY: 1, YX: -1, YY: 0}
	case Inverted:
		return Matrix{XX: -1, XY: 0, YX: 0, YY: -1}
	case Right:
		return Matrix{XX: 0, XY: -1, YX: 1, YY: 0}
	}
	return Identity
}
