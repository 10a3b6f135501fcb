package conf

import (
	"fmt"
	"image"
	"math"
	"slices"

	"github.com/NeowayLabs/kmsdisplay/mode"
)

// InvalidModeIndex marks an output without a usable current mode.
const InvalidModeIndex = -1

type (
	OutputID int

	// OutputType is the kind of physical connector, numbered like the
	// kernel's connector types.
	OutputType uint32

	PixelFormat uint32
)

const (
	FormatXRGB8888 PixelFormat = mode.FormatXRGB8888
	FormatARGB8888 PixelFormat = mode.FormatARGB8888
)

func (t OutputType) String() string {
	return mode.ConnectorTypeName(uint32(t))
}

func (f PixelFormat) String() string {
	return fmt.Sprintf("%c%c%c%c", byte(f), byte(f>>8), byte(f>>16), byte(f>>24))
}

type PowerMode int

const (
	PowerOn PowerMode = iota
	PowerStandby
	PowerSuspend
	PowerOff
)

func (p PowerMode) String() string {
	switch p {
	case PowerOn:
		return "on"
	case PowerStandby:
		return "standby"
	case PowerSuspend:
		return "suspend"
	case PowerOff:
		return "off"
	}
	return fmt.Sprintf("PowerMode(%d)", int(p))
}

type FormFactor int

const (
	FormFactorUnknown FormFactor = iota
	FormFactorPhone
	FormFactorTablet
	FormFactorMonitor
	FormFactorTV
	FormFactorProjector
)

type Subpixel int

const (
	SubpixelUnknown Subpixel = iota
	SubpixelHorizontalRGB
	SubpixelHorizontalBGR
	SubpixelVerticalRGB
	SubpixelVerticalBGR
	SubpixelNone
)

// Mode is a resolution with its vertical refresh rate.
type Mode struct {
	Size        image.Point
	RefreshRate float64
}

func (m Mode) String() string {
	return fmt.Sprintf("%dx%d@%.2f", m.Size.X, m.Size.Y, m.RefreshRate)
}

// Gamma holds one lookup table per channel.
type Gamma struct {
	Red, Green, Blue []uint16
}

func (g Gamma) Empty() bool {
	return len(g.Red) == 0 && len(g.Green) == 0 && len(g.Blue) == 0
}

func (g Gamma) Equal(o Gamma) bool {
	return slices.Equal(g.Red, o.Red) && slices.Equal(g.Green, o.Green) &&
		slices.Equal(g.Blue, o.Blue)
}

func (g Gamma) Clone() Gamma {
	return Gamma{
		Red:   slices.Clone(g.Red),
		Green: slices.Clone(g.Green),
		Blue:  slices.Clone(g.Blue),
	}
}

// Output is one connector's full describable state.
type Output struct {
	ID             OutputID
	CardID         int
	Type           OutputType
	LogicalGroupID int
	Name           string

	Modes              []Mode
	PreferredModeIndex int
	PixelFormats       []PixelFormat
	EDID               []byte
	Display            DisplayInfo
	PhysicalSizeMM     image.Point
	Subpixel           Subpixel
	GammaSupported     bool

	Connected        bool
	Used             bool
	TopLeft          image.Point
	CurrentModeIndex int
	CurrentFormat    PixelFormat
	PowerMode        PowerMode
	Orientation      Orientation
	Scale            float64
	FormFactor       FormFactor
	Gamma            Gamma

	// CustomLogicalSize overrides the size derived from mode, orientation
	// and scale when non-zero.
	CustomLogicalSize image.Point
}

// CurrentMode returns the mode selected by CurrentModeIndex.
func (o *Output) CurrentMode() (Mode, bool) {
	if o.CurrentModeIndex < 0 || o.CurrentModeIndex >= len(o.Modes) {
		return Mode{}, false
	}
	return o.Modes[o.CurrentModeIndex], true
}

// Extents is the rectangle the output covers in the logical display
// space. Rotated outputs swap the mode's axes; the size is divided by the
// scale and rounded.
func (o *Output) Extents() image.Rectangle {
	var size image.Point
	switch m, ok := o.CurrentMode(); {
	case o.CustomLogicalSize != (image.Point{}):
		size = o.CustomLogicalSize
	case ok:
		size = m.Size
		if o.Orientation.Rotated() {
			size = image.Pt(size.Y, size.X)
		}
		scale := o.Scale
		if scale <= 0 {
			scale = 1
		}
		size = image.Pt(
			int(math.Round(float64(size.X)/scale)),
			int(math.Round(float64(size.Y)/scale)),
		)
	}
	return image.Rectangle{Min: o.TopLeft, Max: o.TopLeft.Add(size)}
}

// Transform is the orientation transform of this output.
func (o *Output) Transform() Matrix {
	return o.Orientation.Transform()
}

// Valid reports whether the output could be applied to hardware: a
// disconnected output must be unused, the current format must be one of
// the supported formats and a used output needs a real mode.
func (o *Output) Valid() bool {
	if !o.Connected {
		return !o.Used
	}
	if !slices.Contains(o.PixelFormats, o.CurrentFormat) {
		return false
	}
	if o.Used {
		if _, ok := o.CurrentMode(); !ok {
			return false
		}
	}
	return true
}

func (o *Output) Clone() Output {
	c := *o
	c.Modes = slices.Clone(o.Modes)
	c.PixelFormats = slices.Clone(o.PixelFormats)
	c.EDID = slices.Clone(o.EDID)
	c.Gamma = o.Gamma.Clone()
	return c
}

// Equal is full structural equality.
func (o *Output) Equal(p *Output) bool {
	return o.ID == p.ID &&
		o.CardID == p.CardID &&
		o.Type == p.Type &&
		o.LogicalGroupID == p.LogicalGroupID &&
		o.Name == p.Name &&
		slices.Equal(o.Modes, p.Modes) &&
		o.PreferredModeIndex == p.PreferredModeIndex &&
		slices.Equal(o.PixelFormats, p.PixelFormats) &&
		slices.Equal(o.EDID, p.EDID) &&
		o.Display == p.Display &&
		o.PhysicalSizeMM == p.PhysicalSizeMM &&
		o.Subpixel == p.Subpixel &&
		o.GammaSupported == p.GammaSupported &&
		o.Connected == p.Connected &&
		o.Used == p.Used &&
		o.TopLeft == p.TopLeft &&
		o.CurrentModeIndex == p.CurrentModeIndex &&
		o.CurrentFormat == p.CurrentFormat &&
		o.PowerMode == p.PowerMode &&
		o.Orientation == p.Orientation &&
		o.Scale == p.Scale &&
		o.FormFactor == p.FormFactor &&
		o.Gamma.Equal(p.Gamma) &&
		o.CustomLogicalSize == p.CustomLogicalSize
}

func (o *Output) String() string {
	state := "disconnected"
	if o.Connected {
		state = "unused"
		if o.Used {
			state = o.Extents().String()
		}
	}
	return fmt.Sprintf("output %d (%s) %s", o.ID, o.Name, state)
}
