package models

import (
	"fmt"
	"math"
)

// Frame represents a single 2D camera image with values normalized to [0,1]
type Frame struct {
	// Data is the pixel data as a 1D array in row-major order
	Data []float64

	// Rows is the height of the frame in pixels
	Rows int

	// Cols is the width of the frame in pixels
	Cols int
}

// NewFrame allocates a zero frame of the given dimensions
func NewFrame(rows, cols int) Frame {
	return Frame{
		Data: make([]float64, rows*cols),
		Rows: rows,
		Cols: cols,
	}
}

// At returns the pixel value at (row, col)
func (f Frame) At(row, col int) float64 {
	return f.Data[row*f.Cols+col]
}

// Set stores a pixel value at (row, col)
func (f Frame) Set(row, col int, v float64) {
	f.Data[row*f.Cols+col] = v
}

// Clone returns a deep copy of the frame
func (f Frame) Clone() Frame {
	data := make([]float64, len(f.Data))
	copy(data, f.Data)
	return Frame{Data: data, Rows: f.Rows, Cols: f.Cols}
}

// Validate checks that the dimensions are positive and match the data length
func (f Frame) Validate() error {
	if f.Rows <= 0 || f.Cols <= 0 {
		return fmt.Errorf("non-positive frame dimensions %dx%d", f.Rows, f.Cols)
	}
	if len(f.Data) != f.Rows*f.Cols {
		return fmt.Errorf("frame data length %d does not match %dx%d", len(f.Data), f.Rows, f.Cols)
	}
	return nil
}

// SameSize reports whether two frames share dimensions
func (f Frame) SameSize(o Frame) bool {
	return f.Rows == o.Rows && f.Cols == o.Cols
}

// Channel identifies one of the three reference planes
type Channel int

const (
	// Mid is the middle plane of the reference stack and the lateral reference
	Mid Channel = iota
	// Far is the last plane of the reference stack
	Far
	// Near is the first plane of the reference stack
	Near
)

// NumChannels is the size of a reference set
const NumChannels = 3

func (c Channel) String() string {
	switch c {
	case Mid:
		return "mid"
	case Far:
		return "far"
	case Near:
		return "near"
	}
	return fmt.Sprintf("channel(%d)", int(c))
}

// SelectReferences picks the reference set from a z-stack: the middle,
// last and first frame, in channel order.
func SelectReferences(stack []Frame) ([]Frame, error) {
	if len(stack) < NumChannels {
		return nil, fmt.Errorf("z-stack needs at least %d frames, got %d", NumChannels, len(stack))
	}
	return []Frame{stack[len(stack)/2], stack[len(stack)-1], stack[0]}, nil
}

// AlignCalibration holds the fixed alignment constants of a registration session
type AlignCalibration struct {
	// Usfac is the upsampling factor; shifts are resolved to 1/Usfac pixel
	Usfac int `yaml:"usfac"`

	// Ample is the image scale in pixels per micrometer
	Ample float64 `yaml:"ample"`

	// Angle is the rotation from camera axes to stage axes in radians
	Angle float64 `yaml:"angle"`
}

// Validate checks the alignment constants
func (a AlignCalibration) Validate() error {
	if a.Usfac < 1 {
		return fmt.Errorf("usfac must be >= 1, got %d", a.Usfac)
	}
	if !(a.Ample > 0) || math.IsInf(a.Ample, 0) {
		return fmt.Errorf("ample must be positive and finite, got %v", a.Ample)
	}
	if math.IsNaN(a.Angle) || math.IsInf(a.Angle, 0) {
		return fmt.Errorf("angle must be finite, got %v", a.Angle)
	}
	return nil
}

// Vec3 is a point or displacement in stage coordinates (micrometers)
type Vec3 struct {
	X, Y, Z float64
}

// Add returns v+o
func (v Vec3) Add(o Vec3) Vec3 {
	return Vec3{v.X + o.X, v.Y + o.Y, v.Z + o.Z}
}

// Sub returns v-o
func (v Vec3) Sub(o Vec3) Vec3 {
	return Vec3{v.X - o.X, v.Y - o.Y, v.Z - o.Z}
}

// Scale returns v*s
func (v Vec3) Scale(s float64) Vec3 {
	return Vec3{v.X * s, v.Y * s, v.Z * s}
}

// Array returns the components as an array
func (v Vec3) Array() [3]float64 {
	return [3]float64{v.X, v.Y, v.Z}
}

// ZCalibration is the linear fit of the peak-ratio metric against stage z
type ZCalibration struct {
	// Slope of ratio versus position, in 1/µm. This is the per-call k.
	Slope float64 `yaml:"slope"`

	// Intercept of the fitted line
	Intercept float64 `yaml:"intercept"`

	// Offset is added to the raw z estimate so that it reads zero at
	// the reference stage position
	Offset float64 `yaml:"offset"`

	// ReferencePosition is the stage z of the mid reference frame
	ReferencePosition float64 `yaml:"referencePosition"`

	// Strategy names the offset strategy that produced Offset
	Strategy string `yaml:"strategy"`

	// Positions and Ratios are the raw sweep samples
	Positions []float64 `yaml:"positions,omitempty"`
	Ratios    []float64 `yaml:"ratios,omitempty"`
}
