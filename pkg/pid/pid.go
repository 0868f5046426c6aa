// Package pid implements the incremental (velocity form) PID law used to
// turn registration displacements into new absolute stage targets.
package pid

import (
	"math"

	"nanodriftguard/internal/models"
)

// Gains holds the coefficients of one axis
type Gains struct {
	Kp float64 `yaml:"kp"`
	Ki float64 `yaml:"ki"`
	Kd float64 `yaml:"kd"`

	// OutputLimit bounds the magnitude of a single correction step.
	// Zero disables the limit.
	OutputLimit float64 `yaml:"outputLimit"`
}

// Controller is a single-axis incremental PID
type Controller struct {
	gains Gains

	// e1 and e2 are the errors of the previous two updates
	e1, e2 float64
}

// NewController creates a controller with zeroed history
func NewController(g Gains) *Controller {
	return &Controller{gains: g}
}

// Update consumes the current error and returns the output increment
//
//	Δu = Kp(e - e1) + Ki·e + Kd(e - 2e1 + e2)
func (c *Controller) Update(e float64) float64 {
	g := c.gains
	du := g.Kp*(e-c.e1) + g.Ki*e + g.Kd*(e-2*c.e1+c.e2)
	c.e2 = c.e1
	c.e1 = e
	if g.OutputLimit > 0 {
		du = math.Max(-g.OutputLimit, math.Min(g.OutputLimit, du))
	}
	return du
}

// Reset clears the error history
func (c *Controller) Reset() {
	c.e1, c.e2 = 0, 0
}

// Gains returns the controller coefficients
func (c *Controller) Gains() Gains {
	return c.gains
}

// Vector runs one controller per stage axis
type Vector struct {
	X, Y, Z *Controller
}

// NewVector creates per-axis controllers
func NewVector(x, y, z Gains) *Vector {
	return &Vector{X: NewController(x), Y: NewController(y), Z: NewController(z)}
}

// Next returns the new absolute target. The error signal is the negated
// displacement, so the stage is driven against the measured drift.
// Set holdZ to leave the z target untouched for this cycle without
// advancing the z history.
func (v *Vector) Next(target, displacement models.Vec3, holdZ bool) models.Vec3 {
	next := models.Vec3{
		X: target.X + v.X.Update(-displacement.X),
		Y: target.Y + v.Y.Update(-displacement.Y),
		Z: target.Z,
	}
	if !holdZ {
		next.Z += v.Z.Update(-displacement.Z)
	}
	return next
}

// Reset clears the history of all axes
func (v *Vector) Reset() {
	v.X.Reset()
	v.Y.Reset()
	v.Z.Reset()
}
