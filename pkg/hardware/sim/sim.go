// Package sim provides a simulated drifting stage and a camera that renders
// the sample marker the stage carries. The pair is deterministic for a
// given seed, which makes it usable both for tests and for dry runs of the
// control loop without hardware.
package sim

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"sync"

	"nanodriftguard/internal/models"
	"nanodriftguard/pkg/hardware"
)

// Drift is a sample drift model evaluated per acquired frame
type Drift struct {
	// Rate is the linear drift per frame in µm
	Rate models.Vec3 `yaml:"rate"`

	// Amplitude and Period describe a sinusoidal component; Period is in frames
	Amplitude models.Vec3 `yaml:"amplitude"`
	Period    float64     `yaml:"period"`
}

// At returns the accumulated drift after n frames
func (d Drift) At(n int) models.Vec3 {
	out := d.Rate.Scale(float64(n))
	if d.Period > 0 {
		out = out.Add(d.Amplitude.Scale(math.Sin(2 * math.Pi * float64(n) / d.Period)))
	}
	return out
}

// Stage is a simulated nanopositioner. Moves complete instantly but the
// stage reports motion for SettlePolls polls afterwards.
type Stage struct {
	// SettlePolls is how many Moving polls report true after each move
	SettlePolls int

	// FailAfter makes the move after the given count fail; zero never fails
	FailAfter int

	mu        sync.Mutex
	pos       models.Vec3
	pending   int
	moves     []models.Vec3
	connected bool
}

// NewStage creates a stage resting at start
func NewStage(start models.Vec3) *Stage {
	return &Stage{pos: start}
}

func (s *Stage) Connect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connected = true
	return nil
}

func (s *Stage) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connected = false
	return nil
}

// Connected reports whether the stage handle is open
func (s *Stage) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

func (s *Stage) MoveTo(ctx context.Context, target models.Vec3) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.connected {
		return fmt.Errorf("%w: stage not connected", hardware.ErrHardware)
	}
	if s.FailAfter > 0 && len(s.moves) >= s.FailAfter {
		s.FailAfter = 0
		return fmt.Errorf("%w: simulated controller fault on move %d", hardware.ErrHardware, len(s.moves)+1)
	}
	s.pos = target
	s.pending = s.SettlePolls
	s.moves = append(s.moves, target)
	return nil
}

func (s *Stage) Position(ctx context.Context) (models.Vec3, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.connected {
		return models.Vec3{}, fmt.Errorf("%w: stage not connected", hardware.ErrHardware)
	}
	return s.pos, nil
}

func (s *Stage) Moving(ctx context.Context) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.connected {
		return false, fmt.Errorf("%w: stage not connected", hardware.ErrHardware)
	}
	if s.pending > 0 {
		s.pending--
		return true, nil
	}
	return false, nil
}

// Moves returns every accepted move target in order
func (s *Stage) Moves() []models.Vec3 {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.Vec3, len(s.moves))
	copy(out, s.moves)
	return out
}

// current returns the position without the connection check
func (s *Stage) current() models.Vec3 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pos
}

// Optics describes how the simulated camera images the marker
type Optics struct {
	Rows int `yaml:"rows"`
	Cols int `yaml:"cols"`

	// Ample is pixels per µm and Angle the camera rotation, matching the
	// alignment calibration the registration session uses
	Ample float64 `yaml:"ample"`
	Angle float64 `yaml:"angle"`

	// Sigma is the marker blur in pixels at the origin plane; it grows by
	// DefocusRate pixels per µm of z
	Sigma       float64 `yaml:"sigma"`
	DefocusRate float64 `yaml:"defocusRate"`

	Background float64 `yaml:"background"`
	Noise      float64 `yaml:"noise"`
	Seed       int64   `yaml:"seed"`
}

// DefaultOptics returns a 64×64 scene with a clearly resolved marker
func DefaultOptics() Optics {
	return Optics{
		Rows:        64,
		Cols:        64,
		Ample:       10,
		Sigma:       2.0,
		DefocusRate: 0.5,
		Background:  0.05,
		Noise:       0.01,
		Seed:        1,
	}
}

// Camera renders the marker seen through the stage. The marker offset in
// pixels follows the stage's departure from Origin plus the sample drift.
type Camera struct {
	Optics Optics
	Drift  Drift

	// Origin is the stage position at which the marker sits at frame centre
	Origin models.Vec3

	// OpenFailures makes the first Open calls fail
	OpenFailures int

	stage  *Stage
	mu     sync.Mutex
	rng    *rand.Rand
	frames int
	open   bool
}

// NewCamera creates a camera that observes stage
func NewCamera(stage *Stage, optics Optics, drift Drift, origin models.Vec3) *Camera {
	return &Camera{
		Optics: optics,
		Drift:  drift,
		Origin: origin,
		stage:  stage,
		rng:    rand.New(rand.NewSource(optics.Seed)),
	}
}

func (c *Camera) Open(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.OpenFailures > 0 {
		c.OpenFailures--
		return fmt.Errorf("%w: camera did not answer", hardware.ErrHardware)
	}
	c.open = true
	return nil
}

func (c *Camera) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.open = false
	return nil
}

// IsOpen reports whether the camera handle is open
func (c *Camera) IsOpen() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.open
}

func (c *Camera) Size() (int, int) {
	return c.Optics.Rows, c.Optics.Cols
}

// Frames returns the number of frames acquired so far
func (c *Camera) Frames() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.frames
}

// Offset returns the sample offset from the origin that the next frame shows
func (c *Camera) Offset() models.Vec3 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stage.current().Sub(c.Origin).Add(c.Drift.At(c.frames))
}

func (c *Camera) Acquire(ctx context.Context) (models.Frame, error) {
	if err := ctx.Err(); err != nil {
		return models.Frame{}, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.open {
		return models.Frame{}, fmt.Errorf("%w: camera not open", hardware.ErrHardware)
	}
	offset := c.stage.current().Sub(c.Origin).Add(c.Drift.At(c.frames))
	c.frames++
	return c.render(offset), nil
}

// render draws the marker for a stage-frame offset. The pixel shift is
// R^T·offset·ample, so that registration maps it back onto offset.
func (c *Camera) render(offset models.Vec3) models.Frame {
	o := c.Optics
	cos, sin := math.Cos(o.Angle), math.Sin(o.Angle)
	dr := (cos*offset.X + sin*offset.Y) * o.Ample
	dc := (-sin*offset.X + cos*offset.Y) * o.Ample
	sigma := math.Max(0.6, o.Sigma+o.DefocusRate*offset.Z)

	cr := float64(o.Rows)/2 + dr
	cc := float64(o.Cols)/2 + dc
	f := models.NewFrame(o.Rows, o.Cols)
	for r := 0; r < o.Rows; r++ {
		for col := 0; col < o.Cols; col++ {
			y := float64(r) - cr
			x := float64(col) - cc
			v := o.Background + 0.8*math.Exp(-(x*x+y*y)/(2*sigma*sigma))
			if o.Noise > 0 {
				v += o.Noise * c.rng.Float64()
			}
			f.Set(r, col, math.Max(0, math.Min(1, v)))
		}
	}
	return f
}
