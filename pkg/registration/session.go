// Package registration implements sub-pixel 3D image registration against a
// three-plane reference set: coarse 2x-padded FFT cross-correlation, a
// matrix-multiply DFT refinement around the coarse peak, a rotation/scale
// into stage coordinates, and a z estimate from the ratio of normalized
// correlation peaks.
//
// All buffers are allocated once by Init and reused by every call.
package registration

import (
	"fmt"
	"math"
	"sync"

	"gonum.org/v1/gonum/blas/cblas128"

	"nanodriftguard/internal/models"
)

// ChannelResult is the peak search outcome for one reference channel
type ChannelResult struct {
	// CoarseRowUnits and CoarseColUnits are the coarse shift in 1/usfac pixels
	CoarseRowUnits, CoarseColUnits int

	// RowUnits and ColUnits are the refined shift in 1/usfac pixels
	RowUnits, ColUnits int

	// Peak is the magnitude of the refined cross-correlation peak
	Peak float64

	// Wrapped is set when the coarse peak sat on the wraparound boundary
	Wrapped bool
}

// Measurement holds everything a single pass over a frame produces,
// before conversion to stage units
type Measurement struct {
	// RowShift and ColShift are the mid channel shift in pixels
	RowShift, ColShift float64

	Channels [models.NumChannels]ChannelResult

	// FrameEnergy is the sum of squared spectrum magnitudes of the frame
	FrameEnergy float64

	// Zeta is the normalized correlation peak per channel
	Zeta [models.NumChannels]float64

	// Ratio is (zeta_far - zeta_near)/zeta_mid, NaN when undefined
	Ratio float64

	// Degenerate is set for a zero-energy frame; the shift is then zero
	Degenerate bool
}

// Displacement is the registration result in stage coordinates (µm)
type Displacement struct {
	X, Y, Z float64
	Measurement
}

// Vec3 returns the displacement as a stage vector
func (d Displacement) Vec3() models.Vec3 {
	return models.Vec3{X: d.X, Y: d.Y, Z: d.Z}
}

// channel holds the resident buffers of one reference plane
type channel struct {
	refSpec   []complex128
	refEnergy float64

	// padded is the 2r×2c spectrum/correlation buffer with its own plan
	padded  []complex128
	padPlan *plan2D

	// product is r×c, tmp is dftn×c, window is dftn×dftn
	product cblas128.General
	tmp     cblas128.General
	window  cblas128.General

	rowRamp []complex128
	colRamp []complex128
}

// state is everything derived from frame size, references and alignment
type state struct {
	geom  geometry
	align models.AlignCalibration

	coarseRow []int
	coarseCol []int

	up    upsampler
	xform stageTransform

	framePlan *plan2D
	frameSpec []complex128

	channels [models.NumChannels]channel
}

// Session owns the persistent registration state. The zero value is an
// uninitialized session. A Session is not safe for concurrent use:
// Register and Measure reuse internal scratch buffers.
type Session struct {
	st *state
}

// NewSession creates and initializes a session
func NewSession(refs []models.Frame, align models.AlignCalibration) (*Session, error) {
	s := &Session{}
	if err := s.Init(refs, align); err != nil {
		return nil, err
	}
	return s, nil
}

// Init computes the reference spectra and allocates every buffer used by
// Register. The new state is installed only if construction succeeds; an
// already initialized session is replaced.
func (s *Session) Init(refs []models.Frame, align models.AlignCalibration) error {
	st, err := buildState(refs, align)
	if err != nil {
		return err
	}
	s.st = st
	return nil
}

// EnsureInitialized initializes the session on first use and is a no-op afterwards
func (s *Session) EnsureInitialized(refs []models.Frame, align models.AlignCalibration) error {
	if s.st != nil {
		return nil
	}
	return s.Init(refs, align)
}

// Close discards all cached state
func (s *Session) Close() {
	s.st = nil
}

// Initialized reports whether the session is ready for Register
func (s *Session) Initialized() bool {
	return s.st != nil
}

// Dims returns the frame dimensions the session was built for
func (s *Session) Dims() (rows, cols int) {
	if s.st == nil {
		return 0, 0
	}
	return s.st.geom.rows, s.st.geom.cols
}

// Align returns the alignment calibration of the session
func (s *Session) Align() models.AlignCalibration {
	if s.st == nil {
		return models.AlignCalibration{}
	}
	return s.st.align
}

func buildState(refs []models.Frame, align models.AlignCalibration) (*state, error) {
	if len(refs) != models.NumChannels {
		return nil, fmt.Errorf("%w: reference set needs %d frames, got %d", ErrConfiguration, models.NumChannels, len(refs))
	}
	if err := align.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConfiguration, err)
	}
	for i, ref := range refs {
		if err := ref.Validate(); err != nil {
			return nil, fmt.Errorf("%w: %s reference: %v", ErrConfiguration, models.Channel(i), err)
		}
		if !ref.SameSize(refs[0]) {
			return nil, fmt.Errorf("%w: %s reference is %dx%d, expected %dx%d", ErrConfiguration,
				models.Channel(i), ref.Rows, ref.Cols, refs[0].Rows, refs[0].Cols)
		}
	}

	rows, cols := refs[0].Rows, refs[0].Cols
	st := &state{
		geom:      newGeometry(rows, cols),
		align:     align,
		framePlan: newPlan2D(rows, cols),
		frameSpec: make([]complex128, rows*cols),
	}
	st.coarseRow = coarseTable(st.geom.padRows, align.Usfac)
	st.coarseCol = coarseTable(st.geom.padCols, align.Usfac)
	st.up = newUpsampler(st.geom, align.Usfac)
	st.xform = newStageTransform(align.Angle, align.Ample, align.Usfac)

	dftn := st.up.dftn
	for i, ref := range refs {
		ch := &st.channels[i]
		ch.refSpec = make([]complex128, rows*cols)
		loadReal(ch.refSpec, ref.Data)
		st.framePlan.forward(ch.refSpec)
		ch.refEnergy = energy(ch.refSpec)
		if ch.refEnergy == 0 || math.IsNaN(ch.refEnergy) || math.IsInf(ch.refEnergy, 0) {
			return nil, fmt.Errorf("%w: %s reference has no usable energy", ErrConfiguration, models.Channel(i))
		}

		ch.padded = make([]complex128, st.geom.padRows*st.geom.padCols)
		ch.padPlan = newPlan2D(st.geom.padRows, st.geom.padCols)
		ch.product = cblas128.General{Rows: rows, Cols: cols, Stride: cols, Data: make([]complex128, rows*cols)}
		ch.tmp = cblas128.General{Rows: dftn, Cols: cols, Stride: cols, Data: make([]complex128, dftn*cols)}
		ch.window = cblas128.General{Rows: dftn, Cols: dftn, Stride: dftn, Data: make([]complex128, dftn*dftn)}
		ch.rowRamp = make([]complex128, rows)
		ch.colRamp = make([]complex128, cols)
	}
	return st, nil
}

// Measure uploads a frame and runs the coarse and fine peak search on all
// three channels. It does not need a z calibration.
func (s *Session) Measure(frame models.Frame) (Measurement, error) {
	st := s.st
	if st == nil {
		return Measurement{}, ErrNotInitialized
	}
	if err := frame.Validate(); err != nil {
		return Measurement{}, fmt.Errorf("%w: %v", ErrConfiguration, err)
	}
	if frame.Rows != st.geom.rows || frame.Cols != st.geom.cols {
		return Measurement{}, fmt.Errorf("%w: frame is %dx%d, session expects %dx%d",
			ErrConfiguration, frame.Rows, frame.Cols, st.geom.rows, st.geom.cols)
	}

	loadReal(st.frameSpec, frame.Data)
	st.framePlan.forward(st.frameSpec)

	m := Measurement{FrameEnergy: energy(st.frameSpec)}
	if m.FrameEnergy == 0 || math.IsNaN(m.FrameEnergy) {
		m.Degenerate = true
		m.Ratio = math.NaN()
		for k := range m.Zeta {
			m.Zeta[k] = math.NaN()
		}
		return m, nil
	}

	var wg sync.WaitGroup
	for k := range st.channels {
		wg.Add(1)
		go func(k int) {
			defer wg.Done()
			m.Channels[k] = st.registerChannel(&st.channels[k])
		}(k)
	}
	wg.Wait()

	var peaks, refEnergy [models.NumChannels]float64
	for k := range st.channels {
		peaks[k] = m.Channels[k].Peak
		refEnergy[k] = st.channels[k].refEnergy
	}
	m.Zeta = zetas(peaks, m.FrameEnergy, refEnergy)
	m.Ratio, _ = peakRatio(m.Zeta)

	usfac := float64(st.align.Usfac)
	m.RowShift = float64(m.Channels[models.Mid].RowUnits) / usfac
	m.ColShift = float64(m.Channels[models.Mid].ColUnits) / usfac
	return m, nil
}

// registerChannel runs padding, coarse search and DFT refinement for one channel
func (st *state) registerChannel(ch *channel) ChannelResult {
	st.geom.scatter(ch.padded, st.frameSpec, ch.refSpec)
	ch.padPlan.inverse(ch.padded)

	var res ChannelResult
	res.CoarseRowUnits, res.CoarseColUnits, res.Wrapped = st.coarsePeak(ch.padded)

	st.up.fineWindow(ch, &st.geom, st.frameSpec, res.CoarseRowUnits, res.CoarseColUnits)
	res.RowUnits, res.ColUnits, res.Peak = st.up.finePeak(ch, res.CoarseRowUnits, res.CoarseColUnits)
	return res
}

// Register estimates the displacement of frame relative to the reference set.
// zSlope is the z calibration slope. When the z estimate is degenerate the
// returned error wraps ErrNumeric, Z is NaN and X, Y remain valid unless
// the frame itself carried no energy.
func (s *Session) Register(frame models.Frame, zSlope float64) (Displacement, error) {
	m, err := s.Measure(frame)
	if err != nil {
		return Displacement{}, err
	}
	d := Displacement{Z: math.NaN(), Measurement: m}
	if m.Degenerate {
		return d, fmt.Errorf("%w: frame has zero energy", ErrNumeric)
	}

	mid := m.Channels[models.Mid]
	d.X, d.Y = s.st.xform.apply(mid.RowUnits, mid.ColUnits)

	if _, err := peakRatio(m.Zeta); err != nil {
		return d, err
	}
	d.Z, err = EstimateZ(m.Ratio, zSlope)
	return d, err
}
