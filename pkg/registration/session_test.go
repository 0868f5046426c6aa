package registration

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nanodriftguard/internal/models"
)

// referenceTriplet builds mid/far/near frames that share the scene layout
// but differ in blur, the way planes of a focus stack do
func referenceTriplet(rows, cols int) []models.Frame {
	mid := blobScene(rows, cols)
	far := renderSpots(rows, cols, spot{float64(rows)/2 - 3, float64(cols)/2 + 2, 2.2, 1.0})
	near := renderSpots(rows, cols, spot{float64(rows)/2 - 3, float64(cols)/2 + 2, 1.0, 1.0})
	return []models.Frame{mid, far, near}
}

func TestRegisterIntegerShiftRoundTrip(t *testing.T) {
	tests := []struct {
		name       string
		rows, cols int
		usfac      int
		dr, dc     int
	}{
		{"even zero", 32, 32, 20, 0, 0},
		{"even positive", 32, 32, 20, 3, 2},
		{"even mixed", 32, 32, 20, -4, 5},
		{"odd mixed", 33, 31, 20, 2, -3},
		{"odd negative", 33, 31, 20, -5, -1},
		{"odd usfac 1", 33, 31, 1, 4, -2},
		{"even usfac 7", 32, 32, 7, -3, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			refs := referenceTriplet(tt.rows, tt.cols)
			s, err := NewSession(refs, unitAlign(tt.usfac))
			require.NoError(t, err)

			frame := circularShift(refs[models.Mid], tt.dr, tt.dc)
			d, err := s.Register(frame, 1)
			require.NoError(t, err)

			assert.InDelta(t, float64(tt.dr), d.X, 1e-9)
			assert.InDelta(t, float64(tt.dc), d.Y, 1e-9)
			assert.Equal(t, tt.dr*tt.usfac, d.Channels[models.Mid].RowUnits)
			assert.Equal(t, tt.dc*tt.usfac, d.Channels[models.Mid].ColUnits)
			assert.False(t, d.Channels[models.Mid].Wrapped)
			assert.InDelta(t, 1.0, d.Zeta[models.Mid], 1e-9, "self-correlation is fully normalized")
		})
	}
}

func TestRegisterSubpixelAccuracy(t *testing.T) {
	const usfac = 20
	refs := referenceTriplet(64, 64)
	s, err := NewSession(refs, unitAlign(usfac))
	require.NoError(t, err)

	frame := fourierShift(refs[models.Mid], 0.37, -1.24)
	d, err := s.Register(frame, 1)
	require.NoError(t, err)

	tol := 1.0 / usfac
	assert.InDelta(t, 0.37, d.X, tol)
	assert.InDelta(t, -1.24, d.Y, tol)
	assert.InDelta(t, 0.37, d.RowShift, tol)
	assert.InDelta(t, -1.24, d.ColShift, tol)
}

func TestRegisterRotationAndScale(t *testing.T) {
	refs := referenceTriplet(32, 32)
	s, err := NewSession(refs, models.AlignCalibration{Usfac: 10, Ample: 2, Angle: math.Pi / 2})
	require.NoError(t, err)

	d, err := s.Register(circularShift(refs[models.Mid], 3, 0), 1)
	require.NoError(t, err)

	// R(90°)·(3,0)/2 = (0, 1.5)
	assert.InDelta(t, 0.0, d.X, 1e-9)
	assert.InDelta(t, 1.5, d.Y, 1e-9)
	assert.InDelta(t, 3.0, d.RowShift, 1e-12)
}

func TestRegisterDeterministic(t *testing.T) {
	refs := referenceTriplet(48, 40)
	s, err := NewSession(refs, unitAlign(25))
	require.NoError(t, err)

	frame := addNoise(fourierShift(refs[models.Mid], 1.3, -0.6), 0.05, 7)
	first, err := s.Register(frame, 0.8)
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		again, err := s.Register(frame, 0.8)
		require.NoError(t, err)
		assert.Equal(t, first, again, "call %d", i)
	}
}

func TestSessionIsolation(t *testing.T) {
	refsA := referenceTriplet(32, 32)
	refsB := []models.Frame{
		renderSpots(32, 32, spot{12, 18, 1.5, 1}),
		renderSpots(32, 32, spot{12, 18, 2.3, 1}),
		renderSpots(32, 32, spot{12, 18, 1.1, 1}),
	}
	a, err := NewSession(refsA, unitAlign(10))
	require.NoError(t, err)
	b, err := NewSession(refsB, unitAlign(10))
	require.NoError(t, err)

	probe := fourierShift(refsB[models.Mid], -0.4, 0.9)
	before, err := b.Register(probe, 1)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		_, err := a.Register(fourierShift(refsA[models.Mid], float64(i)+0.25, -1.5), 1)
		require.NoError(t, err)
	}

	after, err := b.Register(probe, 1)
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

func TestRegisterZeroFrame(t *testing.T) {
	s, err := NewSession(referenceTriplet(32, 32), unitAlign(10))
	require.NoError(t, err)

	var d Displacement
	require.NotPanics(t, func() {
		d, err = s.Register(models.NewFrame(32, 32), 1)
	})
	assert.ErrorIs(t, err, ErrNumeric)
	assert.True(t, d.Degenerate)
	assert.Equal(t, 0.0, d.X)
	assert.Equal(t, 0.0, d.Y)
	assert.True(t, math.IsNaN(d.Z))
	assert.True(t, math.IsNaN(d.Ratio))
}

func TestRegisterZeroSlopeKeepsLateral(t *testing.T) {
	refs := referenceTriplet(32, 32)
	s, err := NewSession(refs, unitAlign(10))
	require.NoError(t, err)

	d, err := s.Register(circularShift(refs[models.Mid], 2, -1), 0)
	assert.ErrorIs(t, err, ErrNumeric)
	assert.InDelta(t, 2.0, d.X, 1e-9)
	assert.InDelta(t, -1.0, d.Y, 1e-9)
	assert.True(t, math.IsNaN(d.Z))
	assert.False(t, math.IsNaN(d.Ratio))
}

func TestZRatioMonotonic(t *testing.T) {
	// blur width grows linearly with z; planes at z = -1 (near), 0 (mid), +1 (far)
	sigma := func(z float64) float64 { return 1.6 + 0.4*z }
	plane := func(z float64) models.Frame {
		return renderSpots(32, 32, spot{16, 16, sigma(z), 1})
	}
	s, err := NewSession([]models.Frame{plane(0), plane(1), plane(-1)}, unitAlign(10))
	require.NoError(t, err)

	prevDiff, prevRatio := math.Inf(-1), math.Inf(-1)
	for z := -1.0; z <= 1.0+1e-9; z += 0.25 {
		m, err := s.Measure(plane(z))
		require.NoError(t, err)
		diff := m.Zeta[models.Far] - m.Zeta[models.Near]
		assert.Greater(t, diff, prevDiff, "zeta_far-zeta_near at z=%.2f", z)
		assert.Greater(t, m.Ratio, prevRatio, "ratio at z=%.2f", z)
		prevDiff, prevRatio = diff, m.Ratio
	}

	m, err := s.Measure(plane(0))
	require.NoError(t, err)
	assert.InDelta(t, 1.0, m.Zeta[models.Mid], 1e-9)
}

func TestRegisterEndToEndMarkerScenario(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping 64x64 scenario in short mode")
	}
	const usfac = 20
	// focal planes differ by blur and a small lateral walk of the marker
	near := addNoise(renderSpots(64, 64, spot{18, 20, 1.0, 1}), 0.02, 1)
	mid := addNoise(renderSpots(64, 64, spot{20, 20, 1.5, 1}), 0.02, 2)
	far := addNoise(renderSpots(64, 64, spot{22, 20, 2.2, 1}), 0.02, 3)

	s, err := NewSession([]models.Frame{mid, far, near}, unitAlign(usfac))
	require.NoError(t, err)

	frame := addNoise(renderSpots(64, 64, spot{20.5, 21.0, 1.8, 1}), 0.02, 4)
	d, err := s.Register(frame, 1)
	require.NoError(t, err)

	tol := 1.0 / usfac
	assert.InDelta(t, 0.5, d.X, tol)
	assert.InDelta(t, 1.0, d.Y, tol)

	// blur sits between mid and far, so the estimate leans toward far
	assert.Greater(t, d.Zeta[models.Far], d.Zeta[models.Near])
	assert.Greater(t, d.Z, 0.0)
}

func TestCoarsePeakOnWrapBoundaryIsClamped(t *testing.T) {
	refs := referenceTriplet(16, 16)
	s, err := NewSession(refs, unitAlign(4))
	require.NoError(t, err)

	// half-frame shift: +8 and -8 rows are the same circular shift
	d, err := s.Register(circularShift(refs[models.Mid], 8, 0), 1)
	require.NoError(t, err)

	mid := d.Channels[models.Mid]
	assert.True(t, mid.Wrapped)
	assert.Equal(t, -8*4, mid.CoarseRowUnits)
	assert.InDelta(t, -8.0, d.RowShift, 1e-12)
	assert.InDelta(t, 0.0, d.ColShift, 1e-12)
}

func TestSessionLifecycle(t *testing.T) {
	refs := referenceTriplet(32, 32)

	var s Session
	assert.False(t, s.Initialized())
	_, err := s.Register(refs[0], 1)
	assert.ErrorIs(t, err, ErrNotInitialized)

	require.NoError(t, s.EnsureInitialized(refs, unitAlign(10)))
	assert.True(t, s.Initialized())
	rows, cols := s.Dims()
	assert.Equal(t, 32, rows)
	assert.Equal(t, 32, cols)

	// EnsureInitialized does not rebuild an initialized session
	require.NoError(t, s.EnsureInitialized(referenceTriplet(16, 16), unitAlign(3)))
	rows, _ = s.Dims()
	assert.Equal(t, 32, rows)
	assert.Equal(t, 10, s.Align().Usfac)

	frame := circularShift(refs[models.Mid], 1, 1)
	before, err := s.Register(frame, 1)
	require.NoError(t, err)

	// a failed reinit leaves the previous state usable
	err = s.Init(refs[:2], unitAlign(10))
	assert.ErrorIs(t, err, ErrConfiguration)
	assert.True(t, s.Initialized())
	after, err := s.Register(frame, 1)
	require.NoError(t, err)
	assert.Equal(t, before, after)

	// explicit reinit replaces the state
	require.NoError(t, s.Init(referenceTriplet(16, 16), unitAlign(4)))
	rows, _ = s.Dims()
	assert.Equal(t, 16, rows)
	_, err = s.Register(frame, 1)
	assert.ErrorIs(t, err, ErrConfiguration, "frame size no longer matches")

	s.Close()
	assert.False(t, s.Initialized())
	_, err = s.Measure(frame)
	assert.ErrorIs(t, err, ErrNotInitialized)
}

func TestInitConfigurationErrors(t *testing.T) {
	good := referenceTriplet(16, 16)
	mismatched := []models.Frame{good[0], good[1], referenceTriplet(16, 15)[2]}
	zeroRef := []models.Frame{good[0], models.NewFrame(16, 16), good[2]}
	badLen := []models.Frame{good[0], good[1], {Rows: 16, Cols: 16, Data: make([]float64, 10)}}
	empty := []models.Frame{{}, {}, {}}

	tests := []struct {
		name  string
		refs  []models.Frame
		align models.AlignCalibration
	}{
		{"two references", good[:2], unitAlign(10)},
		{"four references", append(append([]models.Frame{}, good...), good[0]), unitAlign(10)},
		{"mismatched sizes", mismatched, unitAlign(10)},
		{"zero reference", zeroRef, unitAlign(10)},
		{"bad data length", badLen, unitAlign(10)},
		{"non-positive dims", empty, unitAlign(10)},
		{"zero usfac", good, unitAlign(0)},
		{"zero ample", good, models.AlignCalibration{Usfac: 10}},
		{"nan angle", good, models.AlignCalibration{Usfac: 10, Ample: 1, Angle: math.NaN()}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, err := NewSession(tt.refs, tt.align)
			assert.ErrorIs(t, err, ErrConfiguration)
			assert.Nil(t, s)
		})
	}
}

func TestEstimateZ(t *testing.T) {
	z, err := EstimateZ(0.5, 0.25)
	require.NoError(t, err)
	assert.Equal(t, 2.0, z)

	_, err = EstimateZ(0.5, 0)
	assert.ErrorIs(t, err, ErrNumeric)

	_, err = EstimateZ(math.NaN(), 1)
	assert.ErrorIs(t, err, ErrNumeric)
}

func BenchmarkRegister64(b *testing.B) {
	refs := referenceTriplet(64, 64)
	s, err := NewSession(refs, unitAlign(100))
	if err != nil {
		b.Fatal(err)
	}
	frame := fourierShift(refs[models.Mid], 0.37, -1.24)
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := s.Register(frame, 1); err != nil {
			b.Fatal(err)
		}
	}
}
