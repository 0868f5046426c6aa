package registration

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

// stageTransform maps shifts in upsampled pixel units to stage micrometers
type stageTransform struct {
	rot   *mat.Dense
	units *mat.VecDense
	out   *mat.VecDense
	scale float64 // ample·usfac
}

func newStageTransform(angle, ample float64, usfac int) stageTransform {
	c, s := math.Cos(angle), math.Sin(angle)
	return stageTransform{
		rot:   mat.NewDense(2, 2, []float64{c, -s, s, c}),
		units: mat.NewVecDense(2, nil),
		out:   mat.NewVecDense(2, nil),
		scale: ample * float64(usfac),
	}
}

// apply returns R·[rowUnits; colUnits]/(ample·usfac)
func (t *stageTransform) apply(rowUnits, colUnits int) (x, y float64) {
	t.units.SetVec(0, float64(rowUnits))
	t.units.SetVec(1, float64(colUnits))
	t.out.MulVec(t.rot, t.units)
	return t.out.AtVec(0) / t.scale, t.out.AtVec(1) / t.scale
}

// zetas computes the normalized correlation peak of each channel
func zetas(peaks [3]float64, frameEnergy float64, refEnergy [3]float64) [3]float64 {
	var z [3]float64
	for k := range peaks {
		z[k] = math.Sqrt(peaks[k] * peaks[k] / (frameEnergy * refEnergy[k]))
	}
	return z
}

// peakRatio is (zeta_far - zeta_near)/zeta_mid, the metric fitted by calibration
func peakRatio(z [3]float64) (float64, error) {
	if z[0] == 0 || math.IsNaN(z[0]) {
		return math.NaN(), fmt.Errorf("%w: zero mid correlation peak", ErrNumeric)
	}
	return (z[1] - z[2]) / z[0], nil
}

// EstimateZ converts a peak ratio into a z displacement using the calibration slope
func EstimateZ(ratio, slope float64) (float64, error) {
	if slope == 0 || math.IsNaN(slope) {
		return math.NaN(), fmt.Errorf("%w: zero z calibration slope", ErrNumeric)
	}
	if math.IsNaN(ratio) {
		return math.NaN(), fmt.Errorf("%w: undefined peak ratio", ErrNumeric)
	}
	return ratio / slope, nil
}
