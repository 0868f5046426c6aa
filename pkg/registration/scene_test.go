package registration

import (
	"math"
	"math/rand"

	"nanodriftguard/internal/models"
)

// spot describes a Gaussian marker rendered into a test frame
type spot struct {
	row, col, sigma, amp float64
}

// renderSpots point-samples a sum of Gaussian spots on a rows×cols grid
func renderSpots(rows, cols int, spots ...spot) models.Frame {
	f := models.NewFrame(rows, cols)
	for r := 0; r < rows; r++ {
		for c := 0; c < cols; c++ {
			v := 0.0
			for _, s := range spots {
				dr := float64(r) - s.row
				dc := float64(c) - s.col
				v += s.amp * math.Exp(-(dr*dr+dc*dc)/(2*s.sigma*s.sigma))
			}
			f.Set(r, c, v)
		}
	}
	return f
}

// addNoise adds seeded uniform noise in [0, amp)
func addNoise(f models.Frame, amp float64, seed int64) models.Frame {
	rng := rand.New(rand.NewSource(seed))
	out := f.Clone()
	for i := range out.Data {
		out.Data[i] += amp * rng.Float64()
	}
	return out
}

// circularShift moves content by (dr, dc) pixels with wraparound
func circularShift(f models.Frame, dr, dc int) models.Frame {
	out := models.NewFrame(f.Rows, f.Cols)
	for r := 0; r < f.Rows; r++ {
		for c := 0; c < f.Cols; c++ {
			sr := ((r-dr)%f.Rows + f.Rows) % f.Rows
			sc := ((c-dc)%f.Cols + f.Cols) % f.Cols
			out.Set(r, c, f.At(sr, sc))
		}
	}
	return out
}

// fourierShift translates a frame by a fractional offset using the shift theorem
func fourierShift(f models.Frame, dr, dc float64) models.Frame {
	g := newGeometry(f.Rows, f.Cols)
	plan := newPlan2D(f.Rows, f.Cols)
	spec := make([]complex128, f.Rows*f.Cols)
	loadReal(spec, f.Data)
	plan.forward(spec)
	for u := 0; u < f.Rows; u++ {
		for v := 0; v < f.Cols; v++ {
			phase := -2 * math.Pi * (g.rowFreq[u]*dr/float64(f.Rows) + g.colFreq[v]*dc/float64(f.Cols))
			spec[u*f.Cols+v] *= complex(math.Cos(phase), math.Sin(phase))
		}
	}
	plan.inverse(spec)
	out := models.NewFrame(f.Rows, f.Cols)
	n := float64(f.Rows * f.Cols)
	for i, c := range spec {
		out.Data[i] = real(c) / n
	}
	return out
}

// blobScene is an asymmetric arrangement of spots kept away from the border
func blobScene(rows, cols int) models.Frame {
	cr, cc := float64(rows)/2, float64(cols)/2
	return renderSpots(rows, cols,
		spot{cr - 3, cc + 2, 1.6, 1.0},
		spot{cr + 2.5, cc - 3, 1.2, 0.6},
		spot{cr + 1, cc + 4, 1.0, 0.4},
	)
}

func unitAlign(usfac int) models.AlignCalibration {
	return models.AlignCalibration{Usfac: usfac, Ample: 1, Angle: 0}
}
