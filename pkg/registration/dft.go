package registration

import (
	"math"
	"math/cmplx"

	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/cblas128"
)

// upsampler evaluates the upsampled cross-correlation on a dftn×dftn
// window around the coarse peak by two matrix products,
//
//	W = Kr · (C ⊙ pr ⊗ pc) · Kc
//
// where Kr and Kc are the window kernels relative to the window centre
// and pr, pc are per-call phase ramps that move the window to the
// coarse peak. Kr and Kc depend only on frame size and usfac.
type upsampler struct {
	usfac    int
	dftn     int
	dftshift int

	// kr is dftn×rows, kc is cols×dftn, both row-major
	kr cblas128.General
	kc cblas128.General

	rowStep float64 // 2π/(rows·usfac)
	colStep float64 // 2π/(cols·usfac)
}

func windowSize(usfac int) (dftn, dftshift int) {
	dftn = int(math.Ceil(1.5 * float64(usfac)))
	return dftn, dftn / 2
}

func newUpsampler(g geometry, usfac int) upsampler {
	dftn, dftshift := windowSize(usfac)
	up := upsampler{
		usfac:    usfac,
		dftn:     dftn,
		dftshift: dftshift,
		rowStep:  2 * math.Pi / float64(g.rows*usfac),
		colStep:  2 * math.Pi / float64(g.cols*usfac),
	}

	up.kr = cblas128.General{Rows: dftn, Cols: g.rows, Stride: g.rows, Data: make([]complex128, dftn*g.rows)}
	for k := 0; k < dftn; k++ {
		off := float64(k - dftshift)
		for u := 0; u < g.rows; u++ {
			up.kr.Data[k*g.rows+u] = cmplx.Exp(complex(0, up.rowStep*off*g.rowFreq[u]))
		}
	}

	up.kc = cblas128.General{Rows: g.cols, Cols: dftn, Stride: dftn, Data: make([]complex128, g.cols*dftn)}
	for v := 0; v < g.cols; v++ {
		for l := 0; l < dftn; l++ {
			off := float64(l - up.dftshift)
			up.kc.Data[v*dftn+l] = cmplx.Exp(complex(0, up.colStep*g.colFreq[v]*off))
		}
	}
	return up
}

// phaseRamp fills ramp[u] = exp(i·step·units·freq[u])
func phaseRamp(ramp []complex128, freq []float64, step float64, units int) {
	for u, f := range freq {
		ramp[u] = cmplx.Exp(complex(0, step*float64(units)*f))
	}
}

// fineWindow runs the two products for one channel. product, tmp and
// window are the channel's resident scratch buffers.
func (up *upsampler) fineWindow(ch *channel, g *geometry, frameSpec []complex128, rowUnits, colUnits int) {
	phaseRamp(ch.rowRamp, g.rowFreq, up.rowStep, rowUnits)
	phaseRamp(ch.colRamp, g.colFreq, up.colStep, colUnits)

	data := ch.product.Data
	for u := 0; u < g.rows; u++ {
		pr := ch.rowRamp[u]
		base := u * g.cols
		for v := 0; v < g.cols; v++ {
			r := ch.refSpec[base+v]
			data[base+v] = frameSpec[base+v] * complex(real(r), -imag(r)) * pr * ch.colRamp[v]
		}
	}

	cblas128.Gemm(blas.NoTrans, blas.NoTrans, 1, up.kr, ch.product, 0, ch.tmp)
	cblas128.Gemm(blas.NoTrans, blas.NoTrans, 1, ch.tmp, up.kc, 0, ch.window)
}

// finePeak returns the refined shift in upsampled units and the peak magnitude
func (up *upsampler) finePeak(ch *channel, rowUnits, colUnits int) (int, int, float64) {
	idx, v := argmaxAbs2(ch.window.Data)
	k := idx / up.dftn
	l := idx % up.dftn
	return rowUnits + k - up.dftshift, colUnits + l - up.dftshift, math.Sqrt(v)
}
