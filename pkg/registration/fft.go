package registration

import (
	"gonum.org/v1/gonum/dsp/fourier"
)

// plan2D performs in-place 2D complex FFTs on a row-major buffer.
// A plan owns its column scratch and the gonum work arrays, so it must
// not be shared between goroutines.
type plan2D struct {
	rows, cols int
	rowFFT     *fourier.CmplxFFT
	colFFT     *fourier.CmplxFFT
	col        []complex128
}

func newPlan2D(rows, cols int) *plan2D {
	return &plan2D{
		rows:   rows,
		cols:   cols,
		rowFFT: fourier.NewCmplxFFT(cols),
		colFFT: fourier.NewCmplxFFT(rows),
		col:    make([]complex128, rows),
	}
}

// forward replaces data with its 2D discrete Fourier transform
func (p *plan2D) forward(data []complex128) {
	p.transform(data, true)
}

// inverse replaces data with its unnormalized inverse transform;
// the result is scaled by rows*cols
func (p *plan2D) inverse(data []complex128) {
	p.transform(data, false)
}

func (p *plan2D) transform(data []complex128, forward bool) {
	// Row-wise pass
	for i := 0; i < p.rows; i++ {
		row := data[i*p.cols : (i+1)*p.cols]
		if forward {
			p.rowFFT.Coefficients(row, row)
		} else {
			p.rowFFT.Sequence(row, row)
		}
	}

	// Column-wise pass through the scratch column
	for j := 0; j < p.cols; j++ {
		for i := 0; i < p.rows; i++ {
			p.col[i] = data[i*p.cols+j]
		}
		if forward {
			p.colFFT.Coefficients(p.col, p.col)
		} else {
			p.colFFT.Sequence(p.col, p.col)
		}
		for i := 0; i < p.rows; i++ {
			data[i*p.cols+j] = p.col[i]
		}
	}
}

// loadReal copies a real image into a complex buffer
func loadReal(dst []complex128, src []float64) {
	for i, v := range src {
		dst[i] = complex(v, 0)
	}
}

// energy returns the sum of squared magnitudes in index order
func energy(spec []complex128) float64 {
	sum := 0.0
	for _, c := range spec {
		sum += real(c)*real(c) + imag(c)*imag(c)
	}
	return sum
}
