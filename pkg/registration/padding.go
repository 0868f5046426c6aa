package registration

// geometry is the padding layout derived from the frame size. It maps
// each spectrum row/column of an r×c cross-power spectrum onto the
// 2r×2c padded buffer, placing the four fftshift quadrants in the four
// outer corners and leaving the middle band zero.
type geometry struct {
	rows, cols       int
	padRows, padCols int

	// rowPad[u] and colPad[v] give the padded index of spectrum index u, v
	rowPad []int
	colPad []int

	// rowFreq[u] and colFreq[v] are the signed (wrapped) frequencies
	rowFreq []float64
	colFreq []float64
}

func newGeometry(rows, cols int) geometry {
	g := geometry{
		rows:    rows,
		cols:    cols,
		padRows: 2 * rows,
		padCols: 2 * cols,
	}
	g.rowPad, g.rowFreq = padAxis(rows)
	g.colPad, g.colFreq = padAxis(cols)
	return g
}

// padAxis builds the index map and frequency vector for one axis of length n.
// Indices below ceil(n/2) hold non-negative frequencies and stay at the
// front; the rest are negative frequencies and move to the back of the
// doubled axis. For odd n the split lands one past floor(n/2).
func padAxis(n int) ([]int, []float64) {
	split := n - n/2
	pad := make([]int, n)
	freq := make([]float64, n)
	for u := 0; u < n; u++ {
		if u < split {
			pad[u] = u
			freq[u] = float64(u)
		} else {
			pad[u] = u + n
			freq[u] = float64(u - n)
		}
	}
	return pad, freq
}

// scatter writes the cross-power spectrum frame ⊙ conj(ref) into the
// padded buffer. The buffer is reused across calls and holds the previous
// inverse transform, so it is cleared before the quadrants are placed.
func (g *geometry) scatter(padded, frameSpec, refSpec []complex128) {
	clear(padded)
	for u := 0; u < g.rows; u++ {
		base := g.rowPad[u] * g.padCols
		src := u * g.cols
		for v := 0; v < g.cols; v++ {
			f := frameSpec[src+v]
			r := refSpec[src+v]
			padded[base+g.colPad[v]] = f * complex(real(r), -imag(r))
		}
	}
}
