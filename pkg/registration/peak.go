package registration

import "math"

// shiftTable maps an index of a length-n correlation axis to its signed
// shift, unwrapping ifftshift order: indices below ceil(n/2) stay
// positive and the rest become -floor(n/2)..-1.
func shiftTable(n int) []int {
	table := make([]int, n)
	split := n - n/2
	for p := 0; p < n; p++ {
		if p < split {
			table[p] = p
		} else {
			table[p] = p - n
		}
	}
	return table
}

// coarseTable converts padded-grid peak indices into coarse shifts in
// upsampled units: the half-pixel shift is halved, scaled by usfac and
// rounded half away from zero.
func coarseTable(padLen, usfac int) []int {
	shifts := shiftTable(padLen)
	table := make([]int, padLen)
	for p, s := range shifts {
		table[p] = int(math.Round(float64(s) * float64(usfac) / 2))
	}
	return table
}

// argmaxAbs2 returns the first index holding the largest squared
// magnitude, scanning in buffer order, and that squared magnitude.
func argmaxAbs2(data []complex128) (int, float64) {
	best := 0
	bestVal := -1.0
	for i, c := range data {
		v := real(c)*real(c) + imag(c)*imag(c)
		if v > bestVal {
			best = i
			bestVal = v
		}
	}
	return best, bestVal
}

// coarsePeak locates the integer correlation peak on the padded inverse
// transform and returns the coarse shift in upsampled units. wrapped is
// set when the peak sits on the wraparound boundary of either axis, where
// a shift of exactly half the frame is indistinguishable from its negative;
// such peaks are clamped to the negative shift.
func (s *state) coarsePeak(padded []complex128) (rowUnits, colUnits int, wrapped bool) {
	idx, _ := argmaxAbs2(padded)
	pr := idx / s.geom.padCols
	pc := idx % s.geom.padCols
	wrapped = pr == s.geom.rows || pc == s.geom.cols
	return s.coarseRow[pr], s.coarseCol[pc], wrapped
}
