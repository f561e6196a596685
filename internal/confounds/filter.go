package confounds

import "math"

// highpassBiquad applies a second-order Butterworth high-pass biquad to
// x in place, causal single pass. cutoffHz is the corner frequency and
// sampleHz the sampling rate (1/TR). Coefficients follow the standard
// bilinear-transform design with Q = 1/sqrt(2). A cutoff at or above
// Nyquist, or a non-positive rate, leaves x untouched.
func highpassBiquad(x []float64, cutoffHz, sampleHz float64) {
	if cutoffHz <= 0 || sampleHz <= 0 || cutoffHz >= sampleHz/2 {
		return
	}
	w0 := 2 * math.Pi * cutoffHz / sampleHz
	cosw0 := math.Cos(w0)
	alpha := math.Sin(w0) / math.Sqrt2

	b0 := (1 + cosw0) / 2
	b1 := -(1 + cosw0)
	b2 := (1 + cosw0) / 2
	a0 := 1 + alpha
	a1 := -2 * cosw0
	a2 := 1 - alpha

	b0, b1, b2 = b0/a0, b1/a0, b2/a0
	a1, a2 = a1/a0, a2/a0

	var x1, x2, y1, y2 float64
	for i, v := range x {
		y := b0*v + b1*x1 + b2*x2 - a1*y1 - a2*y2
		x2, x1 = x1, v
		y2, y1 = y1, y
		x[i] = y
	}
}

// detrendLinear removes the least-squares linear trend from x in place.
func detrendLinear(x []float64) {
	n := len(x)
	if n < 2 {
		return
	}
	// Fit x[i] = a + b*i.
	var sumT, sumX, sumTT, sumTX float64
	for i, v := range x {
		t := float64(i)
		sumT += t
		sumX += v
		sumTT += t * t
		sumTX += t * v
	}
	fn := float64(n)
	den := fn*sumTT - sumT*sumT
	if den == 0 {
		return
	}
	b := (fn*sumTX - sumT*sumX) / den
	a := (sumX - b*sumT) / fn
	for i := range x {
		x[i] -= a + b*float64(i)
	}
}

// zscore standardizes x in place. A zero standard deviation leaves the
// demeaned values as-is.
func zscore(x []float64) {
	n := len(x)
	if n == 0 {
		return
	}
	var mean float64
	for _, v := range x {
		mean += v
	}
	mean /= float64(n)
	var ss float64
	for _, v := range x {
		d := v - mean
		ss += d * d
	}
	sd := math.Sqrt(ss / float64(n))
	for i := range x {
		x[i] -= mean
		if sd > 0 {
			x[i] /= sd
		}
	}
}
