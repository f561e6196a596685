package confounds

// CensorParams configures frame censoring.
type CensorParams struct {
	FDThreshMM    float64
	DVARSThresh   float64
	PadVols       int
	MinContigVols int
}

// CensorResult is the binary censor vector plus its bookkeeping.
type CensorResult struct {
	// Censor holds 1 for censored volumes and 0 for kept ones.
	Censor []int
	NKept     int
	NCensored int
	// KeptSegments lists the [start, end) bounds of surviving runs.
	KeptSegments [][2]int
}

// Censor flags volumes whose FD or DVARS exceeds its threshold (strict
// comparison), dilates flags symmetrically by PadVols, then flags any
// kept run shorter than MinContigVols that is terminated by a censored
// volume. The contiguity rule applies only to runs bounded on the right
// by a censored volume; a short kept run at the end of the series is
// retained.
func Censor(fd, dvars []float64, p CensorParams) CensorResult {
	n := len(fd)
	censor := make([]int, n)

	for t := 0; t < n; t++ {
		if fd[t] > p.FDThreshMM || (t < len(dvars) && dvars[t] > p.DVARSThresh) {
			censor[t] = 1
		}
	}

	if p.PadVols > 0 {
		pad := p.PadVols
		if pad > n-1 {
			pad = n - 1
		}
		padded := make([]int, n)
		copy(padded, censor)
		for t := 0; t < n; t++ {
			if censor[t] == 1 {
				for d := 1; d <= pad; d++ {
					if t-d >= 0 {
						padded[t-d] = 1
					}
					if t+d < n {
						padded[t+d] = 1
					}
				}
			}
		}
		censor = padded
	}

	if p.MinContigVols > 1 {
		runStart := -1
		for t := 0; t < n; t++ {
			if censor[t] == 0 {
				if runStart < 0 {
					runStart = t
				}
				continue
			}
			if runStart >= 0 && t-runStart < p.MinContigVols {
				for i := runStart; i < t; i++ {
					censor[i] = 1
				}
			}
			runStart = -1
		}
	}

	res := CensorResult{Censor: censor}
	runStart := -1
	for t := 0; t < n; t++ {
		if censor[t] == 0 {
			res.NKept++
			if runStart < 0 {
				runStart = t
			}
		} else {
			res.NCensored++
			if runStart >= 0 {
				res.KeptSegments = append(res.KeptSegments, [2]int{runStart, t})
				runStart = -1
			}
		}
	}
	if runStart >= 0 {
		res.KeptSegments = append(res.KeptSegments, [2]int{runStart, n})
	}
	return res
}
