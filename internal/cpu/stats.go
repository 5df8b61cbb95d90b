package cpu

import "math"

// Stats summarizes a slice of values for debug logging.
type Stats struct {
	Max  float32
	Min  float32
	Mean float32
	RMS  float32
	NaNs int
	Infs int
}

// ComputeStats scans vals once. NaN and Inf entries are counted and
// excluded from the moments.
func ComputeStats(vals []float32) Stats {
	var s Stats
	if len(vals) == 0 {
		return s
	}

	first := true
	sum := float64(0)
	sumSq := float64(0)
	for _, v := range vals {
		if math.IsNaN(float64(v)) {
			s.NaNs++
			continue
		}
		if math.IsInf(float64(v), 0) {
			s.Infs++
			continue
		}
		if first {
			s.Max, s.Min = v, v
			first = false
		}
		if v > s.Max {
			s.Max = v
		}
		if v < s.Min {
			s.Min = v
		}
		sum += float64(v)
		sumSq += float64(v) * float64(v)
	}

	n := len(vals) - s.NaNs - s.Infs
	if n > 0 {
		s.Mean = float32(sum / float64(n))
		s.RMS = float32(math.Sqrt(sumSq / float64(n)))
	}
	return s
}
