package tensor

import "math"

// Stats summarizes a tensor's values for logging and instability audits.
type Stats struct {
	Max  float64
	Min  float64
	Mean float64
	RMS  float64
	NaNs int
	Infs int
}

func ComputeStats(data []float64) Stats {
	stats := Stats{}
	if len(data) == 0 {
		return stats
	}
	stats.Max = data[0]
	stats.Min = data[0]
	for _, v := range data {
		if v > stats.Max {
			stats.Max = v
		}
		if v < stats.Min {
			stats.Min = v
		}
		stats.Mean += v
		stats.RMS += v * v
		if math.IsNaN(v) {
			stats.NaNs++
		}
		if math.IsInf(v, 0) {
			stats.Infs++
		}
	}
	n := float64(len(data))
	stats.Mean /= n
	stats.RMS = math.Sqrt(stats.RMS / n)
	return stats
}

func (s Stats) IsFinite() bool {
	return s.NaNs == 0 && s.Infs == 0
}
