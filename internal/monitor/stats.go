package monitor

import (
	"gonum.org/v1/gonum/stat"
)

// FrameStats summarizes the pixel value distribution of one frame.
type FrameStats struct {
	Mean   float64 `json:"mean"`
	StdDev float64 `json:"std_dev"`
	Min    uint16  `json:"min"`
	Max    uint16  `json:"max"`
}

// ComputeStats calculates summary statistics over a frame's pixel values.
// An empty pixel slice yields zeroes.
func ComputeStats(pixels []uint16) FrameStats {
	if len(pixels) == 0 {
		return FrameStats{}
	}

	xs := make([]float64, len(pixels))
	min, max := pixels[0], pixels[0]
	for i, p := range pixels {
		xs[i] = float64(p)
		if p < min {
			min = p
		}
		if p > max {
			max = p
		}
	}

	return FrameStats{
		Mean:   stat.Mean(xs, nil),
		StdDev: stat.StdDev(xs, nil),
		Min:    min,
		Max:    max,
	}
}
