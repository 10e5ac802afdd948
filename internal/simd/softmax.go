package simd

import "math"

var softmaxImpl func(x []float64)

// Softmax normalizes x in place into a probability distribution.
func Softmax(x []float64) {
	softmaxImpl(x)
}

// SoftmaxRows applies Softmax independently to each row of a contiguous
// rows x cols buffer.
func SoftmaxRows(data []float64, rows, cols int) {
	for r := 0; r < rows; r++ {
		softmaxImpl(data[r*cols : (r+1)*cols])
	}
}

func init() {
	softmaxImpl = softmaxFallback
}

func softmaxFallback(x []float64) {
	if len(x) == 0 {
		return
	}
	max := x[0]
	for _, v := range x {
		if v > max {
			max = v
		}
	}

	sum := 0.0
	for i := range x {
		x[i] = math.Exp(x[i] - max)
		sum += x[i]
	}

	for i := range x {
		x[i] /= sum
	}
}
