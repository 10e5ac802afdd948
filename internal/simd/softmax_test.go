package simd

import (
	"math"
	"math/rand"
	"testing"
)

func TestSoftmax_Precision(t *testing.T) {
	testCases := []struct {
		name     string
		length   int
		maxRange float64
	}{
		{"Short_Normal", 32, 5.0},
		{"Long_Extreme", 1024, 50.0},
		{"Mid_Range", 256, 10.0},
	}

	rng := rand.New(rand.NewSource(42))
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			input := make([]float64, tc.length)
			for i := range input {
				input[i] = (rng.Float64() - 0.5) * tc.maxRange
			}

			// Reference computed independently
			expected := make([]float64, tc.length)
			maxVal := input[0]
			for _, v := range input {
				if v > maxVal {
					maxVal = v
				}
			}
			sum := 0.0
			for i, v := range input {
				expected[i] = math.Exp(v - maxVal)
				sum += expected[i]
			}
			for i := range expected {
				expected[i] /= sum
			}

			got := make([]float64, tc.length)
			copy(got, input)
			Softmax(got)

			for i := range got {
				diff := math.Abs(expected[i] - got[i])
				if diff > 1e-12 {
					t.Errorf("Mismatch at index %d: expected %g, got %g, diff %g", i, expected[i], got[i], diff)
				}
			}

			total := 0.0
			for _, v := range got {
				total += v
			}
			if math.Abs(total-1.0) > 1e-9 {
				t.Errorf("Sum mismatch: %f (expected 1.0)", total)
			}
		})
	}
}

func TestSoftmax_Empty(t *testing.T) {
	Softmax(nil)
	Softmax([]float64{})
}

func TestSoftmax_SingleElement(t *testing.T) {
	x := []float64{3.7}
	Softmax(x)
	if math.Abs(x[0]-1.0) > 1e-15 {
		t.Errorf("single element softmax should be 1.0, got %g", x[0])
	}
}

func TestSoftmaxRows(t *testing.T) {
	data := []float64{
		1, 2, 3,
		0, 0, 0,
	}
	SoftmaxRows(data, 2, 3)

	for r := 0; r < 2; r++ {
		sum := 0.0
		for c := 0; c < 3; c++ {
			sum += data[r*3+c]
		}
		if math.Abs(sum-1.0) > 1e-12 {
			t.Errorf("row %d: sum %f, expected 1.0", r, sum)
		}
	}

	// Row of equal scores must be uniform
	for c := 0; c < 3; c++ {
		if math.Abs(data[3+c]-1.0/3.0) > 1e-12 {
			t.Errorf("uniform row element %d: got %g, want 1/3", c, data[3+c])
		}
	}

	// Monotonicity on the first row
	if !(data[0] < data[1] && data[1] < data[2]) {
		t.Errorf("softmax must preserve ordering: %v", data[:3])
	}
}

func TestSoftmax_LargeNegativeMask(t *testing.T) {
	x := []float64{1.0, math.Inf(-1), 2.0}
	Softmax(x)
	if x[1] != 0 {
		t.Errorf("masked position should get zero weight, got %g", x[1])
	}
	if math.Abs(x[0]+x[2]-1.0) > 1e-12 {
		t.Errorf("remaining weights should sum to 1, got %g", x[0]+x[2])
	}
}
