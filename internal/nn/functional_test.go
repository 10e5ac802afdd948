package nn

import (
	"math"
	"testing"

	"github.com/AlessioBray/he-compliant-approximation/internal/tensor"
)

func TestScaledDotProduct(t *testing.T) {
	// One batch, one query, two keys, head_dim 4.
	q := tensor.NewFrom([]float64{1, 0, 1, 0}, 1, 1, 4)
	k := tensor.NewFrom([]float64{
		1, 1, 1, 1,
		2, 0, 2, 0,
	}, 1, 2, 4)
	scores := ScaledDotProduct(q, k)

	if !tensor.EqualDims(scores.Dims(), []int{1, 1, 2}) {
		t.Fatalf("unexpected score dims %v", scores.Dims())
	}
	scale := 1.0 / math.Sqrt(4)
	if math.Abs(scores.At(0, 0, 0)-2*scale) > 1e-12 {
		t.Errorf("score 0: got %v, want %v", scores.At(0, 0, 0), 2*scale)
	}
	if math.Abs(scores.At(0, 0, 1)-4*scale) > 1e-12 {
		t.Errorf("score 1: got %v, want %v", scores.At(0, 0, 1), 4*scale)
	}
}

func TestScaledDotProductLeavesInputsIntact(t *testing.T) {
	q := tensor.NewFrom([]float64{3, 5}, 1, 1, 2)
	k := tensor.NewFrom([]float64{1, 1}, 1, 1, 2)
	ScaledDotProduct(q, k)
	if q.At(0, 0, 0) != 3 || q.At(0, 0, 1) != 5 {
		t.Error("query was mutated by the scale step")
	}
}

func TestAttnMasking(t *testing.T) {
	scores := tensor.NewFrom([]float64{1, 2, 3, 4}, 1, 2, 2)
	if got := AttnMasking(scores, nil, math.Inf(-1)); got != scores {
		t.Error("nil mask should be the identity")
	}

	mask := tensor.NewFrom([]float64{0, math.Inf(-1), 0, 0}, 1, 2, 2)
	out := AttnMasking(scores, mask, math.Inf(-1))
	if out.At(0, 0, 0) != 1 {
		t.Errorf("unmasked score changed: %v", out.At(0, 0, 0))
	}
	if !math.IsInf(out.At(0, 0, 1), -1) {
		t.Errorf("masked score not -Inf: %v", out.At(0, 0, 1))
	}
}

func TestSoftmaxKernel(t *testing.T) {
	scores := tensor.NewFrom([]float64{1, 1, 1, 0, math.Inf(-1), 0}, 1, 2, 3)
	w := Softmax(scores)

	for j := 0; j < 3; j++ {
		if math.Abs(w.At(0, 0, j)-1.0/3) > 1e-12 {
			t.Errorf("uniform row element %d: got %v", j, w.At(0, 0, j))
		}
	}
	if w.At(0, 1, 1) != 0 {
		t.Errorf("masked position weight: got %v, want 0", w.At(0, 1, 1))
	}
	if math.Abs(w.At(0, 1, 0)-0.5) > 1e-12 {
		t.Errorf("surviving weight: got %v, want 0.5", w.At(0, 1, 0))
	}
	// Input must not be modified.
	if scores.At(0, 0, 0) != 1 {
		t.Error("kernel mutated its input")
	}
}

func TestTaylorSoftmax(t *testing.T) {
	scores := tensor.NewFrom([]float64{0.5, -0.5, 0, 2, 2, 2}, 1, 2, 3)
	w := TaylorSoftmax(scores)

	for r := 0; r < 2; r++ {
		sum := 0.0
		for j := 0; j < 3; j++ {
			v := w.At(0, r, j)
			if v <= 0 {
				t.Errorf("row %d element %d not strictly positive: %v", r, j, v)
			}
			sum += v
		}
		if math.Abs(sum-1) > 1e-9 {
			t.Errorf("row %d sum: got %v, want 1", r, sum)
		}
	}
	// Equal inputs produce a uniform row.
	for j := 0; j < 3; j++ {
		if math.Abs(w.At(0, 1, j)-1.0/3) > 1e-12 {
			t.Errorf("uniform row element %d: got %v", j, w.At(0, 1, j))
		}
	}
	// Larger score gets larger weight.
	if w.At(0, 0, 0) <= w.At(0, 0, 1) {
		t.Error("monotonicity violated for the polynomial kernel")
	}
}

func TestScaledDotProductAttention(t *testing.T) {
	// With a hard mask only key 0 survives, so the output is v's row 0.
	q := tensor.NewFrom([]float64{1, 0}, 1, 1, 2)
	k := tensor.NewFrom([]float64{1, 0, 0, 1}, 1, 2, 2)
	v := tensor.NewFrom([]float64{10, 20, 30, 40}, 1, 2, 2)
	mask := tensor.NewFrom([]float64{0, math.Inf(-1)}, 1, 1, 2)

	d := DefaultFuncs()
	out, w := ScaledDotProductAttention(q, k, v, mask, 0, d.Kernel, math.Inf(-1), d.Masking, d.QueryKeyProduct)

	if !tensor.EqualDims(out.Dims(), []int{1, 1, 2}) {
		t.Fatalf("unexpected output dims %v", out.Dims())
	}
	if math.Abs(out.At(0, 0, 0)-10) > 1e-12 || math.Abs(out.At(0, 0, 1)-20) > 1e-12 {
		t.Errorf("output row: got (%v,%v), want (10,20)", out.At(0, 0, 0), out.At(0, 0, 1))
	}
	if math.Abs(w.At(0, 0, 0)-1) > 1e-12 || w.At(0, 0, 1) != 0 {
		t.Errorf("weights: got (%v,%v), want (1,0)", w.At(0, 0, 0), w.At(0, 0, 1))
	}
}

func TestWithDefaultsFillsNilStages(t *testing.T) {
	custom := func(scores *tensor.Tensor) *tensor.Tensor { return scores }
	f := Funcs{Kernel: custom}.withDefaults()
	if f.QueryKeyProduct == nil || f.Masking == nil || f.Attention == nil {
		t.Fatal("nil stages were not filled in")
	}
	probe := tensor.NewFrom([]float64{7}, 1, 1, 1)
	if f.Kernel(probe) != probe {
		t.Error("custom kernel was replaced")
	}
}

func TestDropoutScalesSurvivors(t *testing.T) {
	SeedDropout(42)
	in := tensor.Full(1, 1, 10, 10)
	out := dropout(in, 0.5)

	zeros := 0
	for _, v := range out.Data() {
		switch v {
		case 0:
			zeros++
		case 2:
		default:
			t.Fatalf("survivor not rescaled to 2: %v", v)
		}
	}
	if zeros == 0 || zeros == out.NumElements() {
		t.Errorf("implausible drop count %d of %d", zeros, out.NumElements())
	}
	if in.At(0, 0, 0) != 1 {
		t.Error("dropout mutated its input")
	}
}

func TestDropoutIsReproducible(t *testing.T) {
	in := tensor.Full(1, 1, 8, 8)
	SeedDropout(7)
	a := dropout(in, 0.3)
	SeedDropout(7)
	b := dropout(in, 0.3)
	for i, v := range a.Data() {
		if b.Data()[i] != v {
			t.Fatalf("runs diverged at element %d", i)
		}
	}
}
