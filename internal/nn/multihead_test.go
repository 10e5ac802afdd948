package nn

import (
	"errors"
	"math"
	"math/rand"
	"testing"

	"github.com/AlessioBray/he-compliant-approximation/internal/config"
	"github.com/AlessioBray/he-compliant-approximation/internal/tensor"
)

func TestNewMultiheadAttentionRejectsBadConfig(t *testing.T) {
	cases := []struct {
		name string
		cfg  config.Config
	}{
		{"zero embed_dim", config.Default(0, 2)},
		{"zero heads", config.Default(8, 0)},
		{"not divisible", config.Default(10, 3)},
		{"dropout out of range", func() config.Config {
			c := config.Default(8, 2)
			c.Dropout = 1.0
			return c
		}()},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := NewMultiheadAttention(tc.cfg, rand.New(rand.NewSource(1)))
			var cfgErr *ConfigurationError
			if !errors.As(err, &cfgErr) {
				t.Fatalf("expected ConfigurationError, got %v", err)
			}
		})
	}
}

func TestPackedVersusSeparateLayout(t *testing.T) {
	packed, err := NewMultiheadAttention(config.Default(8, 2), rand.New(rand.NewSource(1)))
	if err != nil {
		t.Fatalf("packed layer: %v", err)
	}
	if packed.InProjWeight == nil {
		t.Error("packed layer missing in_proj_weight")
	}
	if packed.QProjWeight != nil || packed.KProjWeight != nil || packed.VProjWeight != nil {
		t.Error("packed layer carries separate projection weights")
	}
	if !tensor.EqualDims(packed.InProjWeight.Dims(), []int{24, 8}) {
		t.Errorf("in_proj_weight dims: got %v, want [24 8]", packed.InProjWeight.Dims())
	}

	cfg := config.Default(8, 2)
	cfg.KDim = 6
	cfg.VDim = 10
	separate, err := NewMultiheadAttention(cfg, rand.New(rand.NewSource(1)))
	if err != nil {
		t.Fatalf("separate layer: %v", err)
	}
	if separate.InProjWeight != nil {
		t.Error("separate layer carries a packed weight")
	}
	if !tensor.EqualDims(separate.KProjWeight.Dims(), []int{8, 6}) {
		t.Errorf("k_proj_weight dims: got %v, want [8 6]", separate.KProjWeight.Dims())
	}
	if !tensor.EqualDims(separate.VProjWeight.Dims(), []int{8, 10}) {
		t.Errorf("v_proj_weight dims: got %v, want [8 10]", separate.VProjWeight.Dims())
	}
}

func TestBiasTensorsFollowConfig(t *testing.T) {
	cfg := config.Default(8, 2)
	cfg.Bias = false
	m, err := NewMultiheadAttention(cfg, rand.New(rand.NewSource(1)))
	if err != nil {
		t.Fatalf("building layer: %v", err)
	}
	if m.InProjBias != nil || m.OutProjBias != nil {
		t.Error("bias tensors present despite bias=false")
	}
	if m.BiasK != nil || m.BiasV != nil {
		t.Error("bias_k/bias_v present despite add_bias_kv=false")
	}

	cfg = config.Default(8, 2)
	cfg.AddBiasKV = true
	m, err = NewMultiheadAttention(cfg, rand.New(rand.NewSource(1)))
	if err != nil {
		t.Fatalf("building layer: %v", err)
	}
	if !tensor.EqualDims(m.BiasK.Dims(), []int{1, 1, 8}) {
		t.Errorf("bias_k dims: got %v, want [1 1 8]", m.BiasK.Dims())
	}
}

func TestTrainEvalToggle(t *testing.T) {
	m := newTestLayer(t, config.Default(8, 2))
	if m.Training() {
		t.Error("helper should hand out eval-mode layers")
	}
	m.Train()
	if !m.Training() {
		t.Error("Train did not enable training mode")
	}
	m.Eval()
	if m.Training() {
		t.Error("Eval did not disable training mode")
	}
}

func TestBatchFirstMatchesSequenceFirst(t *testing.T) {
	seqFirst := newTestLayer(t, config.Default(8, 2))
	batchFirst := *seqFirst
	batchFirst.Config.BatchFirst = true

	q := randTensor(83, 3, 2, 8) // [seq=3, batch=2, embed=8]
	qbf := q.Transpose(1, 0)     // [batch=2, seq=3, embed=8]

	outSF, wSF, err := seqFirst.Forward(q, q, q, DefaultForwardOptions())
	if err != nil {
		t.Fatalf("sequence-first forward: %v", err)
	}
	outBF, wBF, err := batchFirst.Forward(qbf, qbf, qbf, DefaultForwardOptions())
	if err != nil {
		t.Fatalf("batch-first forward: %v", err)
	}

	if !tensor.EqualDims(outBF.Dims(), []int{2, 3, 8}) {
		t.Errorf("batch-first output dims: got %v, want [2 3 8]", outBF.Dims())
	}
	back := outBF.Transpose(1, 0)
	for i, v := range outSF.Data() {
		if math.Abs(v-back.Data()[i]) > 1e-12 {
			t.Fatalf("outputs diverge at element %d", i)
		}
	}
	// Weights are layout-independent.
	for i, v := range wSF.Data() {
		if math.Abs(v-wBF.Data()[i]) > 1e-12 {
			t.Fatalf("weights diverge at element %d", i)
		}
	}
}

func TestForwardWithCustomKernel(t *testing.T) {
	cfg := config.Default(8, 2)
	cfg.MaskFillValue = -1e4
	m := newTestLayer(t, cfg)
	q := randTensor(89, 3, 1, 8)

	out, w, err := m.ForwardWith(q, q, q, DefaultForwardOptions(),
		Funcs{Kernel: TaylorSoftmax}, cfg.MaskFillValue)
	if err != nil {
		t.Fatalf("forward: %v", err)
	}
	if !tensor.EqualDims(out.Dims(), []int{3, 1, 8}) {
		t.Errorf("output dims: got %v, want [3 1 8]", out.Dims())
	}
	for i := 0; i < 3; i++ {
		sum := 0.0
		for j := 0; j < 3; j++ {
			sum += w.At(0, i, j)
		}
		if math.Abs(sum-1) > 1e-9 {
			t.Errorf("polynomial kernel row %d sums to %v", i, sum)
		}
	}
}
