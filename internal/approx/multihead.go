package approx

import (
	"fmt"
	"math/rand"

	"github.com/AlessioBray/he-compliant-approximation/internal/config"
	"github.com/AlessioBray/he-compliant-approximation/internal/logger"
	"github.com/AlessioBray/he-compliant-approximation/internal/metrics"
	"github.com/AlessioBray/he-compliant-approximation/internal/nn"
	"github.com/AlessioBray/he-compliant-approximation/internal/tensor"
)

// ApproximationType identifies the customizable multi-head approximator in
// the registry.
const ApproximationType = "customizable_multihead"

func init() {
	Register(ApproximationType, func() Approximator {
		return &MultiheadApproximator{}
	})
}

// CustomizableMultiHead is a drop-in multi-head attention layer whose
// query-key product, masking, normalization kernel and attention orchestration
// can each be substituted. With the default functions it reproduces the
// reference layer bit for bit.
type CustomizableMultiHead struct {
	nn.MultiheadAttention

	Funcs nn.Funcs
}

// NewCustomizableMultiHead builds the layer with fresh weights. Zero-value
// fields of fns fall back to the reference implementations.
func NewCustomizableMultiHead(cfg config.Config, fns nn.Funcs, rng *rand.Rand) (*CustomizableMultiHead, error) {
	base, err := nn.NewMultiheadAttention(cfg, rng)
	if err != nil {
		return nil, err
	}
	return &CustomizableMultiHead{
		MultiheadAttention: *base,
		Funcs:              fns,
	}, nil
}

// IsApproximationOf tags the layer type this module substitutes, consumed by
// registry dispatch.
func (m *CustomizableMultiHead) IsApproximationOf() string {
	return "nn.MultiheadAttention"
}

// Forward routes through the shared attention engine with the substituted
// stage functions and the configured mask fill value.
func (m *CustomizableMultiHead) Forward(query, key, value *tensor.Tensor, opts nn.ForwardOptions) (*tensor.Tensor, *tensor.Tensor, error) {
	return m.ForwardWith(query, key, value, opts, m.Funcs, m.Config.MaskFillValue)
}

// Params overrides individual configuration fields of the source layer when
// building an approximation. Nil pointers keep the source value.
type Params struct {
	EmbedDim      *int
	NumHeads      *int
	Dropout       *float64
	Bias          *bool
	AddBiasKV     *bool
	AddZeroAttn   *bool
	KDim          *int
	VDim          *int
	BatchFirst    *bool
	MaskFillValue *float64

	// Funcs substitutes attention stages on every approximation built.
	Funcs nn.Funcs
}

func (p Params) apply(cfg config.Config) config.Config {
	if p.EmbedDim != nil {
		cfg.EmbedDim = *p.EmbedDim
	}
	if p.NumHeads != nil {
		cfg.NumHeads = *p.NumHeads
	}
	if p.Dropout != nil {
		cfg.Dropout = *p.Dropout
	}
	if p.Bias != nil {
		cfg.Bias = *p.Bias
	}
	if p.AddBiasKV != nil {
		cfg.AddBiasKV = *p.AddBiasKV
	}
	if p.AddZeroAttn != nil {
		cfg.AddZeroAttn = *p.AddZeroAttn
	}
	if p.KDim != nil {
		cfg.KDim = *p.KDim
	}
	if p.VDim != nil {
		cfg.VDim = *p.VDim
	}
	if p.BatchFirst != nil {
		cfg.BatchFirst = *p.BatchFirst
	}
	if p.MaskFillValue != nil {
		cfg.MaskFillValue = *p.MaskFillValue
	}
	return cfg
}

// MultiheadApproximator converts reference multi-head attention layers into
// customizable approximations.
type MultiheadApproximator struct {
	Params Params

	approximations []*CustomizableMultiHead
}

func NewMultiheadApproximator(p Params) *MultiheadApproximator {
	return &MultiheadApproximator{Params: p}
}

func (a *MultiheadApproximator) Type() string {
	return ApproximationType
}

func (a *MultiheadApproximator) IsTrainable() bool {
	return true
}

// Approximations lists every module this approximator has produced.
func (a *MultiheadApproximator) Approximations() []*CustomizableMultiHead {
	return a.approximations
}

// ApproximateModule resolves the member named id on model and returns its
// trainable or pretrained approximation.
func (a *MultiheadApproximator) ApproximateModule(model ModuleSource, id string, pretrained bool) (any, error) {
	mod, ok := model.ModuleByID(id)
	if !ok {
		return nil, fmt.Errorf("approx: model has no module %q", id)
	}
	if pretrained {
		return a.GetPretrainedApproximation(mod)
	}
	src, ok := mod.(*nn.MultiheadAttention)
	if !ok {
		return nil, &nn.TypeMismatchError{
			Op:   "get_trainable_approximation",
			Want: "*nn.MultiheadAttention",
			Got:  fmt.Sprintf("%T", mod),
		}
	}
	return a.GetTrainableApproximation(src)
}

// GetTrainableApproximation builds a customizable layer mirroring the source
// configuration (unless overridden) and deep-copies every weight tensor by
// name correspondence.
func (a *MultiheadApproximator) GetTrainableApproximation(src *nn.MultiheadAttention) (*CustomizableMultiHead, error) {
	cfg := a.Params.apply(src.Config)
	m, err := NewCustomizableMultiHead(cfg, a.Params.Funcs, nil)
	if err != nil {
		return nil, err
	}
	if err := copyWeights(m, src); err != nil {
		return nil, err
	}
	a.approximations = append(a.approximations, m)
	metrics.RecordApproximation()
	logger.Log.Info("multihead layer approximated",
		"embed_dim", cfg.EmbedDim, "num_heads", cfg.NumHeads,
		"packed", cfg.QKVSameEmbedDim())
	return m, nil
}

// GetPretrainedApproximation converts a trainable approximation into its
// pretrained form. For this module the conversion is the identity.
func (a *MultiheadApproximator) GetPretrainedApproximation(mod any) (*CustomizableMultiHead, error) {
	m, ok := mod.(*CustomizableMultiHead)
	if !ok {
		return nil, &nn.TypeMismatchError{
			Op:   "get_pretrained_approximation",
			Want: "*approx.CustomizableMultiHead",
			Got:  fmt.Sprintf("%T", mod),
		}
	}
	return m, nil
}

// copyWeights deep-copies each source weight into the destination by name
// correspondence, validating shapes where both sides carry the parameter.
func copyWeights(dst *CustomizableMultiHead, src *nn.MultiheadAttention) error {
	pairs := []struct {
		name string
		dst  **tensor.Tensor
		src  *tensor.Tensor
	}{
		{"in_proj_weight", &dst.InProjWeight, src.InProjWeight},
		{"in_proj_bias", &dst.InProjBias, src.InProjBias},
		{"q_proj_weight", &dst.QProjWeight, src.QProjWeight},
		{"k_proj_weight", &dst.KProjWeight, src.KProjWeight},
		{"v_proj_weight", &dst.VProjWeight, src.VProjWeight},
		{"bias_k", &dst.BiasK, src.BiasK},
		{"bias_v", &dst.BiasV, src.BiasV},
		{"out_proj.weight", &dst.OutProjWeight, src.OutProjWeight},
		{"out_proj.bias", &dst.OutProjBias, src.OutProjBias},
	}
	for _, p := range pairs {
		if p.src == nil {
			continue
		}
		if *p.dst != nil && !(*p.dst).SameDims(p.src) {
			return &nn.ShapeMismatchError{
				Op:   "get_trainable_approximation: " + p.name,
				Want: fmt.Sprintf("%v", (*p.dst).Dims()),
				Got:  fmt.Sprintf("%v", p.src.Dims()),
			}
		}
		*p.dst = p.src.Clone()
	}
	return nil
}
