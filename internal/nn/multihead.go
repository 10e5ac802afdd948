package nn

import (
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/AlessioBray/he-compliant-approximation/internal/config"
	"github.com/AlessioBray/he-compliant-approximation/internal/metrics"
	"github.com/AlessioBray/he-compliant-approximation/internal/tensor"
)

// MultiheadAttention is the reference multi-head attention layer. Weights
// use the packed in-projection layout unless kdim/vdim differ from the
// embedding dim, in which case separate per-Q/K/V matrices are built.
type MultiheadAttention struct {
	Config config.Config

	InProjWeight *tensor.Tensor // [3E, E], nil when projections are separate
	QProjWeight  *tensor.Tensor // [E, E]
	KProjWeight  *tensor.Tensor // [E, kdim]
	VProjWeight  *tensor.Tensor // [E, vdim]
	InProjBias   *tensor.Tensor // [3E]

	BiasK *tensor.Tensor // [1, 1, E]
	BiasV *tensor.Tensor // [1, 1, E]

	OutProjWeight *tensor.Tensor // [E, E]
	OutProjBias   *tensor.Tensor // [E]

	training bool
}

// NewMultiheadAttention builds a layer with freshly initialized weights:
// xavier-uniform projections, zero biases, xavier-normal bias_k/bias_v.
func NewMultiheadAttention(cfg config.Config, rng *rand.Rand) (*MultiheadAttention, error) {
	cfg = cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return nil, &ConfigurationError{Op: "multihead_attention", Msg: err.Error()}
	}
	if cfg.EmbedDim%cfg.NumHeads != 0 {
		return nil, &ConfigurationError{
			Op:  "multihead_attention",
			Msg: fmt.Sprintf("embed_dim %d not divisible by num_heads %d", cfg.EmbedDim, cfg.NumHeads),
		}
	}
	if rng == nil {
		rng = rand.New(rand.NewSource(rand.Int63()))
	}

	m := &MultiheadAttention{Config: cfg, training: true}
	e := cfg.EmbedDim

	if cfg.QKVSameEmbedDim() {
		m.InProjWeight = xavierUniform(rng, 3*e, e)
	} else {
		m.QProjWeight = xavierUniform(rng, e, e)
		m.KProjWeight = xavierUniform(rng, e, cfg.KDim)
		m.VProjWeight = xavierUniform(rng, e, cfg.VDim)
	}
	if cfg.Bias {
		m.InProjBias = tensor.New(3 * e)
	}
	if cfg.AddBiasKV {
		m.BiasK = xavierNormal(rng, e).Reshape(1, 1, e)
		m.BiasV = xavierNormal(rng, e).Reshape(1, 1, e)
	}
	m.OutProjWeight = xavierUniform(rng, e, e)
	if cfg.Bias {
		m.OutProjBias = tensor.New(e)
	}
	return m, nil
}

func xavierUniform(rng *rand.Rand, rows, cols int) *tensor.Tensor {
	t := tensor.New(rows, cols)
	bound := math.Sqrt(6.0 / float64(rows+cols))
	data := t.Data()
	for i := range data {
		data[i] = (rng.Float64()*2 - 1) * bound
	}
	return t
}

func xavierNormal(rng *rand.Rand, n int) *tensor.Tensor {
	t := tensor.New(n)
	std := math.Sqrt(2.0 / float64(1+n))
	data := t.Data()
	for i := range data {
		data[i] = rng.NormFloat64() * std
	}
	return t
}

// Train puts the layer in training mode: dropout is live.
func (m *MultiheadAttention) Train() {
	m.training = true
}

// Eval puts the layer in evaluation mode: dropout is forced off.
func (m *MultiheadAttention) Eval() {
	m.training = false
}

func (m *MultiheadAttention) Training() bool {
	return m.training
}

// ForwardOptions mirror the optional arguments of the layer's forward call.
// Use DefaultForwardOptions for the reference defaults.
type ForwardOptions struct {
	KeyPaddingMask     *tensor.Tensor
	NeedWeights        bool
	AttnMask           *tensor.Tensor
	AverageAttnWeights bool
}

func DefaultForwardOptions() ForwardOptions {
	return ForwardOptions{NeedWeights: true, AverageAttnWeights: true}
}

// Forward computes attention with the reference kernel chain. Inputs are
// [seq, batch, embed] or, with BatchFirst, [batch, seq, embed]; unbatched
// 2-D inputs are accepted as well.
func (m *MultiheadAttention) Forward(query, key, value *tensor.Tensor, opts ForwardOptions) (*tensor.Tensor, *tensor.Tensor, error) {
	return m.ForwardWith(query, key, value, opts, DefaultFuncs(), m.Config.MaskFillValue)
}

// ForwardWith runs the same forward pass with substituted attention stages
// and mask fill value. Customizable variants route through here.
func (m *MultiheadAttention) ForwardWith(query, key, value *tensor.Tensor, opts ForwardOptions, fns Funcs, maskValue float64) (*tensor.Tensor, *tensor.Tensor, error) {
	start := time.Now()

	isBatched := query.Rank() == 3
	if m.Config.BatchFirst && isBatched {
		q := query.Transpose(1, 0)
		k, v := q, q
		if key != query {
			k = key.Transpose(1, 0)
		}
		switch value {
		case query:
			v = q
		case key:
			v = k
		default:
			v = value.Transpose(1, 0)
		}
		query, key, value = q, k, v
	}

	in := ForwardInput{
		Query:              query,
		Key:                key,
		Value:              value,
		EmbedDim:           m.Config.EmbedDim,
		NumHeads:           m.Config.NumHeads,
		InProjWeight:       m.InProjWeight,
		InProjBias:         m.InProjBias,
		BiasK:              m.BiasK,
		BiasV:              m.BiasV,
		AddZeroAttn:        m.Config.AddZeroAttn,
		DropoutP:           m.Config.Dropout,
		Training:           m.training,
		OutProjWeight:      m.OutProjWeight,
		OutProjBias:        m.OutProjBias,
		KeyPaddingMask:     opts.KeyPaddingMask,
		AttnMask:           opts.AttnMask,
		NeedWeights:        opts.NeedWeights,
		AverageAttnWeights: opts.AverageAttnWeights,
		MaskValue:          maskValue,
		Funcs:              fns,
	}
	if !m.Config.QKVSameEmbedDim() {
		in.UseSeparateProjWeight = true
		in.QProjWeight = m.QProjWeight
		in.KProjWeight = m.KProjWeight
		in.VProjWeight = m.VProjWeight
	}

	out, weights, err := MultiHeadAttentionForward(in)
	if err != nil {
		return nil, nil, err
	}
	if m.Config.BatchFirst && isBatched {
		out = out.Transpose(1, 0)
	}
	metrics.RecordForward(time.Since(start))
	return out, weights, nil
}
