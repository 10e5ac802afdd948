package nn

import (
	"math"
	"math/rand"
	"sync"

	"github.com/AlessioBray/he-compliant-approximation/internal/simd"
	"github.com/AlessioBray/he-compliant-approximation/internal/tensor"
)

// QueryKeyProductFunc computes raw attention scores from projected queries
// and keys, both [batch*heads, seq, head_dim].
type QueryKeyProductFunc func(q, k *tensor.Tensor) *tensor.Tensor

// MaskingFunc applies an additive mask to scores. mask may be nil.
type MaskingFunc func(scores, mask *tensor.Tensor, maskValue float64) *tensor.Tensor

// KernelFunc normalizes scores into attention weights over the last dim.
type KernelFunc func(scores *tensor.Tensor) *tensor.Tensor

// AttentionFunc runs the full attention step on projected q/k/v, returning
// the attended output [batch*heads, tgt, head_dim] and the weight tensor
// [batch*heads, tgt, src].
type AttentionFunc func(q, k, v, mask *tensor.Tensor, dropoutP float64, kernel KernelFunc, maskValue float64, masking MaskingFunc, product QueryKeyProductFunc) (*tensor.Tensor, *tensor.Tensor)

// Funcs bundles the substitutable stages of the attention computation. Nil
// fields fall back to the reference implementations.
type Funcs struct {
	QueryKeyProduct QueryKeyProductFunc
	Masking         MaskingFunc
	Kernel          KernelFunc
	Attention       AttentionFunc
}

func DefaultFuncs() Funcs {
	return Funcs{
		QueryKeyProduct: ScaledDotProduct,
		Masking:         AttnMasking,
		Kernel:          Softmax,
		Attention:       ScaledDotProductAttention,
	}
}

func (f Funcs) withDefaults() Funcs {
	d := DefaultFuncs()
	if f.QueryKeyProduct == nil {
		f.QueryKeyProduct = d.QueryKeyProduct
	}
	if f.Masking == nil {
		f.Masking = d.Masking
	}
	if f.Kernel == nil {
		f.Kernel = d.Kernel
	}
	if f.Attention == nil {
		f.Attention = d.Attention
	}
	return f
}

// ScaledDotProduct computes q.kt scaled by 1/sqrt(head_dim).
// q is [B, Nt, E], k is [B, Ns, E]; the result is [B, Nt, Ns].
func ScaledDotProduct(q, k *tensor.Tensor) *tensor.Tensor {
	headDim := q.Dim(q.Rank() - 1)
	scaled := q.Clone().Scale(1.0 / math.Sqrt(float64(headDim)))
	return tensor.BMM(scaled, k.Transpose(1, 2))
}

// AttnMasking adds the mask onto the scores element-wise. A nil mask is the
// identity. The mask is expected in additive float form already; maskValue is
// part of the signature so substitutes can re-mask after their own transforms.
func AttnMasking(scores, mask *tensor.Tensor, maskValue float64) *tensor.Tensor {
	if mask == nil {
		return scores
	}
	return tensor.AddBroadcast(scores, mask)
}

// Softmax is the reference kernel: row softmax over the last dimension.
func Softmax(scores *tensor.Tensor) *tensor.Tensor {
	out := scores.Clone()
	cols := out.Dim(out.Rank() - 1)
	simd.SoftmaxRows(out.Data(), out.NumElements()/cols, cols)
	return out
}

// TaylorSoftmax is a polynomial kernel substitute: exp is replaced by its
// degree-2 Taylor expansion 1+x+x^2/2, which is ((x+1)^2+1)/2 and therefore
// strictly positive, then rows are normalized by their sum. Masked positions
// need a finite fill value with this kernel.
func TaylorSoftmax(scores *tensor.Tensor) *tensor.Tensor {
	out := scores.Clone()
	data := out.Data()
	cols := out.Dim(out.Rank() - 1)
	rows := out.NumElements() / cols
	for r := 0; r < rows; r++ {
		row := data[r*cols : (r+1)*cols]
		sum := 0.0
		for i, x := range row {
			row[i] = ((x+1)*(x+1) + 1) / 2
			sum += row[i]
		}
		for i := range row {
			row[i] /= sum
		}
	}
	return out
}

// ScaledDotProductAttention orchestrates the three pluggable stages plus
// dropout on the weights, then computes weights.v.
func ScaledDotProductAttention(q, k, v, mask *tensor.Tensor, dropoutP float64, kernel KernelFunc, maskValue float64, masking MaskingFunc, product QueryKeyProductFunc) (*tensor.Tensor, *tensor.Tensor) {
	attn := product(q, k)
	attn = masking(attn, mask, maskValue)
	attn = kernel(attn)
	if dropoutP > 0.0 {
		attn = dropout(attn, dropoutP)
	}
	output := tensor.BMM(attn, v)
	return output, attn
}

var (
	dropoutMu  sync.Mutex
	dropoutRng = rand.New(rand.NewSource(1))
)

// SeedDropout reseeds the dropout noise source. Tests rely on this for
// reproducible training-mode runs.
func SeedDropout(seed int64) {
	dropoutMu.Lock()
	defer dropoutMu.Unlock()
	dropoutRng = rand.New(rand.NewSource(seed))
}

// dropout zeroes elements with probability p and rescales survivors by
// 1/(1-p), matching inverted dropout semantics.
func dropout(t *tensor.Tensor, p float64) *tensor.Tensor {
	out := t.Clone()
	scale := 1.0 / (1.0 - p)
	data := out.Data()
	dropoutMu.Lock()
	defer dropoutMu.Unlock()
	for i := range data {
		if dropoutRng.Float64() < p {
			data[i] = 0
		} else {
			data[i] *= scale
		}
	}
	return out
}
