package nn

import (
	"fmt"
	"time"

	"github.com/AlessioBray/he-compliant-approximation/internal/logger"
	"github.com/AlessioBray/he-compliant-approximation/internal/metrics"
	"github.com/AlessioBray/he-compliant-approximation/internal/tensor"
)

const opForward = "multi_head_attention_forward"

// ForwardInput carries everything one attention forward pass needs. Query,
// Key and Value are sequence-first: [tgt_len, batch, embed_dim] batched or
// [tgt_len, embed_dim] unbatched. Batch-first callers transpose before entry.
type ForwardInput struct {
	Query *tensor.Tensor
	Key   *tensor.Tensor
	Value *tensor.Tensor

	EmbedDim int
	NumHeads int

	// Packed projection: one [3E, E] weight plus optional [3E] bias.
	InProjWeight *tensor.Tensor
	InProjBias   *tensor.Tensor

	// Separate projection, required when kdim/vdim differ from embed_dim.
	UseSeparateProjWeight bool
	QProjWeight           *tensor.Tensor
	KProjWeight           *tensor.Tensor
	VProjWeight           *tensor.Tensor

	BiasK *tensor.Tensor
	BiasV *tensor.Tensor

	// Precomputed key/value heads, skipping in-projection for k/v.
	StaticK *tensor.Tensor
	StaticV *tensor.Tensor

	AddZeroAttn bool
	DropoutP    float64
	Training    bool

	OutProjWeight *tensor.Tensor
	OutProjBias   *tensor.Tensor

	KeyPaddingMask     *tensor.Tensor
	AttnMask           *tensor.Tensor
	NeedWeights        bool
	AverageAttnWeights bool

	MaskValue float64
	Funcs     Funcs
}

// MultiHeadAttentionForward runs the full multi-head attention algorithm:
// validation, in-projection, bias/zero-attention injection, mask merging,
// the pluggable attention computation and output reassembly. It returns the
// attended output and, when requested, the attention weights.
func MultiHeadAttentionForward(in ForwardInput) (*tensor.Tensor, *tensor.Tensor, error) {
	query, key, value := in.Query, in.Key, in.Value

	isBatched, err := mhaShapeCheck(query, key, value, in.KeyPaddingMask, in.AttnMask)
	if err != nil {
		return nil, nil, err
	}

	// Unbatched inputs are promoted to batch size 1; the synthetic dim is
	// stripped again at the return boundary.
	keyPaddingMask := in.KeyPaddingMask
	if !isBatched {
		promoted := query.Reshape(query.Dim(0), 1, query.Dim(1))
		// Preserve pointer identity so self-attention still collapses into
		// a single packed matmul after promotion.
		if key == query {
			key = promoted
		} else {
			key = key.Reshape(key.Dim(0), 1, key.Dim(1))
		}
		if value == query {
			value = promoted
		} else if value == in.Key {
			value = key
		} else {
			value = value.Reshape(value.Dim(0), 1, value.Dim(1))
		}
		query = promoted
		if keyPaddingMask != nil {
			keyPaddingMask = keyPaddingMask.Reshape(1, keyPaddingMask.Dim(0))
		}
	}

	tgtLen, bsz, embedDim := query.Dim(0), query.Dim(1), query.Dim(2)
	srcLen := key.Dim(0)

	if embedDim != in.EmbedDim {
		return nil, nil, failValidation("shape_mismatch", &ShapeMismatchError{
			Op:   opForward,
			Want: fmt.Sprintf("embedding dimension %d", in.EmbedDim),
			Got:  fmt.Sprintf("%d", embedDim),
		})
	}
	headDim := embedDim / in.NumHeads
	if headDim*in.NumHeads != embedDim {
		return nil, nil, failValidation("configuration", &ConfigurationError{
			Op:  opForward,
			Msg: fmt.Sprintf("embed_dim %d not divisible by num_heads %d", embedDim, in.NumHeads),
		})
	}
	if key.Dim(1) != bsz {
		return nil, nil, failValidation("shape_mismatch", &ShapeMismatchError{
			Op:   opForward,
			Want: fmt.Sprintf("key batch size %d", bsz),
			Got:  fmt.Sprintf("%d", key.Dim(1)),
		})
	}
	if in.UseSeparateProjWeight {
		// Separate projection allows differing feature dims; only the
		// sequence and batch dims of key and value must agree.
		if key.Dim(0) != value.Dim(0) || key.Dim(1) != value.Dim(1) {
			return nil, nil, failValidation("shape_mismatch", &ShapeMismatchError{
				Op:   opForward,
				Want: fmt.Sprintf("value sequence and batch dims [%d %d]", key.Dim(0), key.Dim(1)),
				Got:  fmt.Sprintf("[%d %d]", value.Dim(0), value.Dim(1)),
			})
		}
	} else if !key.SameDims(value) {
		return nil, nil, failValidation("shape_mismatch", &ShapeMismatchError{
			Op:   opForward,
			Want: fmt.Sprintf("value shape %v", key.Dims()),
			Got:  fmt.Sprintf("%v", value.Dims()),
		})
	}

	// Mask validation runs before any projection so malformed masks fail
	// fast, before a single matmul executes.
	attnMask, err := prepAttnMask(in.AttnMask, tgtLen, srcLen, bsz, in.NumHeads)
	if err != nil {
		return nil, nil, err
	}
	if keyPaddingMask != nil {
		switch keyPaddingMask.DType() {
		case tensor.Byte:
			logger.Log.Warn("byte tensor for key_padding_mask is deprecated, use bool",
				"op", opForward)
			metrics.RecordMaskCoercion()
			keyPaddingMask = keyPaddingMask.ToBool()
		case tensor.Float64:
			return nil, nil, failValidation("type_mismatch", &TypeMismatchError{
				Op:   opForward,
				Want: "bool or byte key_padding_mask",
				Got:  "float64",
			})
		}
	}

	// In-projection.
	start := time.Now()
	var q, k, v *tensor.Tensor
	if !in.UseSeparateProjWeight {
		if in.InProjWeight == nil {
			return nil, nil, failValidation("configuration", &ConfigurationError{
				Op:  opForward,
				Msg: "in_proj_weight is required for packed projection",
			})
		}
		q, k, v = inProjectionPacked(query, key, value, in.InProjWeight, in.InProjBias)
	} else {
		if in.QProjWeight == nil || in.KProjWeight == nil || in.VProjWeight == nil {
			return nil, nil, failValidation("configuration", &ConfigurationError{
				Op:  opForward,
				Msg: "use_separate_proj_weight is set but a projection weight is missing",
			})
		}
		q, k, v, err = inProjection(query, key, value,
			in.QProjWeight, in.KProjWeight, in.VProjWeight, in.InProjBias, embedDim)
		if err != nil {
			return nil, nil, err
		}
	}
	metrics.RecordStage("in_projection", time.Since(start))

	// Bias key/value injection along the source axis.
	if in.BiasK != nil && in.BiasV != nil {
		if in.StaticK != nil || in.StaticV != nil {
			return nil, nil, failValidation("invariant", &InvariantViolation{
				Op:  opForward,
				Msg: "bias_k/bias_v cannot be combined with static key/value",
			})
		}
		k = tensor.Cat(0, k, repeatBatch(in.BiasK, bsz))
		v = tensor.Cat(0, v, repeatBatch(in.BiasV, bsz))
		if attnMask != nil {
			attnMask = tensor.PadLast(attnMask, 1, 0)
		}
		if keyPaddingMask != nil {
			keyPaddingMask = tensor.PadLast(keyPaddingMask, 1, 0)
		}
	} else if in.BiasK != nil || in.BiasV != nil {
		return nil, nil, failValidation("invariant", &InvariantViolation{
			Op:  opForward,
			Msg: "bias_k and bias_v must be set together",
		})
	}

	// Reshape for multi-head processing: [seq, bsz, E] -> [bsz*heads, seq, head_dim].
	q = q.Reshape(tgtLen, bsz*in.NumHeads, headDim).Transpose(0, 1)
	if in.StaticK == nil {
		k = k.Reshape(k.Dim(0), bsz*in.NumHeads, headDim).Transpose(0, 1)
	} else {
		if in.StaticK.Dim(0) != bsz*in.NumHeads || in.StaticK.Dim(2) != headDim {
			return nil, nil, failValidation("shape_mismatch", &ShapeMismatchError{
				Op:   opForward,
				Want: fmt.Sprintf("static_k shape [%d * %d]", bsz*in.NumHeads, headDim),
				Got:  fmt.Sprintf("%v", in.StaticK.Dims()),
			})
		}
		k = in.StaticK
	}
	if in.StaticV == nil {
		v = v.Reshape(v.Dim(0), bsz*in.NumHeads, headDim).Transpose(0, 1)
	} else {
		if in.StaticV.Dim(0) != bsz*in.NumHeads || in.StaticV.Dim(2) != headDim {
			return nil, nil, failValidation("shape_mismatch", &ShapeMismatchError{
				Op:   opForward,
				Want: fmt.Sprintf("static_v shape [%d * %d]", bsz*in.NumHeads, headDim),
				Got:  fmt.Sprintf("%v", in.StaticV.Dims()),
			})
		}
		v = in.StaticV
	}

	// Zero-attention padding: one extra all-zero source position.
	if in.AddZeroAttn {
		zeros := tensor.New(bsz*in.NumHeads, 1, headDim)
		k = tensor.Cat(1, k, zeros)
		v = tensor.Cat(1, v, zeros)
		if attnMask != nil {
			attnMask = tensor.PadLast(attnMask, 1, 0)
		}
		if keyPaddingMask != nil {
			keyPaddingMask = tensor.PadLast(keyPaddingMask, 1, 0)
		}
	}

	// Source length may have grown through bias or zero-attention injection.
	srcLen = k.Dim(1)

	// Merge the key padding mask into the attention mask.
	if keyPaddingMask != nil {
		if keyPaddingMask.Dim(0) != bsz || keyPaddingMask.Dim(1) != srcLen {
			return nil, nil, failValidation("shape_mismatch", &ShapeMismatchError{
				Op:   opForward,
				Want: fmt.Sprintf("key_padding_mask shape [%d %d]", bsz, srcLen),
				Got:  fmt.Sprintf("%v", keyPaddingMask.Dims()),
			})
		}
		expanded := expandKeyPaddingMask(keyPaddingMask, in.NumHeads)
		switch {
		case attnMask == nil:
			attnMask = expanded
		case attnMask.DType() == tensor.Bool:
			attnMask = tensor.OrBroadcast(attnMask, expanded)
		default:
			attnMask = tensor.MaskedFillBroadcast(attnMask, expanded, in.MaskValue)
		}
	}

	// Finalize: any remaining boolean mask becomes additive float form.
	if attnMask != nil && attnMask.DType() != tensor.Float64 {
		attnMask = tensor.Additive(attnMask, in.MaskValue)
	}

	// Dropout only applies in training mode.
	dropoutP := in.DropoutP
	if !in.Training {
		dropoutP = 0.0
	}

	fns := in.Funcs.withDefaults()
	start = time.Now()
	attnOutput, attnWeights := fns.Attention(q, k, v, attnMask, dropoutP,
		fns.Kernel, in.MaskValue, fns.Masking, fns.QueryKeyProduct)
	metrics.RecordStage("attention", time.Since(start))
	metrics.RecordSourceLength(srcLen)

	// Reassemble: [bsz*heads, tgt, head_dim] -> [tgt, bsz, E] -> out projection.
	start = time.Now()
	attnOutput = attnOutput.Transpose(0, 1).Reshape(tgtLen, bsz, embedDim)
	attnOutput = tensor.Linear(attnOutput, in.OutProjWeight, in.OutProjBias)
	metrics.RecordStage("out_projection", time.Since(start))

	if stats := tensor.ComputeStats(attnOutput.Data()); !stats.IsFinite() {
		logger.Log.Warn("non-finite attention output",
			"op", opForward, "nans", stats.NaNs, "infs", stats.Infs)
		metrics.RecordNumericalInstability("attn_output", stats.NaNs, stats.Infs)
	}

	if !in.NeedWeights {
		if !isBatched {
			attnOutput = attnOutput.Reshape(tgtLen, embedDim)
		}
		return attnOutput, nil, nil
	}

	attnWeights = attnWeights.Reshape(bsz, in.NumHeads, tgtLen, srcLen)
	if in.AverageAttnWeights {
		attnWeights = averageHeads(attnWeights)
	}
	if !isBatched {
		attnOutput = attnOutput.Reshape(tgtLen, embedDim)
		dims := attnWeights.Dims()
		attnWeights = attnWeights.Reshape(dims[1:]...)
	}
	return attnOutput, attnWeights, nil
}

func failValidation(errType string, err error) error {
	metrics.RecordValidationError(opForward, errType)
	return err
}

// mhaShapeCheck verifies the rank consistency of the inputs and reports
// whether they are batched.
func mhaShapeCheck(query, key, value, keyPaddingMask, attnMask *tensor.Tensor) (bool, error) {
	switch query.Rank() {
	case 3:
		if key.Rank() != 3 || value.Rank() != 3 {
			return false, failValidation("shape_mismatch", &ShapeMismatchError{
				Op:   opForward,
				Want: "3-D key and value for batched query",
				Got:  fmt.Sprintf("key rank %d, value rank %d", key.Rank(), value.Rank()),
			})
		}
		if keyPaddingMask != nil && keyPaddingMask.Rank() != 2 {
			return false, failValidation("shape_mismatch", &ShapeMismatchError{
				Op:   opForward,
				Want: "2-D key_padding_mask for batched input",
				Got:  fmt.Sprintf("rank %d", keyPaddingMask.Rank()),
			})
		}
		return true, nil
	case 2:
		if key.Rank() != 2 || value.Rank() != 2 {
			return false, failValidation("shape_mismatch", &ShapeMismatchError{
				Op:   opForward,
				Want: "2-D key and value for unbatched query",
				Got:  fmt.Sprintf("key rank %d, value rank %d", key.Rank(), value.Rank()),
			})
		}
		if keyPaddingMask != nil && keyPaddingMask.Rank() != 1 {
			return false, failValidation("shape_mismatch", &ShapeMismatchError{
				Op:   opForward,
				Want: "1-D key_padding_mask for unbatched input",
				Got:  fmt.Sprintf("rank %d", keyPaddingMask.Rank()),
			})
		}
		return false, nil
	default:
		return false, failValidation("unsupported_rank", &UnsupportedRankError{
			Op:   opForward + ": query",
			Rank: query.Rank(),
		})
	}
}

// prepAttnMask coerces deprecated byte masks, validates the mask shape
// against the current sequence lengths and normalizes 2-D masks to 3-D.
func prepAttnMask(attnMask *tensor.Tensor, tgtLen, srcLen, bsz, numHeads int) (*tensor.Tensor, error) {
	if attnMask == nil {
		return nil, nil
	}
	if attnMask.DType() == tensor.Byte {
		logger.Log.Warn("byte tensor for attn_mask is deprecated, use bool",
			"op", opForward)
		metrics.RecordMaskCoercion()
		attnMask = attnMask.ToBool()
	}
	switch attnMask.Rank() {
	case 2:
		if attnMask.Dim(0) != tgtLen || attnMask.Dim(1) != srcLen {
			return nil, failValidation("shape_mismatch", &ShapeMismatchError{
				Op:   opForward,
				Want: fmt.Sprintf("2-D attn_mask shape [%d %d]", tgtLen, srcLen),
				Got:  fmt.Sprintf("%v", attnMask.Dims()),
			})
		}
		attnMask = attnMask.Reshape(1, tgtLen, srcLen)
	case 3:
		if attnMask.Dim(0) != bsz*numHeads || attnMask.Dim(1) != tgtLen || attnMask.Dim(2) != srcLen {
			return nil, failValidation("shape_mismatch", &ShapeMismatchError{
				Op:   opForward,
				Want: fmt.Sprintf("3-D attn_mask shape [%d %d %d]", bsz*numHeads, tgtLen, srcLen),
				Got:  fmt.Sprintf("%v", attnMask.Dims()),
			})
		}
	default:
		return nil, failValidation("unsupported_rank", &UnsupportedRankError{
			Op:   opForward + ": attn_mask",
			Rank: attnMask.Rank(),
		})
	}
	return attnMask, nil
}

// inProjectionPacked projects query/key/value through one packed weight
// matrix. Identical q/k/v pointers collapse into fewer matmuls.
func inProjectionPacked(q, k, v, w, b *tensor.Tensor) (*tensor.Tensor, *tensor.Tensor, *tensor.Tensor) {
	if k == v {
		if q == k {
			// Self-attention: one matmul, chunked in three.
			proj := tensor.Linear(q, w, b)
			parts := proj.Chunk(3, proj.Rank()-1)
			return parts[0], parts[1], parts[2]
		}
		// Encoder-decoder: project q alone, k/v together.
		wParts := w.Chunk(3, 0)
		wq, wk, wv := wParts[0], wParts[1], wParts[2]
		var bq, bk, bv *tensor.Tensor
		if b != nil {
			bParts := b.Chunk(3, 0)
			bq, bk, bv = bParts[0], bParts[1], bParts[2]
		}
		kv := tensor.Linear(k, tensor.Cat(0, wk, wv), catOrNil(bk, bv))
		kvParts := kv.Chunk(2, kv.Rank()-1)
		return tensor.Linear(q, wq, bq), kvParts[0], kvParts[1]
	}
	wParts := w.Chunk(3, 0)
	var bq, bk, bv *tensor.Tensor
	if b != nil {
		bParts := b.Chunk(3, 0)
		bq, bk, bv = bParts[0], bParts[1], bParts[2]
	}
	return tensor.Linear(q, wParts[0], bq), tensor.Linear(k, wParts[1], bk), tensor.Linear(v, wParts[2], bv)
}

func catOrNil(a, b *tensor.Tensor) *tensor.Tensor {
	if a == nil || b == nil {
		return nil
	}
	return tensor.Cat(0, a, b)
}

// inProjection projects q/k/v through separate weight matrices, validating
// the weight shapes against the embedding and feature dims.
func inProjection(q, k, v, wq, wk, wv, b *tensor.Tensor, embedDim int) (*tensor.Tensor, *tensor.Tensor, *tensor.Tensor, error) {
	kdim := k.Dim(k.Rank() - 1)
	vdim := v.Dim(v.Rank() - 1)
	if wq.Dim(0) != embedDim || wq.Dim(1) != embedDim {
		return nil, nil, nil, failValidation("shape_mismatch", &ShapeMismatchError{
			Op:   opForward,
			Want: fmt.Sprintf("q_proj_weight shape [%d %d]", embedDim, embedDim),
			Got:  fmt.Sprintf("%v", wq.Dims()),
		})
	}
	if wk.Dim(0) != embedDim || wk.Dim(1) != kdim {
		return nil, nil, nil, failValidation("shape_mismatch", &ShapeMismatchError{
			Op:   opForward,
			Want: fmt.Sprintf("k_proj_weight shape [%d %d]", embedDim, kdim),
			Got:  fmt.Sprintf("%v", wk.Dims()),
		})
	}
	if wv.Dim(0) != embedDim || wv.Dim(1) != vdim {
		return nil, nil, nil, failValidation("shape_mismatch", &ShapeMismatchError{
			Op:   opForward,
			Want: fmt.Sprintf("v_proj_weight shape [%d %d]", embedDim, vdim),
			Got:  fmt.Sprintf("%v", wv.Dims()),
		})
	}
	var bq, bk, bv *tensor.Tensor
	if b != nil {
		parts := b.Chunk(3, 0)
		bq, bk, bv = parts[0], parts[1], parts[2]
	}
	return tensor.Linear(q, wq, bq), tensor.Linear(k, wk, bk), tensor.Linear(v, wv, bv), nil
}

// repeatBatch replicates a [1, 1, E] bias across the batch dim: [1, bsz, E].
func repeatBatch(bias *tensor.Tensor, bsz int) *tensor.Tensor {
	e := bias.Dim(bias.Rank() - 1)
	out := tensor.New(1, bsz, e)
	src := bias.Data()
	for b := 0; b < bsz; b++ {
		copy(out.Data()[b*e:(b+1)*e], src)
	}
	return out
}

// expandKeyPaddingMask turns a [bsz, src] bool mask into [bsz*heads, 1, src]
// by replicating each batch row once per head.
func expandKeyPaddingMask(kpm *tensor.Tensor, numHeads int) *tensor.Tensor {
	bsz, src := kpm.Dim(0), kpm.Dim(1)
	out := tensor.NewBool(bsz*numHeads, 1, src)
	for b := 0; b < bsz; b++ {
		row := kpm.Data()[b*src : (b+1)*src]
		for h := 0; h < numHeads; h++ {
			copy(out.Data()[(b*numHeads+h)*src:(b*numHeads+h+1)*src], row)
		}
	}
	return out
}

// averageHeads reduces [bsz, heads, tgt, src] weights to [bsz, tgt, src] by
// summing over heads and dividing by the head count. This is the defined
// reduction even for kernels whose rows are not normalized.
func averageHeads(w *tensor.Tensor) *tensor.Tensor {
	bsz, heads, tgt, src := w.Dim(0), w.Dim(1), w.Dim(2), w.Dim(3)
	out := tensor.New(bsz, tgt, src)
	plane := tgt * src
	for b := 0; b < bsz; b++ {
		for h := 0; h < heads; h++ {
			srcOff := (b*heads + h) * plane
			dstOff := b * plane
			for i := 0; i < plane; i++ {
				out.Data()[dstOff+i] += w.Data()[srcOff+i]
			}
		}
	}
	out.Scale(1.0 / float64(heads))
	return out
}
