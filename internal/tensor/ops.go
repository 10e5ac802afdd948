package tensor

import (
	"fmt"

	"gonum.org/v1/gonum/mat"
)

// MatMul computes a 2-D matrix product [M,K]x[K,N] -> [M,N] through gonum.
// The gonum matrices wrap the backing slices directly, no element copies.
func MatMul(a, b *Tensor) *Tensor {
	if a.Rank() != 2 || b.Rank() != 2 {
		panic(fmt.Sprintf("tensor: MatMul wants rank-2 operands, got %v x %v", a.dims, b.dims))
	}
	m, k := a.dims[0], a.dims[1]
	k2, n := b.dims[0], b.dims[1]
	if k != k2 {
		panic(fmt.Sprintf("tensor: MatMul dimension mismatch %v x %v", a.dims, b.dims))
	}
	out := New(m, n)
	am := mat.NewDense(m, k, a.data)
	bm := mat.NewDense(k2, n, b.data)
	om := mat.NewDense(m, n, out.data)
	om.Mul(am, bm)
	return out
}

// BMM computes a batched matrix product [B,M,K]x[B,K,N] -> [B,M,N].
func BMM(a, b *Tensor) *Tensor {
	if a.Rank() != 3 || b.Rank() != 3 {
		panic(fmt.Sprintf("tensor: BMM wants rank-3 operands, got %v x %v", a.dims, b.dims))
	}
	bs, m, k := a.dims[0], a.dims[1], a.dims[2]
	if b.dims[0] != bs || b.dims[1] != k {
		panic(fmt.Sprintf("tensor: BMM dimension mismatch %v x %v", a.dims, b.dims))
	}
	n := b.dims[2]
	out := New(bs, m, n)
	for i := 0; i < bs; i++ {
		ai := NewFrom(a.data[i*m*k:(i+1)*m*k], m, k)
		bi := NewFrom(b.data[i*k*n:(i+1)*k*n], k, n)
		copy(out.data[i*m*n:(i+1)*m*n], MatMul(ai, bi).data)
	}
	return out
}

// Linear applies x.Wt + b where w is [out, in] and x has trailing dim in.
// Leading dims of x are preserved.
func Linear(x, w, b *Tensor) *Tensor {
	if w.Rank() != 2 {
		panic(fmt.Sprintf("tensor: Linear weight must be rank-2, got %v", w.dims))
	}
	in := x.dims[len(x.dims)-1]
	outDim, in2 := w.dims[0], w.dims[1]
	if in != in2 {
		panic(fmt.Sprintf("tensor: Linear input dim %d does not match weight %v", in, w.dims))
	}
	rows := x.NumElements() / in

	outDims := append([]int(nil), x.dims[:len(x.dims)-1]...)
	outDims = append(outDims, outDim)
	out := New(outDims...)

	xm := mat.NewDense(rows, in, x.data)
	wm := mat.NewDense(outDim, in, w.data)
	om := mat.NewDense(rows, outDim, out.data)
	om.Mul(xm, wm.T())

	if b != nil {
		if b.NumElements() != outDim {
			panic(fmt.Sprintf("tensor: Linear bias length %d does not match out dim %d", b.NumElements(), outDim))
		}
		for r := 0; r < rows; r++ {
			row := out.data[r*outDim : (r+1)*outDim]
			for j := range row {
				row[j] += b.data[j]
			}
		}
	}
	return out
}

// Transpose swaps two dimensions, producing a contiguous copy.
func (t *Tensor) Transpose(d0, d1 int) *Tensor {
	if d0 == d1 {
		return t.Clone()
	}
	outDims := append([]int(nil), t.dims...)
	outDims[d0], outDims[d1] = outDims[d1], outDims[d0]
	out := &Tensor{
		data:  make([]float64, len(t.data)),
		dims:  outDims,
		dtype: t.dtype,
	}

	srcStrides := strides(t.dims)
	idx := make([]int, len(outDims))
	for flat := 0; flat < len(out.data); flat++ {
		rem := flat
		for i := len(outDims) - 1; i >= 0; i-- {
			idx[i] = rem % outDims[i]
			rem /= outDims[i]
		}
		idx[d0], idx[d1] = idx[d1], idx[d0]
		src := 0
		for i, ix := range idx {
			src += ix * srcStrides[i]
		}
		out.data[flat] = t.data[src]
		idx[d0], idx[d1] = idx[d1], idx[d0]
	}
	return out
}

func strides(dims []int) []int {
	s := make([]int, len(dims))
	acc := 1
	for i := len(dims) - 1; i >= 0; i-- {
		s[i] = acc
		acc *= dims[i]
	}
	return s
}

// Cat concatenates tensors along a dimension. All other dimensions must match.
func Cat(dim int, ts ...*Tensor) *Tensor {
	if len(ts) == 0 {
		panic("tensor: Cat needs at least one tensor")
	}
	first := ts[0]
	total := 0
	for _, t := range ts {
		if t.Rank() != first.Rank() {
			panic("tensor: Cat rank mismatch")
		}
		for i := range t.dims {
			if i != dim && t.dims[i] != first.dims[i] {
				panic(fmt.Sprintf("tensor: Cat dims mismatch %v vs %v along %d", t.dims, first.dims, dim))
			}
		}
		total += t.dims[dim]
	}

	outDims := append([]int(nil), first.dims...)
	outDims[dim] = total
	out := &Tensor{
		data:  make([]float64, numElements(outDims)),
		dims:  outDims,
		dtype: first.dtype,
	}

	outer := numElements(first.dims[:dim])
	inner := numElements(first.dims[dim+1:])
	outRow := total * inner
	offset := 0
	for _, t := range ts {
		block := t.dims[dim] * inner
		for o := 0; o < outer; o++ {
			copy(out.data[o*outRow+offset:o*outRow+offset+block], t.data[o*block:(o+1)*block])
		}
		offset += block
	}
	return out
}

// PadLast appends n columns of value v to the last dimension.
func PadLast(t *Tensor, n int, v float64) *Tensor {
	last := t.dims[len(t.dims)-1]
	outDims := append([]int(nil), t.dims...)
	outDims[len(outDims)-1] = last + n
	out := &Tensor{
		data:  make([]float64, numElements(outDims)),
		dims:  outDims,
		dtype: t.dtype,
	}
	rows := t.NumElements() / last
	for r := 0; r < rows; r++ {
		copy(out.data[r*(last+n):r*(last+n)+last], t.data[r*last:(r+1)*last])
		for j := last; j < last+n; j++ {
			out.data[r*(last+n)+j] = v
		}
	}
	return out
}

// Chunk splits a tensor into n equal parts along a dimension. The parts are
// copies, not views.
func (t *Tensor) Chunk(n, dim int) []*Tensor {
	if t.dims[dim]%n != 0 {
		panic(fmt.Sprintf("tensor: Chunk cannot split dim %d of %v into %d parts", dim, t.dims, n))
	}
	part := t.dims[dim] / n
	outDims := append([]int(nil), t.dims...)
	outDims[dim] = part

	outer := numElements(t.dims[:dim])
	inner := numElements(t.dims[dim+1:])
	block := part * inner
	srcRow := t.dims[dim] * inner

	parts := make([]*Tensor, n)
	for p := 0; p < n; p++ {
		out := &Tensor{
			data:  make([]float64, numElements(outDims)),
			dims:  append([]int(nil), outDims...),
			dtype: t.dtype,
		}
		for o := 0; o < outer; o++ {
			copy(out.data[o*block:(o+1)*block], t.data[o*srcRow+p*block:o*srcRow+(p+1)*block])
		}
		parts[p] = out
	}
	return parts
}

// broadcastDims validates two rank-3 shapes for broadcasting (each dim equal
// or 1) and returns the combined output shape.
func broadcastDims(a, b []int) []int {
	if len(a) != 3 || len(b) != 3 {
		panic(fmt.Sprintf("tensor: broadcast wants rank-3 shapes, got %v and %v", a, b))
	}
	out := make([]int, 3)
	for i := range out {
		switch {
		case a[i] == b[i]:
			out[i] = a[i]
		case a[i] == 1:
			out[i] = b[i]
		case b[i] == 1:
			out[i] = a[i]
		default:
			panic(fmt.Sprintf("tensor: cannot broadcast %v with %v", a, b))
		}
	}
	return out
}

func broadcastIndexer(dims, outDims []int) func(i, j, k int) int {
	s := strides(dims)
	for i := range dims {
		if dims[i] == 1 && outDims[i] != 1 {
			s[i] = 0
		}
	}
	return func(i, j, k int) int {
		return i*s[0] + j*s[1] + k*s[2]
	}
}

// AddBroadcast adds b onto a with rank-3 broadcasting, returning a new tensor.
func AddBroadcast(a, b *Tensor) *Tensor {
	outDims := broadcastDims(a.dims, b.dims)
	out := New(outDims...)
	ai := broadcastIndexer(a.dims, outDims)
	bi := broadcastIndexer(b.dims, outDims)
	flat := 0
	for i := 0; i < outDims[0]; i++ {
		for j := 0; j < outDims[1]; j++ {
			for k := 0; k < outDims[2]; k++ {
				out.data[flat] = a.data[ai(i, j, k)] + b.data[bi(i, j, k)]
				flat++
			}
		}
	}
	return out
}

// OrBroadcast computes the element-wise logical OR of two Bool tensors with
// rank-3 broadcasting.
func OrBroadcast(a, b *Tensor) *Tensor {
	outDims := broadcastDims(a.dims, b.dims)
	out := NewBool(outDims...)
	ai := broadcastIndexer(a.dims, outDims)
	bi := broadcastIndexer(b.dims, outDims)
	flat := 0
	for i := 0; i < outDims[0]; i++ {
		for j := 0; j < outDims[1]; j++ {
			for k := 0; k < outDims[2]; k++ {
				if a.data[ai(i, j, k)] != 0 || b.data[bi(i, j, k)] != 0 {
					out.data[flat] = 1
				}
				flat++
			}
		}
	}
	return out
}

// MaskedFillBroadcast returns a copy of a (broadcast as needed) where every
// position with cond true is set to v. cond must be a Bool tensor.
func MaskedFillBroadcast(a, cond *Tensor, v float64) *Tensor {
	outDims := broadcastDims(a.dims, cond.dims)
	out := New(outDims...)
	ai := broadcastIndexer(a.dims, outDims)
	ci := broadcastIndexer(cond.dims, outDims)
	flat := 0
	for i := 0; i < outDims[0]; i++ {
		for j := 0; j < outDims[1]; j++ {
			for k := 0; k < outDims[2]; k++ {
				if cond.data[ci(i, j, k)] != 0 {
					out.data[flat] = v
				} else {
					out.data[flat] = a.data[ai(i, j, k)]
				}
				flat++
			}
		}
	}
	return out
}

// ToBool reinterprets a Byte tensor as Bool, normalizing nonzero values to 1.
func (t *Tensor) ToBool() *Tensor {
	out := t.Clone()
	out.dtype = Bool
	for i, v := range out.data {
		if v != 0 {
			out.data[i] = 1
		}
	}
	return out
}

// Additive converts a Bool mask to additive float form: 0 where attendable,
// fill where masked.
func Additive(mask *Tensor, fill float64) *Tensor {
	out := New(mask.dims...)
	for i, v := range mask.data {
		if v != 0 {
			out.data[i] = fill
		}
	}
	return out
}

// Scale multiplies every element by s in place and returns the tensor.
func (t *Tensor) Scale(s float64) *Tensor {
	for i := range t.data {
		t.data[i] *= s
	}
	return t
}
