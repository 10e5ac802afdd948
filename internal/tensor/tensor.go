package tensor

import "fmt"

// DType tags the element interpretation of a Tensor. Bool and Byte tensors
// keep 0/1 values in the same float64 backing as Float64 tensors; only the
// tag changes how operations treat them.
type DType int

const (
	Float64 DType = iota
	Bool
	Byte
)

func (d DType) String() string {
	switch d {
	case Float64:
		return "float64"
	case Bool:
		return "bool"
	case Byte:
		return "byte"
	}
	return fmt.Sprintf("dtype(%d)", int(d))
}

// Tensor is a dense row-major tensor. Views produced by Reshape share the
// backing slice; every other operation allocates fresh storage.
type Tensor struct {
	data  []float64
	dims  []int
	dtype DType
}

func New(dims ...int) *Tensor {
	return &Tensor{
		data:  make([]float64, numElements(dims)),
		dims:  append([]int(nil), dims...),
		dtype: Float64,
	}
}

// NewFrom wraps data without copying. len(data) must match the dims product.
func NewFrom(data []float64, dims ...int) *Tensor {
	if len(data) != numElements(dims) {
		panic(fmt.Sprintf("tensor: data length %d does not match dims %v", len(data), dims))
	}
	return &Tensor{
		data:  data,
		dims:  append([]int(nil), dims...),
		dtype: Float64,
	}
}

func NewBool(dims ...int) *Tensor {
	t := New(dims...)
	t.dtype = Bool
	return t
}

func NewByte(dims ...int) *Tensor {
	t := New(dims...)
	t.dtype = Byte
	return t
}

func Full(value float64, dims ...int) *Tensor {
	t := New(dims...)
	for i := range t.data {
		t.data[i] = value
	}
	return t
}

func numElements(dims []int) int {
	n := 1
	for _, d := range dims {
		n *= d
	}
	return n
}

func (t *Tensor) Rank() int {
	return len(t.dims)
}

func (t *Tensor) Dims() []int {
	return t.dims
}

// Dim returns the size of dimension i.
func (t *Tensor) Dim(i int) int {
	return t.dims[i]
}

func (t *Tensor) NumElements() int {
	return len(t.data)
}

func (t *Tensor) Data() []float64 {
	return t.data
}

func (t *Tensor) DType() DType {
	return t.dtype
}

func (t *Tensor) IsFloat() bool {
	return t.dtype == Float64
}

func (t *Tensor) Clone() *Tensor {
	data := make([]float64, len(t.data))
	copy(data, t.data)
	return &Tensor{
		data:  data,
		dims:  append([]int(nil), t.dims...),
		dtype: t.dtype,
	}
}

// Reshape returns a view with the same backing slice and new dims.
func (t *Tensor) Reshape(dims ...int) *Tensor {
	if numElements(dims) != len(t.data) {
		panic(fmt.Sprintf("tensor: cannot reshape %v to %v", t.dims, dims))
	}
	return &Tensor{
		data:  t.data,
		dims:  append([]int(nil), dims...),
		dtype: t.dtype,
	}
}

func (t *Tensor) flatIndex(idx []int) int {
	if len(idx) != len(t.dims) {
		panic(fmt.Sprintf("tensor: index rank %d does not match tensor rank %d", len(idx), len(t.dims)))
	}
	flat := 0
	for i, ix := range idx {
		if ix < 0 || ix >= t.dims[i] {
			panic(fmt.Sprintf("tensor: index %v out of range for dims %v", idx, t.dims))
		}
		flat = flat*t.dims[i] + ix
	}
	return flat
}

func (t *Tensor) At(idx ...int) float64 {
	return t.data[t.flatIndex(idx)]
}

func (t *Tensor) Set(v float64, idx ...int) {
	t.data[t.flatIndex(idx)] = v
}

// BoolAt reads an element of a Bool or Byte tensor.
func (t *Tensor) BoolAt(idx ...int) bool {
	return t.data[t.flatIndex(idx)] != 0
}

// SetBool writes an element of a Bool or Byte tensor.
func (t *Tensor) SetBool(v bool, idx ...int) {
	x := 0.0
	if v {
		x = 1.0
	}
	t.data[t.flatIndex(idx)] = x
}

// SameDims reports whether t and o have identical shapes.
func (t *Tensor) SameDims(o *Tensor) bool {
	return EqualDims(t.dims, o.dims)
}

func EqualDims(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
