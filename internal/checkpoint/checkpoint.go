// Package checkpoint persists attention weights as Arrow IPC streams: one
// record per snapshot, one row per tensor, with the raw values carried in a
// binary column as little-endian float32 or float16.
package checkpoint

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/x448/float16"

	"github.com/AlessioBray/he-compliant-approximation/internal/approx"
	"github.com/AlessioBray/he-compliant-approximation/internal/logger"
	"github.com/AlessioBray/he-compliant-approximation/internal/metrics"
	"github.com/AlessioBray/he-compliant-approximation/internal/nn"
	"github.com/AlessioBray/he-compliant-approximation/internal/tensor"
)

// Encoding selects the on-disk element width.
type Encoding int

const (
	Float32 Encoding = iota
	Float16
)

func (e Encoding) String() string {
	if e == Float16 {
		return "f16"
	}
	return "f32"
}

func parseEncoding(s string) (Encoding, error) {
	switch s {
	case "f32":
		return Float32, nil
	case "f16":
		return Float16, nil
	}
	return 0, fmt.Errorf("checkpoint: unknown encoding %q", s)
}

// NamedTensor pairs a tensor with its parameter name.
type NamedTensor struct {
	Name   string
	Tensor *tensor.Tensor
}

var schema = arrow.NewSchema([]arrow.Field{
	{Name: "name", Type: arrow.BinaryTypes.String},
	{Name: "dims", Type: arrow.ListOf(arrow.PrimitiveTypes.Int64)},
	{Name: "encoding", Type: arrow.BinaryTypes.String},
	{Name: "data", Type: arrow.BinaryTypes.Binary},
}, nil)

// Write serializes the tensors to w as one Arrow record batch.
func Write(w io.Writer, tensors []NamedTensor, enc Encoding) error {
	mem := memory.NewGoAllocator()
	bld := array.NewRecordBuilder(mem, schema)
	defer bld.Release()

	nameB := bld.Field(0).(*array.StringBuilder)
	dimsB := bld.Field(1).(*array.ListBuilder)
	dimsV := dimsB.ValueBuilder().(*array.Int64Builder)
	encB := bld.Field(2).(*array.StringBuilder)
	dataB := bld.Field(3).(*array.BinaryBuilder)

	for _, nt := range tensors {
		nameB.Append(nt.Name)
		dimsB.Append(true)
		for _, d := range nt.Tensor.Dims() {
			dimsV.Append(int64(d))
		}
		encB.Append(enc.String())
		dataB.Append(encodeValues(nt.Tensor.Data(), enc))
	}

	rec := bld.NewRecord()
	defer rec.Release()

	wr := ipc.NewWriter(w, ipc.WithSchema(schema), ipc.WithAllocator(mem))
	if err := wr.Write(rec); err != nil {
		wr.Close()
		return fmt.Errorf("checkpoint: write record: %w", err)
	}
	return wr.Close()
}

// Read deserializes every tensor from an Arrow IPC stream.
func Read(r io.Reader) ([]NamedTensor, error) {
	rdr, err := ipc.NewReader(r, ipc.WithAllocator(memory.NewGoAllocator()))
	if err != nil {
		return nil, fmt.Errorf("checkpoint: open stream: %w", err)
	}
	defer rdr.Release()

	var out []NamedTensor
	for rdr.Next() {
		rec := rdr.Record()
		names := rec.Column(0).(*array.String)
		dims := rec.Column(1).(*array.List)
		dimVals := dims.ListValues().(*array.Int64)
		encs := rec.Column(2).(*array.String)
		data := rec.Column(3).(*array.Binary)

		for i := 0; i < int(rec.NumRows()); i++ {
			start, end := dims.ValueOffsets(i)
			shape := make([]int, 0, end-start)
			for j := start; j < end; j++ {
				shape = append(shape, int(dimVals.Value(int(j))))
			}
			enc, err := parseEncoding(encs.Value(i))
			if err != nil {
				return nil, err
			}
			values, err := decodeValues(data.Value(i), enc)
			if err != nil {
				return nil, fmt.Errorf("checkpoint: tensor %q: %w", names.Value(i), err)
			}
			out = append(out, NamedTensor{
				Name:   names.Value(i),
				Tensor: tensor.NewFrom(values, shape...),
			})
		}
	}
	if err := rdr.Err(); err != nil {
		return nil, fmt.Errorf("checkpoint: read stream: %w", err)
	}
	return out, nil
}

func encodeValues(values []float64, enc Encoding) []byte {
	if enc == Float16 {
		buf := make([]byte, 2*len(values))
		for i, v := range values {
			binary.LittleEndian.PutUint16(buf[2*i:], float16.Fromfloat32(float32(v)).Bits())
		}
		return buf
	}
	buf := make([]byte, 4*len(values))
	for i, v := range values {
		binary.LittleEndian.PutUint32(buf[4*i:], math.Float32bits(float32(v)))
	}
	return buf
}

func decodeValues(buf []byte, enc Encoding) ([]float64, error) {
	width := 4
	if enc == Float16 {
		width = 2
	}
	if len(buf)%width != 0 {
		return nil, fmt.Errorf("payload length %d not a multiple of %d", len(buf), width)
	}
	values := make([]float64, len(buf)/width)
	for i := range values {
		if enc == Float16 {
			values[i] = float64(float16.Frombits(binary.LittleEndian.Uint16(buf[2*i:])).Float32())
		} else {
			values[i] = float64(math.Float32frombits(binary.LittleEndian.Uint32(buf[4*i:])))
		}
	}
	return values, nil
}

// Collect gathers the layer's parameters under their canonical names.
// Absent parameters (disabled bias, packed vs separate projection) are
// skipped.
func Collect(m *approx.CustomizableMultiHead) []NamedTensor {
	var out []NamedTensor
	add := func(name string, t *tensor.Tensor) {
		if t != nil {
			out = append(out, NamedTensor{Name: name, Tensor: t})
		}
	}
	add("in_proj_weight", m.InProjWeight)
	add("in_proj_bias", m.InProjBias)
	add("q_proj_weight", m.QProjWeight)
	add("k_proj_weight", m.KProjWeight)
	add("v_proj_weight", m.VProjWeight)
	add("bias_k", m.BiasK)
	add("bias_v", m.BiasV)
	add("out_proj.weight", m.OutProjWeight)
	add("out_proj.bias", m.OutProjBias)
	return out
}

// Restore copies checkpointed tensors back into the layer by name. Shapes
// must match the layer's current parameters.
func Restore(m *approx.CustomizableMultiHead, tensors []NamedTensor) error {
	targets := map[string]**tensor.Tensor{
		"in_proj_weight":  &m.InProjWeight,
		"in_proj_bias":    &m.InProjBias,
		"q_proj_weight":   &m.QProjWeight,
		"k_proj_weight":   &m.KProjWeight,
		"v_proj_weight":   &m.VProjWeight,
		"bias_k":          &m.BiasK,
		"bias_v":          &m.BiasV,
		"out_proj.weight": &m.OutProjWeight,
		"out_proj.bias":   &m.OutProjBias,
	}
	for _, nt := range tensors {
		target, ok := targets[nt.Name]
		if !ok {
			return fmt.Errorf("checkpoint: unknown parameter %q", nt.Name)
		}
		if *target == nil {
			// A nil slot means the layer's layout does not carry this
			// parameter (packed vs separate projection, disabled bias);
			// installing it would leave a weight the forward never reads.
			return fmt.Errorf("checkpoint: parameter %q not present in this layer layout", nt.Name)
		}
		if !(*target).SameDims(nt.Tensor) {
			return &nn.ShapeMismatchError{
				Op:   "checkpoint_restore: " + nt.Name,
				Want: fmt.Sprintf("%v", (*target).Dims()),
				Got:  fmt.Sprintf("%v", nt.Tensor.Dims()),
			}
		}
		*target = nt.Tensor
	}
	return nil
}

// Save writes the layer's weights to path.
func Save(path string, m *approx.CustomizableMultiHead, enc Encoding) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("checkpoint: create %s: %w", path, err)
	}
	defer f.Close()

	if err := Write(f, Collect(m), enc); err != nil {
		return err
	}
	info, err := f.Stat()
	if err == nil {
		metrics.RecordCheckpointBytes(info.Size())
		logger.Log.Info("checkpoint written",
			"path", path, "bytes", info.Size(), "encoding", enc.String())
	}
	return nil
}

// Load restores the layer's weights from path.
func Load(path string, m *approx.CustomizableMultiHead) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("checkpoint: open %s: %w", path, err)
	}
	defer f.Close()

	tensors, err := Read(f)
	if err != nil {
		return err
	}
	if err := Restore(m, tensors); err != nil {
		return err
	}
	logger.Log.Info("checkpoint restored", "path", path, "tensors", len(tensors))
	return nil
}
