// Package graph defines the model description consumed by the arena planner.
//
// A Model lists the tensors of an inference graph with their byte sizes, and
// the operators connecting them, in execution order. Models are typically
// authored or exported as JSON, but a compact binary encoding exists for
// embedding plans into firmware images. Binding a Model (see Bind) derives
// every tensor's lifetime from the operator order and runs the planner to
// produce a Schedule of arena offsets.
package graph

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/cockroachdb/errors"
	"github.com/sugawarayuuta/sonnet"

	"github.com/sbl8/arenaplan/plan"
)

// ConvShape mirrors the convolution geometry the planner's overlap proofs
// need. All dimensions are element counts.
type ConvShape struct {
	InputHeight    int `json:"input_height"`
	InputWidth     int `json:"input_width"`
	InputChannels  int `json:"input_channels"`
	FilterHeight   int `json:"filter_height"`
	FilterWidth    int `json:"filter_width"`
	OutputHeight   int `json:"output_height"`
	OutputWidth    int `json:"output_width"`
	OutputChannels int `json:"output_channels"`
	PaddingHeight  int `json:"padding_height"`
	PaddingWidth   int `json:"padding_width"`
	StrideHeight   int `json:"stride_height,omitempty"`
	StrideWidth    int `json:"stride_width,omitempty"`
	DilationHeight int `json:"dilation_height,omitempty"`
	DilationWidth  int `json:"dilation_width,omitempty"`
}

func (s *ConvShape) params() *plan.Conv2DParams {
	return &plan.Conv2DParams{
		InputHeight: s.InputHeight, InputWidth: s.InputWidth, InputChannels: s.InputChannels,
		FilterHeight: s.FilterHeight, FilterWidth: s.FilterWidth,
		OutputHeight: s.OutputHeight, OutputWidth: s.OutputWidth, OutputChannels: s.OutputChannels,
		PaddingHeight: s.PaddingHeight, PaddingWidth: s.PaddingWidth,
		StrideHeight: s.StrideHeight, StrideWidth: s.StrideWidth,
		DilationHeight: s.DilationHeight, DilationWidth: s.DilationWidth,
	}
}

// TensorDef describes one tensor's storage requirement. A non-nil Offset
// pins the tensor at a fixed arena position decided outside the planner.
type TensorDef struct {
	Name   string `json:"name,omitempty"`
	Size   int    `json:"size"`
	Offset *int   `json:"offset,omitempty"`
}

// OperatorDef describes one operator in execution order. Inputs and Output
// are tensor indices into Model.Tensors.
type OperatorDef struct {
	Type   string     `json:"type"`
	Inputs []int      `json:"inputs"`
	Output int        `json:"output"`
	Conv   *ConvShape `json:"conv,omitempty"`
}

// Model is a planner-ready description of an inference graph.
type Model struct {
	Name      string        `json:"name,omitempty"`
	Tensors   []TensorDef   `json:"tensors"`
	Operators []OperatorDef `json:"operators"`
}

// opTypeByName maps the wire spelling of an operator type. Unknown spellings
// bind as opaque operators: planned, but never sharing memory.
var opTypeByName = map[string]plan.OpType{
	"conv2d": plan.OpConv2D,
	"add":    plan.OpAdd,
	"mul":    plan.OpMul,
}

func opTypeFor(name string) plan.OpType {
	if t, ok := opTypeByName[name]; ok {
		return t
	}
	return plan.OpUnknown
}

// ParseModel decodes a JSON model description and validates it.
func ParseModel(data []byte) (*Model, error) {
	var m Model
	if err := sonnet.Unmarshal(data, &m); err != nil {
		return nil, errors.Wrap(err, "decoding model")
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

// JSON encodes the model as JSON.
func (m *Model) JSON() ([]byte, error) {
	data, err := sonnet.Marshal(m)
	if err != nil {
		return nil, errors.Wrap(err, "encoding model")
	}
	return data, nil
}

// Validate checks structural consistency: positive tensor sizes, in-range
// operator references, convolution shapes where required, and at most one
// producer per tensor.
func (m *Model) Validate() error {
	for i, td := range m.Tensors {
		if td.Size <= 0 {
			return errors.Newf("tensor %d: size %d must be positive", i, td.Size)
		}
		if td.Offset != nil && *td.Offset < 0 {
			return errors.Newf("tensor %d: pinned offset %d is negative", i, *td.Offset)
		}
	}
	producer := make([]int, len(m.Tensors))
	for i := range producer {
		producer[i] = -1
	}
	for i, od := range m.Operators {
		if od.Output < 0 || od.Output >= len(m.Tensors) {
			return errors.Newf("operator %d: output tensor %d out of range", i, od.Output)
		}
		if prev := producer[od.Output]; prev != -1 {
			return errors.Newf("operator %d: tensor %d already produced by operator %d", i, od.Output, prev)
		}
		producer[od.Output] = i
		for _, in := range od.Inputs {
			if in < 0 || in >= len(m.Tensors) {
				return errors.Newf("operator %d: input tensor %d out of range", i, in)
			}
			if in == od.Output {
				return errors.Newf("operator %d: tensor %d is both input and output", i, in)
			}
			if p := producer[in]; p != -1 && p >= i {
				return errors.Newf("operator %d: input tensor %d produced by later operator %d", i, in, p)
			}
		}
		if opTypeFor(od.Type) == plan.OpConv2D && od.Conv == nil {
			return errors.Newf("operator %d: conv2d requires a conv shape", i)
		}
	}
	return nil
}

// Binary model encoding, for embedding plans into firmware images.
// Layout: header, then fixed-order tensor and operator records, all
// little-endian.
const (
	binaryMagic   = 0x4C505241 // "ARPL"
	binaryVersion = 1
)

// EncodeBinary serializes the model in the compact binary form.
func (m *Model) EncodeBinary() ([]byte, error) {
	var buf bytes.Buffer
	hdr := []any{
		uint32(binaryMagic),
		uint16(binaryVersion),
		uint16(len(m.Tensors)),
		uint16(len(m.Operators)),
	}
	for _, v := range hdr {
		if err := binary.Write(&buf, binary.LittleEndian, v); err != nil {
			return nil, errors.Wrap(err, "encoding header")
		}
	}

	for i, td := range m.Tensors {
		pinned := uint8(0)
		offset := int32(0)
		if td.Offset != nil {
			pinned = 1
			offset = int32(*td.Offset)
		}
		if len(td.Name) > 255 {
			return nil, errors.Newf("tensor %d: name longer than 255 bytes", i)
		}
		if err := binary.Write(&buf, binary.LittleEndian, int32(td.Size)); err != nil {
			return nil, errors.Wrap(err, "encoding tensor")
		}
		if err := binary.Write(&buf, binary.LittleEndian, pinned); err != nil {
			return nil, errors.Wrap(err, "encoding tensor")
		}
		if err := binary.Write(&buf, binary.LittleEndian, offset); err != nil {
			return nil, errors.Wrap(err, "encoding tensor")
		}
		buf.WriteByte(uint8(len(td.Name)))
		buf.WriteString(td.Name)
	}

	for i, od := range m.Operators {
		t := opTypeFor(od.Type)
		if len(od.Inputs) > 255 {
			return nil, errors.Newf("operator %d: too many inputs", i)
		}
		buf.WriteByte(uint8(t))
		if err := binary.Write(&buf, binary.LittleEndian, int32(od.Output)); err != nil {
			return nil, errors.Wrap(err, "encoding operator")
		}
		buf.WriteByte(uint8(len(od.Inputs)))
		for _, in := range od.Inputs {
			if err := binary.Write(&buf, binary.LittleEndian, int32(in)); err != nil {
				return nil, errors.Wrap(err, "encoding operator")
			}
		}
		if od.Conv == nil {
			buf.WriteByte(0)
			continue
		}
		buf.WriteByte(1)
		shape := []int32{
			int32(od.Conv.InputHeight), int32(od.Conv.InputWidth), int32(od.Conv.InputChannels),
			int32(od.Conv.FilterHeight), int32(od.Conv.FilterWidth),
			int32(od.Conv.OutputHeight), int32(od.Conv.OutputWidth), int32(od.Conv.OutputChannels),
			int32(od.Conv.PaddingHeight), int32(od.Conv.PaddingWidth),
			int32(od.Conv.StrideHeight), int32(od.Conv.StrideWidth),
			int32(od.Conv.DilationHeight), int32(od.Conv.DilationWidth),
		}
		for _, v := range shape {
			if err := binary.Write(&buf, binary.LittleEndian, v); err != nil {
				return nil, errors.Wrap(err, "encoding operator")
			}
		}
	}
	return buf.Bytes(), nil
}

// DecodeBinary parses the compact binary form and validates the result.
func DecodeBinary(data []byte) (*Model, error) {
	r := bytes.NewReader(data)
	var magic uint32
	var version, tensorCount, operatorCount uint16
	for _, dst := range []any{&magic, &version, &tensorCount, &operatorCount} {
		if err := binary.Read(r, binary.LittleEndian, dst); err != nil {
			return nil, errors.Wrap(err, "decoding header")
		}
	}
	if magic != binaryMagic {
		return nil, errors.Newf("bad magic 0x%08X", magic)
	}
	if version != binaryVersion {
		return nil, errors.Newf("unsupported model version %d", version)
	}

	m := &Model{
		Tensors:   make([]TensorDef, tensorCount),
		Operators: make([]OperatorDef, operatorCount),
	}
	for i := range m.Tensors {
		var size, offset int32
		var pinned, nameLen uint8
		if err := binary.Read(r, binary.LittleEndian, &size); err != nil {
			return nil, errors.Wrapf(err, "decoding tensor %d", i)
		}
		if err := binary.Read(r, binary.LittleEndian, &pinned); err != nil {
			return nil, errors.Wrapf(err, "decoding tensor %d", i)
		}
		if err := binary.Read(r, binary.LittleEndian, &offset); err != nil {
			return nil, errors.Wrapf(err, "decoding tensor %d", i)
		}
		if err := binary.Read(r, binary.LittleEndian, &nameLen); err != nil {
			return nil, errors.Wrapf(err, "decoding tensor %d", i)
		}
		name := make([]byte, nameLen)
		if _, err := io.ReadFull(r, name); err != nil {
			return nil, errors.Wrapf(err, "decoding tensor %d", i)
		}
		m.Tensors[i] = TensorDef{Name: string(name), Size: int(size)}
		if pinned != 0 {
			off := int(offset)
			m.Tensors[i].Offset = &off
		}
	}
	for i := range m.Operators {
		var opByte, inputCount, hasConv uint8
		var output int32
		if err := binary.Read(r, binary.LittleEndian, &opByte); err != nil {
			return nil, errors.Wrapf(err, "decoding operator %d", i)
		}
		if err := binary.Read(r, binary.LittleEndian, &output); err != nil {
			return nil, errors.Wrapf(err, "decoding operator %d", i)
		}
		if err := binary.Read(r, binary.LittleEndian, &inputCount); err != nil {
			return nil, errors.Wrapf(err, "decoding operator %d", i)
		}
		inputs := make([]int, inputCount)
		for j := range inputs {
			var in int32
			if err := binary.Read(r, binary.LittleEndian, &in); err != nil {
				return nil, errors.Wrapf(err, "decoding operator %d", i)
			}
			inputs[j] = int(in)
		}
		od := OperatorDef{
			Type:   plan.OpType(opByte).String(),
			Inputs: inputs,
			Output: int(output),
		}
		if err := binary.Read(r, binary.LittleEndian, &hasConv); err != nil {
			return nil, errors.Wrapf(err, "decoding operator %d", i)
		}
		if hasConv != 0 {
			var shape [14]int32
			if err := binary.Read(r, binary.LittleEndian, &shape); err != nil {
				return nil, errors.Wrapf(err, "decoding operator %d", i)
			}
			od.Conv = &ConvShape{
				InputHeight: int(shape[0]), InputWidth: int(shape[1]), InputChannels: int(shape[2]),
				FilterHeight: int(shape[3]), FilterWidth: int(shape[4]),
				OutputHeight: int(shape[5]), OutputWidth: int(shape[6]), OutputChannels: int(shape[7]),
				PaddingHeight: int(shape[8]), PaddingWidth: int(shape[9]),
				StrideHeight: int(shape[10]), StrideWidth: int(shape[11]),
				DilationHeight: int(shape[12]), DilationWidth: int(shape[13]),
			}
		}
		m.Operators[i] = od
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return m, nil
}

// String summarizes the model for log lines.
func (m *Model) String() string {
	return fmt.Sprintf("%s (%d tensors, %d operators)", m.Name, len(m.Tensors), len(m.Operators))
}
