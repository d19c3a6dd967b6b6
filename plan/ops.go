package plan

// OpType discriminates the closed set of operator kinds the planner can
// reason about. Anything it does not recognize is treated as opaque: its
// buffers never share memory with each other.
type OpType uint8

const (
	OpUnknown OpType = iota
	OpConv2D
	OpAdd
	OpMul
)

var opTypeNames = map[OpType]string{
	OpUnknown: "unknown",
	OpConv2D:  "conv2d",
	OpAdd:     "add",
	OpMul:     "mul",
}

func (t OpType) String() string {
	if name, ok := opTypeNames[t]; ok {
		return name
	}
	return "invalid"
}

// ReuseCapable reports whether an operator of this type may ever let its
// output buffer overlap one of its input buffers. Elementwise add consumes
// each input element right before producing the output element at the same
// position; convolution admits a bounded overlap proven by the sliding-window
// math in reuse.go.
func (t OpType) ReuseCapable() bool {
	return t == OpConv2D || t == OpAdd
}

// OpParams is the per-type shape payload attached to an operator. It is a
// sealed variant: the planner only understands the concrete types below.
type OpParams interface {
	opParams()
}

// Conv2DParams describes the geometry of a 2-D convolution. All dimensions
// are element counts in the operator's raster layout (height-major rows,
// width, then channels).
type Conv2DParams struct {
	InputHeight    int
	InputWidth     int
	InputChannels  int
	FilterHeight   int
	FilterWidth    int
	OutputHeight   int
	OutputWidth    int
	OutputChannels int
	PaddingHeight  int
	PaddingWidth   int
	StrideHeight   int
	StrideWidth    int
	DilationHeight int
	DilationWidth  int
}

func (*Conv2DParams) opParams() {}

// normalized returns a copy with zero strides and dilations promoted to 1 so
// callers may leave defaults unset.
func (p *Conv2DParams) normalized() Conv2DParams {
	out := *p
	if out.StrideHeight <= 0 {
		out.StrideHeight = 1
	}
	if out.StrideWidth <= 0 {
		out.StrideWidth = 1
	}
	if out.DilationHeight <= 0 {
		out.DilationHeight = 1
	}
	if out.DilationWidth <= 0 {
		out.DilationWidth = 1
	}
	return out
}

// valid reports whether the geometry is usable for overlap proofs.
func (p *Conv2DParams) valid() bool {
	return p.InputHeight > 0 && p.InputWidth > 0 && p.InputChannels > 0 &&
		p.FilterHeight > 0 && p.FilterWidth > 0 &&
		p.OutputHeight > 0 && p.OutputWidth > 0 && p.OutputChannels > 0 &&
		p.PaddingHeight >= 0 && p.PaddingWidth >= 0
}

// inputFootprint is the byte extent of the operator's input tensor.
func (p *Conv2DParams) inputFootprint() int {
	return p.InputHeight * p.InputWidth * p.InputChannels
}

// outputFootprint is the byte extent of the operator's output tensor.
func (p *Conv2DParams) outputFootprint() int {
	return p.OutputHeight * p.OutputWidth * p.OutputChannels
}

// convParamWords is the number of int32 slots one operator's convolution
// geometry occupies in the carved parameter table.
const convParamWords = 14

func storeConvParams(dst []int32, p *Conv2DParams) {
	n := p.normalized()
	dst[0] = int32(n.InputHeight)
	dst[1] = int32(n.InputWidth)
	dst[2] = int32(n.InputChannels)
	dst[3] = int32(n.FilterHeight)
	dst[4] = int32(n.FilterWidth)
	dst[5] = int32(n.OutputHeight)
	dst[6] = int32(n.OutputWidth)
	dst[7] = int32(n.OutputChannels)
	dst[8] = int32(n.PaddingHeight)
	dst[9] = int32(n.PaddingWidth)
	dst[10] = int32(n.StrideHeight)
	dst[11] = int32(n.StrideWidth)
	dst[12] = int32(n.DilationHeight)
	dst[13] = int32(n.DilationWidth)
}

func loadConvParams(src []int32) Conv2DParams {
	return Conv2DParams{
		InputHeight:    int(src[0]),
		InputWidth:     int(src[1]),
		InputChannels:  int(src[2]),
		FilterHeight:   int(src[3]),
		FilterWidth:    int(src[4]),
		OutputHeight:   int(src[5]),
		OutputWidth:    int(src[6]),
		OutputChannels: int(src[7]),
		PaddingHeight:  int(src[8]),
		PaddingWidth:   int(src[9]),
		StrideHeight:   int(src[10]),
		StrideWidth:    int(src[11]),
		DilationHeight: int(src[12]),
		DilationWidth:  int(src[13]),
	}
}
