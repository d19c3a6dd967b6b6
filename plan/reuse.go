package plan

// Safe-overlap arithmetic for sliding-window operators.
//
// Both tensors of a convolution live in raster order: input pixel (ih,iw)
// occupies bytes [idx*Cin, (idx+1)*Cin) of its buffer with idx = ih*W+iw, and
// output pixel q occupies [q*Cout, (q+1)*Cout) of its buffer. An output byte
// may land on an input byte only if every read of that input byte happens
// before the write. Which output pixel reads an input pixel last depends on
// the iteration order of the output:
//
//   - forward (ascending raster) order: the last reader of an input pixel is
//     its highest-indexed child, so the output must trail far enough BELOW
//     the input that the write for pixel q stays under every input byte still
//     awaiting a read.
//   - reverse (descending raster) order: the last reader is the
//     lowest-indexed child, so the output may instead sit a bounded distance
//     ABOVE the input's start.
//
// The receptive field is treated as the full span covered by the dilated
// filter, which can only widen the set of presumed readers and therefore
// never under-reserves.

func clampChild(c, outDim int) int {
	if c < 0 {
		return 0
	}
	if c > outDim-1 {
		return outDim - 1
	}
	return c
}

// firstChild returns the lowest output index along one dimension whose
// window covers input index i.
func firstChild(i, pad, stride, dilation, filter, outDim int) int {
	lo := i + pad - dilation*(filter-1)
	c := 0
	if lo > 0 {
		c = (lo + stride - 1) / stride
	}
	return clampChild(c, outDim)
}

// lastChild returns the highest output index along one dimension whose
// window covers input index i.
func lastChild(i, pad, stride, outDim int) int {
	return clampChild((i+pad)/stride, outDim)
}

// reversePadding returns the minimal byte distance from the start of the
// input buffer at which the output buffer may begin, assuming the output is
// produced in descending raster order. For every input pixel the constraint
// is that the output pixel overwriting its bytes has already been produced,
// i.e. carries a strictly lower raster index than the pixel's earliest
// reader. A zero result means the buffers may share a start offset.
func (p *Conv2DParams) reversePadding() int {
	pad := 0
	for ih := 0; ih < p.InputHeight; ih++ {
		fh := firstChild(ih, p.PaddingHeight, p.StrideHeight, p.DilationHeight, p.FilterHeight, p.OutputHeight)
		for iw := 0; iw < p.InputWidth; iw++ {
			fw := firstChild(iw, p.PaddingWidth, p.StrideWidth, p.DilationWidth, p.FilterWidth, p.OutputWidth)
			firstReader := fh*p.OutputWidth + fw
			idx := ih*p.InputWidth + iw
			d := (idx+1)*p.InputChannels - firstReader*p.OutputChannels
			if d > pad {
				pad = d
			}
		}
	}
	if fp := p.inputFootprint(); pad > fp {
		pad = fp
	}
	return pad
}

// forwardGap returns the minimal byte distance the input buffer must sit
// above the output buffer's start when the output is produced in ascending
// raster order. For every input pixel the constraint is that all output
// pixels whose bytes reach into it carry a strictly higher raster index than
// the pixel's latest reader.
func (p *Conv2DParams) forwardGap() int {
	gap := 0
	for ih := 0; ih < p.InputHeight; ih++ {
		lh := lastChild(ih, p.PaddingHeight, p.StrideHeight, p.OutputHeight)
		for iw := 0; iw < p.InputWidth; iw++ {
			lw := lastChild(iw, p.PaddingWidth, p.StrideWidth, p.OutputWidth)
			lastReader := lh*p.OutputWidth + lw
			idx := ih*p.InputWidth + iw
			d := (lastReader+1)*p.OutputChannels - idx*p.InputChannels
			if d > gap {
				gap = d
			}
		}
	}
	return gap
}
