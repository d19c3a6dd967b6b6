package plan

import (
	"testing"
)

func newTestPlanner(t *testing.T, scratchBytes, operatorCount int) *Planner {
	t.Helper()
	p, err := NewPlanner(make([]byte, scratchBytes), operatorCount, nil)
	if err != nil {
		t.Fatalf("NewPlanner() error: %v", err)
	}
	return p
}

func mustAddOperator(t *testing.T, p *Planner, index int, opType OpType, params OpParams) {
	t.Helper()
	if err := p.AddOperatorInfo(index, opType, params); err != nil {
		t.Fatalf("AddOperatorInfo(%d, %s) error: %v", index, opType, err)
	}
}

func mustAddBuffer(t *testing.T, p *Planner, size, first, last int, inputOf, outputOf []bool) {
	t.Helper()
	if err := p.AddBuffer(size, first, last, inputOf, outputOf); err != nil {
		t.Fatalf("AddBuffer(size=%d, [%d,%d]) error: %v", size, first, last, err)
	}
}

func checkOffset(t *testing.T, p *Planner, index, want int) {
	t.Helper()
	got, err := p.OffsetForBuffer(index)
	if err != nil {
		t.Fatalf("OffsetForBuffer(%d) error: %v", index, err)
	}
	if got != want {
		t.Errorf("OffsetForBuffer(%d) = %d, want %d", index, got, want)
	}
}

func checkReverse(t *testing.T, p *Planner, index int, want bool) {
	t.Helper()
	got, err := p.OperatorReverse(index)
	if err != nil {
		t.Fatalf("OperatorReverse(%d) error: %v", index, err)
	}
	if got != want {
		t.Errorf("OperatorReverse(%d) = %v, want %v", index, got, want)
	}
}

// Two buffers with disjoint lifetimes share offset 0; the arena only needs
// to hold the larger one.
func TestPlannerDisjointLifetimes(t *testing.T) {
	t.Parallel()
	p := newTestPlanner(t, 4096, 1)
	mustAddOperator(t, p, 0, OpMul, nil)

	mustAddBuffer(t, p, 10, 0, 1, []bool{true}, []bool{false})
	mustAddBuffer(t, p, 20, 2, 3, []bool{false}, []bool{true})

	if p.AnyBuffersOverlap() {
		t.Error("AnyBuffersOverlap() = true, want false")
	}
	if got := p.MaximumMemorySize(); got != 20 {
		t.Errorf("MaximumMemorySize() = %d, want 20", got)
	}
	checkOffset(t, p, 0, 0)
	checkOffset(t, p, 1, 0)
	checkReverse(t, p, 0, false)
}

// A convolution's output may start inside its input when the read-before-
// write distance allows it: the 45-byte output lands 15 bytes above the
// 27-byte input instead of fully past it, and the producing operator is
// flagged for reverse-order output iteration.
func TestPlannerConvolutionOverlap(t *testing.T) {
	t.Parallel()
	p := newTestPlanner(t, 4096, 1)
	mustAddOperator(t, p, 0, OpConv2D, conv3x3x3to5())

	mustAddBuffer(t, p, 27, 0, 1, []bool{true}, []bool{false})
	mustAddBuffer(t, p, 45, 1, 2, []bool{false}, []bool{true})

	if !p.AnyBuffersOverlap() {
		t.Error("AnyBuffersOverlap() = false, want true for sanctioned reuse")
	}
	if got := p.MaximumMemorySize(); got != 60 {
		t.Errorf("MaximumMemorySize() = %d, want 60", got)
	}
	checkOffset(t, p, 0, 0)
	checkOffset(t, p, 1, 15)
	checkReverse(t, p, 0, true)
}

// Two chained convolutions feeding an in-place add. Buffer 3 is a long-lived
// residual input placed first; the conv outputs overlap their inputs in both
// directions, and the add output reclaims the residual's space outright.
func TestPlannerConvChainWithResidualAdd(t *testing.T) {
	t.Parallel()
	p := newTestPlanner(t, 4096, 3)
	mustAddOperator(t, p, 0, OpConv2D, conv3x3x3to5())
	mustAddOperator(t, p, 1, OpConv2D, conv3x3x5to3())
	mustAddOperator(t, p, 2, OpAdd, nil)

	mustAddBuffer(t, p, 27, 0, 1, []bool{true, false, false}, []bool{false, false, false})
	mustAddBuffer(t, p, 45, 1, 2, []bool{false, true, false}, []bool{true, false, false})
	mustAddBuffer(t, p, 27, 2, 3, []bool{false, false, true}, []bool{false, true, false})
	mustAddBuffer(t, p, 27, 0, 3, []bool{false, false, true}, []bool{false, false, false})
	mustAddBuffer(t, p, 27, 3, 4, []bool{false, false, false}, []bool{false, false, true})

	checkOffset(t, p, 0, 27)
	checkOffset(t, p, 1, 27+15)
	checkOffset(t, p, 2, 27)
	checkOffset(t, p, 3, 0)
	checkOffset(t, p, 4, 0)

	if !p.AnyBuffersOverlap() {
		t.Error("AnyBuffersOverlap() = false, want true for sanctioned reuse")
	}
	if got := p.MaximumMemorySize(); got != 87 {
		t.Errorf("MaximumMemorySize() = %d, want 87", got)
	}
	checkReverse(t, p, 0, true)
	checkReverse(t, p, 1, false) // forward-order overlap needs no flag
	checkReverse(t, p, 2, false)
}

// allCNNConvs returns the nine convolution layers of the All-CNN-C CIFAR-10
// network, the classic all-convolutional benchmark for arena planning.
func allCNNConvs() []*Conv2DParams {
	same := func(hw, cin, cout int) *Conv2DParams {
		return &Conv2DParams{
			InputHeight: hw, InputWidth: hw, InputChannels: cin,
			FilterHeight: 3, FilterWidth: 3,
			OutputHeight: hw, OutputWidth: hw, OutputChannels: cout,
			PaddingHeight: 1, PaddingWidth: 1,
			StrideHeight: 1, StrideWidth: 1,
		}
	}
	down := func(hw, c int) *Conv2DParams {
		return &Conv2DParams{
			InputHeight: hw, InputWidth: hw, InputChannels: c,
			FilterHeight: 3, FilterWidth: 3,
			OutputHeight: hw / 2, OutputWidth: hw / 2, OutputChannels: c,
			PaddingHeight: 1, PaddingWidth: 1,
			StrideHeight: 2, StrideWidth: 2,
		}
	}
	pointwise := func(hw, cin, cout int) *Conv2DParams {
		return &Conv2DParams{
			InputHeight: hw, InputWidth: hw, InputChannels: cin,
			FilterHeight: 1, FilterWidth: 1,
			OutputHeight: hw, OutputWidth: hw, OutputChannels: cout,
			StrideHeight: 1, StrideWidth: 1,
		}
	}
	return []*Conv2DParams{
		same(32, 3, 96),
		same(32, 96, 96),
		down(32, 96),
		same(16, 96, 192),
		same(16, 192, 192),
		down(16, 192),
		same(8, 192, 192),
		pointwise(8, 192, 192),
		pointwise(8, 192, 10),
	}
}

// The planner packs the full All-CNN-C activation chain into 101670 bytes,
// well under the 98304+98304 a non-overlapping planner would need for the
// two widest neighbors alone.
func TestPlannerAllCNNNetwork(t *testing.T) {
	t.Parallel()
	convs := allCNNConvs()
	p := newTestPlanner(t, 8192, len(convs))
	for i, cp := range convs {
		mustAddOperator(t, p, i, OpConv2D, cp)
	}

	// Buffer i feeds operator i and is produced by operator i-1; buffer 9 is
	// the final logits output.
	for i, cp := range convs {
		inputOf := make([]bool, len(convs))
		outputOf := make([]bool, len(convs))
		inputOf[i] = true
		if i > 0 {
			outputOf[i-1] = true
		}
		mustAddBuffer(t, p, cp.inputFootprint(), i, i+1, inputOf, outputOf)
	}
	last := convs[len(convs)-1]
	outputOf := make([]bool, len(convs))
	outputOf[len(convs)-1] = true
	mustAddBuffer(t, p, last.outputFootprint(), len(convs), len(convs)+1,
		make([]bool, len(convs)), outputOf)

	if !p.AnyBuffersOverlap() {
		t.Error("AnyBuffersOverlap() = false, want true for sanctioned reuse")
	}

	wantOffsets := []int{0, 102, 3366, 0, 1728, 5184, 0, 1920, 0, 11658}
	for i, want := range wantOffsets {
		checkOffset(t, p, i, want)
	}
	if got := p.MaximumMemorySize(); got != 101670 {
		t.Errorf("MaximumMemorySize() = %d, want 101670", got)
	}

	wantReverse := []bool{true, true, false, true, true, false, true, false, true}
	for i, want := range wantReverse {
		checkReverse(t, p, i, want)
	}
}

// Operators that cannot prove read-before-write get no overlap at all, even
// in a tight producer/consumer chain.
func TestPlannerNoOverlapForOpaqueOps(t *testing.T) {
	t.Parallel()
	p := newTestPlanner(t, 4096, 2)
	mustAddOperator(t, p, 0, OpMul, nil)
	mustAddOperator(t, p, 1, OpMul, nil)

	mustAddBuffer(t, p, 100, 0, 1, []bool{true, false}, []bool{false, false})
	mustAddBuffer(t, p, 50, 2, 3, []bool{false, true}, []bool{true, false})
	mustAddBuffer(t, p, 20, 1, 2, []bool{false, false}, []bool{false, true})

	if p.AnyBuffersOverlap() {
		t.Error("AnyBuffersOverlap() = true, want false")
	}
	if got := p.MaximumMemorySize(); got != 120 {
		t.Errorf("MaximumMemorySize() = %d, want 120", got)
	}
}

func TestPlannerOfflinePinnedBuffers(t *testing.T) {
	t.Parallel()
	p := newTestPlanner(t, 4096, 1)
	mustAddOperator(t, p, 0, OpMul, nil)

	// Pin a buffer high in the arena; the online buffer with an intersecting
	// lifetime must route around it in placement order, not displace it.
	if err := p.AddBufferWithOffset(30, 0, 2, []bool{true}, []bool{false}, 500); err != nil {
		t.Fatalf("AddBufferWithOffset() error: %v", err)
	}
	mustAddBuffer(t, p, 40, 1, 2, []bool{false}, []bool{true})

	checkOffset(t, p, 0, 500)
	checkOffset(t, p, 1, 0)
	if p.AnyBuffersOverlap() {
		t.Error("AnyBuffersOverlap() = true, want false")
	}
	if got := p.MaximumMemorySize(); got != 530 {
		t.Errorf("MaximumMemorySize() = %d, want 530", got)
	}
}

func TestPlannerCapacityExhaustion(t *testing.T) {
	t.Parallel()
	scratch := make([]byte, carveSlack+perOperatorBytes+PerBufferBytes(1)+PerBufferBytes(1)/2)
	p, err := NewPlanner(scratch, 1, nil)
	if err != nil {
		t.Fatalf("NewPlanner() error: %v", err)
	}
	if p.MaxBufferCount() != 1 {
		t.Fatalf("MaxBufferCount() = %d, want 1", p.MaxBufferCount())
	}
	mustAddOperator(t, p, 0, OpMul, nil)

	mustAddBuffer(t, p, 100, 0, 1, []bool{true}, []bool{false})
	if err := p.AddBuffer(50, 2, 3, []bool{false}, []bool{true}); err == nil {
		t.Fatal("AddBuffer() beyond capacity succeeded, want error")
	}

	// The rejected call must not disturb the registered buffer.
	if got := p.BufferCount(); got != 1 {
		t.Errorf("BufferCount() = %d, want 1", got)
	}
	checkOffset(t, p, 0, 0)
	if got := p.MaximumMemorySize(); got != 100 {
		t.Errorf("MaximumMemorySize() = %d, want 100", got)
	}
}

func TestPlannerScratchTooSmallForOperators(t *testing.T) {
	t.Parallel()
	if _, err := NewPlanner(make([]byte, 16), 4, nil); err == nil {
		t.Fatal("NewPlanner() with undersized scratch succeeded, want error")
	}
}

// Queries must reuse the cached plan until a registration invalidates it.
func TestPlannerMemoization(t *testing.T) {
	t.Parallel()
	p := newTestPlanner(t, 4096, 1)
	mustAddOperator(t, p, 0, OpMul, nil)
	mustAddBuffer(t, p, 10, 0, 1, []bool{true}, []bool{false})

	checkOffset(t, p, 0, 0)
	runs := p.planRuns
	checkOffset(t, p, 0, 0)
	p.MaximumMemorySize()
	p.AnyBuffersOverlap()
	if p.planRuns != runs {
		t.Errorf("plan recomputed %d times across cached queries, want 0", p.planRuns-runs)
	}

	// A new registration invalidates the cache and the next query replans.
	mustAddBuffer(t, p, 30, 0, 1, []bool{false}, []bool{true})
	checkOffset(t, p, 1, 10)
	if p.planRuns != runs+1 {
		t.Errorf("planRuns = %d after invalidation, want %d", p.planRuns, runs+1)
	}
	if got := p.MaximumMemorySize(); got != 40 {
		t.Errorf("MaximumMemorySize() = %d, want 40", got)
	}
}

// A reverse flag belongs to the plan that needed it. When a replan pushes
// the convolution output clear of its input, the flag must drop with the
// overlap instead of surviving from the previous plan.
func TestPlannerReverseFlagFollowsReplan(t *testing.T) {
	t.Parallel()
	p := newTestPlanner(t, 4096, 1)
	mustAddOperator(t, p, 0, OpConv2D, conv3x3x3to5())

	mustAddBuffer(t, p, 27, 0, 1, []bool{true}, []bool{false})
	mustAddBuffer(t, p, 45, 1, 2, []bool{false}, []bool{true})
	checkOffset(t, p, 1, 15)
	checkReverse(t, p, 0, true)

	// A pinned obstacle right at the input's end blocks the overlap region;
	// the output lands past the obstacle instead, overlapping nothing.
	if err := p.AddBufferWithOffset(10, 1, 2, []bool{false}, []bool{false}, 27); err != nil {
		t.Fatalf("AddBufferWithOffset() error: %v", err)
	}
	checkOffset(t, p, 1, 37)
	if p.AnyBuffersOverlap() {
		t.Error("AnyBuffersOverlap() = true, want false after replan")
	}
	checkReverse(t, p, 0, false)
}

func TestPlannerRegistrationErrors(t *testing.T) {
	t.Parallel()
	p := newTestPlanner(t, 4096, 2)

	if err := p.AddOperatorInfo(2, OpMul, nil); err == nil {
		t.Error("AddOperatorInfo() with out-of-range index succeeded, want error")
	}
	if err := p.AddOperatorInfo(0, OpConv2D, nil); err == nil {
		t.Error("AddOperatorInfo() conv2d without params succeeded, want error")
	}
	if err := p.AddOperatorInfo(0, OpAdd, conv3x3x3to5()); err == nil {
		t.Error("AddOperatorInfo() add with conv params succeeded, want error")
	}
	mustAddOperator(t, p, 0, OpMul, nil)
	mustAddOperator(t, p, 1, OpConv2D, conv3x3x3to5())

	if err := p.AddBuffer(0, 0, 1, []bool{true, false}, []bool{false, false}); err == nil {
		t.Error("AddBuffer() with zero size succeeded, want error")
	}
	if err := p.AddBuffer(10, 3, 1, []bool{true, false}, []bool{false, false}); err == nil {
		t.Error("AddBuffer() with inverted lifetime succeeded, want error")
	}
	if err := p.AddBuffer(10, 0, 1, []bool{true}, []bool{false, false}); err == nil {
		t.Error("AddBuffer() with short membership row succeeded, want error")
	}
	if err := p.AddBufferWithOffset(10, 0, 1, []bool{true, false}, []bool{false, false}, -4); err == nil {
		t.Error("AddBufferWithOffset() with negative offset succeeded, want error")
	}
	if got := p.BufferCount(); got != 0 {
		t.Errorf("BufferCount() = %d after rejected registrations, want 0", got)
	}

	if _, err := p.OffsetForBuffer(0); err == nil {
		t.Error("OffsetForBuffer() with no buffers succeeded, want error")
	}
	if _, err := p.OperatorReverse(5); err == nil {
		t.Error("OperatorReverse() with out-of-range index succeeded, want error")
	}
}

func BenchmarkPlannerAllCNN(b *testing.B) {
	convs := allCNNConvs()
	scratch := make([]byte, 8192)
	for i := 0; i < b.N; i++ {
		p, err := NewPlanner(scratch, len(convs), nil)
		if err != nil {
			b.Fatal(err)
		}
		for j, cp := range convs {
			if err := p.AddOperatorInfo(j, OpConv2D, cp); err != nil {
				b.Fatal(err)
			}
		}
		for j, cp := range convs {
			inputOf := make([]bool, len(convs))
			outputOf := make([]bool, len(convs))
			inputOf[j] = true
			if j > 0 {
				outputOf[j-1] = true
			}
			if err := p.AddBuffer(cp.inputFootprint(), j, j+1, inputOf, outputOf); err != nil {
				b.Fatal(err)
			}
		}
		if got := p.MaximumMemorySize(); got != 101670 {
			b.Fatalf("MaximumMemorySize() = %d", got)
		}
	}
}
