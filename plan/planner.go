// Package plan assigns static arena offsets to the intermediate buffers of a
// computation graph.
//
// The caller registers every operator's type and shape parameters, then every
// buffer's size, lifetime, and operator memberships. The first query triggers
// planning: buffers are ordered (offline-pinned first, then by ascending
// creation time with longest-lived first among ties) and placed greedily into
// the first gap of an offset-ordered chain of prior placements. Operators
// that provably consume their input ahead of the corresponding output writes
// (elementwise add, non-residual convolution) let the gap requirement shrink
// below the neighbor's full size, packing the arena tighter than plain
// interval packing.
//
// All bookkeeping lives in a caller-supplied scratch region carved at
// construction; the planner allocates nothing afterwards, owns nothing, and
// carries no internal synchronization - registration and queries must come
// from a single goroutine.
package plan

import (
	"io"

	"github.com/cockroachdb/errors"
	"github.com/sbl8/arenaplan/core"
	"golang.org/x/exp/slog"
)

// onlinePlanned marks a buffer whose offset the planner chooses itself.
const onlinePlanned int32 = -1

// Bookkeeping costs used to derive capacity from the scratch region size.
const (
	// perOperatorBytes covers one operator's type, reverse flag, and
	// convolution geometry slots.
	perOperatorBytes = 4 + 1 + convParamWords*4

	// perBufferFixedBytes covers one buffer's size, lifetime, pinned offset,
	// result offset, three ordering slots, and three chain slots; each buffer
	// additionally costs two bytes per registered operator for its
	// input/output membership rows.
	perBufferFixedBytes = 11 * 4

	// carveSlack absorbs the alignment padding the carver may introduce
	// between typed regions.
	carveSlack = 64
)

// PerBufferBytes reports the approximate scratch cost of planning one buffer
// alongside operatorCount registered operators. Callers size their scratch
// region with this: roughly 44 bytes per buffer plus two bytes per operator
// per buffer, plus a fixed per-operator cost.
func PerBufferBytes(operatorCount int) int {
	return perBufferFixedBytes + 2*operatorCount
}

// Planner computes a static memory plan for a set of buffers with known
// sizes and lifetimes. The zero value is not usable; construct with
// NewPlanner.
type Planner struct {
	log *slog.Logger

	operatorCount int
	maxBuffers    int
	bufferCount   int

	// Per-operator columns.
	opTypes   []int32
	opReverse []bool
	opConv    []int32 // convParamWords slots per operator

	// Per-buffer columns.
	sizes     []int32
	firstUsed []int32
	lastUsed  []int32
	pins      []int32 // onlinePlanned unless the caller fixed the offset
	offsets   []int32

	// Membership matrices, row-major: buffer index by operator index.
	inputOf  []bool
	outputOf []bool

	// Ordering stage working arrays.
	sortFirst []int32
	sortLast  []int32
	sortIDs   []int32

	chain chain

	dirty    bool
	planRuns int // how many times offsets have actually been recomputed
}

// NewPlanner carves a planner out of the caller-owned scratch region. The
// region must stay valid and untouched for the planner's whole lifetime; the
// planner never allocates, frees, or resizes it. Buffer capacity is derived
// from whatever is left of the region once operatorCount operators are
// accounted for. log receives diagnostic messages and may be nil.
func NewPlanner(scratch []byte, operatorCount int, log *slog.Logger) (*Planner, error) {
	if operatorCount < 0 {
		return nil, errors.Newf("operator count %d is negative", operatorCount)
	}
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	opCost := operatorCount * perOperatorBytes
	avail := len(scratch) - opCost - carveSlack
	if avail < 0 {
		return nil, errors.Newf(
			"scratch region of %d bytes cannot hold bookkeeping for %d operators (%d bytes needed)",
			len(scratch), operatorCount, opCost+carveSlack)
	}
	maxBuffers := avail / PerBufferBytes(operatorCount)

	p := &Planner{
		log:           log,
		operatorCount: operatorCount,
		maxBuffers:    maxBuffers,
		dirty:         true,
	}

	c := core.NewCarver(scratch)
	var err error
	if p.opTypes, err = c.Int32s(operatorCount); err != nil {
		return nil, errors.Wrap(err, "carving operator table")
	}
	if p.opConv, err = c.Int32s(operatorCount * convParamWords); err != nil {
		return nil, errors.Wrap(err, "carving operator table")
	}
	if p.opReverse, err = c.Bools(operatorCount); err != nil {
		return nil, errors.Wrap(err, "carving operator table")
	}
	for _, dst := range []*[]int32{
		&p.sizes, &p.firstUsed, &p.lastUsed, &p.pins, &p.offsets,
		&p.sortFirst, &p.sortLast, &p.sortIDs,
		&p.chain.offsets, &p.chain.buffers, &p.chain.next,
	} {
		if *dst, err = c.Int32s(maxBuffers); err != nil {
			return nil, errors.Wrap(err, "carving buffer table")
		}
	}
	if p.inputOf, err = c.Bools(maxBuffers * operatorCount); err != nil {
		return nil, errors.Wrap(err, "carving membership rows")
	}
	if p.outputOf, err = c.Bools(maxBuffers * operatorCount); err != nil {
		return nil, errors.Wrap(err, "carving membership rows")
	}
	p.chain.reset()
	return p, nil
}

// MaxBufferCount reports how many buffers the scratch region can plan for.
func (p *Planner) MaxBufferCount() int { return p.maxBuffers }

// BufferCount reports how many buffers have been registered.
func (p *Planner) BufferCount() int { return p.bufferCount }

// OperatorCount reports the operator capacity fixed at construction.
func (p *Planner) OperatorCount() int { return p.operatorCount }

func (p *Planner) inputRow(b int) []bool {
	return p.inputOf[b*p.operatorCount : (b+1)*p.operatorCount]
}

func (p *Planner) outputRow(b int) []bool {
	return p.outputOf[b*p.operatorCount : (b+1)*p.operatorCount]
}

// AddOperatorInfo records one operator's type and shape parameters. Every
// operator a buffer refers to must be registered before that buffer.
// Convolution operators require Conv2DParams; other types take nil.
func (p *Planner) AddOperatorInfo(index int, opType OpType, params OpParams) error {
	if index < 0 || index >= p.operatorCount {
		err := errors.Newf("operator index %d is outside range 0 to %d", index, p.operatorCount-1)
		p.log.Error("operator registration rejected", slog.Int("index", index), slog.Int("count", p.operatorCount))
		return err
	}
	switch sp := params.(type) {
	case nil:
		if opType == OpConv2D {
			err := errors.Newf("convolution operator %d registered without shape parameters", index)
			p.log.Error("operator registration rejected", slog.Int("index", index), slog.String("type", opType.String()))
			return err
		}
	case *Conv2DParams:
		if opType != OpConv2D {
			err := errors.Newf("operator %d of type %s does not take convolution parameters", index, opType)
			p.log.Error("operator registration rejected", slog.Int("index", index), slog.String("type", opType.String()))
			return err
		}
		storeConvParams(p.opConv[index*convParamWords:(index+1)*convParamWords], sp)
	default:
		return errors.Newf("operator %d: unsupported parameter payload %T", index, params)
	}
	p.opTypes[index] = int32(opType)
	p.opReverse[index] = false
	p.dirty = true
	return nil
}

// AddBuffer records one buffer the planner should place. first and last are
// inclusive execution-order timestamps during which the buffer must stay
// valid. inputOf and outputOf mark, per operator index, whether the buffer is
// read or written by that operator; both must have exactly OperatorCount
// entries. A failed call leaves the registry unchanged.
func (p *Planner) AddBuffer(size, first, last int, inputOf, outputOf []bool) error {
	return p.addBuffer(size, first, last, inputOf, outputOf, onlinePlanned)
}

// AddBufferWithOffset is AddBuffer for an offline-planned buffer: the given
// arena offset is honored verbatim and the buffer acts as an immovable
// obstacle for everything placed afterwards.
func (p *Planner) AddBufferWithOffset(size, first, last int, inputOf, outputOf []bool, offset int) error {
	if offset < 0 {
		return errors.Newf("offline offset %d is negative", offset)
	}
	return p.addBuffer(size, first, last, inputOf, outputOf, int32(offset))
}

func (p *Planner) addBuffer(size, first, last int, inputOf, outputOf []bool, pin int32) error {
	if p.bufferCount >= p.maxBuffers {
		err := errors.Newf("too many buffers (max is %d)", p.maxBuffers)
		p.log.Error("buffer registration rejected",
			slog.Int("count", p.bufferCount), slog.Int("max", p.maxBuffers))
		return err
	}
	if size <= 0 {
		return errors.Newf("buffer size %d must be positive", size)
	}
	if first > last {
		return errors.Newf("buffer lifetime [%d, %d] is inverted", first, last)
	}
	if len(inputOf) != p.operatorCount || len(outputOf) != p.operatorCount {
		return errors.Newf("membership rows have %d/%d entries, want %d",
			len(inputOf), len(outputOf), p.operatorCount)
	}

	b := p.bufferCount
	p.sizes[b] = int32(size)
	p.firstUsed[b] = int32(first)
	p.lastUsed[b] = int32(last)
	p.pins[b] = pin
	copy(p.inputRow(b), inputOf)
	copy(p.outputRow(b), outputOf)
	p.bufferCount++
	p.dirty = true
	return nil
}

// OffsetForBuffer returns the arena offset assigned to the buffer registered
// at the given index, computing the plan first if it is stale.
func (p *Planner) OffsetForBuffer(index int) (int, error) {
	p.calculateOffsetsIfNeeded()
	if index < 0 || index >= p.bufferCount {
		err := errors.Newf("buffer index %d is outside range 0 to %d", index, p.bufferCount-1)
		p.log.Error("offset query rejected", slog.Int("index", index), slog.Int("count", p.bufferCount))
		return 0, err
	}
	return int(p.offsets[index]), nil
}

// OperatorReverse reports whether the plan requires the operator to produce
// its output in descending raster order for its sanctioned overlap to stay
// safe. A downstream execution-order builder must honor this flag.
func (p *Planner) OperatorReverse(index int) (bool, error) {
	p.calculateOffsetsIfNeeded()
	if index < 0 || index >= p.operatorCount {
		return false, errors.Newf("operator index %d is outside range 0 to %d", index, p.operatorCount-1)
	}
	return p.opReverse[index], nil
}

func (p *Planner) timeOverlap(b int32, first, last int32) bool {
	if p.firstUsed[b] > last {
		return false
	}
	if first > p.lastUsed[b] {
		return false
	}
	return true
}

// nextActiveEntry walks the chain starting after prior (or from the head when
// prior is nilRef) and returns the first entry whose buffer is live anywhere
// in [first, last]. Entries outside that window are transparent: their space
// may be reused freely.
func (p *Planner) nextActiveEntry(prior entryRef, first, last int32) entryRef {
	var cand entryRef
	if prior == nilRef {
		cand = p.chain.head
	} else {
		cand = p.chain.next[prior]
	}
	for cand != nilRef {
		if p.timeOverlap(p.chain.buffers[cand], first, last) {
			return cand
		}
		cand = p.chain.next[cand]
	}
	return nilRef
}

// producerOf returns the index of the operator that writes buffer b, or -1.
// Buffers have at most one producer.
func (p *Planner) producerOf(b int32) int {
	row := p.outputRow(int(b))
	for op := range row {
		if row[op] {
			return op
		}
	}
	return -1
}

// convFor returns the convolution geometry of operator op when it matches
// the given producer/consumer buffer pair exactly; overlap proofs are only
// valid when the registered footprints agree with the buffer sizes.
func (p *Planner) convFor(op int, in, out int32) (Conv2DParams, bool) {
	cp := loadConvParams(p.opConv[op*convParamWords : (op+1)*convParamWords])
	if !cp.valid() {
		return cp, false
	}
	if int32(cp.inputFootprint()) != p.sizes[in] || int32(cp.outputFootprint()) != p.sizes[out] {
		return cp, false
	}
	return cp, true
}

// reuseLink identifies the operator connecting a placed buffer to the buffer
// being placed when their relationship permits overlap: the placed buffer
// must be an input of the operator producing the current one, and it must
// fall dead exactly when the current buffer comes alive.
func (p *Planner) reuseLink(placed, cur int32) (op int, ok bool) {
	op = p.producerOf(cur)
	if op < 0 || !OpType(p.opTypes[op]).ReuseCapable() {
		return 0, false
	}
	if !p.inputRow(int(placed))[op] {
		return 0, false
	}
	if p.lastUsed[placed] != p.firstUsed[cur] {
		return 0, false
	}
	return op, true
}

// reuseMark remembers that a candidate offset came from a reverse-order
// overlap so the operator's reverse flag can be set once the placement is
// final.
type reuseMark struct {
	op       int
	boundary int32 // end of the prior buffer; overlap exists below this
	active   bool
}

// minOffsetAfter returns the lowest offset at which the current buffer may
// start when placed at or above the prior entry. The default is the end of
// the prior buffer; a direct producer/consumer link through an in-place or
// sliding-window operator may pull it lower.
func (p *Planner) minOffsetAfter(prior entryRef, cur int32) (int32, reuseMark) {
	pb := p.chain.buffers[prior]
	base := p.chain.offsets[prior]
	def := base + p.sizes[pb]

	op, ok := p.reuseLink(pb, cur)
	if !ok {
		return def, reuseMark{}
	}
	switch OpType(p.opTypes[op]) {
	case OpAdd:
		// Exact in-place: each input element is consumed right before the
		// output element at the same position is written.
		if p.sizes[pb] == p.sizes[cur] {
			return base, reuseMark{}
		}
	case OpConv2D:
		if cp, ok := p.convFor(op, pb, cur); ok {
			pad := int32(cp.reversePadding())
			if pad < p.sizes[pb] {
				if pad > 0 {
					return base + pad, reuseMark{op: op, boundary: def, active: true}
				}
				return base, reuseMark{}
			}
		}
	}
	return def, reuseMark{}
}

// wantedGap returns how much free space the current buffer needs between its
// candidate offset and the next placed entry. Normally the full buffer size;
// when the next entry is the direct input of the operator producing the
// current buffer, the forward-order overlap proof may shrink it, letting the
// current buffer's tail reach into the input it is about to consume. The
// overlap is never allowed past the input's end.
func (p *Planner) wantedGap(next entryRef, cur int32, size int32) int32 {
	nb := p.chain.buffers[next]
	op, ok := p.reuseLink(nb, cur)
	if !ok {
		return size
	}
	gap := size
	switch OpType(p.opTypes[op]) {
	case OpAdd:
		if p.sizes[nb] == p.sizes[cur] {
			gap = 0
		}
	case OpConv2D:
		if cp, ok := p.convFor(op, nb, cur); ok {
			gap = int32(cp.forwardGap())
		}
	}
	if confine := size - p.sizes[nb]; gap < confine {
		gap = confine
	}
	if gap > size {
		gap = size
	}
	return gap
}

// calculateOffsetsIfNeeded recomputes the plan when registrations have
// changed since the last query. Offline-pinned buffers are placed first in
// registration order; online buffers follow in creation-time order with
// longest-lived first among ties.
func (p *Planner) calculateOffsetsIfNeeded() {
	if !p.dirty || p.bufferCount == 0 {
		return
	}
	p.dirty = false
	p.planRuns++

	// Reverse flags describe the current plan only; rebuild them from the
	// placements below.
	for i := range p.opReverse {
		p.opReverse[i] = false
	}

	n := 0
	for i := 0; i < p.bufferCount; i++ {
		if p.pins[i] != onlinePlanned {
			p.sortIDs[n] = int32(i)
			n++
		}
	}
	onlineStart := n
	for i := 0; i < p.bufferCount; i++ {
		if p.pins[i] == onlinePlanned {
			p.sortIDs[n] = int32(i)
			p.sortFirst[n] = p.firstUsed[i]
			p.sortLast[n] = p.lastUsed[i]
			n++
		}
		p.offsets[i] = -1
	}
	SortTwoLevel(p.sortFirst[onlineStart:n], p.sortLast[onlineStart:n], p.sortIDs[onlineStart:n])

	p.chain.reset()
	for k := 0; k < n; k++ {
		id := p.sortIDs[k]
		offset := p.pins[id]
		if offset == onlinePlanned {
			offset = p.placeOnline(id)
		}
		p.offsets[id] = offset
		p.chain.insert(offset, id)
	}
}

// placeOnline runs the first-fit gap search for one online buffer and
// returns its offset.
func (p *Planner) placeOnline(id int32) int32 {
	size := p.sizes[id]
	first := p.firstUsed[id]
	last := p.lastUsed[id]

	candidate := int32(0)
	prior := nilRef
	var mark reuseMark
	for {
		next := p.nextActiveEntry(prior, first, last)
		if prior != nilRef {
			min, m := p.minOffsetAfter(prior, id)
			if min > candidate {
				candidate = min
			}
			if m.active && (!mark.active || m.boundary > mark.boundary) {
				mark = m
			}
		}
		if next == nilRef {
			// End of the chain; append here.
			break
		}
		gap := p.chain.offsets[next] - candidate
		if gap >= p.wantedGap(next, id, size) {
			// The gap before the next active buffer is big enough.
			break
		}
		prior = next
	}

	// The reverse flag is only owed when the final offset really overlaps
	// the producer's input; a later, higher candidate cancels the claim.
	if mark.active && candidate < mark.boundary {
		p.opReverse[mark.op] = true
	}
	return candidate
}
