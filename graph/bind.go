package graph

import (
	"io"

	"github.com/cockroachdb/errors"
	"golang.org/x/exp/slog"

	"github.com/sbl8/arenaplan/plan"
)

// Schedule is the planner's verdict for a bound model: one arena offset per
// tensor, the total arena size, and per-operator reverse-iteration flags an
// executor must honor.
type Schedule struct {
	Offsets   []int
	ArenaSize int
	Reversed  []bool
}

// ScratchSize returns a scratch region size sufficient to bind the model.
func ScratchSize(m *Model) int {
	// Room for the operator table, every tensor, and carving slack.
	return 256 + len(m.Operators)*64 + len(m.Tensors)*plan.PerBufferBytes(len(m.Operators))
}

// tensorLifetimes derives each tensor's valid interval from operator order.
// Operator i executes at timestep i, producing its output at i+1; a tensor
// with no producer is a graph input, live from 0. A tensor stays live until
// its last consumer has run, or one step past creation if nothing reads it.
func tensorLifetimes(m *Model) (first, last []int) {
	first = make([]int, len(m.Tensors))
	last = make([]int, len(m.Tensors))
	for i := range last {
		last[i] = -1
	}
	for i, od := range m.Operators {
		first[od.Output] = i + 1
		for _, in := range od.Inputs {
			if i+1 > last[in] {
				last[in] = i + 1
			}
		}
	}
	for i := range last {
		if last[i] == -1 {
			last[i] = first[i] + 1
		}
	}
	return first, last
}

// BindPlanner registers the model's operators and tensors, with lifetimes
// derived from operator order, into a planner carved from scratch. Most
// callers want Bind; the planner itself is useful for its diagnostic
// surface (PrintMemoryPlan, AnyBuffersOverlap).
func BindPlanner(m *Model, scratch []byte, log *slog.Logger) (*plan.Planner, error) {
	if err := m.Validate(); err != nil {
		return nil, err
	}
	p, err := plan.NewPlanner(scratch, len(m.Operators), log)
	if err != nil {
		return nil, errors.Wrap(err, "binding model")
	}

	for i, od := range m.Operators {
		t := opTypeFor(od.Type)
		var params plan.OpParams
		if t == plan.OpConv2D {
			params = od.Conv.params()
		}
		if err := p.AddOperatorInfo(i, t, params); err != nil {
			return nil, errors.Wrapf(err, "binding operator %d", i)
		}
	}

	first, last := tensorLifetimes(m)
	for i, td := range m.Tensors {
		inputOf := make([]bool, len(m.Operators))
		outputOf := make([]bool, len(m.Operators))
		for j, od := range m.Operators {
			if od.Output == i {
				outputOf[j] = true
			}
			for _, in := range od.Inputs {
				if in == i {
					inputOf[j] = true
				}
			}
		}
		if td.Offset != nil {
			err = p.AddBufferWithOffset(td.Size, first[i], last[i], inputOf, outputOf, *td.Offset)
		} else {
			err = p.AddBuffer(td.Size, first[i], last[i], inputOf, outputOf)
		}
		if err != nil {
			return nil, errors.Wrapf(err, "binding tensor %d", i)
		}
	}
	return p, nil
}

// Bind runs BindPlanner and extracts the resulting schedule. The scratch
// region is only needed during the call; size it with ScratchSize.
func Bind(m *Model, scratch []byte, log *slog.Logger) (*Schedule, error) {
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	p, err := BindPlanner(m, scratch, log)
	if err != nil {
		return nil, err
	}

	s := &Schedule{
		Offsets:   make([]int, len(m.Tensors)),
		ArenaSize: p.MaximumMemorySize(),
		Reversed:  make([]bool, len(m.Operators)),
	}
	for i := range m.Tensors {
		if s.Offsets[i], err = p.OffsetForBuffer(i); err != nil {
			return nil, errors.Wrapf(err, "reading offset for tensor %d", i)
		}
	}
	for i := range m.Operators {
		if s.Reversed[i], err = p.OperatorReverse(i); err != nil {
			return nil, errors.Wrapf(err, "reading reverse flag for operator %d", i)
		}
	}
	log.Info("model bound",
		slog.String("model", m.String()),
		slog.Int("arena_bytes", s.ArenaSize))
	return s, nil
}
