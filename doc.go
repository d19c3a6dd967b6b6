// Package arenaplan computes static memory layouts for the intermediate
// buffers of a computation graph executed inside a single pre-allocated arena.
//
// Given every buffer's byte size, its discrete execution-time lifetime, and
// the producer/consumer relationships between buffers and operators, the
// planner assigns each buffer a fixed byte offset such that no two buffers
// that are live at the same time occupy overlapping memory - unless the
// operator connecting them proves the overlap safe. Sliding-window operators
// (convolution) may let their output start overwriting their input before the
// whole input has been read, which shrinks the arena beyond what plain
// interval packing can reach.
//
// # Architecture Overview
//
// The planner consists of several key components:
//
//   - Requirement registry: per-buffer size/lifetime/membership records and
//     per-operator shape parameters, carved out of one caller-supplied
//     scratch region with no allocation after construction
//   - Greedy placement engine: first-fit gap search over an offset-ordered
//     chain of already-placed buffers
//   - Overlap calculator: read-before-write safety proofs that narrow the
//     required gap between a producer's and a consumer's buffers
//   - Diagnostics: arena high-water mark, an O(n^2) overlap validator, and an
//     ASCII rendering of the plan
//
// # Basic Usage
//
//	scratch := make([]byte, 4096)
//	p, err := plan.NewPlanner(scratch, opCount, nil)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	p.AddOperatorInfo(0, plan.OpConv2D, &plan.Conv2DParams{...})
//	p.AddBuffer(27, 0, 1, inputOf, outputOf)
//	p.AddBuffer(45, 1, 2, inputOf2, outputOf2)
//	offset, err := p.OffsetForBuffer(1)
//	arena := p.MaximumMemorySize()
//
// # Package Structure
//
//   - core: alignment arithmetic and typed-slice carving over byte regions
//   - plan: the planner itself (registry, placement, reuse math, diagnostics)
//   - graph: model description, JSON/binary codecs, and the bridge that
//     lowers a model into planner calls and reads the schedule back
//   - cmd: command-line tools (planview)
//
// The planner is single-threaded and performs no I/O; all memory it uses is
// owned by the caller and remains valid for the planner's lifetime.
package arenaplan
