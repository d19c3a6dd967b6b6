package plan

import (
	"fmt"
	"io"

	"github.com/cockroachdb/errors"
	"golang.org/x/exp/slog"
)

// MaximumMemorySize returns the arena size the current plan needs: the
// highest end offset across all placed buffers.
func (p *Planner) MaximumMemorySize() int {
	p.calculateOffsetsIfNeeded()
	max := int32(0)
	for ref := p.chain.head; ref != nilRef; ref = p.chain.next[ref] {
		b := p.chain.buffers[ref]
		if end := p.chain.offsets[ref] + p.sizes[b]; end > max {
			max = end
		}
	}
	return int(max)
}

// sanctionedOverlap reports whether the spatial overlap between buffers a
// and b is one the plan deliberately allows: a producer-linked pair whose
// observed offsets respect the extent the reuse calculator granted.
func (p *Planner) sanctionedOverlap(a, b int32) bool {
	return p.overlapProven(a, b) || p.overlapProven(b, a)
}

// overlapProven checks one direction of the pair: in is an input of the
// operator producing out, and out's placement stays inside the proven-safe
// region — at or above in by at least the reverse padding, or far enough
// below that the forward gap holds.
func (p *Planner) overlapProven(in, out int32) bool {
	op, ok := p.reuseLink(in, out)
	if !ok {
		return false
	}
	switch OpType(p.opTypes[op]) {
	case OpAdd:
		return p.sizes[in] == p.sizes[out] && p.offsets[in] == p.offsets[out]
	case OpConv2D:
		cp, ok := p.convFor(op, in, out)
		if !ok {
			return false
		}
		if d := p.offsets[out] - p.offsets[in]; d >= 0 {
			return d >= int32(cp.reversePadding())
		}
		return p.offsets[in]-p.offsets[out] >= int32(cp.forwardGap())
	}
	return false
}

func (p *Planner) buffersCollide(a, b int32) bool {
	if !p.timeOverlap(a, p.firstUsed[b], p.lastUsed[b]) {
		return false
	}
	if p.offsets[a]+p.sizes[a] <= p.offsets[b] || p.offsets[b]+p.sizes[b] <= p.offsets[a] {
		return false
	}
	return true
}

// AnyBuffersOverlap reports whether any two buffers with intersecting
// lifetimes occupy intersecting arena ranges. Sanctioned reuse pairs count
// too; the logger record distinguishes them from genuine plan defects. With
// no reuse-capable operator relationships in play, a correct plan always
// returns false.
func (p *Planner) AnyBuffersOverlap() bool {
	p.calculateOffsetsIfNeeded()
	found := false
	for a := int32(0); a < int32(p.bufferCount); a++ {
		for b := a + 1; b < int32(p.bufferCount); b++ {
			if p.buffersCollide(a, b) {
				found = true
				p.log.Warn("arena overlap",
					slog.Int("buffer_a", int(a)),
					slog.Int64("offset_a", int64(p.offsets[a])),
					slog.Int64("size_a", int64(p.sizes[a])),
					slog.Int("buffer_b", int(b)),
					slog.Int64("offset_b", int64(p.offsets[b])),
					slog.Int64("size_b", int64(p.sizes[b])),
					slog.Bool("sanctioned", p.sanctionedOverlap(a, b)))
			}
		}
	}
	return found
}

// ordinal chars keep the plan picture readable for up to 62 buffers.
func bufferGlyph(i int32) byte {
	switch {
	case i < 10:
		return byte('0' + i)
	case i < 36:
		return byte('a' + i - 10)
	case i < 62:
		return byte('A' + i - 36)
	default:
		return '*'
	}
}

// PrintMemoryPlan writes a human-readable rendition of the plan: one summary
// line per buffer, then one 80-column bar per execution timestep showing
// which buffer occupies which slice of the arena. Unsanctioned collisions
// render as '!'.
func (p *Planner) PrintMemoryPlan(w io.Writer) error {
	p.calculateOffsetsIfNeeded()

	for i := 0; i < p.bufferCount; i++ {
		if _, err := fmt.Fprintf(w, "buffer %2d: size %6d, used %3d..%3d, offset %6d\n",
			i, p.sizes[i], p.firstUsed[i], p.lastUsed[i], p.offsets[i]); err != nil {
			return errors.Wrap(err, "writing plan")
		}
	}

	arena := p.MaximumMemorySize()
	if _, err := fmt.Fprintf(w, "arena: %d bytes\n", arena); err != nil {
		return errors.Wrap(err, "writing plan")
	}
	if arena == 0 {
		return nil
	}

	maxTime := int32(0)
	for i := 0; i < p.bufferCount; i++ {
		if p.lastUsed[i] > maxTime {
			maxTime = p.lastUsed[i]
		}
	}

	const cols = 80
	var line [cols]byte
	for t := int32(0); t <= maxTime; t++ {
		for c := range line {
			line[c] = '.'
		}
		for i := int32(0); i < int32(p.bufferCount); i++ {
			if t < p.firstUsed[i] || t > p.lastUsed[i] {
				continue
			}
			lo := int(int64(p.offsets[i]) * cols / int64(arena))
			hi := int((int64(p.offsets[i])+int64(p.sizes[i])-1)*cols/int64(arena)) + 1
			if hi > cols {
				hi = cols
			}
			for c := lo; c < hi; c++ {
				if line[c] == '.' {
					line[c] = bufferGlyph(i)
				} else {
					line[c] = '!'
				}
			}
		}
		if _, err := fmt.Fprintf(w, "%3d: %s\n", t, line[:]); err != nil {
			return errors.Wrap(err, "writing plan")
		}
	}
	return nil
}

// DebugLogPlan emits one structured record per buffer plus an arena summary
// through the planner's logger, for post-mortem inspection without a writer.
func (p *Planner) DebugLogPlan() {
	p.calculateOffsetsIfNeeded()
	for i := 0; i < p.bufferCount; i++ {
		p.log.Debug("planned buffer",
			slog.Int("buffer", i),
			slog.Int64("size", int64(p.sizes[i])),
			slog.Int64("first_used", int64(p.firstUsed[i])),
			slog.Int64("last_used", int64(p.lastUsed[i])),
			slog.Int64("offset", int64(p.offsets[i])),
			slog.Bool("offline", p.pins[i] != onlinePlanned))
	}
	reversed := 0
	for i := 0; i < p.operatorCount; i++ {
		if p.opReverse[i] {
			reversed++
		}
	}
	p.log.Debug("plan summary",
		slog.Int("buffers", p.bufferCount),
		slog.Int("operators", p.operatorCount),
		slog.Int("arena_bytes", p.MaximumMemorySize()),
		slog.Int("reversed_operators", reversed),
		slog.Int("plan_runs", p.planRuns))
}
