package gridio

import (
	"github.com/phil-mansfield/go-artio/errcode"
	"github.com/phil-mansfield/go-artio/handle"
)

// writeMachine holds the per-SFC write state machine's working state
// (spec section 4.3's IDLE -> ROOT -> LEVEL -> ROOT -> IDLE grammar).
type writeMachine struct {
	state           writeState
	sfc             int64
	numLevels       int
	octsPerLevel    []int
	level           int // 1-based, the level currently being written
	octInLevel      int // octs written so far at the current level
	fileIdx         int
}

func (g *GridStream) fileIndexOfSFC(sfcIdx int64) int {
	for f := 0; f < len(g.fileSFCIndex)-1; f++ {
		if sfcIdx >= g.fileSFCIndex[f] && sfcIdx < g.fileSFCIndex[f+1] {
			return f
		}
	}
	return -1
}

// WriteRootBegin opens a new root-cell record. sfcIdx must equal the
// next SFC in add_sfc declaration order; vars is the root cell's own
// num_vars values; octsPerLevel[l-1] is the oct count declared for
// level l, 1<=l<=numLevels.
func (g *GridStream) WriteRootBegin(sfcIdx int64, vars []float32, numLevels int, octsPerLevel []int) error {
	const op = "GridStream.WriteRootBegin"
	if !g.committed {
		return errcode.New(errcode.InvalidFilesetMode, op, "grid stream has not been committed")
	}
	if g.write.state != writeIdle {
		return errcode.New(errcode.InvalidState, op, "expected IDLE state")
	}
	if g.nextWriteIdx >= len(g.pendingEntries) {
		return errcode.New(errcode.InvalidState, op, "no more SFCs were declared via add_sfc")
	}
	expected := g.pendingEntries[g.nextWriteIdx]
	if expected.SFC != sfcIdx {
		return errcode.New(errcode.InvalidSFC, op, "expected sfc %d (declaration order), got %d", expected.SFC, sfcIdx)
	}
	schema := g.pendingSchema[sfcIdx]
	if schema.numLevels != numLevels {
		return errcode.New(errcode.InvalidOctLevels, op, "sfc %d declared num_levels=%d, got %d", sfcIdx, schema.numLevels, numLevels)
	}
	if len(octsPerLevel) != numLevels {
		return errcode.New(errcode.InvalidOctLevels, op, "octs_per_level length %d does not match num_levels %d", len(octsPerLevel), numLevels)
	}
	total := 0
	for _, n := range octsPerLevel {
		total += n
	}
	if total != schema.numOctsTotal {
		return errcode.New(errcode.InvalidOctLevels, op, "sfc %d declared num_octs_total=%d, octs_per_level sums to %d", sfcIdx, schema.numOctsTotal, total)
	}
	if len(vars) != g.numVars {
		return errcode.New(errcode.InvalidState, op, "expected %d root vars, got %d", g.numVars, len(vars))
	}

	fileIdx := g.fileIndexOfSFC(sfcIdx)
	if fileIdx < 0 {
		return errcode.New(errcode.InvalidSFC, op, "sfc %d is outside every shard's range", sfcIdx)
	}
	off := g.assignment.Offsets[g.nextWriteIdx]
	if err := g.switchHandle(fileIdx, off); err != nil {
		return err
	}

	h := g.handles[fileIdx]
	if err := h.WriteFloat32(vars); err != nil {
		return err
	}
	header := make([]int32, 1+numLevels)
	header[0] = int32(numLevels)
	for i, n := range octsPerLevel {
		header[1+i] = int32(n)
	}
	if err := h.WriteInt32(header); err != nil {
		return err
	}

	g.write = writeMachine{
		state:        writeRoot,
		sfc:          sfcIdx,
		numLevels:    numLevels,
		octsPerLevel: append([]int(nil), octsPerLevel...),
		fileIdx:      fileIdx,
	}
	return nil
}

func (g *GridStream) switchHandle(fileIdx int, off int64) error {
	cur := g.write.fileIdx
	if cur != fileIdx && g.write.state != writeIdle {
		// never reached in practice: a record never spans files, kept
		// only as a defensive guard.
		return errcode.New(errcode.InvalidState, "GridStream.switchHandle", "record spans shard boundary")
	}
	h := g.handles[fileIdx]
	if _, err := h.Seek(off, handle.SeekSet); err != nil {
		return err
	}
	return nil
}

// WriteLevelBegin opens level, which must be the next level in
// [1, numLevels], monotonically nondecreasing across calls.
func (g *GridStream) WriteLevelBegin(level int) error {
	const op = "GridStream.WriteLevelBegin"
	if g.write.state != writeRoot {
		return errcode.New(errcode.InvalidState, op, "expected ROOT state")
	}
	if level < 1 || level > g.write.numLevels || level < g.write.level {
		return errcode.New(errcode.InvalidLevel, op, "level %d invalid for num_levels=%d, last level %d", level, g.write.numLevels, g.write.level)
	}
	g.write.level = level
	g.write.octInLevel = 0
	g.write.state = writeLevel
	return nil
}

// WriteOct writes one oct's 8 child cell variable vectors and refined
// flags. At the deepest level every refined flag must be false.
func (g *GridStream) WriteOct(vars [8][]float32, refined [8]bool) error {
	const op = "GridStream.WriteOct"
	if g.write.state != writeLevel {
		return errcode.New(errcode.InvalidState, op, "expected LEVEL state")
	}
	want := g.write.octsPerLevel[g.write.level-1]
	if g.write.octInLevel >= want {
		return errcode.New(errcode.InvalidState, op, "level %d already has its declared %d octs", g.write.level, want)
	}
	if g.write.level == g.write.numLevels {
		for _, r := range refined {
			if r {
				return errcode.New(errcode.InvalidOctRefined, op, "refined flag set at deepest level %d", g.write.level)
			}
		}
	}

	h := g.handles[g.write.fileIdx]
	for c := 0; c < 8; c++ {
		if len(vars[c]) != g.numVars {
			return errcode.New(errcode.InvalidState, op, "child %d has %d vars, want %d", c, len(vars[c]), g.numVars)
		}
		if err := h.WriteFloat32(vars[c]); err != nil {
			return err
		}
	}
	flags := make([]int32, 8)
	for c, r := range refined {
		if r {
			flags[c] = 1
		}
	}
	if err := h.WriteInt32(flags); err != nil {
		return err
	}
	g.write.octInLevel++
	return nil
}

// WriteLevelEnd closes the current level; it must be called exactly
// once after the level's declared oct count has been written.
func (g *GridStream) WriteLevelEnd() error {
	const op = "GridStream.WriteLevelEnd"
	if g.write.state != writeLevel {
		return errcode.New(errcode.InvalidState, op, "expected LEVEL state")
	}
	want := g.write.octsPerLevel[g.write.level-1]
	if g.write.octInLevel != want {
		return errcode.New(errcode.InvalidState, op, "level %d has %d octs written, declared %d", g.write.level, g.write.octInLevel, want)
	}
	g.write.state = writeRoot
	return nil
}

// WriteRootEnd closes the current record, once every declared level
// has been written.
func (g *GridStream) WriteRootEnd() error {
	const op = "GridStream.WriteRootEnd"
	if g.write.state != writeRoot {
		return errcode.New(errcode.InvalidState, op, "expected ROOT state")
	}
	if g.write.level != g.write.numLevels {
		return errcode.New(errcode.InvalidState, op, "only %d of %d levels were written", g.write.level, g.write.numLevels)
	}
	g.write.state = writeIdle
	g.nextWriteIdx++
	return nil
}
