package gridio

import (
	"math"

	"github.com/phil-mansfield/go-artio/errcode"
	"github.com/phil-mansfield/go-artio/handle"
)

// Pos is a cell-center position in raw grid-coordinate units (root
// cells have width 1 along each axis; this is not normalized by
// num_grid or a physical box size).
type Pos struct{ X, Y, Z float64 }

type cacheEntry struct {
	offset  int64
	fileIdx int
}

// readMachine holds the per-SFC read state machine's working state
// (spec section 4.3's read grammar), the offset-table cache, and the
// two-buffer parent/child position queues used when position tracking
// is requested.
type readMachine struct {
	state   readState
	sfc     int64
	level   int
	numLevels int
	octsPerLevel []int
	octInLevel   int

	curHandle  *handle.Handle
	curFileIdx int

	cacheBegin, cacheEnd int64 // logical [begin,end) callers may seek within
	cache                []cacheEntry
	fileLengths          map[int]int64

	trackPos    bool
	parentQueue []Pos
	parentIdx   int
	childQueue  []Pos
}

// CacheSFCRange loads the offset-table slice covering [a,b) (plus, when
// b is not the fileset's last sfc, one further real entry for sfc b
// itself) so OctsInSFCRange and seekToSFC can serve sfc in [a,b)
// without further shard reads. A new range invalidates any previous
// cache.
func (g *GridStream) CacheSFCRange(a, b int64) error {
	const op = "GridStream.CacheSFCRange"
	if a < 0 || b > g.numRootCells || a > b {
		return errcode.New(errcode.InvalidSFCRange, op, "range [%d,%d) invalid for num_root_cells=%d", a, b, g.numRootCells)
	}
	fetchEnd := b
	if b < g.numRootCells {
		fetchEnd = b + 1
	}
	cache := make([]cacheEntry, fetchEnd-a)
	i := 0
	for i < len(cache) {
		p := a + int64(i)
		f := g.fileIndexOfSFC(p)
		if f < 0 {
			return errcode.New(errcode.InvalidSFCRange, op, "sfc %d not covered by any shard", p)
		}
		runEnd := fetchEnd
		if g.fileSFCIndex[f+1] < runEnd {
			runEnd = g.fileSFCIndex[f+1]
		}
		n := int(runEnd - p)
		h := g.handles[f]
		if err := h.AttachBuffer(g.bufferSize); err != nil {
			return err
		}
		if _, err := h.Seek((p-g.fileSFCIndex[f])*8, handle.SeekSet); err != nil {
			return err
		}
		vals, err := h.ReadInt64(n)
		if err != nil {
			return err
		}
		if err := h.DetachBuffer(); err != nil {
			return err
		}
		for k := 0; k < n; k++ {
			cache[i+k] = cacheEntry{offset: vals[k], fileIdx: f}
		}
		i += n
	}
	g.read.cacheBegin = a
	g.read.cacheEnd = b
	g.read.cache = cache
	g.read.fileLengths = nil
	log.Debugw("cached sfc range", "begin", a, "end", b, "entries", len(cache))
	return nil
}

// ClearSFCCache invalidates the current offset-table cache.
func (g *GridStream) ClearSFCCache() {
	g.read.cache = nil
	g.read.cacheBegin, g.read.cacheEnd = 0, 0
	g.read.fileLengths = nil
}

func (g *GridStream) shardFileLength(f int) (int64, error) {
	if v, ok := g.read.fileLengths[f]; ok {
		return v, nil
	}
	h := g.handles[f]
	if _, err := h.Seek(0, handle.SeekEnd); err != nil {
		return 0, err
	}
	n, err := h.Tell()
	if err != nil {
		return 0, err
	}
	if g.read.fileLengths == nil {
		g.read.fileLengths = make(map[int]int64)
	}
	g.read.fileLengths[f] = n
	return n, nil
}

// endOffsetFor returns the byte offset one past cache[idx]'s record:
// the next cached entry's offset if it is the same shard, else that
// shard's total file length (the record genuinely ends the shard, or
// ends the whole cached range with no further real entry available).
func (g *GridStream) endOffsetFor(idx int) (int64, error) {
	if idx+1 < len(g.read.cache) && g.read.cache[idx+1].fileIdx == g.read.cache[idx].fileIdx {
		return g.read.cache[idx+1].offset, nil
	}
	return g.shardFileLength(g.read.cache[idx].fileIdx)
}

// seekToSFC positions the stream at sfc's cached offset, switching and
// re-buffering shard handles as needed.
func (g *GridStream) seekToSFC(sfcIdx int64) error {
	const op = "GridStream.seekToSFC"
	if g.read.cache == nil || sfcIdx < g.read.cacheBegin || sfcIdx >= g.read.cacheEnd {
		return errcode.New(errcode.InvalidSFCRange, op, "sfc %d not covered by the current cache", sfcIdx)
	}
	ce := g.read.cache[sfcIdx-g.read.cacheBegin]
	if g.read.curHandle == nil || g.read.curFileIdx != ce.fileIdx {
		if g.read.curHandle != nil {
			if err := g.read.curHandle.DetachBuffer(); err != nil {
				return err
			}
		}
		h := g.handles[ce.fileIdx]
		if err := h.AttachBuffer(g.bufferSize); err != nil {
			return err
		}
		g.read.curHandle = h
		g.read.curFileIdx = ce.fileIdx
	}
	if _, err := g.read.curHandle.Seek(ce.offset, handle.SeekSet); err != nil {
		return err
	}
	return nil
}

// RootHeader is what ReadRootBegin returns: the record's own num_vars
// values (if requested), its center position (if requested), and the
// level/oct-count schema needed to drive ReadLevelBegin/ReadOct.
type RootHeader struct {
	SFC          int64
	Vars         []float32
	Pos          *Pos
	NumLevels    int
	OctsPerLevel []int
}

// ReadRootBegin opens sfcIdx's record, which must be covered by the
// current offset-table cache.
func (g *GridStream) ReadRootBegin(sfcIdx int64, wantVars, wantPos bool) (RootHeader, error) {
	const op = "GridStream.ReadRootBegin"
	if g.read.state != readIdle {
		return RootHeader{}, errcode.New(errcode.InvalidState, op, "expected IDLE state")
	}
	if err := g.seekToSFC(sfcIdx); err != nil {
		return RootHeader{}, err
	}
	h := g.read.curHandle

	var vars []float32
	if wantVars {
		v, err := h.ReadFloat32(g.numVars)
		if err != nil {
			return RootHeader{}, err
		}
		vars = v
	} else if _, err := h.Seek(int64(g.numVars)*4, handle.SeekCur); err != nil {
		return RootHeader{}, err
	}

	hdr, err := h.ReadInt32(1)
	if err != nil {
		return RootHeader{}, err
	}
	numLevels := int(hdr[0])
	var octsPerLevel []int
	if numLevels > 0 {
		raw, err := h.ReadInt32(numLevels)
		if err != nil {
			return RootHeader{}, err
		}
		octsPerLevel = make([]int, numLevels)
		for i, v := range raw {
			octsPerLevel[i] = int(v)
		}
	}

	var outPos *Pos
	g.read.trackPos = wantPos
	g.read.parentQueue = nil
	g.read.childQueue = nil
	g.read.parentIdx = 0
	if wantPos {
		c := g.coder.ToCoords(sfcIdx)
		center := Pos{X: float64(c.X) + 0.5, Y: float64(c.Y) + 0.5, Z: float64(c.Z) + 0.5}
		g.read.parentQueue = []Pos{center}
		outPos = &center
	}

	g.read.state = readRoot
	g.read.sfc = sfcIdx
	g.read.numLevels = numLevels
	g.read.octsPerLevel = octsPerLevel
	g.read.level = 0

	return RootHeader{SFC: sfcIdx, Vars: vars, Pos: outPos, NumLevels: numLevels, OctsPerLevel: octsPerLevel}, nil
}

// ReadLevelBegin opens level, 1<=level<=numLevels, in strictly
// increasing order.
func (g *GridStream) ReadLevelBegin(level int) error {
	const op = "GridStream.ReadLevelBegin"
	if g.read.state != readRoot {
		return errcode.New(errcode.InvalidState, op, "expected ROOT state")
	}
	if level != g.read.level+1 || level > g.read.numLevels {
		return errcode.New(errcode.InvalidLevel, op, "level %d invalid for num_levels=%d, last level %d", level, g.read.numLevels, g.read.level)
	}
	if level > 1 {
		g.read.parentQueue = g.read.childQueue
		g.read.parentIdx = 0
		g.read.childQueue = nil
	}
	g.read.level = level
	g.read.octInLevel = 0
	g.read.state = readLevel
	return nil
}

// OctResult is what ReadOct returns: each of the oct's 8 children's
// variable vector, refined flag, and (if position tracking is active)
// center position.
type OctResult struct {
	Vars    [8][]float32
	Refined [8]bool
	Pos     [8]Pos
}

// ReadOct reads the next oct of the current level. If wantVars is
// false the variable floats are skipped rather than decoded; likewise
// for wantRefined, unless position tracking needs the refined flags to
// seed the next level's parent queue.
func (g *GridStream) ReadOct(wantVars, wantRefined bool) (OctResult, error) {
	const op = "GridStream.ReadOct"
	if g.read.state != readLevel {
		return OctResult{}, errcode.New(errcode.InvalidState, op, "expected LEVEL state")
	}
	want := g.read.octsPerLevel[g.read.level-1]
	if g.read.octInLevel >= want {
		return OctResult{}, errcode.New(errcode.InvalidState, op, "level %d already has its declared %d octs", g.read.level, want)
	}
	h := g.read.curHandle

	var result OctResult
	for c := 0; c < 8; c++ {
		if wantVars {
			v, err := h.ReadFloat32(g.numVars)
			if err != nil {
				return OctResult{}, err
			}
			result.Vars[c] = v
		} else if _, err := h.Seek(int64(g.numVars)*4, handle.SeekCur); err != nil {
			return OctResult{}, err
		}
	}

	needRefined := wantRefined || g.read.trackPos
	var refined [8]bool
	if needRefined {
		raw, err := h.ReadInt32(8)
		if err != nil {
			return OctResult{}, err
		}
		for c, v := range raw {
			refined[c] = v != 0
		}
	} else if _, err := h.Seek(32, handle.SeekCur); err != nil {
		return OctResult{}, err
	}
	if wantRefined {
		result.Refined = refined
	}

	if g.read.trackPos {
		if g.read.parentIdx >= len(g.read.parentQueue) {
			return OctResult{}, errcode.New(errcode.InvalidState, op, "no parent position available for oct %d at level %d", g.read.octInLevel, g.read.level)
		}
		parent := g.read.parentQueue[g.read.parentIdx]
		g.read.parentIdx++
		cellSize := math.Pow(2, -float64(g.read.level))
		for c := 0; c < 8; c++ {
			p := Pos{
				X: parent.X + 0.5*cellSize*octPosOffsets[c][0],
				Y: parent.Y + 0.5*cellSize*octPosOffsets[c][1],
				Z: parent.Z + 0.5*cellSize*octPosOffsets[c][2],
			}
			result.Pos[c] = p
			if refined[c] {
				g.read.childQueue = append(g.read.childQueue, p)
			}
		}
	}

	g.read.octInLevel++
	return result, nil
}

// ReadLevelEnd closes the current level; it must be called exactly
// once after the level's declared oct count has been read (Open
// Question (b)).
func (g *GridStream) ReadLevelEnd() error {
	const op = "GridStream.ReadLevelEnd"
	if g.read.state != readLevel {
		return errcode.New(errcode.InvalidState, op, "expected LEVEL state")
	}
	want := g.read.octsPerLevel[g.read.level-1]
	if g.read.octInLevel != want {
		return errcode.New(errcode.InvalidState, op, "level %d has %d octs read, declared %d", g.read.level, g.read.octInLevel, want)
	}
	g.read.state = readRoot
	return nil
}

// ReadRootEnd closes the current record.
func (g *GridStream) ReadRootEnd() error {
	const op = "GridStream.ReadRootEnd"
	if g.read.state != readRoot {
		return errcode.New(errcode.InvalidState, op, "expected ROOT state")
	}
	if g.read.level != g.read.numLevels {
		return errcode.New(errcode.InvalidState, op, "only %d of %d levels were read", g.read.level, g.read.numLevels)
	}
	g.read.state = readIdle
	return nil
}

// OctsInSFCRange infers the total oct count of every sfc in [a,b),
// which must be covered by the current cache. When 8*num_vars exceeds
// max_level the per-oct record size dominates and the count is
// recovered purely from offset-table arithmetic; otherwise each root
// record's header is read directly.
func (g *GridStream) OctsInSFCRange(a, b int64) ([]int, error) {
	const op = "GridStream.OctsInSFCRange"
	if g.read.state != readIdle {
		return nil, errcode.New(errcode.InvalidState, op, "cannot run while a read is in progress")
	}
	if g.read.cache == nil || a < g.read.cacheBegin || b > g.read.cacheEnd {
		return nil, errcode.New(errcode.InvalidSFCRange, op, "range [%d,%d) not covered by the current cache", a, b)
	}
	out := make([]int, b-a)
	fast := 8*g.numVars > g.maxLevel
	for i := range out {
		p := a + int64(i)
		idx := int(p - g.read.cacheBegin)
		if fast {
			curOff := g.read.cache[idx].offset
			nextOff, err := g.endOffsetFor(idx)
			if err != nil {
				return nil, err
			}
			denom := int64(8 * (g.numVars*4 + 4))
			out[i] = int((nextOff - curOff - int64(g.numVars)*4 - 4) / denom)
		} else {
			n, err := g.readOctCountFromHeader(p)
			if err != nil {
				return nil, err
			}
			out[i] = n
		}
	}
	return out, nil
}

func (g *GridStream) readOctCountFromHeader(p int64) (int, error) {
	if err := g.seekToSFC(p); err != nil {
		return 0, err
	}
	h := g.read.curHandle
	if _, err := h.Seek(int64(g.numVars)*4, handle.SeekCur); err != nil {
		return 0, err
	}
	hdr, err := h.ReadInt32(1)
	if err != nil {
		return 0, err
	}
	numLevels := int(hdr[0])
	if numLevels == 0 {
		return 0, nil
	}
	raw, err := h.ReadInt32(numLevels)
	if err != nil {
		return 0, err
	}
	total := 0
	for _, v := range raw {
		total += int(v)
	}
	return total, nil
}

// ReturnKind selects whether ReadSFCRangeLevels invokes its callback
// per cell or per oct.
type ReturnKind int

const (
	ReturnCells ReturnKind = iota
	ReturnOcts
)

// CellFilter selects which cells within an oct ReadSFCRangeLevels's
// callback sees.
type CellFilter int

const (
	ReadLeafs CellFilter = iota
	ReadRefined
	ReadAll
)

// TraversalOptions combines a ReturnKind and CellFilter, validated
// together: RETURN_OCTS is incompatible with a strict leaf/refined
// filter unless READ_ALL; RETURN_CELLS requires at least one of
// leaf/refined.
type TraversalOptions struct {
	Return ReturnKind
	Filter CellFilter
}

func (o TraversalOptions) validate() error {
	const op = "GridStream.ReadSFCRangeLevels"
	if o.Return == ReturnOcts && o.Filter != ReadAll {
		return errcode.New(errcode.InvalidCellTypes, op, "RETURN_OCTS requires READ_ALL")
	}
	return nil
}

// CellVisit is passed to visitCell once per visited cell: the root
// cell itself (regardless of opts.Return), or, under RETURN_CELLS,
// each qualifying child of a visited oct.
type CellVisit struct {
	SFC     int64
	Level   int
	Pos     Pos
	Vars    []float32
	Refined bool
}

// OctVisit is passed to visitOct once per visited oct under
// RETURN_OCTS: all 8 children's positions, variable vectors, and
// refined flags together, matching artio_grid.c's
// "callback(sfc, level, pos, variables, oct_refined, params)" call
// shape. RETURN_OCTS requires READ_ALL, so no filtering applies here.
type OctVisit struct {
	SFC     int64
	Level   int
	Pos     [8]Pos
	Vars    [8][]float32
	Refined [8]bool
}

// ReadSFCRangeLevels iterates every sfc in [a,b) (which must be
// covered by the current cache), descending through levels [lLo,lHi].
// The root cell always invokes visitCell (subject to opts.Filter, same
// as the original's unconditional single-cell root callback). Below
// the root, opts.Return selects which callback drives level 1..: under
// RETURN_CELLS visitCell is invoked once per qualifying child cell;
// under RETURN_OCTS visitOct is invoked once per oct with all 8
// children, and visitOct must be non-nil.
func (g *GridStream) ReadSFCRangeLevels(a, b int64, lLo, lHi int, opts TraversalOptions, visitCell func(CellVisit) error, visitOct func(OctVisit) error) error {
	const op = "GridStream.ReadSFCRangeLevels"
	if err := opts.validate(); err != nil {
		return err
	}
	if visitCell == nil {
		return errcode.New(errcode.InvalidCellTypes, op, "visitCell must be non-nil: the root cell always uses it")
	}
	if opts.Return == ReturnOcts && visitOct == nil {
		return errcode.New(errcode.InvalidCellTypes, op, "RETURN_OCTS requires a non-nil visitOct callback")
	}
	wantPos := true
	wantVars := true
	for sfcIdx := a; sfcIdx < b; sfcIdx++ {
		root, err := g.ReadRootBegin(sfcIdx, wantVars, wantPos)
		if err != nil {
			return err
		}
		hi := lHi
		if hi > root.NumLevels {
			hi = root.NumLevels
		}
		rootIsLeaf := root.NumLevels == 0
		visitRoot := lLo <= 0 && lLo <= hi
		switch opts.Filter {
		case ReadLeafs:
			visitRoot = visitRoot && rootIsLeaf
		case ReadRefined:
			visitRoot = visitRoot && !rootIsLeaf
		}
		if visitRoot {
			if err := visitCell(CellVisit{SFC: sfcIdx, Level: 0, Pos: *root.Pos, Vars: root.Vars, Refined: !rootIsLeaf}); err != nil {
				return err
			}
		}
		for l := 1; l <= root.NumLevels; l++ {
			if err := g.ReadLevelBegin(l); err != nil {
				return err
			}
			for o := 0; o < root.OctsPerLevel[l-1]; o++ {
				oct, err := g.ReadOct(wantVars, true)
				if err != nil {
					return err
				}
				if l < lLo || l > hi {
					continue
				}
				if opts.Return == ReturnOcts {
					if err := visitOct(OctVisit{SFC: sfcIdx, Level: l, Pos: oct.Pos, Vars: oct.Vars, Refined: oct.Refined}); err != nil {
						return err
					}
					continue
				}
				for c := 0; c < 8; c++ {
					leaf := !oct.Refined[c]
					switch opts.Filter {
					case ReadLeafs:
						if !leaf {
							continue
						}
					case ReadRefined:
						if leaf {
							continue
						}
					}
					if err := visitCell(CellVisit{SFC: sfcIdx, Level: l, Pos: oct.Pos[c], Vars: oct.Vars[c], Refined: !leaf}); err != nil {
						return err
					}
				}
			}
			if err := g.ReadLevelEnd(); err != nil {
				return err
			}
		}
		if err := g.ReadRootEnd(); err != nil {
			return err
		}
	}
	return nil
}
