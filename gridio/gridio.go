// Package gridio implements GridStream (spec section 4.3): the
// write/read state machine for the octree grid payload, its
// SFC-range offset cache, bulk traversal, and oct-count inference.
//
// The state machine itself — an explicit enum with precondition
// checks on every transition, per spec section 9's "coroutine-free
// nested iteration" — has no direct teacher analogue (no pack repo
// models a two-level nested record traversal); the surrounding shard
// plumbing (offset table, buffered handle, commit-time distribute)
// follows store/index/index.go's bucket-header-table-plus-records
// shape.
package gridio

import (
	logging "github.com/ipfs/go-log/v2"

	"github.com/phil-mansfield/go-artio/distributor"
	"github.com/phil-mansfield/go-artio/errcode"
	"github.com/phil-mansfield/go-artio/handle"
	"github.com/phil-mansfield/go-artio/param"
	"github.com/phil-mansfield/go-artio/rankio"
	"github.com/phil-mansfield/go-artio/sfc"
)

var log = logging.Logger("go-artio/gridio")

// oct_pos_offsets[8][3]: the fixed corner-sign table spec section 4.3
// names, cell-center convention, child index bit0=x bit1=y bit2=z.
var octPosOffsets = [8][3]float64{
	{-1, -1, -1}, {1, -1, -1}, {-1, 1, -1}, {1, 1, -1},
	{-1, -1, 1}, {1, -1, 1}, {-1, 1, 1}, {1, 1, 1},
}

type writeState int

const (
	writeIdle writeState = iota
	writeRoot
	writeLevel
)

type readState int

const (
	readIdle readState = iota
	readRoot
	readLevel
)

type schemaEntry struct {
	numLevels    int
	numOctsTotal int
}

// GridStream is the per-rank handle to a fileset's grid component.
// It is either in write mode (schema declaration, size accumulation,
// then a per-SFC record write state machine) or read mode (shard
// handles opened, offset cache, read state machine and bulk
// traversal), never both.
type GridStream struct {
	numRootCells      int64
	numLocalRootCells int
	coder             sfc.Coder

	isWrite bool
	opened  bool // AddGrid/open_grid called

	numFiles     int
	numVars      int
	fileSFCIndex []int64
	maxLevel     int
	labels       []string
	handles      []*handle.Handle
	bufferSize   int

	// write-mode schema accumulation (before Commit).
	pendingEntries []distributor.Entry
	pendingSchema  map[int64]schemaEntry
	strategy       distributor.Strategy
	committed      bool
	assignment     *distributor.Assignment
	nextWriteIdx   int // index into pendingEntries: the next sfc write_root_begin must name

	write writeMachine
	read  readMachine
}

// New constructs an empty GridStream bound to one rank's share of a
// fileset. numLocalRootCells bounds write-mode AddSFC calls;
// numRootCells and coder are needed for SFC-to-coordinate position
// tracking on read and for file-partition math on commit.
func New(numRootCells int64, numLocalRootCells int, coder sfc.Coder, bufferSize int) *GridStream {
	return &GridStream{
		numRootCells:      numRootCells,
		numLocalRootCells: numLocalRootCells,
		coder:             coder,
		bufferSize:        bufferSize,
		pendingSchema:     make(map[int64]schemaEntry),
	}
}

// NumFiles, NumVars, MaxLevel, Labels, FileSFCIndex expose the schema
// loaded by OpenRead or fixed by Commit.
func (g *GridStream) NumFiles() int        { return g.numFiles }
func (g *GridStream) NumVars() int         { return g.numVars }
func (g *GridStream) MaxLevel() int        { return g.maxLevel }
func (g *GridStream) Labels() []string     { return g.labels }
func (g *GridStream) FileSFCIndex() []int64 { return append([]int64(nil), g.fileSFCIndex...) }

// recordSize computes the per-SFC byte size spec section 4.3 names:
// num_vars*4 + (1+num_levels)*4 + 8*num_octs_total*(num_vars*4 + 4).
func recordSize(numVars, numLevels, numOctsTotal int) int64 {
	return int64(numVars)*4 + int64(1+numLevels)*4 + 8*int64(numOctsTotal)*(int64(numVars)*4+4)
}

// AddGrid declares the write-mode schema. Invalid once already
// declared, or in read mode.
func (g *GridStream) AddGrid(numFiles int, strategy distributor.Strategy, numVars int, labels []string) error {
	const op = "GridStream.AddGrid"
	if g.opened {
		return errcode.New(errcode.DataExists, op, "grid schema already declared")
	}
	if numVars <= 0 {
		return errcode.New(errcode.InvalidState, op, "num_vars must be positive, got %d", numVars)
	}
	g.isWrite = true
	g.opened = true
	g.numFiles = numFiles
	g.numVars = numVars
	g.strategy = strategy
	g.labels = append([]string(nil), labels...)
	return nil
}

// AddSFC records the byte size of one local root cell's record ahead
// of Commit. Calls beyond numLocalRootCells fail with InvalidState.
func (g *GridStream) AddSFC(sfcIdx int64, numLevels, numOctsTotal int) error {
	const op = "GridStream.AddSFC"
	if !g.isWrite {
		return errcode.New(errcode.InvalidFilesetMode, op, "grid stream is not open for writing")
	}
	if len(g.pendingEntries) >= g.numLocalRootCells {
		return errcode.New(errcode.InvalidState, op, "more than num_local_root_cells=%d SFCs added", g.numLocalRootCells)
	}
	size := recordSize(g.numVars, numLevels, numOctsTotal)
	g.pendingEntries = append(g.pendingEntries, distributor.Entry{SFC: sfcIdx, Size: size})
	g.pendingSchema[sfcIdx] = schemaEntry{numLevels: numLevels, numOctsTotal: numOctsTotal}
	if numLevels > g.maxLevel {
		g.maxLevel = numLevels
	}
	return nil
}

// Commit runs the Distributor with suffix 'g', persists the resulting
// schema to table, and switches the stream into write-records mode.
func (g *GridStream) Commit(ctx rankio.Context, pathForFile func(int) string, table *param.Table) error {
	const op = "GridStream.Commit"
	if !g.isWrite {
		return errcode.New(errcode.InvalidFilesetMode, op, "grid stream is not open for writing")
	}
	if g.committed {
		return errcode.New(errcode.DataExists, op, "grid stream already committed")
	}

	globalMaxLevel, err := ctx.AllReduce(int64(g.maxLevel), maxInt64)
	if err != nil {
		return errcode.Wrap(errcode.IOError, op, err)
	}
	g.maxLevel = int(globalMaxLevel)

	cfg := distributor.Config{
		NumRootCells: g.numRootCells,
		NumFiles:     g.numFiles,
		Strategy:     g.strategy,
		PathForFile:  pathForFile,
	}
	assignment, err := distributor.Distribute(ctx, cfg, g.pendingEntries)
	if err != nil {
		log.Errorw("grid commit failed", "rank", ctx.Rank(), "num_files", g.numFiles, "error", err)
		return err
	}
	g.assignment = assignment
	g.fileSFCIndex = assignment.FileSFCIndex
	g.handles = assignment.Handles
	for _, h := range g.handles {
		if h.Mode()&handle.Access != 0 {
			if err := h.AttachBuffer(g.bufferSize); err != nil {
				return err
			}
		}
	}

	table.SetInt32Array("grid_file_sfc_index", int64sToInt32s(g.fileSFCIndex))
	table.SetInt32("num_grid_files", int32(g.numFiles))
	table.SetInt32("num_grid_variables", int32(g.numVars))
	table.SetInt32("grid_max_level", int32(g.maxLevel))
	if len(g.labels) > 0 {
		if len(g.labels) != g.numVars {
			return errcode.New(errcode.InvalidState, op, "%d grid_variable_labels does not match num_vars %d", len(g.labels), g.numVars)
		}
		table.SetStringArray("grid_variable_labels", g.labels)
	}

	g.committed = true
	log.Infow("grid committed", "rank", ctx.Rank(), "num_files", g.numFiles, "num_vars", g.numVars, "max_level", g.maxLevel)
	return nil
}

func int64sToInt32s(in []int64) []int32 {
	out := make([]int32, len(in))
	for i, v := range in {
		out[i] = int32(v)
	}
	return out
}

func int32sToInt64s(in []int32) []int64 {
	out := make([]int64, len(in))
	for i, v := range in {
		out[i] = int64(v)
	}
	return out
}

func maxInt64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}

// OpenRead loads the grid schema from table and opens every shard,
// with Access on shards overlapping [procBegin, procEnd). endianSwap
// is inherited from the fileset's parameter-header detection.
func OpenRead(table *param.Table, procBegin, procEnd int64, numRootCells int64, coder sfc.Coder, bufferSize int, endianSwap bool, pathForFile func(int) string) (*GridStream, error) {
	const op = "gridio.OpenRead"
	numFiles32, err := table.GetInt32("num_grid_files")
	if err != nil {
		return nil, errcode.Wrap(errcode.GridDataNotFound, op, err)
	}
	numVars32, err := table.GetInt32("num_grid_variables")
	if err != nil {
		return nil, errcode.Wrap(errcode.GridDataNotFound, op, err)
	}
	fileSFCIndex32, err := table.GetInt32Array("grid_file_sfc_index")
	if err != nil {
		return nil, errcode.Wrap(errcode.GridDataNotFound, op, err)
	}
	maxLevel32, err := table.GetInt32("grid_max_level")
	if err != nil {
		return nil, errcode.Wrap(errcode.GridDataNotFound, op, err)
	}
	var labels []string
	if l, err := table.GetStringArray("grid_variable_labels"); err == nil {
		labels = l
	}

	g := New(numRootCells, 0, coder, bufferSize)
	g.opened = true
	g.numFiles = int(numFiles32)
	g.numVars = int(numVars32)
	g.fileSFCIndex = int32sToInt64s(fileSFCIndex32)
	g.maxLevel = int(maxLevel32)
	g.labels = labels

	mode := handle.Read
	if endianSwap {
		mode |= handle.EndianSwap
	}
	g.handles = make([]*handle.Handle, g.numFiles)
	for f := 0; f < g.numFiles; f++ {
		hMode := mode
		if rangesOverlap(procBegin, procEnd, g.fileSFCIndex[f], g.fileSFCIndex[f+1]) {
			hMode |= handle.Access
		}
		h, err := handle.Open(pathForFile(f), hMode)
		if err != nil {
			return nil, errcode.Wrap(errcode.GridFileNotFound, op, err)
		}
		g.handles[f] = h
	}
	log.Infow("grid opened for read", "num_files", g.numFiles, "num_vars", g.numVars, "max_level", g.maxLevel)
	return g, nil
}

func rangesOverlap(aStart, aEnd, bStart, bEnd int64) bool {
	return aStart < bEnd && bStart < aEnd
}

// Close detaches any attached buffer and closes every shard handle,
// running every step even if an earlier one fails.
func (g *GridStream) Close() error {
	var firstErr error
	for _, h := range g.handles {
		if h == nil {
			continue
		}
		if h.Mode()&handle.Access != 0 {
			if err := h.DetachBuffer(); err != nil && firstErr == nil {
				firstErr = err
			}
		}
		if err := h.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
