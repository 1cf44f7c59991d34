// Package artio implements Fileset (spec section 4.5): the top-level
// open/create/close orchestration that owns at most one GridStream and
// one ParticleStream over a shared parameter header.
package artio

import (
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	logging "github.com/ipfs/go-log/v2"

	"github.com/phil-mansfield/go-artio/distributor"
	"github.com/phil-mansfield/go-artio/errcode"
	"github.com/phil-mansfield/go-artio/gridio"
	"github.com/phil-mansfield/go-artio/internal/seq"
	"github.com/phil-mansfield/go-artio/param"
	"github.com/phil-mansfield/go-artio/particleio"
	"github.com/phil-mansfield/go-artio/rankio"
	"github.com/phil-mansfield/go-artio/sfc"
)

var log = logging.Logger("go-artio/artio")

// maxPrefixLen mirrors the original implementation's fixed-size path
// buffers (section 3 of the supplemented-features list).
const maxPrefixLen = 250

// MajorVersion and MinorVersion are this build's ARTIO_*_VERSION.
// Opening a file whose major version exceeds MajorVersion is a hard
// error; a newer minor version only logs a warning (Open Question
// (d), resolved in favor of the original's artio_fileset_open
// behavior).
const (
	MajorVersion = 1
	MinorVersion = 0
)

// OpenType is the open-mode bitmask spec section 6 names.
type OpenType int

const (
	OpenHeader OpenType = 1 << iota
	OpenGrid
	OpenParticles
)

// Fileset is the per-rank handle to one fileset: file prefix, rank
// identity, open mode, SFC geometry, and at most one GridStream and
// one ParticleStream.
type Fileset struct {
	prefix    string
	rank      int
	numProcs  int
	write     bool
	endianSwap bool

	sfcType      sfc.Type
	numRootCells int64
	bitsPerDim   int
	numGrid      int64
	coder        sfc.Coder

	procBegin, procEnd int64
	numLocalRootCells  int64

	table     *param.Table
	sessionID uuid.UUID

	Grid      *gridio.GridStream
	Particles *particleio.ParticleStream
}

func (f *Fileset) gridPath(i int) string     { return fmt.Sprintf("%s.g%03d", f.prefix, i) }
func (f *Fileset) particlePath(i int) string { return fmt.Sprintf("%s.p%03d", f.prefix, i) }
func (f *Fileset) headerPath() string        { return f.prefix + ".art" }

func (f *Fileset) NumRootCells() int64 { return f.numRootCells }
func (f *Fileset) BitsPerDim() int     { return f.bitsPerDim }
func (f *Fileset) NumGrid() int64      { return f.numGrid }
func (f *Fileset) SFCType() sfc.Type   { return f.sfcType }
func (f *Fileset) Coder() sfc.Coder    { return f.coder }
func (f *Fileset) Rank() int           { return f.rank }
func (f *Fileset) NumProcs() int       { return f.numProcs }

func validatePrefix(op, prefix string) error {
	if len(prefix) == 0 || len(prefix) > maxPrefixLen {
		return errcode.New(errcode.InvalidState, op, "prefix length %d exceeds limit of %d bytes", len(prefix), maxPrefixLen)
	}
	return nil
}

// Create allocates a new write-mode Fileset. numLocalRootCells is this
// rank's share of numRootCells; the sum across every rank in ctx must
// equal numRootCells exactly.
func Create(ctx rankio.Context, prefix string, sfcType sfc.Type, numRootCells int64, numLocalRootCells int64) (*Fileset, error) {
	const op = "artio.Create"
	if err := validatePrefix(op, prefix); err != nil {
		return nil, err
	}
	if !sfcType.Valid() {
		return nil, errcode.New(errcode.InvalidState, op, "sfc_type %d is not a recognized curve", sfcType)
	}

	total, err := ctx.AllReduce(numLocalRootCells, sumInt64)
	if err != nil {
		return nil, errcode.Wrap(errcode.IOError, op, err)
	}
	if total != numRootCells {
		return nil, errcode.New(errcode.InvalidState, op, "sum of num_local_root_cells across ranks is %d, expected %d", total, numRootCells)
	}

	bitsPerDim := sfc.BitsPerDim(numRootCells)
	numGrid := int64(1) << uint(bitsPerDim)
	if numGrid*numGrid*numGrid != numRootCells {
		return nil, errcode.New(errcode.InvalidState, op, "num_root_cells %d is not num_grid^3 for any integer num_grid", numRootCells)
	}
	coder, err := sfc.New(sfcType, bitsPerDim)
	if err != nil {
		return nil, err
	}

	table := param.New()
	table.SetInt64("num_root_cells", numRootCells)
	table.SetInt32("sfc_type", int32(sfcType))
	table.SetInt32("artio_major_version", MajorVersion)
	table.SetInt32("artio_minor_version", MinorVersion)

	f := &Fileset{
		prefix:            prefix,
		rank:              ctx.Rank(),
		numProcs:          ctx.NumProcs(),
		write:             true,
		sfcType:           sfcType,
		numRootCells:      numRootCells,
		bitsPerDim:        bitsPerDim,
		numGrid:           numGrid,
		coder:             coder,
		procBegin:         0,
		procEnd:           numRootCells,
		numLocalRootCells: numLocalRootCells,
		table:             table,
		sessionID:         uuid.New(),
	}

	log.Infow("created fileset", "session_id", f.sessionID, "prefix", prefix, "rank", f.rank,
		"num_root_cells", numRootCells, "num_local_root_cells", numLocalRootCells)
	return f, nil
}

func sumInt64(a, b int64) int64 { return a + b }

// Open reads prefix's parameter header and opens grid and/or particle
// streams per openType. procRange, if given, overrides the default
// read-mode range of the entire SFC space.
func Open(ctx rankio.Context, prefix string, openType OpenType, procRange ...[2]int64) (*Fileset, error) {
	const op = "artio.Open"
	if err := validatePrefix(op, prefix); err != nil {
		return nil, err
	}

	table, swapped, err := param.ReadFile(prefix + ".art")
	if err != nil {
		return nil, err
	}

	major, err := table.GetInt32("artio_major_version")
	if err != nil {
		return nil, errcode.Wrap(errcode.ParamNotFound, op, err)
	}
	if major > MajorVersion {
		return nil, errcode.New(errcode.InvalidState, op, "file major version %d exceeds supported major version %d", major, MajorVersion)
	}
	if minor, err := table.GetInt32("artio_minor_version"); err == nil && minor > MinorVersion {
		log.Warnw("fileset minor version ahead of this build", "file_minor_version", minor, "supported_minor_version", MinorVersion)
	}

	numRootCells, err := table.GetInt64("num_root_cells")
	if err != nil {
		return nil, errcode.Wrap(errcode.ParamNotFound, op, err)
	}
	bitsPerDim := sfc.BitsPerDim(numRootCells)
	numGrid := int64(1) << uint(bitsPerDim)
	if numGrid*numGrid*numGrid != numRootCells {
		return nil, errcode.New(errcode.InvalidState, op, "num_root_cells %d is not num_grid^3 for any integer num_grid", numRootCells)
	}

	sfcTypeVal := int32(sfc.Hilbert)
	if v, err := table.GetInt32("sfc_type"); err == nil {
		sfcTypeVal = v
	}
	sfcType := sfc.Type(sfcTypeVal)
	if !sfcType.Valid() {
		return nil, errcode.New(errcode.InvalidState, op, "sfc_type %d is not a recognized curve", sfcTypeVal)
	}
	coder, err := sfc.New(sfcType, bitsPerDim)
	if err != nil {
		return nil, err
	}

	procBegin, procEnd := int64(0), numRootCells
	if len(procRange) > 0 {
		procBegin, procEnd = procRange[0][0], procRange[0][1]
	}

	f := &Fileset{
		prefix:       prefix,
		rank:         ctx.Rank(),
		numProcs:     ctx.NumProcs(),
		write:        false,
		endianSwap:   swapped,
		sfcType:      sfcType,
		numRootCells: numRootCells,
		bitsPerDim:   bitsPerDim,
		numGrid:      numGrid,
		coder:        coder,
		procBegin:    procBegin,
		procEnd:      procEnd,
		table:        table,
		sessionID:    uuid.New(),
	}

	bufSize := currentSettings().BufferSize
	if openType&OpenGrid != 0 {
		g, err := gridio.OpenRead(table, procBegin, procEnd, numRootCells, coder, bufSize, swapped, f.gridPath)
		if err != nil {
			return nil, err
		}
		f.Grid = g
	}
	if openType&OpenParticles != 0 {
		p, err := particleio.OpenRead(table, procBegin, procEnd, bufSize, swapped, f.particlePath)
		if err != nil {
			return nil, err
		}
		f.Particles = p
	}

	log.Infow("opened fileset", "session_id", f.sessionID, "prefix", prefix, "rank", f.rank,
		"num_root_cells", numRootCells, "endian_swap", swapped)
	return f, nil
}

// AddGrid declares the write-mode grid schema and constructs Grid.
func (f *Fileset) AddGrid(numFiles int, strategy distributor.Strategy, numVars int, labels []string) error {
	const op = "Fileset.AddGrid"
	if !f.write {
		return errcode.New(errcode.InvalidFilesetMode, op, "fileset is not open for writing")
	}
	if f.Grid != nil {
		return errcode.New(errcode.DataExists, op, "grid already added")
	}
	f.Grid = gridio.New(f.numRootCells, int(f.numLocalRootCells), f.coder, currentSettings().BufferSize)
	return f.Grid.AddGrid(numFiles, strategy, numVars, labels)
}

// AddParticles declares the write-mode particle schema and constructs
// Particles.
func (f *Fileset) AddParticles(numFiles int, strategy distributor.Strategy, numSpecies int, primary, secondary []int, labels []string) error {
	const op = "Fileset.AddParticles"
	if !f.write {
		return errcode.New(errcode.InvalidFilesetMode, op, "fileset is not open for writing")
	}
	if f.Particles != nil {
		return errcode.New(errcode.DataExists, op, "particles already added")
	}
	f.Particles = particleio.New(int(f.numLocalRootCells), currentSettings().BufferSize)
	return f.Particles.AddParticles(numFiles, strategy, numSpecies, primary, secondary, labels)
}

// Commit runs the Distributor for every declared component, persisting
// the resulting schema into the parameter table and enabling record
// writes.
func (f *Fileset) Commit(ctx rankio.Context) error {
	const op = "Fileset.Commit"
	if !f.write {
		return errcode.New(errcode.InvalidFilesetMode, op, "fileset is not open for writing")
	}
	if f.Grid != nil {
		if err := f.Grid.Commit(ctx, f.gridPath, f.table); err != nil {
			return err
		}
	}
	if f.Particles != nil {
		if err := f.Particles.Commit(ctx, f.numRootCells, f.particlePath, f.table); err != nil {
			return err
		}
	}
	log.Infow("committed fileset", "session_id", f.sessionID, "prefix", f.prefix, "rank", f.rank,
		"offset_table_bytes", humanize.Bytes(uint64(8*f.numRootCells)))
	return nil
}

// Close closes the grid and particle streams (if open), then, in
// write mode, has rank 0 serialize the parameter table to {prefix}.art
// — the collective-open pattern's ACCESS bit reduced to a single
// writer, since param.WriteFile is already an atomic replace.
func (f *Fileset) Close(ctx rankio.Context) error {
	c := seq.New()
	if f.Grid != nil {
		c.Run("grid", f.Grid.Close)
	}
	if f.Particles != nil {
		c.Run("particles", f.Particles.Close)
	}
	if f.write && ctx.Rank() == 0 {
		c.Run("header", func() error { return param.WriteFile(f.headerPath(), f.table) })
	}
	if err := c.Err(); err != nil {
		return errcode.Wrap(errcode.IOError, "Fileset.Close", err)
	}
	log.Infow("closed fileset", "session_id", f.sessionID, "prefix", f.prefix, "rank", f.rank)
	return nil
}
