// Package particleio implements ParticleStream (spec section 4.4):
// the write/read state machine for the particle payload, species
// schema declaration, size accumulation, and the per-species global
// particle-count reduction at commit time.
//
// Mirrors gridio's shape one level shallower: species replace levels,
// and the read path additionally supports a direct species-offset seek
// (read_species_begin) that gridio's level traversal has no analogue
// for. Shard plumbing again follows store/index/index.go's
// header-table-plus-records layout.
package particleio

import (
	logging "github.com/ipfs/go-log/v2"

	"github.com/phil-mansfield/go-artio/distributor"
	"github.com/phil-mansfield/go-artio/errcode"
	"github.com/phil-mansfield/go-artio/handle"
	"github.com/phil-mansfield/go-artio/param"
	"github.com/phil-mansfield/go-artio/rankio"
)

var log = logging.Logger("go-artio/particleio")

type writeState int

const (
	writeIdle writeState = iota
	writeRoot
	writeSpecies
)

type readState int

const (
	readIdle readState = iota
	readRoot
	readSpecies
)

// ParticleStream is the per-rank handle to a fileset's particle
// component, either in write mode (schema declaration, size
// accumulation, then a per-SFC record write state machine) or read
// mode, never both.
type ParticleStream struct {
	numLocalRootCells int

	isWrite bool
	opened  bool

	numFiles        int
	numSpecies      int
	primaryCounts   []int
	secondaryCounts []int
	speciesLabels   []string
	fileSFCIndex    []int64
	handles         []*handle.Handle
	bufferSize      int

	globalCounts []int64 // num_particles_per_species, set by Commit/OpenRead

	pendingEntries []distributor.Entry
	pendingCounts  map[int64][]int
	strategy       distributor.Strategy
	committed      bool
	assignment     *distributor.Assignment
	nextWriteIdx   int

	write writeMachine
	read  readMachine
}

// New constructs an empty ParticleStream bound to one rank's share of
// a fileset.
func New(numLocalRootCells int, bufferSize int) *ParticleStream {
	return &ParticleStream{
		numLocalRootCells: numLocalRootCells,
		bufferSize:        bufferSize,
		pendingCounts:     make(map[int64][]int),
	}
}

func (p *ParticleStream) NumFiles() int            { return p.numFiles }
func (p *ParticleStream) NumSpecies() int          { return p.numSpecies }
func (p *ParticleStream) SpeciesLabels() []string  { return p.speciesLabels }
func (p *ParticleStream) PrimaryCounts() []int     { return append([]int(nil), p.primaryCounts...) }
func (p *ParticleStream) SecondaryCounts() []int   { return append([]int(nil), p.secondaryCounts...) }
func (p *ParticleStream) NumParticlesPerSpecies() []int64 {
	return append([]int64(nil), p.globalCounts...)
}
func (p *ParticleStream) FileSFCIndex() []int64 { return append([]int64(nil), p.fileSFCIndex...) }

// recordSize computes the per-SFC byte size spec section 4.4 names:
// 4*num_species + sum_s counts[s]*(8 + 4 + 8*Np_s + 4*Ns_s).
func recordSize(numSpecies int, primary, secondary, counts []int) int64 {
	size := int64(4 * numSpecies)
	for s := 0; s < numSpecies; s++ {
		per := int64(8+4) + 8*int64(primary[s]) + 4*int64(secondary[s])
		size += int64(counts[s]) * per
	}
	return size
}

// AddParticles declares the write-mode schema. Invalid once already
// declared, or in read mode.
func (p *ParticleStream) AddParticles(numFiles int, strategy distributor.Strategy, numSpecies int, primary, secondary []int, labels []string) error {
	const op = "ParticleStream.AddParticles"
	if p.opened {
		return errcode.New(errcode.DataExists, op, "particle schema already declared")
	}
	if numSpecies <= 0 {
		return errcode.New(errcode.InvalidSpecies, op, "num_species must be positive, got %d", numSpecies)
	}
	if len(primary) != numSpecies || len(secondary) != numSpecies {
		return errcode.New(errcode.InvalidSpecies, op, "primary/secondary counts must have length num_species=%d", numSpecies)
	}
	p.isWrite = true
	p.opened = true
	p.numFiles = numFiles
	p.numSpecies = numSpecies
	p.strategy = strategy
	p.primaryCounts = append([]int(nil), primary...)
	p.secondaryCounts = append([]int(nil), secondary...)
	p.speciesLabels = append([]string(nil), labels...)
	return nil
}

// AddSFC records one local root cell's per-species particle counts
// ahead of Commit. Calls beyond numLocalRootCells fail.
func (p *ParticleStream) AddSFC(sfcIdx int64, counts []int) error {
	const op = "ParticleStream.AddSFC"
	if !p.isWrite {
		return errcode.New(errcode.InvalidFilesetMode, op, "particle stream is not open for writing")
	}
	if len(counts) != p.numSpecies {
		return errcode.New(errcode.InvalidSpecies, op, "counts length %d does not match num_species %d", len(counts), p.numSpecies)
	}
	if len(p.pendingEntries) >= p.numLocalRootCells {
		return errcode.New(errcode.InvalidState, op, "more than num_local_root_cells=%d SFCs added", p.numLocalRootCells)
	}
	size := recordSize(p.numSpecies, p.primaryCounts, p.secondaryCounts, counts)
	p.pendingEntries = append(p.pendingEntries, distributor.Entry{SFC: sfcIdx, Size: size})
	p.pendingCounts[sfcIdx] = append([]int(nil), counts...)
	return nil
}

func sumInt64(a, b int64) int64 { return a + b }

// Commit runs the Distributor with suffix 'p', all-reduces
// num_particles_per_species across every rank, persists the resulting
// schema to table, and switches the stream into write-records mode.
func (p *ParticleStream) Commit(ctx rankio.Context, numRootCells int64, pathForFile func(int) string, table *param.Table) error {
	const op = "ParticleStream.Commit"
	if !p.isWrite {
		return errcode.New(errcode.InvalidFilesetMode, op, "particle stream is not open for writing")
	}
	if p.committed {
		return errcode.New(errcode.DataExists, op, "particle stream already committed")
	}

	localSums := make([]int64, p.numSpecies)
	for _, counts := range p.pendingCounts {
		for s, c := range counts {
			localSums[s] += int64(c)
		}
	}
	globalSums := make([]int64, p.numSpecies)
	for s := 0; s < p.numSpecies; s++ {
		sum, err := ctx.AllReduce(localSums[s], sumInt64)
		if err != nil {
			return errcode.Wrap(errcode.IOError, op, err)
		}
		globalSums[s] = sum
	}
	p.globalCounts = globalSums

	cfg := distributor.Config{
		NumRootCells: numRootCells,
		NumFiles:     p.numFiles,
		Strategy:     p.strategy,
		PathForFile:  pathForFile,
	}
	assignment, err := distributor.Distribute(ctx, cfg, p.pendingEntries)
	if err != nil {
		log.Errorw("particle commit failed", "rank", ctx.Rank(), "num_files", p.numFiles, "error", err)
		return err
	}
	p.assignment = assignment
	p.fileSFCIndex = assignment.FileSFCIndex
	p.handles = assignment.Handles
	for _, h := range p.handles {
		if h.Mode()&handle.Access != 0 {
			if err := h.AttachBuffer(p.bufferSize); err != nil {
				return err
			}
		}
	}

	table.SetInt32Array("particle_file_sfc_index", int64sToInt32s(p.fileSFCIndex))
	table.SetInt32("num_particle_files", int32(p.numFiles))
	table.SetInt32("num_particle_species", int32(p.numSpecies))
	table.SetInt32Array("num_primary_variables", intsToInt32s(p.primaryCounts))
	table.SetInt32Array("num_secondary_variables", intsToInt32s(p.secondaryCounts))
	table.SetInt64Array("num_particles_per_species", p.globalCounts)
	if len(p.speciesLabels) > 0 {
		if len(p.speciesLabels) != p.numSpecies {
			return errcode.New(errcode.InvalidSpecies, op, "%d particle_species_labels does not match num_species %d", len(p.speciesLabels), p.numSpecies)
		}
		table.SetStringArray("particle_species_labels", p.speciesLabels)
	}

	p.committed = true
	log.Infow("particles committed", "rank", ctx.Rank(), "num_files", p.numFiles, "num_species", p.numSpecies, "num_particles_per_species", p.globalCounts)
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

func intsToInt32s(in []int) []int32 {
	out := make([]int32, len(in))
	for i, v := range in {
		out[i] = int32(v)
	}
	return out
}

func int32sToInts(in []int32) []int {
	out := make([]int, len(in))
	for i, v := range in {
		out[i] = int(v)
	}
	return out
}

// OpenRead loads the particle schema from table and opens every
// shard, with Access on shards overlapping [procBegin, procEnd).
func OpenRead(table *param.Table, procBegin, procEnd int64, bufferSize int, endianSwap bool, pathForFile func(int) string) (*ParticleStream, error) {
	const op = "particleio.OpenRead"
	numFiles32, err := table.GetInt32("num_particle_files")
	if err != nil {
		return nil, errcode.Wrap(errcode.ParticleDataNotFound, op, err)
	}
	numSpecies32, err := table.GetInt32("num_particle_species")
	if err != nil {
		return nil, errcode.Wrap(errcode.ParticleDataNotFound, op, err)
	}
	fileSFCIndex32, err := table.GetInt32Array("particle_file_sfc_index")
	if err != nil {
		return nil, errcode.Wrap(errcode.ParticleDataNotFound, op, err)
	}
	primary32, err := table.GetInt32Array("num_primary_variables")
	if err != nil {
		return nil, errcode.Wrap(errcode.ParticleDataNotFound, op, err)
	}
	secondary32, err := table.GetInt32Array("num_secondary_variables")
	if err != nil {
		return nil, errcode.Wrap(errcode.ParticleDataNotFound, op, err)
	}
	counts64, err := table.GetInt64Array("num_particles_per_species")
	if err != nil {
		return nil, errcode.Wrap(errcode.ParticleDataNotFound, op, err)
	}
	var labels []string
	if l, err := table.GetStringArray("particle_species_labels"); err == nil {
		labels = l
	}

	p := New(0, bufferSize)
	p.opened = true
	p.numFiles = int(numFiles32)
	p.numSpecies = int(numSpecies32)
	p.fileSFCIndex = int32sToInt64s(fileSFCIndex32)
	p.primaryCounts = int32sToInts(primary32)
	p.secondaryCounts = int32sToInts(secondary32)
	p.globalCounts = append([]int64(nil), counts64...)
	p.speciesLabels = labels

	mode := handle.Read
	if endianSwap {
		mode |= handle.EndianSwap
	}
	p.handles = make([]*handle.Handle, p.numFiles)
	for f := 0; f < p.numFiles; f++ {
		hMode := mode
		if rangesOverlap(procBegin, procEnd, p.fileSFCIndex[f], p.fileSFCIndex[f+1]) {
			hMode |= handle.Access
		}
		h, err := handle.Open(pathForFile(f), hMode)
		if err != nil {
			return nil, errcode.Wrap(errcode.ParticleFileNotFound, op, err)
		}
		p.handles[f] = h
	}
	log.Infow("particles opened for read", "num_files", p.numFiles, "num_species", p.numSpecies)
	return p, nil
}

func rangesOverlap(aStart, aEnd, bStart, bEnd int64) bool {
	return aStart < bEnd && bStart < aEnd
}

// Close detaches any attached buffer and closes every shard handle,
// running every step even if an earlier one fails.
func (p *ParticleStream) Close() error {
	var firstErr error
	for _, h := range p.handles {
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
