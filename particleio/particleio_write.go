package particleio

import (
	"github.com/phil-mansfield/go-artio/errcode"
	"github.com/phil-mansfield/go-artio/handle"
)

// writeMachine holds the per-SFC write state machine's working state
// (spec section 4.4's IDLE -> ROOT -> SPECIES -> ROOT -> IDLE
// grammar).
type writeMachine struct {
	state             writeState
	sfc               int64
	counts            []int
	species           int
	particleInSpecies int
	fileIdx           int
}

func (p *ParticleStream) fileIndexOfSFC(sfcIdx int64) int {
	for f := 0; f < len(p.fileSFCIndex)-1; f++ {
		if sfcIdx >= p.fileSFCIndex[f] && sfcIdx < p.fileSFCIndex[f+1] {
			return f
		}
	}
	return -1
}

// WriteRootBegin opens a new root-cell record. sfcIdx must equal the
// next SFC in add_sfc declaration order; counts must equal the
// per-species particle counts declared for this sfc at AddSFC time.
func (p *ParticleStream) WriteRootBegin(sfcIdx int64, counts []int) error {
	const op = "ParticleStream.WriteRootBegin"
	if !p.committed {
		return errcode.New(errcode.InvalidFilesetMode, op, "particle stream has not been committed")
	}
	if p.write.state != writeIdle {
		return errcode.New(errcode.InvalidState, op, "expected IDLE state")
	}
	if p.nextWriteIdx >= len(p.pendingEntries) {
		return errcode.New(errcode.InvalidState, op, "no more SFCs were declared via add_sfc")
	}
	expected := p.pendingEntries[p.nextWriteIdx]
	if expected.SFC != sfcIdx {
		return errcode.New(errcode.InvalidSFC, op, "expected sfc %d (declaration order), got %d", expected.SFC, sfcIdx)
	}
	want := p.pendingCounts[sfcIdx]
	if len(counts) != len(want) {
		return errcode.New(errcode.InvalidSpecies, op, "counts length %d does not match num_species %d", len(counts), len(want))
	}
	for s := range want {
		if counts[s] != want[s] {
			return errcode.New(errcode.InvalidSpecies, op, "sfc %d declared counts[%d]=%d, got %d", sfcIdx, s, want[s], counts[s])
		}
	}

	fileIdx := p.fileIndexOfSFC(sfcIdx)
	if fileIdx < 0 {
		return errcode.New(errcode.InvalidSFC, op, "sfc %d is outside every shard's range", sfcIdx)
	}
	off := p.assignment.Offsets[p.nextWriteIdx]
	h := p.handles[fileIdx]
	if _, err := h.Seek(off, handle.SeekSet); err != nil {
		return err
	}

	header := make([]int32, len(counts))
	for i, c := range counts {
		header[i] = int32(c)
	}
	if err := h.WriteInt32(header); err != nil {
		return err
	}

	p.write = writeMachine{
		state:   writeRoot,
		sfc:     sfcIdx,
		counts:  append([]int(nil), counts...),
		species: -1,
		fileIdx: fileIdx,
	}
	return nil
}

// WriteSpeciesBegin opens species s, 0<=s<num_species, monotonically
// nondecreasing across calls.
func (p *ParticleStream) WriteSpeciesBegin(s int) error {
	const op = "ParticleStream.WriteSpeciesBegin"
	if p.write.state != writeRoot {
		return errcode.New(errcode.InvalidState, op, "expected ROOT state")
	}
	if s < 0 || s >= p.numSpecies || s < p.write.species {
		return errcode.New(errcode.InvalidSpecies, op, "species %d invalid for num_species=%d, last species %d", s, p.numSpecies, p.write.species)
	}
	p.write.species = s
	p.write.particleInSpecies = 0
	p.write.state = writeSpecies
	return nil
}

// WriteParticle writes one particle of the current species.
func (p *ParticleStream) WriteParticle(pid int64, subspecies int32, primary []float64, secondary []float32) error {
	const op = "ParticleStream.WriteParticle"
	if p.write.state != writeSpecies {
		return errcode.New(errcode.InvalidState, op, "expected SPECIES state")
	}
	s := p.write.species
	want := p.write.counts[s]
	if p.write.particleInSpecies >= want {
		return errcode.New(errcode.InvalidState, op, "species %d already has its declared %d particles", s, want)
	}
	if len(primary) != p.primaryCounts[s] {
		return errcode.New(errcode.InvalidState, op, "species %d expects %d primary variables, got %d", s, p.primaryCounts[s], len(primary))
	}
	if len(secondary) != p.secondaryCounts[s] {
		return errcode.New(errcode.InvalidState, op, "species %d expects %d secondary variables, got %d", s, p.secondaryCounts[s], len(secondary))
	}

	h := p.handles[p.write.fileIdx]
	if err := h.WriteInt64([]int64{pid}); err != nil {
		return err
	}
	if err := h.WriteInt32([]int32{subspecies}); err != nil {
		return err
	}
	if err := h.WriteFloat64(primary); err != nil {
		return err
	}
	if err := h.WriteFloat32(secondary); err != nil {
		return err
	}
	p.write.particleInSpecies++
	return nil
}

// WriteSpeciesEnd closes the current species; it must be called
// exactly once after the species' declared particle count has been
// written.
func (p *ParticleStream) WriteSpeciesEnd() error {
	const op = "ParticleStream.WriteSpeciesEnd"
	if p.write.state != writeSpecies {
		return errcode.New(errcode.InvalidState, op, "expected SPECIES state")
	}
	s := p.write.species
	want := p.write.counts[s]
	if p.write.particleInSpecies != want {
		return errcode.New(errcode.InvalidState, op, "species %d has %d particles written, declared %d", s, p.write.particleInSpecies, want)
	}
	p.write.state = writeRoot
	return nil
}

// WriteRootEnd closes the current record, once the last species
// (num_species-1) has been written.
func (p *ParticleStream) WriteRootEnd() error {
	const op = "ParticleStream.WriteRootEnd"
	if p.write.state != writeRoot {
		return errcode.New(errcode.InvalidState, op, "expected ROOT state")
	}
	if p.write.species != p.numSpecies-1 {
		return errcode.New(errcode.InvalidState, op, "only species up to %d of %d were written", p.write.species, p.numSpecies-1)
	}
	p.write.state = writeIdle
	p.nextWriteIdx++
	return nil
}
