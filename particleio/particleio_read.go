package particleio

import (
	"github.com/phil-mansfield/go-artio/errcode"
	"github.com/phil-mansfield/go-artio/handle"
)

type cacheEntry struct {
	offset  int64
	fileIdx int
}

// readMachine holds the per-SFC read state machine's working state
// and the offset-table cache.
type readMachine struct {
	state             readState
	sfc               int64
	counts            []int
	recordStart       int64
	species           int
	particleInSpecies int

	curHandle  *handle.Handle
	curFileIdx int

	cacheBegin, cacheEnd int64
	cache                []cacheEntry
}

// CacheSFCRange loads the offset-table slice covering [a,b) so
// ReadRootBegin can serve sfc in [a,b) without further shard reads. A
// new range invalidates any previous cache.
func (p *ParticleStream) CacheSFCRange(a, b int64) error {
	const op = "ParticleStream.CacheSFCRange"
	if a < 0 || a > b {
		return errcode.New(errcode.InvalidSFCRange, op, "range [%d,%d) invalid", a, b)
	}
	cache := make([]cacheEntry, b-a)
	i := 0
	for i < len(cache) {
		sfcIdx := a + int64(i)
		f := p.fileIndexOfSFC(sfcIdx)
		if f < 0 {
			return errcode.New(errcode.InvalidSFCRange, op, "sfc %d not covered by any shard", sfcIdx)
		}
		runEnd := b
		if p.fileSFCIndex[f+1] < runEnd {
			runEnd = p.fileSFCIndex[f+1]
		}
		n := int(runEnd - sfcIdx)
		h := p.handles[f]
		if err := h.AttachBuffer(p.bufferSize); err != nil {
			return err
		}
		if _, err := h.Seek((sfcIdx-p.fileSFCIndex[f])*8, handle.SeekSet); err != nil {
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
	p.read.cacheBegin = a
	p.read.cacheEnd = b
	p.read.cache = cache
	log.Debugw("cached sfc range", "begin", a, "end", b, "entries", len(cache))
	return nil
}

// ClearSFCCache invalidates the current offset-table cache.
func (p *ParticleStream) ClearSFCCache() {
	p.read.cache = nil
	p.read.cacheBegin, p.read.cacheEnd = 0, 0
}

func (p *ParticleStream) seekToSFC(sfcIdx int64) (int64, error) {
	const op = "ParticleStream.seekToSFC"
	if p.read.cache == nil || sfcIdx < p.read.cacheBegin || sfcIdx >= p.read.cacheEnd {
		return 0, errcode.New(errcode.InvalidSFCRange, op, "sfc %d not covered by the current cache", sfcIdx)
	}
	ce := p.read.cache[sfcIdx-p.read.cacheBegin]
	if p.read.curHandle == nil || p.read.curFileIdx != ce.fileIdx {
		if p.read.curHandle != nil {
			if err := p.read.curHandle.DetachBuffer(); err != nil {
				return 0, err
			}
		}
		h := p.handles[ce.fileIdx]
		if err := h.AttachBuffer(p.bufferSize); err != nil {
			return 0, err
		}
		p.read.curHandle = h
		p.read.curFileIdx = ce.fileIdx
	}
	if _, err := p.read.curHandle.Seek(ce.offset, handle.SeekSet); err != nil {
		return 0, err
	}
	return ce.offset, nil
}

// RootHeader is what ReadRootBegin returns: the record's transient
// per-species particle counts (refreshed on every call).
type RootHeader struct {
	SFC    int64
	Counts []int
}

// ReadRootBegin opens sfcIdx's record, which must be covered by the
// current offset-table cache.
func (p *ParticleStream) ReadRootBegin(sfcIdx int64) (RootHeader, error) {
	const op = "ParticleStream.ReadRootBegin"
	if p.read.state != readIdle {
		return RootHeader{}, errcode.New(errcode.InvalidState, op, "expected IDLE state")
	}
	start, err := p.seekToSFC(sfcIdx)
	if err != nil {
		return RootHeader{}, err
	}
	h := p.read.curHandle

	raw, err := h.ReadInt32(p.numSpecies)
	if err != nil {
		return RootHeader{}, err
	}
	counts := int32sToInts(raw)

	p.read.state = readRoot
	p.read.sfc = sfcIdx
	p.read.counts = counts
	p.read.recordStart = start
	p.read.species = -1

	return RootHeader{SFC: sfcIdx, Counts: append([]int(nil), counts...)}, nil
}

// speciesOffset computes record_start + 4*num_species +
// sum_{i<s} counts[i]*(8+4+8*Np_i+4*Ns_i), the formula spec section
// 4.4 gives for a direct species seek.
func (p *ParticleStream) speciesOffset(s int) int64 {
	off := p.read.recordStart + 4*int64(p.numSpecies)
	for i := 0; i < s; i++ {
		per := int64(8+4) + 8*int64(p.primaryCounts[i]) + 4*int64(p.secondaryCounts[i])
		off += int64(p.read.counts[i]) * per
	}
	return off
}

// ReadSpeciesBegin seeks directly to species s within the current
// record, without requiring species to have been visited in order —
// the offset is recomputed from the record's own header every call.
func (p *ParticleStream) ReadSpeciesBegin(s int) error {
	const op = "ParticleStream.ReadSpeciesBegin"
	if p.read.state != readRoot {
		return errcode.New(errcode.InvalidState, op, "expected ROOT state")
	}
	if s < 0 || s >= p.numSpecies {
		return errcode.New(errcode.InvalidSpecies, op, "species %d invalid for num_species=%d", s, p.numSpecies)
	}
	off := p.speciesOffset(s)
	if _, err := p.read.curHandle.Seek(off, handle.SeekSet); err != nil {
		return err
	}
	p.read.species = s
	p.read.particleInSpecies = 0
	p.read.state = readSpecies
	return nil
}

// ReadParticle reads the next particle of the current species.
func (p *ParticleStream) ReadParticle() (pid int64, subspecies int32, primary []float64, secondary []float32, err error) {
	const op = "ParticleStream.ReadParticle"
	if p.read.state != readSpecies {
		return 0, 0, nil, nil, errcode.New(errcode.InvalidState, op, "expected SPECIES state")
	}
	s := p.read.species
	want := p.read.counts[s]
	if p.read.particleInSpecies >= want {
		return 0, 0, nil, nil, errcode.New(errcode.InvalidState, op, "species %d already has its declared %d particles read", s, want)
	}
	h := p.read.curHandle

	pids, err := h.ReadInt64(1)
	if err != nil {
		return 0, 0, nil, nil, err
	}
	subs, err := h.ReadInt32(1)
	if err != nil {
		return 0, 0, nil, nil, err
	}
	prim, err := h.ReadFloat64(p.primaryCounts[s])
	if err != nil {
		return 0, 0, nil, nil, err
	}
	sec, err := h.ReadFloat32(p.secondaryCounts[s])
	if err != nil {
		return 0, 0, nil, nil, err
	}
	p.read.particleInSpecies++
	return pids[0], subs[0], prim, sec, nil
}

// ReadSpeciesEnd closes the current species.
func (p *ParticleStream) ReadSpeciesEnd() error {
	const op = "ParticleStream.ReadSpeciesEnd"
	if p.read.state != readSpecies {
		return errcode.New(errcode.InvalidState, op, "expected SPECIES state")
	}
	s := p.read.species
	want := p.read.counts[s]
	if p.read.particleInSpecies != want {
		return errcode.New(errcode.InvalidState, op, "species %d has %d particles read, declared %d", s, p.read.particleInSpecies, want)
	}
	p.read.state = readRoot
	return nil
}

// ReadRootEnd closes the current record. Unlike the write grammar, a
// reader is not required to have visited every species first: direct
// species seeks make partial reads of a record legitimate.
func (p *ParticleStream) ReadRootEnd() error {
	const op = "ParticleStream.ReadRootEnd"
	if p.read.state != readRoot {
		return errcode.New(errcode.InvalidState, op, "expected ROOT state")
	}
	p.read.state = readIdle
	return nil
}
