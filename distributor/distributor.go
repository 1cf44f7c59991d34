// Package distributor implements the Distributor algorithm of spec
// section 4.2: given a local (sfc, size) list on every rank, it
// produces a global per-file SFC partition, stitches per-rank-local
// offsets into fileset-global byte offsets, opens every shard's file
// handle, and writes each shard's offset-table header.
//
// Grounded on compactindexsized/build.go's sealBucket (seek-to-end,
// write a header, write records, one file per logical shard) for the
// "open shard, write its offset-table slice" step, and
// store/freelist/freelist.go's buffered little-endian offset encoding
// for the header table itself.
package distributor

import (
	"encoding/binary"
	"sort"

	logging "github.com/ipfs/go-log/v2"
	"golang.org/x/sync/errgroup"

	"github.com/phil-mansfield/go-artio/errcode"
	"github.com/phil-mansfield/go-artio/handle"
	"github.com/phil-mansfield/go-artio/rankio"
)

var log = logging.Logger("go-artio/distributor")

// Strategy selects how file_sfc_index is chosen in step 5.
type Strategy int

const (
	// EqualSFC is the only mandated strategy: file boundaries are
	// evenly spaced in SFC-index space.
	EqualSFC Strategy = iota
	// EqualSize and OneToOne are reserved placeholders (spec section 9,
	// Open Question (a)): a clean implementation rejects them rather
	// than silently falling back to EqualSFC.
	EqualSize
	OneToOne
)

// Entry is one local (sfc, size) pair a rank contributes.
type Entry struct {
	SFC  int64
	Size int64
}

// Config parameterizes one Distribute call.
type Config struct {
	NumRootCells int64
	NumFiles     int
	Strategy     Strategy
	// PathForFile returns the on-disk path of shard f, e.g.
	// "{prefix}.g003". Called identically on every rank.
	PathForFile func(fileIdx int) string
}

// Assignment is the result of Distribute: the chosen file partition,
// each input Entry's byte offset within its destination shard (same
// order and length as the local slice Distribute was given), and the
// opened per-shard handles every rank holds (length NumFiles).
type Assignment struct {
	FileSFCIndex []int64
	Offsets      []int64
	Handles      []*handle.Handle
}

// HeaderSize returns the byte size of shard f's offset-table header.
func (a *Assignment) HeaderSize(f int) int64 {
	return (a.FileSFCIndex[f+1] - a.FileSFCIndex[f]) * 8
}

type chainState struct {
	origin  int64
	fileIdx int // -1 until the chain has crossed its first file boundary
}

// Distribute runs the 8-step algorithm of spec section 4.2 on behalf
// of one rank. Every rank in ctx's group must call Distribute with
// the same Config (NumRootCells, NumFiles, Strategy, PathForFile) and
// its own local slice of (sfc, size) entries; the disjoint union of
// every rank's local slice must equal exactly one entry per sfc in
// [0, NumRootCells).
func Distribute(ctx rankio.Context, cfg Config, local []Entry) (*Assignment, error) {
	const op = "distributor.Distribute"

	if cfg.Strategy != EqualSFC {
		return nil, errcode.New(errcode.InvalidAllocStrategy, op, "strategy %d is not implemented", cfg.Strategy)
	}
	if cfg.NumFiles <= 0 || int64(cfg.NumFiles) > cfg.NumRootCells {
		return nil, errcode.New(errcode.InvalidFileNumber, op, "num_files=%d invalid for num_root_cells=%d", cfg.NumFiles, cfg.NumRootCells)
	}
	for _, e := range local {
		if e.Size <= 0 {
			return nil, errcode.New(errcode.InvalidState, op, "sfc %d has non-positive size %d", e.SFC, e.Size)
		}
	}

	numProcs := ctx.NumProcs()
	rank := ctx.Rank()

	// Step 1: range assignment.
	per := ceilDiv(cfg.NumRootCells, int64(numProcs))
	rangeStart := int64(rank) * per
	rangeEnd := min64(cfg.NumRootCells, rangeStart+per)
	blockLen := rangeEnd - rangeStart
	if blockLen < 0 {
		blockLen = 0
	}

	// Step 2: send each (sfc, size) pair to the rank whose block holds it.
	toSend := make(map[int][]byte)
	for _, e := range local {
		dst := int(e.SFC / per)
		if dst >= numProcs {
			dst = numProcs - 1
		}
		toSend[dst] = append(toSend[dst], encodeEntry(e)...)
	}
	recvBytes, err := ctx.ExchangeBytes(toSend)
	if err != nil {
		return nil, errcode.Wrap(errcode.IOError, op, err)
	}

	block := make([]int64, blockLen) // size, indexed by sfc-rangeStart
	owner := make([]int, blockLen)   // originating rank of that sfc
	filled := make([]bool, blockLen)
	for srcRank, buf := range recvBytes {
		for off := 0; off+16 <= len(buf); off += 16 {
			e := decodeEntry(buf[off : off+16])
			idx := e.SFC - rangeStart
			if idx < 0 || idx >= blockLen {
				return nil, errcode.New(errcode.InvalidSFC, op, "sfc %d routed outside rank %d's block [%d,%d)", e.SFC, rank, rangeStart, rangeEnd)
			}
			if filled[idx] {
				return nil, errcode.New(errcode.DataExists, op, "sfc %d assigned more than once", e.SFC)
			}
			block[idx] = e.Size
			owner[idx] = srcRank
			filled[idx] = true
		}
	}
	for i, ok := range filled {
		if !ok {
			return nil, errcode.New(errcode.InvalidSFCRange, op, "sfc %d missing from distributed input", rangeStart+int64(i))
		}
	}

	// Step 3: local prefix sum.
	localOffsets := make([]int64, blockLen)
	var localTotal int64
	for i, sz := range block {
		localOffsets[i] = localTotal
		localTotal += sz
	}

	// Step 4: global prefix stitch.
	globalBase, _, err := ctx.PrefixSum(localTotal)
	if err != nil {
		return nil, errcode.Wrap(errcode.IOError, op, err)
	}
	globalOffset := make([]int64, blockLen)
	for i := range localOffsets {
		globalOffset[i] = localOffsets[i] + globalBase
	}

	// Step 5: file partition (EQUAL_SFC).
	fileSFCIndex := make([]int64, cfg.NumFiles+1)
	for f := 0; f <= cfg.NumFiles; f++ {
		fileSFCIndex[f] = ceilDiv(cfg.NumRootCells*int64(f), int64(cfg.NumFiles))
	}
	fileSFCIndex[0] = 0
	fileSFCIndex[cfg.NumFiles] = cfg.NumRootCells

	// Step 6: offset re-origin, chained left to right across ranks.
	finalOffset := make([]int64, blockLen)
	fileIdxOfPos := make([]int, blockLen)
	_, err = ctx.Chain(chainState{fileIdx: -1}, func(in any) (any, error) {
		st := in.(chainState)
		for i := 0; i < blockLen; i++ {
			sfcGlobal := rangeStart + int64(i)
			fIdx := fileIndexOf(sfcGlobal, fileSFCIndex)
			if fIdx != st.fileIdx {
				st.fileIdx = fIdx
				headerSize := (fileSFCIndex[fIdx+1] - fileSFCIndex[fIdx]) * 8
				st.origin = globalOffset[i] - headerSize
			}
			finalOffset[i] = globalOffset[i] - st.origin
			fileIdxOfPos[i] = fIdx
		}
		return st, nil
	})
	if err != nil {
		return nil, errcode.Wrap(errcode.IOError, op, err)
	}

	// Step 7: return offsets to originating ranks.
	toReturn := make(map[int][]byte)
	for i := 0; i < blockLen; i++ {
		toReturn[owner[i]] = append(toReturn[owner[i]], encodeEntry(Entry{SFC: rangeStart + int64(i), Size: finalOffset[i]})...)
	}
	returned, err := ctx.ExchangeBytes(toReturn)
	if err != nil {
		return nil, errcode.Wrap(errcode.IOError, op, err)
	}
	offsetBySFC := make(map[int64]int64, len(local))
	for _, buf := range returned {
		for off := 0; off+16 <= len(buf); off += 16 {
			e := decodeEntry(buf[off : off+16])
			offsetBySFC[e.SFC] = e.Size
		}
	}
	offsets := make([]int64, len(local))
	for i, e := range local {
		off, ok := offsetBySFC[e.SFC]
		if !ok {
			return nil, errcode.New(errcode.InvalidState, op, "no offset returned for sfc %d", e.SFC)
		}
		offsets[i] = off
	}

	// Step 8: file open + header write. Every shard is independent, so
	// the fan-out runs under one errgroup rather than a serial loop.
	handles := make([]*handle.Handle, cfg.NumFiles)
	var eg errgroup.Group
	for f := 0; f < cfg.NumFiles; f++ {
		f := f
		blockOverlap := blockLen > 0 && rangesOverlap(rangeStart, rangeEnd, fileSFCIndex[f], fileSFCIndex[f+1])
		localOverlap := localInputOverlaps(local, fileSFCIndex[f], fileSFCIndex[f+1])

		mode := handle.Write
		if blockOverlap || localOverlap {
			mode |= handle.Access
		}

		eg.Go(func() error {
			h, err := handle.Open(cfg.PathForFile(f), mode)
			if err != nil {
				return errcode.Wrap(errcode.FileCreate, op, err)
			}
			handles[f] = h

			if blockOverlap {
				if err := writeShardSlice(h, fileSFCIndex[f], finalOffset, fileIdxOfPos, f, rangeStart); err != nil {
					return err
				}
			}
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}

	log.Debugw("distribute complete", "rank", rank, "num_files", cfg.NumFiles, "num_root_cells", cfg.NumRootCells, "local_entries", len(local))

	return &Assignment{FileSFCIndex: fileSFCIndex, Offsets: offsets, Handles: handles}, nil
}

// writeShardSlice writes this rank's contiguous run of block positions
// that belong to file f, seeking to the correct header position first.
func writeShardSlice(h *handle.Handle, fileStart int64, finalOffset []int64, fileIdxOfPos []int, f int, rangeStart int64) error {
	const op = "distributor.writeShardSlice"
	i := 0
	for i < len(fileIdxOfPos) {
		if fileIdxOfPos[i] != f {
			i++
			continue
		}
		j := i
		for j < len(fileIdxOfPos) && fileIdxOfPos[j] == f {
			j++
		}
		firstSFC := rangeStart + int64(i)
		if _, err := h.Seek((firstSFC-fileStart)*8, handle.SeekSet); err != nil {
			return errcode.Wrap(errcode.IOError, op, err)
		}
		if err := h.WriteInt64(finalOffset[i:j]); err != nil {
			return errcode.Wrap(errcode.IOError, op, err)
		}
		i = j
	}
	return nil
}

func fileIndexOf(sfc int64, fileSFCIndex []int64) int {
	// fileSFCIndex is sorted (num_files+1 entries), so a binary search
	// finds the first file whose end lies past sfc.
	idx := sort.Search(len(fileSFCIndex)-1, func(f int) bool { return fileSFCIndex[f+1] > sfc })
	return idx
}

func rangesOverlap(aStart, aEnd, bStart, bEnd int64) bool {
	return aStart < bEnd && bStart < aEnd
}

func localInputOverlaps(local []Entry, start, end int64) bool {
	for _, e := range local {
		if e.SFC >= start && e.SFC < end {
			return true
		}
	}
	return false
}

func encodeEntry(e Entry) []byte {
	buf := make([]byte, 16)
	binary.LittleEndian.PutUint64(buf[0:8], uint64(e.SFC))
	binary.LittleEndian.PutUint64(buf[8:16], uint64(e.Size))
	return buf
}

func decodeEntry(buf []byte) Entry {
	return Entry{
		SFC:  int64(binary.LittleEndian.Uint64(buf[0:8])),
		Size: int64(binary.LittleEndian.Uint64(buf[8:16])),
	}
}

func ceilDiv(a, b int64) int64 {
	if b == 0 {
		return 0
	}
	return (a + b - 1) / b
}

func min64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}
