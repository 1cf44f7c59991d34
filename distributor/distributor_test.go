package distributor

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/phil-mansfield/go-artio/handle"
	"github.com/phil-mansfield/go-artio/rankio"
)

func runDistribute(t *testing.T, numProcs int, cfg Config, localPerRank [][]Entry) []*Assignment {
	t.Helper()
	g := rankio.NewGroup(numProcs)
	results := make([]*Assignment, numProcs)
	errs := make([]error, numProcs)
	var wg sync.WaitGroup
	wg.Add(numProcs)
	for r := 0; r < numProcs; r++ {
		r := r
		go func() {
			defer wg.Done()
			a, err := Distribute(g.Rank(r), cfg, localPerRank[r])
			results[r] = a
			errs[r] = err
		}()
	}
	wg.Wait()
	for _, err := range errs {
		require.NoError(t, err)
	}
	return results
}

func pathForFile(dir, ext string) func(int) string {
	return func(f int) string {
		return filepath.Join(dir, fmt.Sprintf("fileset.%s%03d", ext, f))
	}
}

// TestSingleRankSingleFileMatchesS1 reproduces spec S1: 8 root cells,
// one shard, every sfc with size 8 (num_vars=1: 4 bytes of var data
// plus the 4-byte num_levels field). Header size is 8*8=64 bytes, so
// sfc i's offset must be 64+8*i, and the shard file must be exactly
// 128 bytes once payload is appended.
func TestSingleRankSingleFileMatchesS1(t *testing.T) {
	dir := t.TempDir()
	local := make([]Entry, 8)
	for i := range local {
		local[i] = Entry{SFC: int64(i), Size: 8}
	}
	cfg := Config{NumRootCells: 8, NumFiles: 1, Strategy: EqualSFC, PathForFile: pathForFile(dir, "g")}

	results := runDistribute(t, 1, cfg, [][]Entry{local})
	a := results[0]

	require.Equal(t, []int64{0, 8}, a.FileSFCIndex)
	require.Equal(t, int64(64), a.HeaderSize(0))
	for i, off := range a.Offsets {
		require.Equal(t, int64(64+8*i), off)
	}

	require.Len(t, a.Handles, 1)
	require.True(t, a.Handles[0].Mode()&handle.Access != 0)
	require.NoError(t, a.Handles[0].Close())

	data, err := os.ReadFile(pathForFile(dir, "g")(0))
	require.NoError(t, err)
	require.Len(t, data, 64)
	for i := 0; i < 8; i++ {
		got := int64(binary.LittleEndian.Uint64(data[i*8:]))
		require.Equal(t, int64(64+8*i), got)
	}
}

// TestShardedPartitionMatchesS3 reproduces spec S3's partition and
// checks that sfc 32's offset in shard 2 is 16*8 (header) plus the
// sizes of no preceding same-shard entries, since sfc 32 opens shard 2.
func TestShardedPartitionMatchesS3(t *testing.T) {
	dir := t.TempDir()
	const n = 64
	local := make([]Entry, n)
	for i := range local {
		local[i] = Entry{SFC: int64(i), Size: 8}
	}
	cfg := Config{NumRootCells: n, NumFiles: 4, Strategy: EqualSFC, PathForFile: pathForFile(dir, "g")}

	results := runDistribute(t, 1, cfg, [][]Entry{local})
	a := results[0]

	require.Equal(t, []int64{0, 16, 32, 48, 64}, a.FileSFCIndex)
	// shard 2 holds sfcs [32,48); its header is 16*8 bytes, and sfc 32
	// is the first entry in that shard so its offset is exactly the
	// header size.
	require.Equal(t, int64(16*8), a.Offsets[32])

	for f := 0; f < 4; f++ {
		require.NoError(t, a.Handles[f].Close())
	}

	for f := 0; f < 4; f++ {
		info, err := os.Stat(pathForFile(dir, "g")(f))
		require.NoError(t, err)
		require.Equal(t, int64(16*8), info.Size())
		data, err := os.ReadFile(pathForFile(dir, "g")(f))
		require.NoError(t, err)
		var prev int64 = -1
		for i := 0; i < 16; i++ {
			v := int64(binary.LittleEndian.Uint64(data[i*8:]))
			require.Greater(t, v, prev)
			prev = v
		}
		require.Equal(t, int64(16*8), int64(binary.LittleEndian.Uint64(data[0:8])))
	}
}

// TestTwoRankDistributionMatchesSingleRank verifies property 7
// (distribution determinism): shuffling which rank owns which sfc must
// not change the final per-sfc byte offset.
func TestTwoRankDistributionMatchesSingleRank(t *testing.T) {
	const n = 64
	sizes := make([]int64, n)
	for i := range sizes {
		sizes[i] = int64(8 + 8*(i%3))
	}

	dir1 := t.TempDir()
	singleLocal := make([]Entry, n)
	for i := range singleLocal {
		singleLocal[i] = Entry{SFC: int64(i), Size: sizes[i]}
	}
	cfg1 := Config{NumRootCells: n, NumFiles: 4, Strategy: EqualSFC, PathForFile: pathForFile(dir1, "g")}
	singleResult := runDistribute(t, 1, cfg1, [][]Entry{singleLocal})[0]
	singleOffsets := make(map[int64]int64, n)
	for i, e := range singleLocal {
		singleOffsets[e.SFC] = singleResult.Offsets[i]
	}

	dir2 := t.TempDir()
	var rank0, rank1 []Entry
	for i := 0; i < n; i++ {
		e := Entry{SFC: int64(i), Size: sizes[i]}
		if i%2 == 0 {
			rank1 = append(rank1, e) // deliberately shuffled ownership
		} else {
			rank0 = append(rank0, e)
		}
	}
	cfg2 := Config{NumRootCells: n, NumFiles: 4, Strategy: EqualSFC, PathForFile: pathForFile(dir2, "g")}
	results := runDistribute(t, 2, cfg2, [][]Entry{rank0, rank1})

	twoRankOffsets := make(map[int64]int64, n)
	for r, local := range [][]Entry{rank0, rank1} {
		for i, e := range local {
			twoRankOffsets[e.SFC] = results[r].Offsets[i]
		}
	}
	require.Equal(t, singleOffsets, twoRankOffsets)
	require.Equal(t, singleResult.FileSFCIndex, results[0].FileSFCIndex)
	require.Equal(t, singleResult.FileSFCIndex, results[1].FileSFCIndex)

	for _, a := range results {
		for _, h := range a.Handles {
			require.NoError(t, h.Close())
		}
	}
}

func TestRejectsUnimplementedStrategy(t *testing.T) {
	cfg := Config{NumRootCells: 8, NumFiles: 1, Strategy: EqualSize, PathForFile: pathForFile(t.TempDir(), "g")}
	_, err := Distribute(rankio.Single(), cfg, []Entry{{SFC: 0, Size: 8}})
	require.Error(t, err)

	cfg.Strategy = OneToOne
	_, err = Distribute(rankio.Single(), cfg, []Entry{{SFC: 0, Size: 8}})
	require.Error(t, err)
}

func TestRejectsInvalidFileNumber(t *testing.T) {
	cfg := Config{NumRootCells: 4, NumFiles: 5, Strategy: EqualSFC, PathForFile: pathForFile(t.TempDir(), "g")}
	_, err := Distribute(rankio.Single(), cfg, nil)
	require.Error(t, err)
}

func TestRejectsNonPositiveSize(t *testing.T) {
	cfg := Config{NumRootCells: 8, NumFiles: 1, Strategy: EqualSFC, PathForFile: pathForFile(t.TempDir(), "g")}
	_, err := Distribute(rankio.Single(), cfg, []Entry{{SFC: 0, Size: 0}})
	require.Error(t, err)
}
