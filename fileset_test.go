package artio

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/phil-mansfield/go-artio/distributor"
	"github.com/phil-mansfield/go-artio/gridio"
	"github.com/phil-mansfield/go-artio/rankio"
	"github.com/phil-mansfield/go-artio/sfc"
)

// TestCreateWriteCloseOpenReadRoundTrip builds an 8-root-cell fileset
// with both a grid and a particle component, writes one populated
// record and several empty ones, then reopens and reads them back.
func TestCreateWriteCloseOpenReadRoundTrip(t *testing.T) {
	prefix := filepath.Join(t.TempDir(), "snapshot")
	ctx := rankio.Single()

	fs, err := Create(ctx, prefix, sfc.SlabX, 8, 8)
	require.NoError(t, err)

	require.NoError(t, fs.AddGrid(1, distributor.EqualSFC, 1, []string{"density"}))
	require.NoError(t, fs.AddParticles(1, distributor.EqualSFC, 1, []int{3}, []int{0}, []string{"dark"}))

	for i := int64(0); i < 8; i++ {
		if i == 0 {
			require.NoError(t, fs.Grid.AddSFC(i, 1, 1))
			require.NoError(t, fs.Particles.AddSFC(i, []int{2}))
		} else {
			require.NoError(t, fs.Grid.AddSFC(i, 0, 0))
			require.NoError(t, fs.Particles.AddSFC(i, []int{0}))
		}
	}

	require.NoError(t, fs.Commit(ctx))

	require.NoError(t, fs.Grid.WriteRootBegin(0, []float32{1}, 1, []int{1}))
	require.NoError(t, fs.Grid.WriteLevelBegin(1))
	var vars [8][]float32
	for c := range vars {
		vars[c] = []float32{float32(c)}
	}
	require.NoError(t, fs.Grid.WriteOct(vars, [8]bool{}))
	require.NoError(t, fs.Grid.WriteLevelEnd())
	require.NoError(t, fs.Grid.WriteRootEnd())

	require.NoError(t, fs.Particles.WriteRootBegin(0, []int{2}))
	require.NoError(t, fs.Particles.WriteSpeciesBegin(0))
	require.NoError(t, fs.Particles.WriteParticle(1, 0, []float64{1, 2, 3}, nil))
	require.NoError(t, fs.Particles.WriteParticle(2, 0, []float64{4, 5, 6}, nil))
	require.NoError(t, fs.Particles.WriteSpeciesEnd())
	require.NoError(t, fs.Particles.WriteRootEnd())

	for i := int64(1); i < 8; i++ {
		require.NoError(t, fs.Grid.WriteRootBegin(i, []float32{float32(i)}, 0, nil))
		require.NoError(t, fs.Grid.WriteRootEnd())
		require.NoError(t, fs.Particles.WriteRootBegin(i, []int{0}))
		require.NoError(t, fs.Particles.WriteSpeciesBegin(0))
		require.NoError(t, fs.Particles.WriteSpeciesEnd())
		require.NoError(t, fs.Particles.WriteRootEnd())
	}

	require.NoError(t, fs.Close(ctx))

	readCtx := rankio.Single()
	opened, err := Open(readCtx, prefix, OpenGrid|OpenParticles)
	require.NoError(t, err)
	defer opened.Close(readCtx)

	require.Equal(t, int64(8), opened.NumRootCells())
	require.Equal(t, sfc.SlabX, opened.SFCType())

	require.NoError(t, opened.Grid.CacheSFCRange(0, 8))
	root, err := opened.Grid.ReadRootBegin(0, true, true)
	require.NoError(t, err)
	require.Equal(t, []float32{1}, root.Vars)
	require.Equal(t, gridio.Pos{X: 0.5, Y: 0.5, Z: 0.5}, *root.Pos)
	require.NoError(t, opened.Grid.ReadLevelBegin(1))
	oct, err := opened.Grid.ReadOct(true, false)
	require.NoError(t, err)
	for c := 0; c < 8; c++ {
		require.Equal(t, []float32{float32(c)}, oct.Vars[c])
	}
	require.NoError(t, opened.Grid.ReadLevelEnd())
	require.NoError(t, opened.Grid.ReadRootEnd())

	require.NoError(t, opened.Particles.CacheSFCRange(0, 8))
	pRoot, err := opened.Particles.ReadRootBegin(0)
	require.NoError(t, err)
	require.Equal(t, []int{2}, pRoot.Counts)
	require.NoError(t, opened.Particles.ReadSpeciesBegin(0))
	pid, _, prim, _, err := opened.Particles.ReadParticle()
	require.NoError(t, err)
	require.Equal(t, int64(1), pid)
	require.Equal(t, []float64{1, 2, 3}, prim)
	pid, _, prim, _, err = opened.Particles.ReadParticle()
	require.NoError(t, err)
	require.Equal(t, int64(2), pid)
	require.Equal(t, []float64{4, 5, 6}, prim)
	require.NoError(t, opened.Particles.ReadSpeciesEnd())
	require.NoError(t, opened.Particles.ReadRootEnd())
	require.Equal(t, []int64{2}, opened.Particles.NumParticlesPerSpecies())
}

func TestCreateRejectsPrefixTooLong(t *testing.T) {
	long := make([]byte, 300)
	for i := range long {
		long[i] = 'a'
	}
	_, err := Create(rankio.Single(), string(long), sfc.SlabX, 8, 8)
	require.Error(t, err)
}

func TestCreateRejectsMismatchedLocalRootCellSum(t *testing.T) {
	prefix := filepath.Join(t.TempDir(), "snapshot")
	_, err := Create(rankio.Single(), prefix, sfc.SlabX, 8, 4)
	require.Error(t, err)
}

func TestOpenRejectsFutureMajorVersion(t *testing.T) {
	prefix := filepath.Join(t.TempDir(), "snapshot")
	ctx := rankio.Single()
	fs, err := Create(ctx, prefix, sfc.SlabX, 8, 8)
	require.NoError(t, err)
	fs.table.SetInt32("artio_major_version", MajorVersion+1)
	require.NoError(t, fs.Close(ctx))

	_, err = Open(rankio.Single(), prefix, OpenHeader)
	require.Error(t, err)
}
