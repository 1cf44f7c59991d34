package particleio

import (
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/phil-mansfield/go-artio/distributor"
	"github.com/phil-mansfield/go-artio/param"
	"github.com/phil-mansfield/go-artio/rankio"
)

func pathForFile(dir string) func(int) string {
	return func(f int) string {
		return filepath.Join(dir, fmt.Sprintf("fileset.p%03d", f))
	}
}

// buildAndCommit writes a 4-root-cell, single-file, 2-species
// particle stream: sfc 0 holds 2 particles of species 0 and 1 of
// species 1; every other sfc is empty.
func buildAndCommit(t *testing.T) (*ParticleStream, *param.Table, string) {
	t.Helper()
	dir := t.TempDir()

	p := New(4, 4096)
	require.NoError(t, p.AddParticles(1, distributor.EqualSFC, 2, []int{3, 2}, []int{1, 0}, []string{"dark", "star"}))
	require.NoError(t, p.AddSFC(0, []int{2, 1}))
	for i := int64(1); i < 4; i++ {
		require.NoError(t, p.AddSFC(i, []int{0, 0}))
	}

	table := param.New()
	require.NoError(t, p.Commit(rankio.Single(), 4, pathForFile(dir), table))
	require.Equal(t, []int64{2, 1}, p.NumParticlesPerSpecies())

	require.NoError(t, p.WriteRootBegin(0, []int{2, 1}))
	require.NoError(t, p.WriteSpeciesBegin(0))
	require.NoError(t, p.WriteParticle(100, 0, []float64{1, 2, 3}, []float32{9}))
	require.NoError(t, p.WriteParticle(101, 1, []float64{4, 5, 6}, []float32{8}))
	require.NoError(t, p.WriteSpeciesEnd())
	require.NoError(t, p.WriteSpeciesBegin(1))
	require.NoError(t, p.WriteParticle(200, 0, []float64{7, 8}, nil))
	require.NoError(t, p.WriteSpeciesEnd())
	require.NoError(t, p.WriteRootEnd())

	for i := int64(1); i < 4; i++ {
		require.NoError(t, p.WriteRootBegin(i, []int{0, 0}))
		require.NoError(t, p.WriteSpeciesBegin(0))
		require.NoError(t, p.WriteSpeciesEnd())
		require.NoError(t, p.WriteSpeciesBegin(1))
		require.NoError(t, p.WriteSpeciesEnd())
		require.NoError(t, p.WriteRootEnd())
	}

	require.NoError(t, p.Close())
	return p, table, dir
}

func TestWriteReadRoundTrip(t *testing.T) {
	_, table, dir := buildAndCommit(t)

	p, err := OpenRead(table, 0, 4, 4096, false, pathForFile(dir))
	require.NoError(t, err)
	defer p.Close()
	require.Equal(t, []int64{2, 1}, p.NumParticlesPerSpecies())

	require.NoError(t, p.CacheSFCRange(0, 4))

	root, err := p.ReadRootBegin(0)
	require.NoError(t, err)
	require.Equal(t, []int{2, 1}, root.Counts)

	require.NoError(t, p.ReadSpeciesBegin(0))
	pid, sub, prim, sec, err := p.ReadParticle()
	require.NoError(t, err)
	require.Equal(t, int64(100), pid)
	require.Equal(t, int32(0), sub)
	require.Equal(t, []float64{1, 2, 3}, prim)
	require.Equal(t, []float32{9}, sec)

	pid, _, prim, _, err = p.ReadParticle()
	require.NoError(t, err)
	require.Equal(t, int64(101), pid)
	require.Equal(t, []float64{4, 5, 6}, prim)
	require.NoError(t, p.ReadSpeciesEnd())

	require.NoError(t, p.ReadSpeciesBegin(1))
	pid, _, prim, sec, err = p.ReadParticle()
	require.NoError(t, err)
	require.Equal(t, int64(200), pid)
	require.Equal(t, []float64{7, 8}, prim)
	require.Empty(t, sec)
	require.NoError(t, p.ReadSpeciesEnd())
	require.NoError(t, p.ReadRootEnd())
}

func TestReadSpeciesBeginSeeksDirectly(t *testing.T) {
	_, table, dir := buildAndCommit(t)
	p, err := OpenRead(table, 0, 4, 4096, false, pathForFile(dir))
	require.NoError(t, err)
	defer p.Close()
	require.NoError(t, p.CacheSFCRange(0, 4))

	_, err = p.ReadRootBegin(0)
	require.NoError(t, err)

	// Jump straight to species 1 without ever visiting species 0.
	require.NoError(t, p.ReadSpeciesBegin(1))
	pid, _, prim, _, err := p.ReadParticle()
	require.NoError(t, err)
	require.Equal(t, int64(200), pid)
	require.Equal(t, []float64{7, 8}, prim)
	require.NoError(t, p.ReadSpeciesEnd())
	require.NoError(t, p.ReadRootEnd())
}

func TestWriteStateMachineRejectsOutOfOrderCalls(t *testing.T) {
	dir := t.TempDir()
	p := New(4, 4096)
	require.NoError(t, p.AddParticles(1, distributor.EqualSFC, 1, []int{1}, []int{0}, nil))
	require.NoError(t, p.AddSFC(0, []int{0}))
	for i := int64(1); i < 4; i++ {
		require.NoError(t, p.AddSFC(i, []int{0}))
	}

	err := p.WriteRootBegin(0, []int{0})
	require.Error(t, err) // not committed yet

	table := param.New()
	require.NoError(t, p.Commit(rankio.Single(), 4, pathForFile(dir), table))

	err = p.WriteSpeciesBegin(0)
	require.Error(t, err) // expected ROOT state

	err = p.WriteRootBegin(0, []int{1})
	require.Error(t, err) // counts mismatch

	require.NoError(t, p.WriteRootBegin(0, []int{0}))
	require.NoError(t, p.WriteSpeciesBegin(0))
	require.NoError(t, p.WriteSpeciesEnd())
	require.NoError(t, p.WriteRootEnd())
	require.NoError(t, p.Close())
}

func TestAddSFCRejectsWrongCountsLength(t *testing.T) {
	p := New(4, 4096)
	require.NoError(t, p.AddParticles(1, distributor.EqualSFC, 2, []int{1, 1}, []int{0, 0}, nil))
	err := p.AddSFC(0, []int{1})
	require.Error(t, err)
}

func TestCacheSFCRangeRejectsUncoveredSFC(t *testing.T) {
	_, table, dir := buildAndCommit(t)
	p, err := OpenRead(table, 0, 4, 4096, false, pathForFile(dir))
	require.NoError(t, err)
	defer p.Close()

	require.NoError(t, p.CacheSFCRange(0, 2))
	_, err = p.ReadRootBegin(3)
	require.Error(t, err)
}
