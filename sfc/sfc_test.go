package sfc

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBitsPerDimMatchesNumRootCells(t *testing.T) {
	cases := []struct {
		numRootCells int64
		wantBits     int
	}{
		{8, 1},
		{64, 2},
		{512, 3},
		{4096, 4},
	}
	for _, c := range cases {
		require.Equal(t, c.wantBits, BitsPerDim(c.numRootCells))
	}
}

func allTypes() []Type {
	return []Type{SlabX, SlabY, SlabZ, Morton, Hilbert}
}

func TestRoundTripAllTypesSmallGrid(t *testing.T) {
	const bitsPerDim = 3 // num_grid = 8, num_root_cells = 512
	for _, ty := range allTypes() {
		coder, err := New(ty, bitsPerDim)
		require.NoError(t, err, ty.String())

		n := coder.NumGrid()
		seen := make(map[int64]bool)
		for sfc := int64(0); sfc < n*n*n; sfc++ {
			c := coder.ToCoords(sfc)
			require.GreaterOrEqual(t, c.X, int64(0), ty.String())
			require.Less(t, c.X, n, ty.String())
			require.GreaterOrEqual(t, c.Y, int64(0), ty.String())
			require.Less(t, c.Y, n, ty.String())
			require.GreaterOrEqual(t, c.Z, int64(0), ty.String())
			require.Less(t, c.Z, n, ty.String())

			back := coder.ToSFC(c)
			require.Equal(t, sfc, back, "%s: ToSFC(ToCoords(%d)) round trip", ty.String(), sfc)

			require.False(t, seen[c.X*n*n+c.Y*n+c.Z], "%s: coordinate collision at sfc=%d", ty.String(), sfc)
			seen[c.X*n*n+c.Y*n+c.Z] = true
		}
		require.Len(t, seen, int(n*n*n), ty.String())
	}
}

func TestRoundTripSingleBit(t *testing.T) {
	for _, ty := range allTypes() {
		coder, err := New(ty, 1)
		require.NoError(t, err, ty.String())
		for sfc := int64(0); sfc < 8; sfc++ {
			c := coder.ToCoords(sfc)
			require.Equal(t, sfc, coder.ToSFC(c), ty.String())
		}
	}
}

func TestNewRejectsInvalidType(t *testing.T) {
	_, err := New(Type(99), 3)
	require.Error(t, err)
}

func TestNewRejectsNegativeBits(t *testing.T) {
	_, err := New(Hilbert, -1)
	require.Error(t, err)
}

func TestBitsPerDimAndNumGridAgree(t *testing.T) {
	coder, err := New(Hilbert, 4)
	require.NoError(t, err)
	require.Equal(t, 4, coder.BitsPerDim())
	require.Equal(t, int64(16), coder.NumGrid())
}
