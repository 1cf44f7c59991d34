package param

import (
	"bytes"
	"encoding/binary"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"
)

// buildBigEndianFile hand-serializes the same on-disk shape WriteFile
// produces, but entirely in big-endian byte order, simulating a
// header written natively on a big-endian host. ReadFile must detect
// the reversed magic and byte-swap every subsequent typed field to
// recover identical values on this (little-endian) test host.
func buildBigEndianFile(t *testing.T, tab *Table) []byte {
	t.Helper()
	var buf bytes.Buffer
	write32 := func(v uint32) { require.NoError(t, binary.Write(&buf, binary.BigEndian, v)) }
	write16 := func(v uint16) { require.NoError(t, binary.Write(&buf, binary.BigEndian, v)) }

	write32(magic)
	write32(nativeFingerprint)
	write32(uint32(len(tab.order)))
	for _, e := range tab.order {
		buf.WriteByte(byte(len(e.name)))
		buf.WriteString(e.name)
		buf.WriteByte(byte(e.value.Kind))
		write32(uint32(e.value.length()))
		switch e.value.Kind {
		case KindInt32:
			for _, x := range e.value.Int32s {
				write32(uint32(x))
			}
		case KindInt64:
			for _, x := range e.value.Int64s {
				require.NoError(t, binary.Write(&buf, binary.BigEndian, uint64(x)))
			}
		case KindFloat64:
			for _, x := range e.value.Float64 {
				require.NoError(t, binary.Write(&buf, binary.BigEndian, math.Float64bits(x)))
			}
		case KindString:
			for _, s := range e.value.Strings {
				write16(uint16(len(s)))
				buf.WriteString(s)
			}
		default:
			t.Fatalf("buildBigEndianFile: unhandled kind %d", e.value.Kind)
		}
	}
	return buf.Bytes()
}

func TestScalarRoundTrip(t *testing.T) {
	tab := New()
	tab.SetInt32("num_root_cells", 64)
	tab.SetInt64("grid_max_level", 3)
	tab.SetFloat64("box_size", 1.5)
	tab.SetString("sfc_type", "HILBERT")
	tab.SetInt32Array("grid_file_sfc_index", []int32{0, 16, 32, 48, 64})
	tab.SetStringArray("grid_variable_labels", []string{"density", "pressure"})

	path := filepath.Join(t.TempDir(), "fileset.art")
	require.NoError(t, WriteFile(path, tab))

	got, swapped, err := ReadFile(path)
	require.NoError(t, err)
	require.False(t, swapped)

	n, err := got.GetInt32("num_root_cells")
	require.NoError(t, err)
	require.EqualValues(t, 64, n)

	lvl, err := got.GetInt64("grid_max_level")
	require.NoError(t, err)
	require.EqualValues(t, 3, lvl)

	box, err := got.GetFloat64("box_size")
	require.NoError(t, err)
	require.Equal(t, 1.5, box)

	sfc, err := got.GetString("sfc_type")
	require.NoError(t, err)
	require.Equal(t, "HILBERT", sfc)

	idx, err := got.GetInt32Array("grid_file_sfc_index")
	require.NoError(t, err)
	require.Equal(t, []int32{0, 16, 32, 48, 64}, idx)

	labels, err := got.GetStringArray("grid_variable_labels")
	require.NoError(t, err)
	require.Equal(t, []string{"density", "pressure"}, labels)

	require.Equal(t, tab.Keys(), got.Keys())
}

func TestGetMissingKeyReturnsParamNotFound(t *testing.T) {
	tab := New()
	_, err := tab.GetInt32("missing")
	require.Error(t, err)
}

func TestGetWrongKindReturnsParamNotFound(t *testing.T) {
	tab := New()
	tab.SetInt32("x", 1)
	_, err := tab.GetFloat64("x")
	require.Error(t, err)
}

func TestCopyFromIsDeepAndOrderPreserving(t *testing.T) {
	src := New()
	src.SetInt32("a", 1)
	src.SetInt32Array("b", []int32{1, 2, 3})

	dst := New()
	dst.CopyFrom(src)

	require.Equal(t, src.Keys(), dst.Keys())

	arr, err := dst.GetInt32Array("b")
	require.NoError(t, err)
	arr[0] = 999
	srcArr, err := src.GetInt32Array("b")
	require.NoError(t, err)
	require.NotEqual(t, arr[0], srcArr[0], "CopyFrom must deep-copy array values")

	if diff := cmp.Diff(src.Keys(), dst.Keys()); diff != "" {
		t.Fatalf("key order mismatch (-src +dst):\n%s", diff)
	}
}

func TestEndianSwappedFileRoundTrips(t *testing.T) {
	tab := New()
	tab.SetFloat64Array("positions", []float64{0.25, 0.75, -3.5})
	tab.SetInt32Array("counts", []int32{1, 2, -3})

	path := filepath.Join(t.TempDir(), "swapped.art")
	data := buildBigEndianFile(t, tab)
	require.NoError(t, os.WriteFile(path, data, 0o644))

	got, swapped, err := ReadFile(path)
	require.NoError(t, err)
	require.True(t, swapped)

	positions, err := got.GetFloat64Array("positions")
	require.NoError(t, err)
	require.InDeltaSlice(t, []float64{0.25, 0.75, -3.5}, positions, 1e-12)

	counts, err := got.GetInt32Array("counts")
	require.NoError(t, err)
	require.Equal(t, []int32{1, 2, -3}, counts)
}
