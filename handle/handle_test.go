package handle

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRoundTripTypedValues(t *testing.T) {
	path := filepath.Join(t.TempDir(), "shard.bin")
	h, err := Open(path, Read|Write|Access)
	require.NoError(t, err)

	require.NoError(t, h.WriteInt32([]int32{1, -2, 3}))
	require.NoError(t, h.WriteInt64([]int64{100, -200}))
	require.NoError(t, h.WriteFloat32([]float32{1.5, -2.5}))
	require.NoError(t, h.WriteFloat64([]float64{3.25}))
	require.NoError(t, h.Close())

	h2, err := Open(path, Read|Access)
	require.NoError(t, err)
	defer h2.Close()

	i32, err := h2.ReadInt32(3)
	require.NoError(t, err)
	require.Equal(t, []int32{1, -2, 3}, i32)

	i64, err := h2.ReadInt64(2)
	require.NoError(t, err)
	require.Equal(t, []int64{100, -200}, i64)

	f32, err := h2.ReadFloat32(2)
	require.NoError(t, err)
	require.Equal(t, []float32{1.5, -2.5}, f32)

	f64, err := h2.ReadFloat64(1)
	require.NoError(t, err)
	require.Equal(t, []float64{3.25}, f64)
}

func TestNoAccessHandleIsNoOp(t *testing.T) {
	path := filepath.Join(t.TempDir(), "never-created.bin")
	h, err := Open(path, Read|Write)
	require.NoError(t, err)

	require.NoError(t, h.WriteInt32([]int32{1, 2, 3}))
	_, err = os.Stat(path)
	require.True(t, os.IsNotExist(err), "no-access handle must not touch the filesystem")

	vals, err := h.ReadFloat64(4)
	require.NoError(t, err)
	require.Equal(t, []float64{0, 0, 0, 0}, vals)

	pos, err := h.Tell()
	require.NoError(t, err)
	require.Equal(t, int64(12+32), pos)
}

func TestEndianSwapRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "be.bin")
	w, err := Open(path, Write|Access)
	require.NoError(t, err)
	require.NoError(t, w.WriteInt32([]int32{0x01020304}))
	require.NoError(t, w.Close())

	r, err := Open(path, Read|Access|EndianSwap)
	require.NoError(t, err)
	defer r.Close()
	vals, err := r.ReadInt32(1)
	require.NoError(t, err)
	require.Equal(t, int32(0x04030201), vals[0])
}

func TestAttachBufferDrainsOnSeekAndDetach(t *testing.T) {
	path := filepath.Join(t.TempDir(), "buffered.bin")
	h, err := Open(path, Read|Write|Access)
	require.NoError(t, err)
	require.NoError(t, h.AttachBuffer(4096))

	require.NoError(t, h.WriteInt32([]int32{1, 2, 3, 4}))
	// Seeking must flush the write-behind buffer to disk.
	_, err = h.Seek(0, SeekSet)
	require.NoError(t, err)

	fi, statErr := os.Stat(path)
	require.NoError(t, statErr)
	require.Equal(t, int64(16), fi.Size())

	require.NoError(t, h.DetachBuffer())
	require.NoError(t, h.Close())
}

func TestAttachBufferRejectsZeroSize(t *testing.T) {
	h := OpenMemory(Read | Write)
	err := h.AttachBuffer(0)
	require.Error(t, err)
}

func TestSeekWhenceVariants(t *testing.T) {
	h := OpenMemory(Read | Write)
	require.NoError(t, h.WriteInt64([]int64{1, 2, 3, 4, 5}))

	pos, err := h.Seek(0, SeekEnd)
	require.NoError(t, err)
	require.Equal(t, int64(40), pos)

	pos, err = h.Seek(-8, SeekCur)
	require.NoError(t, err)
	require.Equal(t, int64(32), pos)

	vals, err := h.ReadInt64(1)
	require.NoError(t, err)
	require.Equal(t, []int64{5}, vals)
}

func TestOpenMemoryRoundTrip(t *testing.T) {
	h := OpenMemory(Read | Write)
	require.NoError(t, h.WriteFloat64([]float64{1, 2, 3}))
	_, err := h.Seek(0, SeekSet)
	require.NoError(t, err)
	vals, err := h.ReadFloat64(3)
	require.NoError(t, err)
	require.Equal(t, []float64{1, 2, 3}, vals)
}
