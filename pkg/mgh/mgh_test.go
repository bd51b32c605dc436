package mgh

import (
	"bytes"
	"encoding/binary"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cortexmind/internal/models"
)

func rampVolume(w, h, d int) *models.Volume {
	vol := models.NewVolume(w, h, d)
	for i := range vol.Data {
		vol.Data[i] = float64(i % 200)
	}
	return vol
}

func TestRoundTripAllTypes(t *testing.T) {
	for _, typ := range []DataType{UChar, Short, Int, Float} {
		t.Run(typ.String(), func(t *testing.T) {
			vol := rampVolume(4, 3, 2)

			var buf bytes.Buffer
			require.NoError(t, Encode(&buf, vol, typ))

			size, err := typ.Size()
			require.NoError(t, err)
			assert.Equal(t, headerSize+vol.Len()*size, buf.Len())

			got, err := Decode(&buf)
			require.NoError(t, err)
			assert.Equal(t, vol.Width, got.Width)
			assert.Equal(t, vol.Height, got.Height)
			assert.Equal(t, vol.Depth, got.Depth)
			assert.Equal(t, vol.Data, got.Data)
		})
	}
}

func TestFloatVoxelsKeepFractions(t *testing.T) {
	vol := models.NewVolume(2, 1, 1)
	vol.Data[0] = 1001.0004
	vol.Data[1] = 0.25

	var buf bytes.Buffer
	require.NoError(t, Encode(&buf, vol, Float))
	got, err := Decode(&buf)
	require.NoError(t, err)

	assert.InDelta(t, 1001.0004, got.Data[0], 1e-4)
	assert.Equal(t, 0.25, got.Data[1])
}

func TestWriteFileCompressesMGZ(t *testing.T) {
	dir := t.TempDir()
	vol := rampVolume(8, 8, 8)
	vol.VoxelSize.X, vol.VoxelSize.Y, vol.VoxelSize.Z = 1.5, 1.5, 2

	mgz := filepath.Join(dir, "aparc+aseg.mgz")
	require.NoError(t, WriteFile(mgz, vol, Int))

	raw, err := os.ReadFile(mgz)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x1f, 0x8b}, raw[:2], "mgz output is gzip")

	got, err := ReadFile(mgz)
	require.NoError(t, err)
	assert.Equal(t, vol.Data, got.Data)
	assert.Equal(t, 1.5, got.VoxelSize.X)
	assert.Equal(t, 2.0, got.VoxelSize.Z)
}

func TestReadUncompressedWithMGZExtension(t *testing.T) {
	path := filepath.Join(t.TempDir(), "plain.mgz")
	var buf bytes.Buffer
	vol := rampVolume(2, 2, 2)
	require.NoError(t, Encode(&buf, vol, UChar))
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0644))

	got, err := ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, vol.Data, got.Data)
}

func TestDecodeRejectsUnsupportedType(t *testing.T) {
	hdr := make([]byte, headerSize)
	binary.BigEndian.PutUint32(hdr[0:], version)
	binary.BigEndian.PutUint32(hdr[4:], 1)
	binary.BigEndian.PutUint32(hdr[8:], 1)
	binary.BigEndian.PutUint32(hdr[12:], 1)
	binary.BigEndian.PutUint32(hdr[16:], 1)
	binary.BigEndian.PutUint32(hdr[20:], 2) // MRI_LONG

	_, err := Decode(bytes.NewReader(hdr))
	assert.ErrorIs(t, err, ErrUnsupportedType)
}

func TestDecodeRejectsBadHeader(t *testing.T) {
	_, err := Decode(bytes.NewReader([]byte{0, 0, 0, 7}))
	assert.ErrorIs(t, err, ErrBadHeader)

	hdr := make([]byte, headerSize)
	binary.BigEndian.PutUint32(hdr[0:], 9)
	_, err = Decode(bytes.NewReader(hdr))
	assert.ErrorIs(t, err, ErrBadHeader)
}

func floatHeader(w, h, d uint32) []byte {
	hdr := make([]byte, headerSize)
	binary.BigEndian.PutUint32(hdr[0:], version)
	binary.BigEndian.PutUint32(hdr[4:], w)
	binary.BigEndian.PutUint32(hdr[8:], h)
	binary.BigEndian.PutUint32(hdr[12:], d)
	binary.BigEndian.PutUint32(hdr[16:], 1)
	binary.BigEndian.PutUint32(hdr[20:], uint32(Float))
	return hdr
}

func TestDecodeRejectsHugeDimensions(t *testing.T) {
	for _, dims := range [][3]uint32{
		{4096, 4096, 4096},
		{1<<31 - 1, 1<<31 - 1, 1<<31 - 1},
		{1<<28 + 1, 1, 1},
	} {
		_, err := Decode(bytes.NewReader(floatHeader(dims[0], dims[1], dims[2])))
		assert.ErrorIs(t, err, ErrBadHeader, "dimensions %v", dims)
	}
}

func TestDecodeHeaderWithoutVoxels(t *testing.T) {
	// Within the voxel cap, but the stream ends right after the header.
	_, err := Decode(bytes.NewReader(floatHeader(512, 512, 512)))
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
}

func TestDecodeTruncatedData(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Encode(&buf, rampVolume(4, 4, 4), Float))
	truncated := buf.Bytes()[:buf.Len()-10]

	_, err := Decode(bytes.NewReader(truncated))
	assert.Error(t, err)
}

func TestReadFileMissing(t *testing.T) {
	_, err := ReadFile(filepath.Join(t.TempDir(), "missing.mgz"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}
