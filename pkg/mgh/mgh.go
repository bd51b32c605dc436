// Package mgh reads and writes FreeSurfer MGH volumes, plain (.mgh) or
// gzip-compressed (.mgz).
//
// The format is big-endian: a fixed 284-byte header followed by voxel data
// with x varying fastest. Only the first frame of multi-frame files is read.
package mgh

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/gzip"

	"cortexmind/internal/models"
)

// DataType is the MGH voxel type code
type DataType int32

const (
	UChar DataType = 0
	Int   DataType = 1
	Float DataType = 3
	Short DataType = 4
)

const (
	headerSize = 284
	version    = 1
)

// MaxVoxels bounds the grid a header may declare. FreeSurfer volumes are
// 256^3; anything past this is treated as a corrupt header.
const MaxVoxels = 1 << 28

var (
	// ErrUnsupportedType is returned for voxel types other than UChar, Int, Float and Short
	ErrUnsupportedType = errors.New("unsupported mgh data type")

	// ErrBadHeader is returned when the header is truncated or inconsistent
	ErrBadHeader = errors.New("malformed mgh header")
)

// Size returns the number of bytes per voxel
func (t DataType) Size() (int, error) {
	switch t {
	case UChar:
		return 1, nil
	case Short:
		return 2, nil
	case Int, Float:
		return 4, nil
	}
	return 0, fmt.Errorf("%w: %d", ErrUnsupportedType, int32(t))
}

func (t DataType) String() string {
	switch t {
	case UChar:
		return "uchar"
	case Int:
		return "int"
	case Float:
		return "float"
	case Short:
		return "short"
	}
	return fmt.Sprintf("type(%d)", int32(t))
}

// header mirrors the fixed part of the on-disk header
type header struct {
	Version int32
	Width   int32
	Height  int32
	Depth   int32
	Frames  int32
	Type    int32
	DOF     int32
	GoodRAS int16
}

// ReadFile loads a volume from disk
func ReadFile(path string) (*models.Volume, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	vol, err := Decode(f)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	return vol, nil
}

// Decode reads a volume from r, transparently handling gzip compression
func Decode(r io.Reader) (*models.Volume, error) {
	br := bufio.NewReaderSize(r, 1<<16)

	// Gzip is detected by magic, not by extension.
	magic, err := br.Peek(2)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadHeader, err)
	}
	var src io.Reader = br
	if magic[0] == 0x1f && magic[1] == 0x8b {
		zr, err := gzip.NewReader(br)
		if err != nil {
			return nil, fmt.Errorf("opening gzip stream: %w", err)
		}
		defer zr.Close()
		src = bufio.NewReaderSize(zr, 1<<16)
	}

	return decodeRaw(src)
}

func decodeRaw(r io.Reader) (*models.Volume, error) {
	var h header
	if err := binary.Read(r, binary.BigEndian, &h); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadHeader, err)
	}
	if h.Version != version {
		return nil, fmt.Errorf("%w: version %d", ErrBadHeader, h.Version)
	}
	if h.Width <= 0 || h.Height <= 0 || h.Depth <= 0 || h.Frames <= 0 {
		return nil, fmt.Errorf("%w: dimensions %dx%dx%d frames %d", ErrBadHeader, h.Width, h.Height, h.Depth, h.Frames)
	}
	typ := DataType(h.Type)
	size, err := typ.Size()
	if err != nil {
		return nil, err
	}

	// Dimensions are each below 2^31, so the product of two fits in int64;
	// check before multiplying in the third.
	voxels := int64(h.Width) * int64(h.Height)
	if voxels > MaxVoxels || voxels*int64(h.Depth) > MaxVoxels {
		return nil, fmt.Errorf("%w: dimensions %dx%dx%d exceed %d voxels",
			ErrBadHeader, h.Width, h.Height, h.Depth, MaxVoxels)
	}
	voxels *= int64(h.Depth)

	consumed := binary.Size(h)
	var geom [15]float32
	if h.GoodRAS > 0 {
		if err := binary.Read(r, binary.BigEndian, &geom); err != nil {
			return nil, fmt.Errorf("%w: geometry: %v", ErrBadHeader, err)
		}
		consumed += binary.Size(geom)
	}

	if _, err := io.CopyN(io.Discard, r, int64(headerSize-consumed)); err != nil {
		return nil, fmt.Errorf("%w: padding: %v", ErrBadHeader, err)
	}

	// The buffer grows as bytes arrive, so a short stream fails before the
	// full grid is allocated.
	want := voxels * int64(size)
	var data bytes.Buffer
	n, err := io.Copy(&data, io.LimitReader(r, want))
	if err == nil && n < want {
		err = io.ErrUnexpectedEOF
	}
	if err != nil {
		return nil, fmt.Errorf("reading %d voxels of type %s: %w", voxels, typ, err)
	}
	buf := data.Bytes()

	vol := models.NewVolume(int(h.Width), int(h.Height), int(h.Depth))
	if h.GoodRAS > 0 {
		vol.VoxelSize.X = float64(geom[0])
		vol.VoxelSize.Y = float64(geom[1])
		vol.VoxelSize.Z = float64(geom[2])
	}
	decodeVoxels(buf, typ, vol.Data)
	return vol, nil
}

func decodeVoxels(buf []byte, typ DataType, dst []float64) {
	be := binary.BigEndian
	switch typ {
	case UChar:
		for i := range dst {
			dst[i] = float64(buf[i])
		}
	case Short:
		for i := range dst {
			dst[i] = float64(int16(be.Uint16(buf[2*i:])))
		}
	case Int:
		for i := range dst {
			dst[i] = float64(int32(be.Uint32(buf[4*i:])))
		}
	case Float:
		for i := range dst {
			dst[i] = float64(math.Float32frombits(be.Uint32(buf[4*i:])))
		}
	}
}

// WriteFile stores a volume, compressing it when the path ends in .mgz or .gz
func WriteFile(path string, vol *models.Volume, typ DataType) (err error) {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := f.Close(); err == nil {
			err = cerr
		}
	}()

	ext := strings.ToLower(filepath.Ext(path))
	if ext == ".mgz" || ext == ".gz" {
		zw := gzip.NewWriter(f)
		if err := Encode(zw, vol, typ); err != nil {
			return err
		}
		return zw.Close()
	}
	return Encode(f, vol, typ)
}

// Encode writes an uncompressed MGH stream with a single frame
func Encode(w io.Writer, vol *models.Volume, typ DataType) error {
	size, err := typ.Size()
	if err != nil {
		return err
	}
	if len(vol.Data) != vol.Len() {
		return fmt.Errorf("volume %s holds %d voxels", vol.Shape(), len(vol.Data))
	}

	hdr := make([]byte, headerSize)
	be := binary.BigEndian
	be.PutUint32(hdr[0:], version)
	be.PutUint32(hdr[4:], uint32(vol.Width))
	be.PutUint32(hdr[8:], uint32(vol.Height))
	be.PutUint32(hdr[12:], uint32(vol.Depth))
	be.PutUint32(hdr[16:], 1)
	be.PutUint32(hdr[20:], uint32(typ))
	be.PutUint16(hdr[28:], 1)

	// Spacing, then an identity direction-cosine matrix and zero centre.
	geom := [15]float32{
		float32(vol.VoxelSize.X), float32(vol.VoxelSize.Y), float32(vol.VoxelSize.Z),
		-1, 0, 0,
		0, 0, -1,
		0, 1, 0,
		0, 0, 0,
	}
	for i, g := range geom {
		be.PutUint32(hdr[30+4*i:], math.Float32bits(g))
	}
	if _, err := w.Write(hdr); err != nil {
		return err
	}

	buf := make([]byte, vol.Len()*size)
	for i, v := range vol.Data {
		switch typ {
		case UChar:
			buf[i] = byte(v)
		case Short:
			be.PutUint16(buf[2*i:], uint16(int16(v)))
		case Int:
			be.PutUint32(buf[4*i:], uint32(int32(v)))
		case Float:
			be.PutUint32(buf[4*i:], math.Float32bits(float32(v)))
		}
	}
	_, err = w.Write(buf)
	return err
}
