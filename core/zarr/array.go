package zarr

import (
	"encoding/binary"
	"fmt"
)

// DType is a zarr v2 dtype string.
type DType string

const (
	Uint8   DType = "|u1"
	Int8    DType = "|i1"
	Uint16  DType = "<u2"
	Int16   DType = "<i2"
	Float64 DType = "<f8"
)

func (d DType) size() int {
	switch d {
	case Uint8, Int8:
		return 1
	case Uint16, Int16:
		return 2
	case Float64:
		return 8
	default:
		return 0
	}
}

// Signed reports whether stored bits are two's complement.
func (d DType) Signed() bool {
	return d == Int8 || d == Int16
}

// Bits is the stored bit pattern of v, as held in Array.Data.
func (d DType) Bits(v int) uint16 {
	if d.size() == 1 {
		return uint16(v) & 0xff
	}
	return uint16(v)
}

// Value widens the stored bit pattern b back to its numeric value.
func (d DType) Value(b uint16) int {
	switch d {
	case Int8:
		return int(int8(b))
	case Int16:
		return int(int16(b))
	default:
		return int(b)
	}
}

// Array is a 2-D (y, x) raster held in row-major order. Data holds the raw
// bit patterns of DType widened to uint16; signed types are two's complement.
type Array struct {
	Name      string
	Shape     [2]int
	Chunks    [2]int
	DType     DType
	FillValue int
	Data      []uint16
	Attrs     map[string]any
}

func (a *Array) validate() error {
	if a.Name == "" {
		return fmt.Errorf("zarr: array name is empty")
	}
	if sz := a.DType.size(); sz == 0 || sz > 2 {
		return fmt.Errorf("zarr: unsupported array dtype %q", a.DType)
	}
	if a.Shape[0] <= 0 || a.Shape[1] <= 0 {
		return fmt.Errorf("zarr: invalid shape %v", a.Shape)
	}
	if a.Chunks[0] <= 0 || a.Chunks[1] <= 0 {
		return fmt.Errorf("zarr: invalid chunks %v", a.Chunks)
	}
	if len(a.Data) != a.Shape[0]*a.Shape[1] {
		return fmt.Errorf("zarr: data length %d does not match shape %v", len(a.Data), a.Shape)
	}
	return nil
}

// gridSize returns the number of chunks along y and x.
func gridSize(shape, chunks [2]int) (int, int) {
	return ceilDiv(shape[0], chunks[0]), ceilDiv(shape[1], chunks[1])
}

func ceilDiv(a, b int) int {
	return (a + b - 1) / b
}

// encodeChunk packs the (row, col) chunk of a, padding edges with the fill value.
func encodeChunk(a *Array, row, col int) []byte {
	cy, cx := a.Chunks[0], a.Chunks[1]
	size := a.DType.size()
	out := make([]byte, cy*cx*size)
	fill := a.DType.Bits(a.FillValue)
	for y := 0; y < cy; y++ {
		gy := row*cy + y
		for x := 0; x < cx; x++ {
			gx := col*cx + x
			v := fill
			if gy < a.Shape[0] && gx < a.Shape[1] {
				v = a.Data[gy*a.Shape[1]+gx]
			}
			idx := (y*cx + x) * size
			if size == 1 {
				out[idx] = byte(v)
			} else {
				binary.LittleEndian.PutUint16(out[idx:], v)
			}
		}
	}
	return out
}

func decodeChunk(raw []byte, dtype DType, n int) ([]uint16, error) {
	size := dtype.size()
	if size == 0 || size > 2 {
		return nil, fmt.Errorf("zarr: unsupported array dtype %q", dtype)
	}
	if len(raw) != n*size {
		return nil, fmt.Errorf("zarr: chunk has %d bytes, want %d", len(raw), n*size)
	}
	out := make([]uint16, n)
	for i := range out {
		if size == 1 {
			out[i] = uint16(raw[i])
		} else {
			out[i] = binary.LittleEndian.Uint16(raw[i*2:])
		}
	}
	return out, nil
}

func chunkKey(row, col int) string {
	return fmt.Sprintf("%d.%d", row, col)
}
