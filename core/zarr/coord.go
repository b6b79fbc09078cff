package zarr

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"math"

	"github.com/geodatastore/clms/core/infra/blob"
)

// Coord is a 1-D float64 coordinate variable; its dimension shares its name.
type Coord struct {
	Name   string
	Values []float64
	Attrs  map[string]any
}

// CoordMeta is the .zarray document of a coordinate variable.
type CoordMeta struct {
	ZarrFormat         int            `json:"zarr_format"`
	Shape              [1]int         `json:"shape"`
	Chunks             [1]int         `json:"chunks"`
	DType              DType          `json:"dtype"`
	Compressor         compressorMeta `json:"compressor"`
	FillValue          string         `json:"fill_value"`
	Order              string         `json:"order"`
	Filters            []any          `json:"filters"`
	DimensionSeparator string         `json:"dimension_separator"`
}

const coordChunk = "0"

// WriteCoord stores c as a single-chunk coordinate variable.
func (w *Writer) WriteCoord(ctx context.Context, c *Coord) error {
	if w.done {
		return fmt.Errorf("zarr: writer for %s already finished", w.id)
	}
	if c.Name == "" || len(c.Values) == 0 {
		return fmt.Errorf("zarr: coordinate needs a name and values")
	}
	meta := CoordMeta{
		ZarrFormat:         zarrFormat,
		Shape:              [1]int{len(c.Values)},
		Chunks:             [1]int{len(c.Values)},
		DType:              Float64,
		Compressor:         compressorMeta{ID: "zstd", Level: zstdLevel},
		FillValue:          "NaN",
		Order:              "C",
		DimensionSeparator: ".",
	}
	if err := w.putJSON(ctx, c.Name+"/"+keyArray, meta); err != nil {
		return err
	}
	attrs := map[string]any{"_ARRAY_DIMENSIONS": []string{c.Name}}
	for k, v := range c.Attrs {
		attrs[k] = v
	}
	if err := w.putJSON(ctx, c.Name+"/"+keyAttrs, attrs); err != nil {
		return err
	}
	raw := make([]byte, 8*len(c.Values))
	for i, v := range c.Values {
		binary.LittleEndian.PutUint64(raw[i*8:], math.Float64bits(v))
	}
	key := w.prefix + c.Name + "/" + coordChunk
	if err := w.store.bucket.Put(ctx, key, w.store.enc.EncodeAll(raw, nil)); err != nil {
		return fmt.Errorf("zarr: write coordinate %s: %w", c.Name, err)
	}
	return nil
}

// Coords lists coordinate variable names.
func (d *Dataset) Coords() []string {
	return sortedNames(d.coords)
}

// ReadCoord returns the values of coordinate name.
func (d *Dataset) ReadCoord(ctx context.Context, name string) ([]float64, error) {
	meta, ok := d.coords[name]
	if !ok {
		return nil, fmt.Errorf("zarr: unknown coordinate %q", name)
	}
	raw, err := d.store.bucket.Get(ctx, groupPrefix(d.ID)+name+"/"+coordChunk)
	if errors.Is(err, blob.ErrNotFound) {
		return nil, fmt.Errorf("%w: coordinate %s of %s", ErrNotFound, name, d.ID)
	}
	if err != nil {
		return nil, err
	}
	plain, err := d.store.dec.DecodeAll(raw, nil)
	if err != nil {
		return nil, fmt.Errorf("zarr: decompress coordinate %s: %w", name, err)
	}
	n := meta.Shape[0]
	if len(plain) != 8*n {
		return nil, fmt.Errorf("zarr: coordinate %s has %d bytes, want %d", name, len(plain), 8*n)
	}
	out := make([]float64, n)
	for i := range out {
		out[i] = math.Float64frombits(binary.LittleEndian.Uint64(plain[i*8:]))
	}
	return out, nil
}

// decodeArrayMeta tells coordinate and data variable documents apart by rank.
func decodeArrayMeta(doc json.RawMessage) (arr *ArrayMeta, coord *CoordMeta, err error) {
	var rank struct {
		Shape []int `json:"shape"`
	}
	if err := json.Unmarshal(doc, &rank); err != nil {
		return nil, nil, err
	}
	switch len(rank.Shape) {
	case 1:
		var m CoordMeta
		if err := json.Unmarshal(doc, &m); err != nil {
			return nil, nil, err
		}
		return nil, &m, nil
	case 2:
		var m ArrayMeta
		if err := json.Unmarshal(doc, &m); err != nil {
			return nil, nil, err
		}
		return &m, nil, nil
	default:
		return nil, nil, fmt.Errorf("unsupported rank %d", len(rank.Shape))
	}
}
