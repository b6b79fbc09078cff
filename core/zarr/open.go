package zarr

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/geodatastore/clms/core/infra/blob"
)

// Dataset is a lazily read, committed identifier.
type Dataset struct {
	ID       string
	Attrs    map[string]any
	arrays   map[string]ArrayMeta
	coords   map[string]CoordMeta
	varAttrs map[string]map[string]any
	store    *Store
}

// Open loads the consolidated metadata of id; chunks are read on demand.
func (s *Store) Open(ctx context.Context, id string) (*Dataset, error) {
	raw, err := s.bucket.Get(ctx, groupPrefix(id)+keyConsolided)
	if errors.Is(err, blob.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	var cons consolidated
	if err := json.Unmarshal(raw, &cons); err != nil {
		return nil, fmt.Errorf("zarr: decode consolidated metadata: %w", err)
	}
	ds := &Dataset{
		ID:       id,
		Attrs:    map[string]any{},
		arrays:   map[string]ArrayMeta{},
		coords:   map[string]CoordMeta{},
		varAttrs: map[string]map[string]any{},
		store:    s,
	}
	for key, doc := range cons.Metadata {
		switch {
		case key == keyAttrs:
			if err := json.Unmarshal(doc, &ds.Attrs); err != nil {
				return nil, fmt.Errorf("zarr: decode attrs: %w", err)
			}
		case strings.HasSuffix(key, "/"+keyAttrs):
			attrs := map[string]any{}
			if err := json.Unmarshal(doc, &attrs); err != nil {
				return nil, fmt.Errorf("zarr: decode %s: %w", key, err)
			}
			ds.varAttrs[strings.TrimSuffix(key, "/"+keyAttrs)] = attrs
		case strings.HasSuffix(key, "/"+keyArray):
			name := strings.TrimSuffix(key, "/"+keyArray)
			arr, coord, err := decodeArrayMeta(doc)
			if err != nil {
				return nil, fmt.Errorf("zarr: decode %s: %w", key, err)
			}
			if coord != nil {
				ds.coords[name] = *coord
			} else {
				ds.arrays[name] = *arr
			}
		}
	}
	return ds, nil
}

// Variables lists data variable names; coordinates are listed by Coords.
func (d *Dataset) Variables() []string {
	return sortedNames(d.arrays)
}

// VarAttrs returns the attributes of a data or coordinate variable.
func (d *Dataset) VarAttrs(name string) map[string]any {
	return d.varAttrs[name]
}

func sortedNames[M ~map[string]V, V any](m M) []string {
	names := make([]string, 0, len(m))
	for name := range m {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Meta returns the .zarray document of a variable.
func (d *Dataset) Meta(name string) (ArrayMeta, bool) {
	m, ok := d.arrays[name]
	return m, ok
}

// ReadChunk returns the full (padded) chunk at (row, col) of variable name.
func (d *Dataset) ReadChunk(ctx context.Context, name string, row, col int) ([]uint16, error) {
	meta, ok := d.arrays[name]
	if !ok {
		return nil, fmt.Errorf("zarr: unknown variable %q", name)
	}
	raw, err := d.store.bucket.Get(ctx, groupPrefix(d.ID)+name+"/"+chunkKey(row, col))
	if errors.Is(err, blob.ErrNotFound) {
		n := meta.Chunks[0] * meta.Chunks[1]
		out := make([]uint16, n)
		fill := meta.DType.Bits(meta.FillValue)
		for i := range out {
			out[i] = fill
		}
		return out, nil
	}
	if err != nil {
		return nil, err
	}
	plain, err := d.store.dec.DecodeAll(raw, nil)
	if err != nil {
		return nil, fmt.Errorf("zarr: decompress %s %d.%d: %w", name, row, col, err)
	}
	return decodeChunk(plain, meta.DType, meta.Chunks[0]*meta.Chunks[1])
}

// ReadAll assembles the whole variable in row-major order.
func (d *Dataset) ReadAll(ctx context.Context, name string) ([]uint16, error) {
	meta, ok := d.arrays[name]
	if !ok {
		return nil, fmt.Errorf("zarr: unknown variable %q", name)
	}
	h, w := meta.Shape[0], meta.Shape[1]
	cy, cx := meta.Chunks[0], meta.Chunks[1]
	rows, cols := gridSize(meta.Shape, meta.Chunks)
	out := make([]uint16, h*w)
	for r := 0; r < rows; r++ {
		for c := 0; c < cols; c++ {
			chunk, err := d.ReadChunk(ctx, name, r, c)
			if err != nil {
				return nil, err
			}
			for y := 0; y < cy && r*cy+y < h; y++ {
				gy := r*cy + y
				x0 := c * cx
				n := min(cx, w-x0)
				copy(out[gy*w+x0:gy*w+x0+n], chunk[y*cx:y*cx+n])
			}
		}
	}
	return out, nil
}
