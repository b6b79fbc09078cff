package zarr

import "encoding/json"

const (
	keyGroup      = ".zgroup"
	keyAttrs      = ".zattrs"
	keyArray      = ".zarray"
	keyConsolided = ".zmetadata"
	suffix        = ".zarr"
	zarrFormat    = 2
	zstdLevel     = 3
)

type compressorMeta struct {
	ID    string `json:"id"`
	Level int    `json:"level"`
}

// ArrayMeta is the .zarray document.
type ArrayMeta struct {
	ZarrFormat         int            `json:"zarr_format"`
	Shape              [2]int         `json:"shape"`
	Chunks             [2]int         `json:"chunks"`
	DType              DType          `json:"dtype"`
	Compressor         compressorMeta `json:"compressor"`
	FillValue          int            `json:"fill_value"`
	Order              string         `json:"order"`
	Filters            []any          `json:"filters"`
	DimensionSeparator string         `json:"dimension_separator"`
}

type groupMeta struct {
	ZarrFormat int `json:"zarr_format"`
}

type consolidated struct {
	Format   int                        `json:"zarr_consolidated_format"`
	Metadata map[string]json.RawMessage `json:"metadata"`
}

func newArrayMeta(a *Array) ArrayMeta {
	return ArrayMeta{
		ZarrFormat:         zarrFormat,
		Shape:              a.Shape,
		Chunks:             a.Chunks,
		DType:              a.DType,
		Compressor:         compressorMeta{ID: "zstd", Level: zstdLevel},
		FillValue:          a.FillValue,
		Order:              "C",
		DimensionSeparator: ".",
	}
}
