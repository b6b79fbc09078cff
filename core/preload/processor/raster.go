package processor

import (
	"fmt"
	"image"
	"io"
	"math"
	"os"

	"github.com/geodatastore/clms/core/zarr"
	"golang.org/x/image/tiff"
)

// raster is one decoded single-band tile.
type raster struct {
	name   string
	width  int
	height int
	dtype  zarr.DType
	pix    []uint16
	geo    georef
}

func decodeFile(path string) (*raster, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	st, err := f.Stat()
	if err != nil {
		return nil, err
	}
	tags, err := readTags(f)
	if err != nil {
		return nil, err
	}
	samples, err := tags.samples()
	if err != nil {
		return nil, err
	}
	geo, err := tags.georef()
	if err != nil {
		return nil, fmt.Errorf("georeferencing: %w", err)
	}

	var src io.ReaderAt = f
	signed := false
	switch samples.format {
	case sampleUint:
	case sampleInt:
		if samples.formatAt < 0 {
			return nil, fmt.Errorf("signed samples with per-band sample formats are not supported")
		}
		signed = true
		src = unsignedView{r: f, at: samples.formatAt, order: tags.order}
	case sampleFloat:
		return nil, fmt.Errorf("%d-bit floating-point samples are not supported", samples.bits)
	default:
		return nil, fmt.Errorf("sample format %d is not supported", samples.format)
	}
	img, err := tiff.Decode(io.NewSectionReader(src, 0, st.Size()))
	if err != nil {
		return nil, fmt.Errorf("decode tiff: %w", err)
	}
	r, err := fromImage(img, signed)
	if err != nil {
		return nil, err
	}
	r.geo = geo
	return r, nil
}

// fromImage keeps palette indices as class codes; multi-band images are
// rejected. Signed samples keep their two's complement bits.
func fromImage(img image.Image, signed bool) (*raster, error) {
	b := img.Bounds()
	r := &raster{width: b.Dx(), height: b.Dy()}
	if r.width == 0 || r.height == 0 {
		return nil, fmt.Errorf("empty raster")
	}
	r.pix = make([]uint16, r.width*r.height)
	switch src := img.(type) {
	case *image.Gray:
		r.dtype = zarr.Uint8
		if signed {
			r.dtype = zarr.Int8
		}
		for y := 0; y < r.height; y++ {
			row := src.Pix[y*src.Stride : y*src.Stride+r.width]
			for x, v := range row {
				r.pix[y*r.width+x] = uint16(v)
			}
		}
	case *image.Paletted:
		r.dtype = zarr.Uint8
		for y := 0; y < r.height; y++ {
			row := src.Pix[y*src.Stride : y*src.Stride+r.width]
			for x, v := range row {
				r.pix[y*r.width+x] = uint16(v)
			}
		}
	case *image.Gray16:
		r.dtype = zarr.Uint16
		if signed {
			r.dtype = zarr.Int16
		}
		for y := 0; y < r.height; y++ {
			off := y * src.Stride
			for x := 0; x < r.width; x++ {
				r.pix[y*r.width+x] = uint16(src.Pix[off+2*x])<<8 | uint16(src.Pix[off+2*x+1])
			}
		}
	default:
		return nil, fmt.Errorf("unsupported color model %T", img)
	}
	return r, nil
}

// fillFor converts a nodata value into a fill value of dtype.
func fillFor(dtype zarr.DType, v float64) (int, bool) {
	if math.IsNaN(v) || math.IsInf(v, 0) || v != math.Trunc(v) {
		return 0, false
	}
	var lo, hi float64
	switch dtype {
	case zarr.Uint8:
		lo, hi = 0, math.MaxUint8
	case zarr.Int8:
		lo, hi = math.MinInt8, math.MaxInt8
	case zarr.Uint16:
		lo, hi = 0, math.MaxUint16
	case zarr.Int16:
		lo, hi = math.MinInt16, math.MaxInt16
	default:
		return 0, false
	}
	if v < lo || v > hi {
		return 0, false
	}
	return int(v), true
}
