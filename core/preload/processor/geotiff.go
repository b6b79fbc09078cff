package processor

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"
)

const (
	tagBitsPerSample   = 258
	tagSampleFormat    = 339
	tagModelPixelScale = 33550
	tagModelTiepoint   = 33922
	tagGeoKeyDirectory = 34735
	tagGDALNoData      = 42113

	geoKeyRasterType      = 1025
	geoKeyGeographicType  = 2048
	geoKeyProjectedCSType = 3072

	rasterPixelIsPoint = 2

	sampleUint   = 1
	sampleInt    = 2
	sampleFloat  = 3
	maxIFDValues = 1 << 16
)

// TIFF field types.
const (
	typeByte   = 1
	typeASCII  = 2
	typeShort  = 3
	typeLong   = 4
	typeDouble = 12
)

var typeSize = map[uint16]int64{typeByte: 1, typeASCII: 1, typeShort: 2, typeLong: 4, typeDouble: 8}

var errNotTIFF = errors.New("not a classic TIFF file")

type ifdEntry struct {
	typ    uint16
	count  uint32
	offset int64 // where the value bytes start
}

// tiffTags is the first image directory of a classic TIFF file.
type tiffTags struct {
	r       io.ReaderAt
	order   binary.ByteOrder
	entries map[uint16]ifdEntry
}

func readTags(r io.ReaderAt) (*tiffTags, error) {
	var head [8]byte
	if _, err := r.ReadAt(head[:], 0); err != nil {
		return nil, fmt.Errorf("%w: %w", errNotTIFF, err)
	}
	t := &tiffTags{r: r, entries: map[uint16]ifdEntry{}}
	switch string(head[:2]) {
	case "II":
		t.order = binary.LittleEndian
	case "MM":
		t.order = binary.BigEndian
	default:
		return nil, errNotTIFF
	}
	if magic := t.order.Uint16(head[2:]); magic != 42 {
		if magic == 43 {
			return nil, fmt.Errorf("%w: BigTIFF", errNotTIFF)
		}
		return nil, errNotTIFF
	}
	ifd := int64(t.order.Uint32(head[4:]))
	var n [2]byte
	if _, err := r.ReadAt(n[:], ifd); err != nil {
		return nil, fmt.Errorf("read directory: %w", err)
	}
	count := int64(t.order.Uint16(n[:]))
	raw := make([]byte, 12*count)
	if _, err := r.ReadAt(raw, ifd+2); err != nil {
		return nil, fmt.Errorf("read directory entries: %w", err)
	}
	for i := int64(0); i < count; i++ {
		e := raw[i*12 : i*12+12]
		entry := ifdEntry{typ: t.order.Uint16(e[2:]), count: t.order.Uint32(e[4:])}
		size, known := typeSize[entry.typ]
		if !known {
			continue
		}
		if size*int64(entry.count) <= 4 {
			entry.offset = ifd + 2 + i*12 + 8
		} else {
			entry.offset = int64(t.order.Uint32(e[8:]))
		}
		t.entries[t.order.Uint16(e)] = entry
	}
	return t, nil
}

func (t *tiffTags) raw(tag uint16) ([]byte, ifdEntry, bool, error) {
	e, ok := t.entries[tag]
	if !ok {
		return nil, e, false, nil
	}
	if e.count > maxIFDValues {
		return nil, e, false, fmt.Errorf("tag %d holds %d values", tag, e.count)
	}
	buf := make([]byte, typeSize[e.typ]*int64(e.count))
	if _, err := t.r.ReadAt(buf, e.offset); err != nil {
		return nil, e, false, fmt.Errorf("read tag %d: %w", tag, err)
	}
	return buf, e, true, nil
}

// uints reads a BYTE, SHORT or LONG tag.
func (t *tiffTags) uints(tag uint16) ([]uint32, error) {
	buf, e, ok, err := t.raw(tag)
	if !ok || err != nil {
		return nil, err
	}
	out := make([]uint32, e.count)
	for i := range out {
		switch e.typ {
		case typeByte:
			out[i] = uint32(buf[i])
		case typeShort:
			out[i] = uint32(t.order.Uint16(buf[i*2:]))
		case typeLong:
			out[i] = t.order.Uint32(buf[i*4:])
		default:
			return nil, fmt.Errorf("tag %d has type %d, want an integer", tag, e.typ)
		}
	}
	return out, nil
}

func (t *tiffTags) doubles(tag uint16) ([]float64, error) {
	buf, e, ok, err := t.raw(tag)
	if !ok || err != nil {
		return nil, err
	}
	if e.typ != typeDouble {
		return nil, fmt.Errorf("tag %d has type %d, want double", tag, e.typ)
	}
	out := make([]float64, e.count)
	for i := range out {
		out[i] = math.Float64frombits(t.order.Uint64(buf[i*8:]))
	}
	return out, nil
}

func (t *tiffTags) ascii(tag uint16) (string, error) {
	buf, e, ok, err := t.raw(tag)
	if !ok || err != nil {
		return "", err
	}
	if e.typ != typeASCII {
		return "", fmt.Errorf("tag %d has type %d, want ascii", tag, e.typ)
	}
	return strings.TrimSpace(strings.TrimRight(string(buf), "\x00")), nil
}

// sampleLayout is how pixel values are coded.
type sampleLayout struct {
	bits   int
	format int
	// formatAt is the inline SampleFormat value of a single-sample file.
	formatAt int64
}

func (t *tiffTags) samples() (sampleLayout, error) {
	s := sampleLayout{bits: 1, format: sampleUint, formatAt: -1}
	bits, err := t.uints(tagBitsPerSample)
	if err != nil {
		return s, err
	}
	if len(bits) > 0 {
		s.bits = int(bits[0])
	}
	formats, err := t.uints(tagSampleFormat)
	if err != nil {
		return s, err
	}
	if len(formats) > 0 {
		s.format = int(formats[0])
		if e := t.entries[tagSampleFormat]; e.count == 1 && e.typ == typeShort {
			s.formatAt = e.offset
		}
	}
	return s, nil
}

// georef places a raster on the ground. Origin is the outer corner of the
// top-left pixel; rows run south so ResY is positive.
type georef struct {
	Placed           bool
	OriginX, OriginY float64
	ResX, ResY       float64
	EPSG             int
	Geographic       bool
	HasNoData        bool
	NoData           float64
}

func (t *tiffTags) georef() (georef, error) {
	var g georef
	scale, err := t.doubles(tagModelPixelScale)
	if err != nil {
		return g, err
	}
	ties, err := t.doubles(tagModelTiepoint)
	if err != nil {
		return g, err
	}
	keys, err := t.uints(tagGeoKeyDirectory)
	if err != nil {
		return g, err
	}
	pixelIsPoint := false
	if len(keys) >= 4 {
		n := int(keys[3])
		for i := 0; i < n && 4+i*4+3 < len(keys); i++ {
			k := keys[4+i*4 : 8+i*4]
			if k[1] != 0 {
				continue
			}
			switch k[0] {
			case geoKeyProjectedCSType:
				g.EPSG = int(k[3])
			case geoKeyGeographicType:
				if g.EPSG == 0 {
					g.EPSG = int(k[3])
					g.Geographic = true
				}
			case geoKeyRasterType:
				pixelIsPoint = k[3] == rasterPixelIsPoint
			}
		}
	}
	if g.EPSG == 32767 {
		// user-defined
		g.EPSG = 0
	}
	if len(scale) >= 2 && len(ties) >= 6 && scale[0] > 0 && scale[1] > 0 {
		g.Placed = true
		g.ResX, g.ResY = scale[0], scale[1]
		g.OriginX = ties[3] - ties[0]*g.ResX
		g.OriginY = ties[4] + ties[1]*g.ResY
		if pixelIsPoint {
			g.OriginX -= g.ResX / 2
			g.OriginY += g.ResY / 2
		}
	}
	nodata, err := t.ascii(tagGDALNoData)
	if err != nil {
		return g, err
	}
	if nodata != "" {
		v, err := strconv.ParseFloat(nodata, 64)
		if err != nil {
			return g, fmt.Errorf("nodata %q: %w", nodata, err)
		}
		g.HasNoData, g.NoData = true, v
	}
	return g, nil
}

// unsignedView presents a signed-integer TIFF as unsigned so the baseline
// decoder accepts it; the decoded bits are the two's complement samples.
type unsignedView struct {
	r     io.ReaderAt
	at    int64
	order binary.ByteOrder
}

func (v unsignedView) ReadAt(p []byte, off int64) (int, error) {
	n, err := v.r.ReadAt(p, off)
	var one [2]byte
	v.order.PutUint16(one[:], sampleUint)
	for i := range one {
		pos := v.at + int64(i) - off
		if pos >= 0 && pos < int64(n) {
			p[pos] = one[i]
		}
	}
	return n, err
}
