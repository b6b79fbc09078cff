package processor

import (
	"fmt"
	"math"
	"sort"

	"github.com/geodatastore/clms/core/preload/download"
)

// alignTolerance is how far, in pixels, a tile origin may sit off the grid.
const alignTolerance = 0.01

type tile struct {
	pos *download.TilePosition
	r   *raster
}

// layout is the placement of tiles inside the mosaic.
type layout struct {
	width, height int
	offsets       [][2]int // per tile: column, row
	geo           georef
}

// planLayout places tiles by their georeferencing when every tile has it and
// falls back to E/N positions from the file names otherwise.
func planLayout(tiles []tile) (layout, error) {
	if len(tiles) == 1 {
		r := tiles[0].r
		return layout{width: r.width, height: r.height, offsets: [][2]int{{0, 0}}, geo: r.geo}, nil
	}
	placed := true
	for _, t := range tiles {
		placed = placed && t.r.geo.Placed
	}
	if placed {
		return planByGeoref(tiles)
	}
	for _, t := range tiles {
		if t.pos == nil {
			return layout{}, fmt.Errorf("cannot place tile %s without georeferencing or E/N position", t.r.name)
		}
	}
	return planByPosition(tiles), nil
}

func planByGeoref(tiles []tile) (layout, error) {
	ref := tiles[0].r.geo
	minX, maxY := math.Inf(1), math.Inf(-1)
	for _, t := range tiles {
		g := t.r.geo
		if g.EPSG != ref.EPSG {
			return layout{}, fmt.Errorf("tile %s is in EPSG:%d, expected EPSG:%d", t.r.name, g.EPSG, ref.EPSG)
		}
		if !sameRes(g.ResX, ref.ResX) || !sameRes(g.ResY, ref.ResY) {
			return layout{}, fmt.Errorf("tile %s has resolution %gx%g, expected %gx%g", t.r.name, g.ResX, g.ResY, ref.ResX, ref.ResY)
		}
		minX = min(minX, g.OriginX)
		maxY = max(maxY, g.OriginY)
	}
	l := layout{offsets: make([][2]int, len(tiles)), geo: ref}
	l.geo.OriginX, l.geo.OriginY = minX, maxY
	for i, t := range tiles {
		col, okX := gridStep(t.r.geo.OriginX-minX, ref.ResX)
		row, okY := gridStep(maxY-t.r.geo.OriginY, ref.ResY)
		if !okX || !okY {
			return layout{}, fmt.Errorf("tile %s is not aligned to the grid of %s", t.r.name, tiles[0].r.name)
		}
		l.offsets[i] = [2]int{col, row}
		l.width = max(l.width, col+t.r.width)
		l.height = max(l.height, row+t.r.height)
	}
	return l, nil
}

func sameRes(a, b float64) bool {
	return math.Abs(a-b) <= 1e-9*math.Max(math.Abs(a), math.Abs(b))
}

func gridStep(dist, res float64) (int, bool) {
	f := dist / res
	n := math.Round(f)
	return int(n), math.Abs(f-n) <= alignTolerance
}

// planByPosition orders columns by easting ascending and rows by northing
// descending. Column width and row height are the largest tile in them.
func planByPosition(tiles []tile) layout {
	colW := map[int]int{}
	rowH := map[int]int{}
	for _, t := range tiles {
		colW[t.pos.Easting] = max(colW[t.pos.Easting], t.r.width)
		rowH[t.pos.Northing] = max(rowH[t.pos.Northing], t.r.height)
	}
	eastings := sortedKeys(colW)
	northings := sortedKeys(rowH)
	sort.Sort(sort.Reverse(sort.IntSlice(northings)))

	xOff, yOff := map[int]int{}, map[int]int{}
	l := layout{offsets: make([][2]int, len(tiles))}
	for _, e := range eastings {
		xOff[e] = l.width
		l.width += colW[e]
	}
	for _, n := range northings {
		yOff[n] = l.height
		l.height += rowH[n]
	}
	for i, t := range tiles {
		l.offsets[i] = [2]int{xOff[t.pos.Easting], yOff[t.pos.Northing]}
	}
	return l
}

func sortedKeys(m map[int]int) []int {
	keys := make([]int, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Ints(keys)
	return keys
}

// mosaic stitches tiles into one row-major grid; uncovered cells keep fill.
func mosaic(tiles []tile, l layout, fill uint16) ([]uint16, error) {
	if len(tiles) == 0 {
		return nil, fmt.Errorf("no tiles")
	}
	dtype := tiles[0].r.dtype
	seen := map[[2]int]string{}
	for i, t := range tiles {
		if t.r.dtype != dtype {
			return nil, fmt.Errorf("tile %s has dtype %s, expected %s", t.r.name, t.r.dtype, dtype)
		}
		if prev, dup := seen[l.offsets[i]]; dup {
			return nil, fmt.Errorf("tiles %s and %s share position %v", prev, t.r.name, l.offsets[i])
		}
		seen[l.offsets[i]] = t.r.name
	}
	if len(tiles) == 1 {
		return tiles[0].r.pix, nil
	}
	pix := make([]uint16, l.width*l.height)
	if fill != 0 {
		for i := range pix {
			pix[i] = fill
		}
	}
	for i, t := range tiles {
		x0, y0 := l.offsets[i][0], l.offsets[i][1]
		for y := 0; y < t.r.height; y++ {
			dst := (y0+y)*l.width + x0
			copy(pix[dst:dst+t.r.width], t.r.pix[y*t.r.width:(y+1)*t.r.width])
		}
	}
	return pix, nil
}

// coordinates returns pixel-centre x and y values of a placed grid.
func coordinates(l layout) (xs, ys []float64) {
	xs = make([]float64, l.width)
	for i := range xs {
		xs[i] = l.geo.OriginX + (float64(i)+0.5)*l.geo.ResX
	}
	ys = make([]float64, l.height)
	for j := range ys {
		ys[j] = l.geo.OriginY - (float64(j)+0.5)*l.geo.ResY
	}
	return xs, ys
}

// ChunkSize splits size into the fewest chunks no larger than tile and
// evens them out.
func ChunkSize(size, tile int) int {
	if size <= 0 {
		return 1
	}
	if tile <= 0 || tile >= size {
		return size
	}
	n := (size + tile - 1) / tile
	return (size + n - 1) / n
}
