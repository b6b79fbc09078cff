// Package processor turns extracted raster tiles into one chunked array and
// writes it to the destination store.
package processor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/geodatastore/clms/core/infra/logging"
	"github.com/geodatastore/clms/core/preload/download"
	"github.com/geodatastore/clms/core/zarr"
	"golang.org/x/sync/errgroup"
)

// ErrProcessing marks malformed or unsupported raster input.
var ErrProcessing = errors.New("processing error")

const (
	defaultTileSize = 2000
	defaultDecoders = 4
)

// Store is the destination the processor writes into.
type Store interface {
	Begin(ctx context.Context, id string) (*zarr.Writer, error)
}

type Options struct {
	TileSizeX int
	TileSizeY int
	// Cleanup removes extracted asset files once processing finishes.
	Cleanup  bool
	Decoders int
}

type Processor struct {
	store Store
	opts  Options
}

func New(store Store, opts Options) *Processor {
	if opts.TileSizeX <= 0 {
		opts.TileSizeX = defaultTileSize
	}
	if opts.TileSizeY <= 0 {
		opts.TileSizeY = defaultTileSize
	}
	if opts.Decoders <= 0 {
		opts.Decoders = defaultDecoders
	}
	return &Processor{store: store, opts: opts}
}

// VariableName is the file part of a "product|file" data id.
func VariableName(dataID string) string {
	if i := strings.LastIndex(dataID, "|"); i >= 0 && i < len(dataID)-1 {
		return dataID[i+1:]
	}
	return dataID
}

// Grid is a processed mosaic and its placement on the ground.
type Grid struct {
	Array *zarr.Array
	// X and Y hold pixel-centre coordinates; both are nil when the tiles
	// carried no georeferencing.
	X, Y       []float64
	EPSG       int
	Geographic bool
	// Transform is the GDAL geotransform of the mosaic.
	Transform [6]float64
}

// CRS renders the grid's reference system, empty when unknown.
func (g *Grid) CRS() string {
	if g.EPSG == 0 {
		return ""
	}
	return "EPSG:" + strconv.Itoa(g.EPSG)
}

// Run processes assets and writes the result under dataID.
func (p *Processor) Run(ctx context.Context, dataID string, assets []download.Asset) error {
	if p.opts.Cleanup {
		defer removeAssets(assets)
	}
	g, err := p.Process(ctx, dataID, assets)
	if err != nil {
		return err
	}
	return p.Write(ctx, dataID, g, assets)
}

// Process decodes and stitches assets into one array with chunking derived
// from the mosaic geometry. Tiles are placed by their georeferencing, or by
// the E/N position in their names when any tile lacks it.
func (p *Processor) Process(ctx context.Context, dataID string, assets []download.Asset) (*Grid, error) {
	if len(assets) == 0 {
		return nil, fmt.Errorf("%w: %s: no raster assets", ErrProcessing, dataID)
	}

	rasters := make([]*raster, len(assets))
	eg, gctx := errgroup.WithContext(ctx)
	eg.SetLimit(p.opts.Decoders)
	for i, a := range assets {
		i, a := i, a
		eg.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			r, err := decodeFile(a.Path)
			if err != nil {
				return fmt.Errorf("%w: %s: %s: %w", ErrProcessing, dataID, a.Name, err)
			}
			r.name = a.Name
			rasters[i] = r
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}

	tiles := make([]tile, len(rasters))
	for i, r := range rasters {
		tiles[i] = tile{pos: assets[i].Tile, r: r}
	}
	l, err := planLayout(tiles)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrProcessing, dataID, err)
	}
	dtype := rasters[0].dtype
	fill, hasFill, err := noDataFill(rasters)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrProcessing, dataID, err)
	}
	pix, err := mosaic(tiles, l, dtype.Bits(fill))
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrProcessing, dataID, err)
	}

	height, width := l.height, l.width
	g := &Grid{
		Array: &zarr.Array{
			Name:      VariableName(dataID),
			Shape:     [2]int{height, width},
			Chunks:    [2]int{ChunkSize(height, p.opts.TileSizeY), ChunkSize(width, p.opts.TileSizeX)},
			DType:     dtype,
			FillValue: fill,
			Data:      pix,
			Attrs:     map[string]any{},
		},
	}
	if hasFill {
		g.Array.Attrs["nodata"] = fill
	}
	if l.geo.Placed {
		g.X, g.Y = coordinates(l)
		g.EPSG, g.Geographic = l.geo.EPSG, l.geo.Geographic
		g.Transform = [6]float64{l.geo.OriginX, l.geo.ResX, 0, l.geo.OriginY, 0, -l.geo.ResY}
		g.Array.Attrs["GeoTransform"] = geoTransform(g.Transform)
		if crs := g.CRS(); crs != "" {
			g.Array.Attrs["crs"] = crs
		}
	} else {
		logging.Warn("processor", "tiles carry no georeferencing, writing without coordinates", "data_id", dataID, "tiles", len(tiles))
	}
	return g, nil
}

// noDataFill returns the shared nodata value of rasters as a fill value.
// Nodata that the dtype cannot hold is dropped.
func noDataFill(rasters []*raster) (int, bool, error) {
	ref := rasters[0]
	for _, r := range rasters[1:] {
		if r.geo.HasNoData != ref.geo.HasNoData || (r.geo.HasNoData && r.geo.NoData != ref.geo.NoData) {
			return 0, false, fmt.Errorf("tiles %s and %s disagree on nodata", ref.name, r.name)
		}
	}
	if !ref.geo.HasNoData {
		return 0, false, nil
	}
	fill, ok := fillFor(ref.dtype, ref.geo.NoData)
	if !ok {
		logging.Warn("processor", "nodata not representable, ignoring", "tile", ref.name, "nodata", ref.geo.NoData, "dtype", ref.dtype)
		return 0, false, nil
	}
	return fill, true, nil
}

func geoTransform(t [6]float64) string {
	parts := make([]string, len(t))
	for i, v := range t {
		parts[i] = strconv.FormatFloat(v, 'f', -1, 64)
	}
	return strings.Join(parts, " ")
}

func coordAttrs(axis string, geographic bool) map[string]any {
	switch {
	case geographic && axis == "x":
		return map[string]any{"standard_name": "longitude", "units": "degrees_east", "axis": "X"}
	case geographic:
		return map[string]any{"standard_name": "latitude", "units": "degrees_north", "axis": "Y"}
	case axis == "x":
		return map[string]any{"standard_name": "projection_x_coordinate", "units": "m", "axis": "X"}
	default:
		return map[string]any{"standard_name": "projection_y_coordinate", "units": "m", "axis": "Y"}
	}
}

// Write stores g as the only variable of dataID, with its coordinates when
// known. A failed write leaves no completion claim behind.
func (p *Processor) Write(ctx context.Context, dataID string, g *Grid, assets []download.Asset) error {
	w, err := p.store.Begin(ctx, dataID)
	if err != nil {
		return err
	}
	sources := make([]string, 0, len(assets))
	for _, a := range assets {
		sources = append(sources, a.Name)
	}
	attrs := map[string]any{
		"data_id": dataID,
		"sources": sources,
	}
	if crs := g.CRS(); crs != "" {
		attrs["crs"] = crs
	}
	w.SetAttrs(attrs)
	if err := p.writeVariables(ctx, w, g); err != nil {
		w.Abort(ctx)
		return err
	}
	if err := w.Commit(ctx); err != nil {
		w.Abort(ctx)
		return err
	}
	arr := g.Array
	logging.Info("processor", "array written", "data_id", dataID,
		"shape", fmt.Sprintf("%dx%d", arr.Shape[0], arr.Shape[1]),
		"chunks", fmt.Sprintf("%dx%d", arr.Chunks[0], arr.Chunks[1]),
		"crs", g.CRS(),
		"tiles", len(assets))
	return nil
}

func (p *Processor) writeVariables(ctx context.Context, w *zarr.Writer, g *Grid) error {
	if err := w.WriteArray(ctx, g.Array); err != nil {
		return err
	}
	if g.X == nil {
		return nil
	}
	if err := w.WriteCoord(ctx, &zarr.Coord{Name: "x", Values: g.X, Attrs: coordAttrs("x", g.Geographic)}); err != nil {
		return err
	}
	return w.WriteCoord(ctx, &zarr.Coord{Name: "y", Values: g.Y, Attrs: coordAttrs("y", g.Geographic)})
}

func removeAssets(assets []download.Asset) {
	dirs := map[string]bool{}
	for _, a := range assets {
		if err := os.Remove(a.Path); err != nil && !os.IsNotExist(err) {
			logging.Warn("processor", "cleanup failed", "path", a.Path, "err", err)
		}
		dirs[filepath.Dir(a.Path)] = true
	}
	for dir := range dirs {
		// only succeeds when the directory is empty
		_ = os.Remove(dir)
	}
}
