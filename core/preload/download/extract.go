package download

import (
	"archive/zip"
	"bytes"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/geodatastore/clms/core/infra/logging"
)

const maxNestedDepth = 2

var (
	tiffSignatures = [][]byte{
		[]byte("II*\x00"),
		[]byte("MM\x00*"),
		[]byte("II+\x00"),
		[]byte("MM\x00+"),
	}
	geodataExt = map[string]bool{".tif": true, ".tiff": true}
	tileRe     = regexp.MustCompile(`E(\d+)N(\d+)`)
)

// TilePosition is the easting/northing grid cell encoded in a tile name.
type TilePosition struct {
	Easting  int
	Northing int
}

// Asset is one geodata member pulled from an archive.
type Asset struct {
	DataID   string
	Name     string
	Path     string
	Size     int64
	Sequence int
	Tile     *TilePosition
}

// ParseTilePosition extracts the last E<digits>N<digits> group from name.
func ParseTilePosition(name string) (TilePosition, bool) {
	matches := tileRe.FindAllStringSubmatch(path.Base(name), -1)
	if len(matches) == 0 {
		return TilePosition{}, false
	}
	last := matches[len(matches)-1]
	e, errE := strconv.Atoi(last[1])
	n, errN := strconv.Atoi(last[2])
	if errE != nil || errN != nil {
		return TilePosition{}, false
	}
	return TilePosition{Easting: e, Northing: n}, true
}

func isTIFF(head []byte) bool {
	for _, sig := range tiffSignatures {
		if bytes.HasPrefix(head, sig) {
			return true
		}
	}
	return false
}

// Extract writes the geodata members of archive into destDir and returns
// them ordered by name. Nested zips are descended; sidecar files are dropped.
func (m *Manager) Extract(dataID string, archive Archive, destDir string) ([]Asset, error) {
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return nil, fmt.Errorf("%w: create dir: %w", ErrDownload, err)
	}
	var assets []Asset
	if err := extractZip(archive.Path, destDir, 0, &assets); err != nil {
		return nil, err
	}
	sort.Slice(assets, func(i, j int) bool { return assets[i].Name < assets[j].Name })
	for i := range assets {
		assets[i].DataID = dataID
		assets[i].Sequence = i
		if pos, ok := ParseTilePosition(assets[i].Name); ok {
			p := pos
			assets[i].Tile = &p
		}
	}
	logging.Info("download", "archive extracted", "data_id", dataID, "assets", len(assets))
	return assets, nil
}

func extractZip(archivePath, destDir string, depth int, out *[]Asset) error {
	r, err := zip.OpenReader(archivePath)
	if err != nil {
		return fmt.Errorf("%w: open archive %s: %w", ErrDownload, filepath.Base(archivePath), err)
	}
	defer r.Close()
	for _, f := range r.File {
		if f.FileInfo().IsDir() {
			continue
		}
		base := path.Base(f.Name)
		ext := strings.ToLower(path.Ext(base))
		switch {
		case ext == ".zip" && depth < maxNestedDepth:
			if err := extractNested(f, destDir, depth, out); err != nil {
				return err
			}
		case geodataExt[ext]:
			asset, ok, err := extractMember(f, destDir)
			if err != nil {
				return err
			}
			if ok {
				*out = append(*out, asset)
			}
		}
	}
	return nil
}

func extractNested(f *zip.File, destDir string, depth int, out *[]Asset) error {
	tmp, err := os.CreateTemp(destDir, ".nested-*.zip")
	if err != nil {
		return fmt.Errorf("%w: nested temp: %w", ErrDownload, err)
	}
	defer os.Remove(tmp.Name())
	rc, err := f.Open()
	if err != nil {
		tmp.Close()
		return fmt.Errorf("%w: open %s: %w", ErrDownload, f.Name, err)
	}
	_, copyErr := io.Copy(tmp, rc)
	rc.Close()
	if cerr := tmp.Close(); copyErr == nil {
		copyErr = cerr
	}
	if copyErr != nil {
		return fmt.Errorf("%w: read %s: %w", ErrDownload, f.Name, copyErr)
	}
	return extractZip(tmp.Name(), destDir, depth+1, out)
}

// extractMember copies f into destDir if its content carries a TIFF signature.
func extractMember(f *zip.File, destDir string) (Asset, bool, error) {
	rc, err := f.Open()
	if err != nil {
		return Asset{}, false, fmt.Errorf("%w: open %s: %w", ErrDownload, f.Name, err)
	}
	defer rc.Close()
	head := make([]byte, 4)
	n, _ := io.ReadFull(rc, head)
	if !isTIFF(head[:n]) {
		logging.Info("download", "skipping member without tiff signature", "member", f.Name)
		return Asset{}, false, nil
	}
	name := path.Base(f.Name)
	dst := uniquePath(destDir, name)
	w, err := os.Create(dst)
	if err != nil {
		return Asset{}, false, fmt.Errorf("%w: create %s: %w", ErrDownload, dst, err)
	}
	size, copyErr := io.Copy(w, io.MultiReader(bytes.NewReader(head[:n]), rc))
	if cerr := w.Close(); copyErr == nil {
		copyErr = cerr
	}
	if copyErr != nil {
		os.Remove(dst)
		return Asset{}, false, fmt.Errorf("%w: extract %s: %w", ErrDownload, f.Name, copyErr)
	}
	return Asset{Name: filepath.Base(dst), Path: dst, Size: size}, true, nil
}

func uniquePath(dir, name string) string {
	dst := filepath.Join(dir, name)
	if _, err := os.Stat(dst); os.IsNotExist(err) {
		return dst
	}
	ext := filepath.Ext(name)
	stem := strings.TrimSuffix(name, ext)
	for i := 1; ; i++ {
		dst = filepath.Join(dir, fmt.Sprintf("%s-%d%s", stem, i, ext))
		if _, err := os.Stat(dst); os.IsNotExist(err) {
			return dst
		}
	}
}
