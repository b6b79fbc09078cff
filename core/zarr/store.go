// Package zarr writes and reads chunked, zstd-compressed 2-D arrays using the
// Zarr v2 on-disk layout, one group per data identifier.
package zarr

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/geodatastore/clms/core/infra/blob"
	"github.com/geodatastore/clms/core/infra/logging"
	"github.com/klauspost/compress/zstd"
	"golang.org/x/sync/errgroup"
)

var (
	ErrNotFound = errors.New("zarr: dataset not found")
	ErrBusy     = errors.New("zarr: dataset is being written")
)

const chunkWriters = 8

// Store maps data identifiers to "<id>.zarr" groups in a bucket. The
// consolidated metadata document is written last and is the only claim of
// completion.
type Store struct {
	bucket blob.Bucket
	enc    *zstd.Encoder
	dec    *zstd.Decoder

	mu      sync.Mutex
	writing map[string]bool
}

func New(bucket blob.Bucket) (*Store, error) {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.EncoderLevelFromZstd(zstdLevel)))
	if err != nil {
		return nil, fmt.Errorf("zarr: zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("zarr: zstd decoder: %w", err)
	}
	return &Store{bucket: bucket, enc: enc, dec: dec, writing: map[string]bool{}}, nil
}

func groupPrefix(id string) string {
	return id + suffix + "/"
}

// Location renders where id lives in the underlying bucket.
func (s *Store) Location(id string) string {
	return s.bucket.URI(id + suffix)
}

// Has reports whether id was fully written.
func (s *Store) Has(ctx context.Context, id string) (bool, error) {
	if id == "" {
		return false, nil
	}
	return s.bucket.Exists(ctx, groupPrefix(id)+keyConsolided)
}

// List returns every fully written identifier.
func (s *Store) List(ctx context.Context) ([]string, error) {
	entries, err := s.bucket.List(ctx, "")
	if err != nil {
		return nil, err
	}
	var ids []string
	for _, e := range entries {
		if !strings.HasSuffix(e, suffix+"/") {
			continue
		}
		id := strings.TrimSuffix(e, suffix+"/")
		ok, err := s.Has(ctx, id)
		if err != nil {
			return nil, err
		}
		if ok {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

// Invalidate withdraws the completion claim of id. The data stays until the
// next Begin.
func (s *Store) Invalidate(ctx context.Context, id string) error {
	if id == "" {
		return fmt.Errorf("zarr: empty identifier")
	}
	if err := s.bucket.Delete(ctx, groupPrefix(id)+keyConsolided); err != nil {
		return fmt.Errorf("zarr: drop completion marker of %s: %w", id, err)
	}
	return nil
}

// Begin claims the writer slot for id and discards any previous content,
// starting with the completion marker.
func (s *Store) Begin(ctx context.Context, id string) (*Writer, error) {
	if id == "" {
		return nil, fmt.Errorf("zarr: empty identifier")
	}
	s.mu.Lock()
	if s.writing[id] {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrBusy, id)
	}
	s.writing[id] = true
	s.mu.Unlock()

	w := &Writer{store: s, id: id, prefix: groupPrefix(id), meta: map[string]json.RawMessage{}}
	if err := s.bucket.Delete(ctx, w.prefix+keyConsolided); err != nil {
		s.release(id)
		return nil, fmt.Errorf("zarr: drop completion marker: %w", err)
	}
	if err := s.bucket.DeletePrefix(ctx, w.prefix); err != nil {
		s.release(id)
		return nil, fmt.Errorf("zarr: discard previous content: %w", err)
	}
	if err := w.putJSON(ctx, keyGroup, groupMeta{ZarrFormat: zarrFormat}); err != nil {
		w.Abort(ctx)
		return nil, err
	}
	return w, nil
}

func (s *Store) release(id string) {
	s.mu.Lock()
	delete(s.writing, id)
	s.mu.Unlock()
}

// Close releases codec resources.
func (s *Store) Close() error {
	s.dec.Close()
	return s.enc.Close()
}

// Writer holds the exclusive write slot for one identifier.
type Writer struct {
	store  *Store
	id     string
	prefix string
	attrs  map[string]any
	meta   map[string]json.RawMessage
	done   bool
}

func (w *Writer) putJSON(ctx context.Context, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("zarr: encode %s: %w", key, err)
	}
	if err := w.store.bucket.Put(ctx, w.prefix+key, data); err != nil {
		return err
	}
	w.meta[key] = data
	return nil
}

// SetAttrs sets group-level attributes written at commit.
func (w *Writer) SetAttrs(attrs map[string]any) {
	w.attrs = attrs
}

// WriteArray stores a as variable a.Name.
func (w *Writer) WriteArray(ctx context.Context, a *Array) error {
	if w.done {
		return fmt.Errorf("zarr: writer for %s already finished", w.id)
	}
	if err := a.validate(); err != nil {
		return err
	}
	if err := w.putJSON(ctx, a.Name+"/"+keyArray, newArrayMeta(a)); err != nil {
		return err
	}
	attrs := map[string]any{"_ARRAY_DIMENSIONS": []string{"y", "x"}}
	for k, v := range a.Attrs {
		attrs[k] = v
	}
	if err := w.putJSON(ctx, a.Name+"/"+keyAttrs, attrs); err != nil {
		return err
	}
	rows, cols := gridSize(a.Shape, a.Chunks)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(chunkWriters)
	for r := 0; r < rows; r++ {
		for c := 0; c < cols; c++ {
			r, c := r, c
			g.Go(func() error {
				raw := encodeChunk(a, r, c)
				key := w.prefix + a.Name + "/" + chunkKey(r, c)
				return w.store.bucket.Put(gctx, key, w.store.enc.EncodeAll(raw, nil))
			})
		}
	}
	if err := g.Wait(); err != nil {
		return fmt.Errorf("zarr: write chunks of %s: %w", a.Name, err)
	}
	return nil
}

// Commit writes group attributes and then the consolidated metadata that
// marks the identifier complete.
func (w *Writer) Commit(ctx context.Context) error {
	if w.done {
		return fmt.Errorf("zarr: writer for %s already finished", w.id)
	}
	attrs := w.attrs
	if attrs == nil {
		attrs = map[string]any{}
	}
	if err := w.putJSON(ctx, keyAttrs, attrs); err != nil {
		return err
	}
	data, err := json.Marshal(consolidated{Format: 1, Metadata: w.meta})
	if err != nil {
		return fmt.Errorf("zarr: encode consolidated metadata: %w", err)
	}
	if err := w.store.bucket.Put(ctx, w.prefix+keyConsolided, data); err != nil {
		return err
	}
	w.done = true
	w.store.release(w.id)
	logging.Info("store", "dataset committed", "data_id", w.id, "location", w.store.Location(w.id))
	return nil
}

// Abort removes everything written so far and frees the slot.
func (w *Writer) Abort(ctx context.Context) {
	if w.done {
		return
	}
	w.done = true
	defer w.store.release(w.id)
	if err := w.store.bucket.DeletePrefix(context.WithoutCancel(ctx), w.prefix); err != nil {
		logging.Warn("store", "abort cleanup failed", "data_id", w.id, "err", err)
	}
}
