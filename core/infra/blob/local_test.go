package blob

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"testing"
)

func TestLocalPutGetDelete(t *testing.T) {
	ctx := context.Background()
	b, err := NewLocal(t.TempDir())
	if err != nil {
		t.Fatalf("new local: %v", err)
	}
	if err := b.Put(ctx, "a.zarr/.zgroup", []byte(`{"zarr_format":2}`)); err != nil {
		t.Fatalf("put: %v", err)
	}
	data, err := b.Get(ctx, "a.zarr/.zgroup")
	if err != nil || string(data) != `{"zarr_format":2}` {
		t.Fatalf("get: %q %v", data, err)
	}
	ok, err := b.Exists(ctx, "a.zarr/.zgroup")
	if err != nil || !ok {
		t.Fatalf("expected object to exist")
	}
	if ok, _ := b.Exists(ctx, "a.zarr"); ok {
		t.Fatalf("directories are not objects")
	}
	if err := b.Delete(ctx, "a.zarr/.zgroup"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := b.Get(ctx, "a.zarr/.zgroup"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := b.Delete(ctx, "a.zarr/.zgroup"); err != nil {
		t.Fatalf("delete missing should be a no-op: %v", err)
	}
}

func TestLocalListAndDeletePrefix(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	b, err := NewLocal(root)
	if err != nil {
		t.Fatalf("new local: %v", err)
	}
	for _, key := range []string{"a.zarr/.zgroup", "a.zarr/band/0.0", "b.zarr/.zgroup"} {
		if err := b.Put(ctx, key, []byte("x")); err != nil {
			t.Fatalf("put %s: %v", key, err)
		}
	}
	top, err := b.List(ctx, "")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if !reflect.DeepEqual(top, []string{"a.zarr/", "b.zarr/"}) {
		t.Fatalf("unexpected top-level listing: %v", top)
	}
	inner, err := b.List(ctx, "a.zarr/")
	if err != nil {
		t.Fatalf("list inner: %v", err)
	}
	if !reflect.DeepEqual(inner, []string{"a.zarr/.zgroup", "a.zarr/band/"}) {
		t.Fatalf("unexpected inner listing: %v", inner)
	}
	if err := b.DeletePrefix(ctx, "a.zarr/"); err != nil {
		t.Fatalf("delete prefix: %v", err)
	}
	if _, err := os.Stat(filepath.Join(root, "a.zarr")); !os.IsNotExist(err) {
		t.Fatalf("expected a.zarr removed")
	}
	if ok, _ := b.Exists(ctx, "b.zarr/.zgroup"); !ok {
		t.Fatalf("sibling prefix must survive")
	}
	missing, err := b.List(ctx, "nope/")
	if err != nil || len(missing) != 0 {
		t.Fatalf("expected empty listing for missing prefix")
	}
}

func TestLocalRejectsBadKeys(t *testing.T) {
	b, err := NewLocal(t.TempDir())
	if err != nil {
		t.Fatalf("new local: %v", err)
	}
	for _, key := range []string{"", "/abs", "../escape"} {
		if err := b.Put(context.Background(), key, nil); err == nil {
			t.Fatalf("expected error for key %q", key)
		}
	}
}

func TestOpenSchemes(t *testing.T) {
	dir := t.TempDir()
	b, err := Open(context.Background(), "file://"+dir)
	if err != nil {
		t.Fatalf("open file uri: %v", err)
	}
	if _, ok := b.(*Local); !ok {
		t.Fatalf("expected local bucket, got %T", b)
	}
	if _, err := Open(context.Background(), dir); err != nil {
		t.Fatalf("open bare path: %v", err)
	}
	if _, err := Open(context.Background(), "ftp://host/x"); err == nil {
		t.Fatalf("expected unsupported scheme error")
	}
	if _, err := Open(context.Background(), " "); err == nil {
		t.Fatalf("expected empty uri error")
	}
}

func TestCleanPrefixAndCollapse(t *testing.T) {
	if got := cleanPrefix("/cache/clms/"); got != "cache/clms/" {
		t.Fatalf("unexpected prefix %q", got)
	}
	if got := cleanPrefix("/"); got != "" {
		t.Fatalf("expected empty prefix, got %q", got)
	}
	got := collapse("x/", []string{"x/a", "x/b/c", "x/b/d", "x/"})
	if !reflect.DeepEqual(got, []string{"x/a", "x/b/"}) {
		t.Fatalf("unexpected collapse: %v", got)
	}
}
