package blob

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"reflect"
	"sort"
	"strconv"
	"strings"
	"sync"
	"testing"
)

// fakeGCS serves the slice of the Cloud Storage JSON and XML APIs the
// client library uses for small objects.
type fakeGCS struct {
	bucket string

	mu      sync.Mutex
	objects map[string][]byte
}

func newFakeGCS(t *testing.T, bucket string) *fakeGCS {
	t.Helper()
	f := &fakeGCS{bucket: bucket, objects: map[string][]byte{}}
	srv := httptest.NewServer(f)
	t.Cleanup(srv.Close)
	t.Setenv("STORAGE_EMULATOR_HOST", srv.URL)
	return f
}

func (f *fakeGCS) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	jsonBase := "/storage/v1/b/" + f.bucket + "/o"
	switch {
	case r.Method == http.MethodPost && strings.HasPrefix(r.URL.Path, "/upload/storage/v1/b/"+f.bucket+"/o"):
		f.upload(w, r)
	case r.URL.Path == jsonBase && r.Method == http.MethodGet:
		f.list(w, r)
	case strings.HasPrefix(r.URL.Path, jsonBase+"/"):
		name := strings.TrimPrefix(r.URL.Path, jsonBase+"/")
		switch r.Method {
		case http.MethodGet:
			if r.URL.Query().Get("alt") == "media" {
				f.media(w, name)
				return
			}
			f.attrs(w, name)
		case http.MethodDelete:
			f.delete(w, name)
		default:
			w.WriteHeader(http.StatusMethodNotAllowed)
		}
	case strings.HasPrefix(r.URL.Path, "/"+f.bucket+"/") && r.Method == http.MethodGet:
		f.media(w, strings.TrimPrefix(r.URL.Path, "/"+f.bucket+"/"))
	default:
		http.Error(w, "unexpected "+r.Method+" "+r.URL.Path, http.StatusBadRequest)
	}
}

func (f *fakeGCS) object(name string, size int) map[string]any {
	return map[string]any{"kind": "storage#object", "bucket": f.bucket, "name": name, "size": strconv.Itoa(size)}
}

func notFound(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusNotFound)
	io.WriteString(w, `{"error":{"code":404,"message":"No such object"}}`)
}

func (f *fakeGCS) upload(w http.ResponseWriter, r *http.Request) {
	_, params, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	mr := multipart.NewReader(r.Body, params["boundary"])
	var meta struct {
		Name string `json:"name"`
	}
	part, err := mr.NextPart()
	if err == nil {
		err = json.NewDecoder(part).Decode(&meta)
	}
	if err != nil {
		http.Error(w, "metadata part: "+err.Error(), http.StatusBadRequest)
		return
	}
	part, err = mr.NextPart()
	if err != nil {
		http.Error(w, "media part: "+err.Error(), http.StatusBadRequest)
		return
	}
	data, err := io.ReadAll(part)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	name := meta.Name
	if name == "" {
		name = r.URL.Query().Get("name")
	}
	f.mu.Lock()
	f.objects[name] = data
	f.mu.Unlock()
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(f.object(name, len(data)))
}

func (f *fakeGCS) media(w http.ResponseWriter, name string) {
	f.mu.Lock()
	data, ok := f.objects[name]
	f.mu.Unlock()
	if !ok {
		notFound(w)
		return
	}
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.Write(data)
}

func (f *fakeGCS) attrs(w http.ResponseWriter, name string) {
	f.mu.Lock()
	data, ok := f.objects[name]
	f.mu.Unlock()
	if !ok {
		notFound(w)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(f.object(name, len(data)))
}

func (f *fakeGCS) delete(w http.ResponseWriter, name string) {
	f.mu.Lock()
	_, ok := f.objects[name]
	delete(f.objects, name)
	f.mu.Unlock()
	if !ok {
		notFound(w)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (f *fakeGCS) list(w http.ResponseWriter, r *http.Request) {
	prefix := r.URL.Query().Get("prefix")
	f.mu.Lock()
	var names []string
	for name := range f.objects {
		if strings.HasPrefix(name, prefix) {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	items := make([]map[string]any, 0, len(names))
	for _, name := range names {
		items = append(items, f.object(name, len(f.objects[name])))
	}
	f.mu.Unlock()
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{"kind": "storage#objects", "items": items})
}

func (f *fakeGCS) has(name string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.objects[name]
	return ok
}

func newTestGCS(t *testing.T, fake *fakeGCS, prefix string) *GCS {
	t.Helper()
	b, err := NewGCS(context.Background(), fake.bucket, prefix)
	if err != nil {
		t.Fatalf("new gcs: %v", err)
	}
	t.Cleanup(func() { _ = b.Close() })
	return b
}

func TestGCSBucketRoundTrip(t *testing.T) {
	ctx := context.Background()
	fake := newFakeGCS(t, "cache")
	b := newTestGCS(t, fake, "clms/")

	if err := b.Put(ctx, "x.zarr/.zattrs", []byte("{}")); err != nil {
		t.Fatalf("put: %v", err)
	}
	if !fake.has("clms/x.zarr/.zattrs") {
		t.Fatalf("expected prefixed key in bucket")
	}
	data, err := b.Get(ctx, "x.zarr/.zattrs")
	if err != nil || string(data) != "{}" {
		t.Fatalf("get: %q %v", data, err)
	}
	if ok, err := b.Exists(ctx, "x.zarr/.zattrs"); err != nil || !ok {
		t.Fatalf("expected exists, got %v %v", ok, err)
	}
	if ok, err := b.Exists(ctx, "x.zarr/missing"); err != nil || ok {
		t.Fatalf("expected missing object, got %v %v", ok, err)
	}
	if _, err := b.Get(ctx, "x.zarr/missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := b.Delete(ctx, "x.zarr/.zattrs"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := b.Delete(ctx, "x.zarr/.zattrs"); err != nil {
		t.Fatalf("deleting a missing object should succeed: %v", err)
	}
	if fake.has("clms/x.zarr/.zattrs") {
		t.Fatalf("object still present after delete")
	}
	if got := b.URI("x.zarr"); got != "gs://cache/clms/x.zarr" {
		t.Fatalf("unexpected uri %s", got)
	}
}

func TestGCSBucketListAndDeletePrefix(t *testing.T) {
	ctx := context.Background()
	b := newTestGCS(t, newFakeGCS(t, "cache"), "")
	for _, key := range []string{"a.zarr/.zgroup", "a.zarr/v/0.0", "b.zarr/.zgroup"} {
		if err := b.Put(ctx, key, []byte("1")); err != nil {
			t.Fatalf("put: %v", err)
		}
	}
	top, err := b.List(ctx, "")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if !reflect.DeepEqual(top, []string{"a.zarr/", "b.zarr/"}) {
		t.Fatalf("unexpected listing %v", top)
	}
	inner, err := b.List(ctx, "a.zarr/")
	if err != nil {
		t.Fatalf("list group: %v", err)
	}
	if !reflect.DeepEqual(inner, []string{"a.zarr/.zgroup", "a.zarr/v/"}) {
		t.Fatalf("unexpected group listing %v", inner)
	}
	if err := b.DeletePrefix(ctx, "a.zarr/"); err != nil {
		t.Fatalf("delete prefix: %v", err)
	}
	top, _ = b.List(ctx, "")
	if !reflect.DeepEqual(top, []string{"b.zarr/"}) {
		t.Fatalf("unexpected listing after delete %v", top)
	}
}
