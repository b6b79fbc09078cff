package blob

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"time"

	"cloud.google.com/go/storage"
	"google.golang.org/api/iterator"
)

type GCS struct {
	client *storage.Client
	bucket *storage.BucketHandle
	name   string
	prefix string
}

// NewGCS uses application default credentials.
func NewGCS(ctx context.Context, bucket, prefix string) (*GCS, error) {
	if bucket == "" {
		return nil, fmt.Errorf("blob: gcs bucket is empty")
	}
	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	client, err := storage.NewClient(dialCtx)
	if err != nil {
		return nil, fmt.Errorf("blob: gcs client: %w", err)
	}
	return &GCS{client: client, bucket: client.Bucket(bucket), name: bucket, prefix: prefix}, nil
}

func (b *GCS) Put(ctx context.Context, key string, data []byte) error {
	if err := validKey(key); err != nil {
		return err
	}
	// Finish the upload even if the caller is cancelled mid-stream.
	uploadCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Minute)
	defer cancel()
	w := b.bucket.Object(b.prefix + key).NewWriter(uploadCtx)
	if _, err := io.Copy(w, bytes.NewReader(data)); err != nil {
		w.Close()
		return fmt.Errorf("blob: gcs write %s: %w", key, err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("blob: gcs finalize %s: %w", key, err)
	}
	return nil
}

func (b *GCS) Get(ctx context.Context, key string) ([]byte, error) {
	if err := validKey(key); err != nil {
		return nil, err
	}
	r, err := b.bucket.Object(b.prefix + key).NewReader(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("blob: gcs read %s: %w", key, err)
	}
	defer r.Close()
	return io.ReadAll(r)
}

func (b *GCS) Exists(ctx context.Context, key string) (bool, error) {
	if err := validKey(key); err != nil {
		return false, err
	}
	_, err := b.bucket.Object(b.prefix + key).Attrs(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("blob: gcs attrs %s: %w", key, err)
	}
	return true, nil
}

func (b *GCS) Delete(ctx context.Context, key string) error {
	if err := validKey(key); err != nil {
		return err
	}
	err := b.bucket.Object(b.prefix + key).Delete(ctx)
	if err != nil && !errors.Is(err, storage.ErrObjectNotExist) {
		return fmt.Errorf("blob: gcs delete %s: %w", key, err)
	}
	return nil
}

func (b *GCS) DeletePrefix(ctx context.Context, prefix string) error {
	if err := validKey(prefix); err != nil {
		return err
	}
	keys, err := b.listAll(ctx, prefix)
	if err != nil {
		return err
	}
	for _, key := range keys {
		if err := b.Delete(ctx, key); err != nil {
			return err
		}
	}
	return nil
}

func (b *GCS) List(ctx context.Context, prefix string) ([]string, error) {
	keys, err := b.listAll(ctx, prefix)
	if err != nil {
		return nil, err
	}
	out := collapse(prefix, keys)
	sort.Strings(out)
	return out, nil
}

func (b *GCS) listAll(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	it := b.bucket.Objects(ctx, &storage.Query{Prefix: b.prefix + prefix})
	for {
		attrs, err := it.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("blob: gcs list %s: %w", prefix, err)
		}
		keys = append(keys, attrs.Name[len(b.prefix):])
	}
	return keys, nil
}

func (b *GCS) URI(key string) string {
	return "gs://" + b.name + "/" + b.prefix + key
}

func (b *GCS) Close() error {
	return b.client.Close()
}
