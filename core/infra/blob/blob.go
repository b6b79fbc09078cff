// Package blob stores opaque objects under slash-separated keys on a local
// directory, S3 or GCS.
package blob

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"path"
	"strings"
)

var ErrNotFound = errors.New("blob: object not found")

// Bucket is the storage surface used by the array store.
type Bucket interface {
	Put(ctx context.Context, key string, data []byte) error
	Get(ctx context.Context, key string) ([]byte, error)
	Exists(ctx context.Context, key string) (bool, error)
	Delete(ctx context.Context, key string) error
	// DeletePrefix removes every object whose key starts with prefix.
	DeletePrefix(ctx context.Context, prefix string) error
	// List returns keys below prefix that contain no further "/" after it,
	// plus one entry per sub-"directory" ending in "/".
	List(ctx context.Context, prefix string) ([]string, error)
	// URI renders the location of key for logging and handles.
	URI(key string) string
	Close() error
}

// Open selects a Bucket implementation from a URI: file://, s3:// or gs://.
// A bare path is treated as a local directory.
func Open(ctx context.Context, uri string) (Bucket, error) {
	if strings.TrimSpace(uri) == "" {
		return nil, fmt.Errorf("blob: empty uri")
	}
	if !strings.Contains(uri, "://") {
		return NewLocal(uri)
	}
	u, err := url.Parse(uri)
	if err != nil {
		return nil, fmt.Errorf("blob: parse uri: %w", err)
	}
	prefix := cleanPrefix(u.Path)
	switch u.Scheme {
	case "file":
		return NewLocal(u.Host + u.Path)
	case "s3":
		return NewS3(ctx, u.Host, prefix)
	case "gs", "gcs":
		return NewGCS(ctx, u.Host, prefix)
	default:
		return nil, fmt.Errorf("blob: unsupported scheme %q", u.Scheme)
	}
}

func cleanPrefix(p string) string {
	p = strings.Trim(p, "/")
	if p == "" {
		return ""
	}
	return path.Clean(p) + "/"
}

func validKey(key string) error {
	if key == "" || strings.HasPrefix(key, "/") || strings.Contains(key, "..") {
		return fmt.Errorf("blob: invalid key %q", key)
	}
	return nil
}

// collapse reduces full keys under prefix to direct children.
func collapse(prefix string, keys []string) []string {
	seen := map[string]bool{}
	out := make([]string, 0, len(keys))
	for _, key := range keys {
		rest := strings.TrimPrefix(key, prefix)
		if rest == "" {
			continue
		}
		if idx := strings.Index(rest, "/"); idx >= 0 {
			rest = rest[:idx+1]
		}
		if !seen[rest] {
			seen[rest] = true
			out = append(out, prefix+rest)
		}
	}
	return out
}
