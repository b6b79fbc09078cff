// Package clms is the host-facing entry point: catalog lookups, lazy opens of
// preloaded data and preload requests.
package clms

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/geodatastore/clms/core/clms/api"
	"github.com/geodatastore/clms/core/infra/logging"
	"github.com/geodatastore/clms/core/preload"
	"github.com/geodatastore/clms/core/zarr"
)

// Separator joins product id and file name in a data id.
const Separator = "|"

const preloadableSource = "EEA"

var (
	ErrUnknownID    = errors.New("clms: unknown data id")
	ErrNotSupported = errors.New("clms: data source not supported for preload")
	ErrNotCached    = errors.New("clms: data not cached, preload it first")
)

type Catalog interface {
	SearchDatasets(ctx context.Context) ([]api.Product, error)
}

type Preloader interface {
	Preload(ctx context.Context, items []preload.Item) (*preload.Handle, error)
}

// Cache is the destination store seen from the facade.
type Cache interface {
	Has(ctx context.Context, id string) (bool, error)
	Open(ctx context.Context, id string) (*zarr.Dataset, error)
	List(ctx context.Context) ([]string, error)
}

type Store struct {
	catalog   Catalog
	preloader Preloader
	cache     Cache

	mu       sync.Mutex
	products map[string]api.Product
}

func NewStore(catalog Catalog, preloader Preloader, cache Cache) *Store {
	return &Store{catalog: catalog, preloader: preloader, cache: cache}
}

// Refresh reloads the catalog.
func (s *Store) Refresh(ctx context.Context) error {
	products, err := s.catalog.SearchDatasets(ctx)
	if err != nil {
		return fmt.Errorf("clms: load catalog: %w", err)
	}
	byID := make(map[string]api.Product, len(products))
	for _, p := range products {
		if p.ID == "" {
			continue
		}
		byID[p.ID] = p
	}
	s.mu.Lock()
	s.products = byID
	s.mu.Unlock()
	logging.Info("clms", "catalog loaded", "products", len(byID))
	return nil
}

func (s *Store) catalogProducts(ctx context.Context) (map[string]api.Product, error) {
	s.mu.Lock()
	products := s.products
	s.mu.Unlock()
	if products != nil {
		return products, nil
	}
	if err := s.Refresh(ctx); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.products, nil
}

// SplitDataID returns the product id and file name of id.
func SplitDataID(id string) (product, file string, ok bool) {
	i := strings.Index(id, Separator)
	if i <= 0 || i == len(id)-1 {
		return "", "", false
	}
	return id[:i], id[i+1:], true
}

func preloadable(p api.Product) bool {
	return strings.EqualFold(strings.TrimSpace(p.Source()), preloadableSource)
}

// ListDataIDs lists preloadable ids, optionally for one product.
func (s *Store) ListDataIDs(ctx context.Context, product string) ([]string, error) {
	products, err := s.catalogProducts(ctx)
	if err != nil {
		return nil, err
	}
	var ids []string
	for _, p := range products {
		if product != "" && p.ID != product {
			continue
		}
		if !preloadable(p) {
			continue
		}
		for _, f := range p.DownloadableFiles.Items {
			if f.File == "" {
				continue
			}
			ids = append(ids, p.ID+Separator+f.File)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

// Resolve maps id to the catalog dataset and file to request.
func (s *Store) Resolve(ctx context.Context, id string) (preload.Item, error) {
	productID, file, ok := SplitDataID(id)
	if !ok {
		return preload.Item{}, fmt.Errorf("%w: %q is not <product>%s<file>", ErrUnknownID, id, Separator)
	}
	products, err := s.catalogProducts(ctx)
	if err != nil {
		return preload.Item{}, err
	}
	p, ok := products[productID]
	if !ok {
		return preload.Item{}, fmt.Errorf("%w: product %s", ErrUnknownID, productID)
	}
	if !preloadable(p) {
		return preload.Item{}, fmt.Errorf("%w: %s has source %q", ErrNotSupported, productID, p.Source())
	}
	for _, f := range p.DownloadableFiles.Items {
		if f.File == file {
			return preload.Item{DataID: id, DatasetUID: p.UID, FileID: f.ID}, nil
		}
	}
	return preload.Item{}, fmt.Errorf("%w: file %s in %s", ErrUnknownID, file, productID)
}

// HasData reports whether id resolves to a preloadable catalog file.
func (s *Store) HasData(ctx context.Context, id string) (bool, error) {
	_, err := s.Resolve(ctx, id)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, ErrUnknownID), errors.Is(err, ErrNotSupported):
		return false, nil
	default:
		return false, err
	}
}

// OpenData lazily opens a preloaded id from the cache.
func (s *Store) OpenData(ctx context.Context, id string) (*zarr.Dataset, error) {
	ok, err := s.cache.Has(ctx, id)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotCached, id)
	}
	return s.cache.Open(ctx, id)
}

// CachedIDs lists every id fully present in the cache.
func (s *Store) CachedIDs(ctx context.Context) ([]string, error) {
	return s.cache.List(ctx)
}

// PreloadData resolves every id and hands the batch to the orchestrator.
// Nothing is requested when any id fails to resolve.
func (s *Store) PreloadData(ctx context.Context, ids ...string) (*preload.Handle, error) {
	if s.preloader == nil {
		return nil, errors.New("clms: preload not configured")
	}
	items := make([]preload.Item, 0, len(ids))
	var errs []error
	for _, id := range ids {
		it, err := s.Resolve(ctx, id)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		items = append(items, it)
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return s.preloader.Preload(ctx, items)
}
