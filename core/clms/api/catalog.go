package api

import (
	"context"
	"net/http"
	"net/url"
	"strconv"
)

const searchPageSize = 25

type DownloadableFile struct {
	ID         string `json:"@id"`
	File       string `json:"file"`
	Path       string `json:"path"`
	Source     string `json:"source"`
	Area       string `json:"area"`
	Resolution string `json:"resolution"`
	Format     string `json:"format"`
}

type DownloadInfo struct {
	FullSource string `json:"full_source"`
}

// Product is one DataSet entry of the catalog.
type Product struct {
	ID           string `json:"id"`
	UID          string `json:"UID"`
	Title        string `json:"title"`
	DownloadInfo struct {
		Items []DownloadInfo `json:"items"`
	} `json:"dataset_download_information"`
	DownloadableFiles struct {
		Items []DownloadableFile `json:"items"`
	} `json:"downloadable_files"`
}

// Source returns the first declared full_source of the product, or "".
func (p Product) Source() string {
	if len(p.DownloadInfo.Items) == 0 {
		return ""
	}
	return p.DownloadInfo.Items[0].FullSource
}

type searchPage struct {
	Items []Product `json:"items"`
}

// SearchDatasets pages through every DataSet in the catalog.
func (c *Client) SearchDatasets(ctx context.Context) ([]Product, error) {
	var all []Product
	for start := 0; ; start += searchPageSize {
		q := url.Values{}
		q.Set("portal_type", "DataSet")
		q.Set("fullobjects", "1")
		q.Set("b_start", strconv.Itoa(start))
		q.Set("b_size", strconv.Itoa(searchPageSize))
		var page searchPage
		if err := c.do(ctx, "search datasets", http.MethodGet, c.endpoint(endpointSearch)+"?"+q.Encode(), nil, false, &page); err != nil {
			return nil, err
		}
		all = append(all, page.Items...)
		if len(page.Items) < searchPageSize {
			return all, nil
		}
	}
}
