// Package api is a thin client for the CLMS download and catalog endpoints.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/geodatastore/clms/core/clms/auth"
	"github.com/geodatastore/clms/core/infra/buildinfo"
)

const (
	endpointSearch        = "@search"
	endpointRequestPost   = "@datarequest_post"
	endpointRequestSearch = "@datarequest_search"
	endpointRequestDelete = "@datarequest_delete"

	defaultMaxRetries      = 3
	defaultInitialInterval = time.Second
	defaultRequestTimeout  = 60 * time.Second
	defaultHeaderTimeout   = 60 * time.Second
	maxErrorBody           = 4 << 10
)

// TokenSource supplies bearer tokens; Invalidate forces the next call to refresh.
type TokenSource interface {
	Token(ctx context.Context) (auth.Token, error)
	Invalidate()
}

type Options struct {
	// HTTPClient carries the JSON endpoint calls.
	HTTPClient *http.Client
	// DownloadClient streams archives in Open. It must not set a total
	// Timeout; the caller's context bounds the transfer. When nil it is
	// derived from HTTPClient with the Timeout cleared.
	DownloadClient  *http.Client
	MaxRetries      int
	InitialInterval time.Duration
	// OnRetry is called before each retry with the failed operation.
	OnRetry func(op string, err error, wait time.Duration)
}

type Client struct {
	base       string
	http       *http.Client
	download   *http.Client
	tokens     TokenSource
	maxRetries int
	initial    time.Duration
	onRetry    func(string, error, time.Duration)
}

func NewClient(baseURL string, tokens TokenSource, opts Options) *Client {
	c := &Client{
		base:       strings.TrimRight(baseURL, "/"),
		http:       opts.HTTPClient,
		download:   opts.DownloadClient,
		tokens:     tokens,
		maxRetries: opts.MaxRetries,
		initial:    opts.InitialInterval,
		onRetry:    opts.OnRetry,
	}
	if c.http == nil {
		c.http = &http.Client{Timeout: defaultRequestTimeout}
	}
	if c.download == nil {
		c.download = streamingClient(opts.HTTPClient)
	}
	if c.maxRetries <= 0 {
		c.maxRetries = defaultMaxRetries
	}
	if c.initial <= 0 {
		c.initial = defaultInitialInterval
	}
	if c.onRetry == nil {
		c.onRetry = func(string, error, time.Duration) {}
	}
	return c
}

// streamingClient copies base without its total Timeout. Only the wait for
// response headers is bounded.
func streamingClient(base *http.Client) *http.Client {
	if base != nil {
		dl := *base
		dl.Timeout = 0
		return &dl
	}
	tr := http.DefaultTransport.(*http.Transport).Clone()
	tr.ResponseHeaderTimeout = defaultHeaderTimeout
	return &http.Client{Transport: tr}
}

func (c *Client) endpoint(name string) string {
	return c.base + "/" + name
}

// do sends an authenticated JSON request with bounded retries on transient
// failures. A 401 invalidates the cached token once and retries.
func (c *Client) do(ctx context.Context, op, method, url string, body any, authed bool, out any) error {
	var payload []byte
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("%s: encode body: %w", op, err)
		}
		payload = data
	}
	reauthed := false
	attempt := func() error {
		req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(payload))
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Accept", "application/json")
		req.Header.Set("User-Agent", buildinfo.UserAgent())
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		if authed && c.tokens != nil {
			tok, err := c.tokens.Token(ctx)
			if err != nil {
				return backoff.Permanent(err)
			}
			req.Header.Set("Authorization", "Bearer "+tok.Value)
		}
		resp, err := c.http.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(ctx.Err())
			}
			return fmt.Errorf("%s: %w", op, err)
		}
		defer resp.Body.Close()
		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
			serr := &StatusError{Op: op, Code: resp.StatusCode, Body: strings.TrimSpace(string(raw))}
			if resp.StatusCode == http.StatusUnauthorized && authed && c.tokens != nil && !reauthed {
				reauthed = true
				c.tokens.Invalidate()
				return serr
			}
			if IsTransient(serr) {
				return serr
			}
			return backoff.Permanent(serr)
		}
		if out == nil {
			_, _ = io.Copy(io.Discard, resp.Body)
			return nil
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return backoff.Permanent(fmt.Errorf("%s: decode response: %w", op, err))
		}
		return nil
	}
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = c.initial
	eb.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(eb, uint64(c.maxRetries)), ctx)
	return backoff.RetryNotify(attempt, policy, func(err error, wait time.Duration) {
		c.onRetry(op, err, wait)
	})
}

// Open starts a GET on an absolute download link and returns the response
// for streaming. The caller closes the body. Links are pre-signed so no
// bearer token is attached.
func (c *Client) Open(ctx context.Context, url string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", buildinfo.UserAgent())
	resp, err := c.download.Do(req)
	if err != nil {
		return nil, fmt.Errorf("download: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		resp.Body.Close()
		return nil, &StatusError{Op: "download", Code: resp.StatusCode, Body: strings.TrimSpace(string(raw))}
	}
	return resp, nil
}
