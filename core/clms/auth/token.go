// Package auth obtains and caches CLMS access tokens.
package auth

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/geodatastore/clms/core/infra/logging"
)

// ErrAuth marks failures that leave the process without a usable token.
var ErrAuth = errors.New("clms auth failed")

const defaultSafetyMargin = 5 * time.Minute

type Token struct {
	Value     string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// fresh reports whether the token is still outside the refresh margin at now.
func (t Token) fresh(now time.Time, margin time.Duration) bool {
	return t.Value != "" && now.Before(t.ExpiresAt.Add(-margin))
}

type Options struct {
	SafetyMargin time.Duration
	Now          func() time.Time
	// OnRefresh observes each refresh attempt with result "ok" or "error".
	OnRefresh func(result string)
}

// Handler caches a process-wide token. Readers share the cache under a read
// lock; refresh is exclusive and re-checks the cache after taking the lock so
// concurrent callers near expiry trigger exactly one grant.
type Handler struct {
	grantor   Grantor
	margin    time.Duration
	now       func() time.Time
	onRefresh func(string)

	mu    sync.RWMutex
	token Token
}

func NewHandler(grantor Grantor, opts Options) *Handler {
	h := &Handler{
		grantor:   grantor,
		margin:    opts.SafetyMargin,
		now:       opts.Now,
		onRefresh: opts.OnRefresh,
	}
	if h.margin <= 0 {
		h.margin = defaultSafetyMargin
	}
	if h.now == nil {
		h.now = time.Now
	}
	if h.onRefresh == nil {
		h.onRefresh = func(string) {}
	}
	return h
}

// Token returns the cached token or refreshes it when within the safety margin.
func (h *Handler) Token(ctx context.Context) (Token, error) {
	h.mu.RLock()
	tok := h.token
	h.mu.RUnlock()
	if tok.fresh(h.now(), h.margin) {
		return tok, nil
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.token.fresh(h.now(), h.margin) {
		return h.token, nil
	}
	if h.grantor == nil {
		return Token{}, fmt.Errorf("%w: no grantor configured", ErrAuth)
	}
	fresh, err := h.grantor.Grant(ctx)
	if err != nil {
		h.onRefresh("error")
		logging.Error("token", "refresh failed", "err", err)
		if !errors.Is(err, ErrAuth) {
			err = fmt.Errorf("%w: %v", ErrAuth, err)
		}
		return Token{}, err
	}
	h.onRefresh("ok")
	h.token = fresh
	logging.Info("token", "token refreshed", "expires_at", fresh.ExpiresAt.UTC().Format(time.RFC3339))
	return fresh, nil
}

// Invalidate drops the cached token, e.g. after the API answered 401.
func (h *Handler) Invalidate() {
	h.mu.Lock()
	h.token = Token{}
	h.mu.Unlock()
}
