package auth

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
)

func testKey(t *testing.T) (*rsa.PrivateKey, string) {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	pemBytes := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)})
	return key, string(pemBytes)
}

type countingGrantor struct {
	calls atomic.Int32
	delay time.Duration
	tok   Token
	err   error
}

func (g *countingGrantor) Grant(context.Context) (Token, error) {
	g.calls.Add(1)
	time.Sleep(g.delay)
	return g.tok, g.err
}

func TestHandlerCachesUntilMargin(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	g := &countingGrantor{tok: Token{Value: "a", IssuedAt: now, ExpiresAt: now.Add(time.Hour)}}
	h := NewHandler(g, Options{SafetyMargin: 5 * time.Minute, Now: clock})

	for i := 0; i < 3; i++ {
		tok, err := h.Token(context.Background())
		if err != nil || tok.Value != "a" {
			t.Fatalf("token: %v %v", tok, err)
		}
	}
	if g.calls.Load() != 1 {
		t.Fatalf("expected one grant, got %d", g.calls.Load())
	}

	now = now.Add(54 * time.Minute)
	if _, err := h.Token(context.Background()); err != nil {
		t.Fatalf("token: %v", err)
	}
	if g.calls.Load() != 1 {
		t.Fatalf("token outside margin must be reused")
	}

	now = now.Add(2 * time.Minute)
	if _, err := h.Token(context.Background()); err != nil {
		t.Fatalf("token: %v", err)
	}
	if g.calls.Load() != 2 {
		t.Fatalf("expected refresh inside margin, got %d grants", g.calls.Load())
	}
}

func TestHandlerSingleRefreshUnderConcurrency(t *testing.T) {
	now := time.Now()
	g := &countingGrantor{delay: 50 * time.Millisecond, tok: Token{Value: "shared", ExpiresAt: now.Add(time.Hour)}}
	var refreshes atomic.Int32
	h := NewHandler(g, Options{OnRefresh: func(string) { refreshes.Add(1) }})

	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			tok, err := h.Token(context.Background())
			if err != nil || tok.Value != "shared" {
				t.Errorf("token: %v %v", tok, err)
			}
		}()
	}
	close(start)
	wg.Wait()
	if g.calls.Load() != 1 || refreshes.Load() != 1 {
		t.Fatalf("expected exactly one refresh, got grants=%d refreshes=%d", g.calls.Load(), refreshes.Load())
	}
}

func TestHandlerWrapsErrAuth(t *testing.T) {
	g := &countingGrantor{err: errors.New("connection refused")}
	h := NewHandler(g, Options{})
	if _, err := h.Token(context.Background()); !errors.Is(err, ErrAuth) {
		t.Fatalf("expected ErrAuth, got %v", err)
	}
	if _, err := NewHandler(nil, Options{}).Token(context.Background()); !errors.Is(err, ErrAuth) {
		t.Fatalf("expected ErrAuth without grantor, got %v", err)
	}
}

func TestHandlerInvalidate(t *testing.T) {
	g := &countingGrantor{tok: Token{Value: "a", ExpiresAt: time.Now().Add(time.Hour)}}
	h := NewHandler(g, Options{})
	_, _ = h.Token(context.Background())
	h.Invalidate()
	_, _ = h.Token(context.Background())
	if g.calls.Load() != 2 {
		t.Fatalf("expected refresh after invalidate, got %d", g.calls.Load())
	}
}

func TestJWTBearerGrant(t *testing.T) {
	key, pemKey := testKey(t)
	var srvURL string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			t.Errorf("parse form: %v", err)
		}
		if r.Form.Get("grant_type") != grantTypeJWTBearer {
			t.Errorf("unexpected grant_type %q", r.Form.Get("grant_type"))
		}
		claims := &jwt.RegisteredClaims{}
		parsed, err := jwt.ParseWithClaims(r.Form.Get("assertion"), claims, func(tok *jwt.Token) (any, error) {
			if tok.Header["kid"] != "kid-1" {
				t.Errorf("expected kid header")
			}
			return &key.PublicKey, nil
		}, jwt.WithValidMethods([]string{"RS256"}), jwt.WithAudience(srvURL))
		if err != nil || !parsed.Valid {
			t.Errorf("invalid assertion: %v", err)
		}
		if claims.Issuer != "client-1" || claims.Subject != "user-1" {
			t.Errorf("unexpected claims: %#v", claims)
		}
		if got := claims.ExpiresAt.Sub(claims.IssuedAt.Time); got != time.Hour {
			t.Errorf("unexpected assertion lifetime %s", got)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"access_token": "tok-1"})
	}))
	defer srv.Close()
	srvURL = srv.URL

	g, err := NewJWTBearerGrantor(Credentials{
		ClientID: "client-1", UserID: "user-1", TokenURI: srv.URL, PrivateKey: pemKey, KeyID: "kid-1",
	}, srv.Client(), time.Hour)
	if err != nil {
		t.Fatalf("grantor: %v", err)
	}
	tok, err := g.Grant(context.Background())
	if err != nil {
		t.Fatalf("grant: %v", err)
	}
	if tok.Value != "tok-1" || tok.ExpiresAt.Sub(tok.IssuedAt) != time.Hour {
		t.Fatalf("unexpected token %#v", tok)
	}
}

func TestJWTBearerGrantRejected(t *testing.T) {
	_, pemKey := testKey(t)
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, `{"error":"invalid_grant"}`, http.StatusUnauthorized)
	}))
	defer srv.Close()
	g, err := NewJWTBearerGrantor(Credentials{ClientID: "c", UserID: "u", TokenURI: srv.URL, PrivateKey: pemKey}, srv.Client(), 0)
	if err != nil {
		t.Fatalf("grantor: %v", err)
	}
	if _, err := g.Grant(context.Background()); !errors.Is(err, ErrAuth) {
		t.Fatalf("expected ErrAuth, got %v", err)
	}
	if calls.Load() != 1 {
		t.Fatalf("rejections must not be retried, got %d calls", calls.Load())
	}
}

func TestJWTBearerGrantRetriesServerErrors(t *testing.T) {
	_, pemKey := testKey(t)
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"access_token": "tok", "expires_in": 600})
	}))
	defer srv.Close()
	g, err := NewJWTBearerGrantor(Credentials{ClientID: "c", UserID: "u", TokenURI: srv.URL, PrivateKey: pemKey}, srv.Client(), time.Hour)
	if err != nil {
		t.Fatalf("grantor: %v", err)
	}
	tok, err := g.Grant(context.Background())
	if err != nil {
		t.Fatalf("grant: %v", err)
	}
	if calls.Load() != 2 || tok.ExpiresAt.Sub(tok.IssuedAt) != 10*time.Minute {
		t.Fatalf("unexpected retry outcome: calls=%d token=%#v", calls.Load(), tok)
	}
}

func TestLoadCredentials(t *testing.T) {
	_, pemKey := testKey(t)
	path := filepath.Join(t.TempDir(), "creds.json")
	data, _ := json.Marshal(Credentials{ClientID: "c", UserID: "u", TokenURI: "https://x/token", PrivateKey: pemKey})
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	creds, err := LoadCredentials(path)
	if err != nil || creds.ClientID != "c" {
		t.Fatalf("load: %v %#v", err, creds)
	}

	if err := os.WriteFile(path, []byte(`{"client_id":"c"}`), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := LoadCredentials(path); !errors.Is(err, ErrAuth) {
		t.Fatalf("expected ErrAuth for incomplete credentials, got %v", err)
	}
	if _, err := NewJWTBearerGrantor(Credentials{ClientID: "c", UserID: "u", TokenURI: "x", PrivateKey: "not a key"}, nil, 0); !errors.Is(err, ErrAuth) {
		t.Fatalf("expected ErrAuth for bad key, got %v", err)
	}
}
