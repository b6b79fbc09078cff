package auth

import (
	"context"
	"crypto/rsa"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	jwt "github.com/golang-jwt/jwt/v5"
)

const (
	grantTypeJWTBearer = "urn:ietf:params:oauth:grant-type:jwt-bearer"
	maxGrantAttempts   = 3
)

// Grantor performs one token exchange against the auth endpoint.
type Grantor interface {
	Grant(ctx context.Context) (Token, error)
}

// JWTBearerGrantor exchanges a signed RS256 assertion for an access token.
type JWTBearerGrantor struct {
	creds    Credentials
	key      *rsa.PrivateKey
	client   *http.Client
	lifetime time.Duration
	now      func() time.Time
}

func NewJWTBearerGrantor(creds Credentials, client *http.Client, lifetime time.Duration) (*JWTBearerGrantor, error) {
	if err := creds.Validate(); err != nil {
		return nil, err
	}
	key, err := creds.signingKey()
	if err != nil {
		return nil, err
	}
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	if lifetime <= 0 {
		lifetime = time.Hour
	}
	return &JWTBearerGrantor{creds: creds, key: key, client: client, lifetime: lifetime, now: time.Now}, nil
}

func (g *JWTBearerGrantor) assertion(issued time.Time) (string, error) {
	claims := jwt.RegisteredClaims{
		Issuer:    g.creds.ClientID,
		Subject:   g.creds.UserID,
		Audience:  jwt.ClaimStrings{g.creds.TokenURI},
		IssuedAt:  jwt.NewNumericDate(issued),
		ExpiresAt: jwt.NewNumericDate(issued.Add(g.lifetime)),
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	if g.creds.KeyID != "" {
		tok.Header["kid"] = g.creds.KeyID
	}
	return tok.SignedString(g.key)
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int64  `json:"expires_in"`
}

func (g *JWTBearerGrantor) Grant(ctx context.Context) (Token, error) {
	var out Token
	op := func() error {
		tok, err := g.grantOnce(ctx)
		if err != nil {
			return err
		}
		out = tok
		return nil
	}
	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), maxGrantAttempts-1), ctx)
	if err := backoff.Retry(op, policy); err != nil {
		return Token{}, fmt.Errorf("%w: %v", ErrAuth, err)
	}
	return out, nil
}

func (g *JWTBearerGrantor) grantOnce(ctx context.Context) (Token, error) {
	issued := g.now()
	assertion, err := g.assertion(issued)
	if err != nil {
		return Token{}, backoff.Permanent(fmt.Errorf("sign assertion: %w", err))
	}
	form := url.Values{}
	form.Set("grant_type", grantTypeJWTBearer)
	form.Set("assertion", assertion)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.creds.TokenURI, strings.NewReader(form.Encode()))
	if err != nil {
		return Token{}, backoff.Permanent(err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")
	resp, err := g.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return Token{}, backoff.Permanent(err)
		}
		return Token{}, err
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
		return Token{}, fmt.Errorf("token endpoint status %d", resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK {
		return Token{}, backoff.Permanent(fmt.Errorf("token endpoint rejected grant: status %d: %s", resp.StatusCode, strings.TrimSpace(string(body))))
	}
	var tr tokenResponse
	if err := json.Unmarshal(body, &tr); err != nil {
		return Token{}, backoff.Permanent(fmt.Errorf("decode token response: %w", err))
	}
	if tr.AccessToken == "" {
		return Token{}, backoff.Permanent(fmt.Errorf("token response without access_token"))
	}
	lifetime := g.lifetime
	if tr.ExpiresIn > 0 {
		lifetime = time.Duration(tr.ExpiresIn) * time.Second
	}
	return Token{Value: tr.AccessToken, IssuedAt: issued, ExpiresAt: issued.Add(lifetime)}, nil
}
