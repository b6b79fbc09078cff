package auth

import (
	"crypto/rsa"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	jwt "github.com/golang-jwt/jwt/v5"
)

// Credentials is the service-key bundle issued by the CLMS portal.
type Credentials struct {
	ClientID   string `json:"client_id"`
	UserID     string `json:"user_id"`
	TokenURI   string `json:"token_uri"`
	PrivateKey string `json:"private_key"`
	KeyID      string `json:"key_id,omitempty"`
}

// LoadCredentials reads a JSON credential bundle from path.
func LoadCredentials(path string) (Credentials, error) {
	var creds Credentials
	// #nosec G304 -- credentials path is operator-provided.
	data, err := os.ReadFile(path)
	if err != nil {
		return creds, fmt.Errorf("read credentials: %w", err)
	}
	if err := json.Unmarshal(data, &creds); err != nil {
		return creds, fmt.Errorf("parse credentials: %w", err)
	}
	return creds, creds.Validate()
}

func (c Credentials) Validate() error {
	var missing []string
	if strings.TrimSpace(c.ClientID) == "" {
		missing = append(missing, "client_id")
	}
	if strings.TrimSpace(c.UserID) == "" {
		missing = append(missing, "user_id")
	}
	if strings.TrimSpace(c.TokenURI) == "" {
		missing = append(missing, "token_uri")
	}
	if strings.TrimSpace(c.PrivateKey) == "" {
		missing = append(missing, "private_key")
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: credentials missing %s", ErrAuth, strings.Join(missing, ", "))
	}
	return nil
}

func (c Credentials) signingKey() (*rsa.PrivateKey, error) {
	key, err := jwt.ParseRSAPrivateKeyFromPEM([]byte(c.PrivateKey))
	if err != nil {
		return nil, fmt.Errorf("%w: parse private key: %v", ErrAuth, err)
	}
	return key, nil
}
