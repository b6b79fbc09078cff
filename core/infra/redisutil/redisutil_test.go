package redisutil

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"math/big"
	"os"
	"path/filepath"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
)

func TestConnectPings(t *testing.T) {
	srv, err := miniredis.Run()
	if err != nil {
		t.Skipf("miniredis unavailable: %v", err)
	}
	defer srv.Close()
	client, err := Connect(context.Background(), "redis://"+srv.Addr())
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer client.Close()
	if err := client.Set(context.Background(), "k", "v", 0).Err(); err != nil {
		t.Fatalf("set: %v", err)
	}
}

func TestConnectUnreachable(t *testing.T) {
	srv, err := miniredis.Run()
	if err != nil {
		t.Skipf("miniredis unavailable: %v", err)
	}
	addr := srv.Addr()
	srv.Close()
	if _, err := Connect(context.Background(), "redis://"+addr); err == nil {
		t.Fatalf("expected connect error")
	}
	if _, err := Connect(context.Background(), "://bad"); err == nil {
		t.Fatalf("expected parse error")
	}
}

func TestParseOptionsNoTLS(t *testing.T) {
	opts, err := ParseOptions("redis://localhost:6379")
	if err != nil {
		t.Fatalf("ParseOptions error: %v", err)
	}
	if opts.TLSConfig != nil {
		t.Fatalf("expected nil TLS config")
	}
}

func TestParseOptionsInsecureTLS(t *testing.T) {
	t.Setenv(envRedisTLSInsecure, "true")
	opts, err := ParseOptions("redis://localhost:6379")
	if err != nil {
		t.Fatalf("ParseOptions error: %v", err)
	}
	if opts.TLSConfig == nil || !opts.TLSConfig.InsecureSkipVerify {
		t.Fatalf("expected insecure TLS config")
	}
	if opts.TLSConfig.MinVersion != tls.VersionTLS12 {
		t.Fatalf("expected TLS 1.2 floor")
	}
}

func TestParseOptionsTLSCA(t *testing.T) {
	dir := t.TempDir()
	certPath, keyPath := writeTempCert(t, dir)
	t.Setenv(envRedisTLSCA, certPath)
	t.Setenv(envRedisTLSCert, certPath)
	t.Setenv(envRedisTLSKey, keyPath)

	opts, err := ParseOptions("redis://localhost:6379")
	if err != nil {
		t.Fatalf("ParseOptions error: %v", err)
	}
	if opts.TLSConfig == nil || opts.TLSConfig.RootCAs == nil {
		t.Fatalf("expected root CAs set")
	}
	if len(opts.TLSConfig.Certificates) != 1 {
		t.Fatalf("expected client certificate")
	}
}

func TestParseOptionsMissingKey(t *testing.T) {
	dir := t.TempDir()
	certPath, _ := writeTempCert(t, dir)
	t.Setenv(envRedisTLSCert, certPath)

	_, err := ParseOptions("redis://localhost:6379")
	if err == nil {
		t.Fatalf("expected error for missing key")
	}
}

func writeTempCert(t *testing.T, dir string) (string, string) {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	tmpl := x509.Certificate{
		SerialNumber:          big.NewInt(1),
		NotBefore:             time.Now().Add(-1 * time.Hour),
		NotAfter:              time.Now().Add(24 * time.Hour),
		IsCA:                  true,
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageDigitalSignature,
		BasicConstraintsValid: true,
	}
	der, err := x509.CreateCertificate(rand.Reader, &tmpl, &tmpl, &key.PublicKey, key)
	if err != nil {
		t.Fatalf("create cert: %v", err)
	}
	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)})

	certPath := filepath.Join(dir, "tls.crt")
	keyPath := filepath.Join(dir, "tls.key")
	if err := os.WriteFile(certPath, certPEM, 0o600); err != nil {
		t.Fatalf("write cert: %v", err)
	}
	if err := os.WriteFile(keyPath, keyPEM, 0o600); err != nil {
		t.Fatalf("write key: %v", err)
	}
	return certPath, keyPath
}
