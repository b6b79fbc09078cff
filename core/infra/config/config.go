package config

import (
	"os"
	"strings"
)

const (
	defaultAPIURL        = "https://land.copernicus.eu/api"
	defaultTokenURL      = "https://land.copernicus.eu/@@oauth2-token"
	defaultCacheURI      = "file://clms_cache"
	defaultPreloadConfig = "config/preload.yaml"
	defaultMetricsAddr   = ":9090"
	envAPIURL            = "CLMS_API_URL"
	envTokenURL          = "CLMS_TOKEN_URL"
	envCredentialsPath   = "CLMS_CREDENTIALS_PATH"
	envCacheURI          = "CLMS_CACHE_URI"
	envWorkDir           = "CLMS_WORK_DIR"
	envPreloadConfigPath = "CLMS_PRELOAD_CONFIG_PATH"
	envMetricsAddr       = "CLMS_METRICS_ADDR"
	envRedisURL          = "REDIS_URL"
	envNATSURL           = "NATS_URL"
)

// Config holds process-level settings for the CLMS store.
type Config struct {
	APIURL            string
	TokenURL          string
	CredentialsPath   string
	CacheURI          string
	WorkDir           string
	PreloadConfigPath string
	MetricsAddr       string
	// RedisURL and NatsURL are optional; empty disables the state mirror
	// and the progress bus respectively.
	RedisURL string
	NatsURL  string
}

// Load returns configuration using environment variables with sane defaults.
func Load() *Config {
	workDir := env(envWorkDir, "")
	if workDir == "" {
		workDir = os.TempDir()
	}
	return &Config{
		APIURL:            strings.TrimRight(env(envAPIURL, defaultAPIURL), "/"),
		TokenURL:          env(envTokenURL, defaultTokenURL),
		CredentialsPath:   env(envCredentialsPath, ""),
		CacheURI:          env(envCacheURI, defaultCacheURI),
		WorkDir:           workDir,
		PreloadConfigPath: env(envPreloadConfigPath, defaultPreloadConfig),
		MetricsAddr:       env(envMetricsAddr, defaultMetricsAddr),
		RedisURL:          env(envRedisURL, ""),
		NatsURL:           env(envNATSURL, ""),
	}
}

func env(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}
