// Package config loads runtime settings from the environment and an
// optional .env file.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Port      string
	Env       string
	LogLevel  string
	LogFormat string
	Bundle    BundleConfig
	Cache     CacheConfig
	Manifest  ManifestConfig
	Origin    OriginConfig
	WatchURL  string
}

type BundleConfig struct {
	BuildTarget        string
	LocalRoot          string
	SweepWindow        time.Duration
	AutoReleaseTimeout time.Duration
}

type CacheConfig struct {
	Dir         string
	MaxBytes    int64
	RetainBytes int64
}

type ManifestConfig struct {
	// Store is file, memory or postgres.
	Store string
	Path  string
	DSN   string
}

// OriginConfig selects the remote origin: an HTTP base URL, or an S3
// bucket when Endpoint is set.
type OriginConfig struct {
	RemoteURL string
	Endpoint  string
	Region    string
	AccessKey string
	SecretKey string
	Bucket    string
	Prefix    string
	UseSSL    bool
}

// UseS3 reports whether the remote origin is an S3 bucket.
func (o OriginConfig) UseS3() bool {
	return strings.TrimSpace(o.Endpoint) != ""
}

// Load reads .env (if present) and the environment.
func Load() (*Config, error) {
	_ = godotenv.Load()

	port := strings.TrimSpace(os.Getenv("PORT"))
	if port == "" {
		port = ":8090"
	} else if !strings.HasPrefix(port, ":") {
		port = ":" + port
	}

	env := firstNonEmpty(strings.TrimSpace(os.Getenv("APP_ENV")), "local")
	cfg := &Config{
		Port:      port,
		Env:       env,
		LogLevel:  firstNonEmpty(strings.TrimSpace(os.Getenv("LOG_LEVEL")), "info"),
		LogFormat: firstNonEmpty(strings.TrimSpace(os.Getenv("LOG_FORMAT")), "text"),
		WatchURL:  strings.TrimSpace(os.Getenv("BUNDLE_WATCH_URL")),
		Origin:    loadOriginConfig(env),
	}

	var err error
	cfg.Bundle = BundleConfig{
		BuildTarget: firstNonEmpty(strings.TrimSpace(os.Getenv("BUNDLE_BUILD_TARGET")), "default"),
		LocalRoot:   firstNonEmpty(strings.TrimSpace(os.Getenv("BUNDLE_LOCAL_ROOT")), "bundles/local"),
	}
	if cfg.Bundle.SweepWindow, err = envDuration("BUNDLE_SWEEP_WINDOW", 5*time.Second); err != nil {
		return nil, err
	}
	if cfg.Bundle.AutoReleaseTimeout, err = envDuration("BUNDLE_AUTO_RELEASE_TIMEOUT", time.Second); err != nil {
		return nil, err
	}

	cfg.Cache.Dir = firstNonEmpty(strings.TrimSpace(os.Getenv("BUNDLE_CACHE_DIR")), "bundles/cache")
	if cfg.Cache.MaxBytes, err = envBytes("BUNDLE_CACHE_MAX_BYTES", 0); err != nil {
		return nil, err
	}
	if cfg.Cache.RetainBytes, err = envBytes("BUNDLE_CACHE_RETAIN_BYTES", 256<<20); err != nil {
		return nil, err
	}

	cfg.Manifest = ManifestConfig{
		Store: firstNonEmpty(strings.TrimSpace(os.Getenv("BUNDLE_MANIFEST_STORE")), "file"),
		Path:  firstNonEmpty(strings.TrimSpace(os.Getenv("BUNDLE_MANIFEST_PATH")), cfg.Cache.Dir+"/manifests"),
		DSN:   strings.TrimSpace(os.Getenv("BUNDLE_MANIFEST_DSN")),
	}
	if cfg.Manifest.Store == "postgres" && cfg.Manifest.DSN == "" {
		return nil, fmt.Errorf("BUNDLE_MANIFEST_DSN is required for the postgres manifest store")
	}
	return cfg, nil
}

func loadOriginConfig(env string) OriginConfig {
	return OriginConfig{
		RemoteURL: strings.TrimSpace(os.Getenv("BUNDLE_REMOTE_URL")),
		Endpoint:  strings.TrimSpace(os.Getenv("BUNDLE_S3_ENDPOINT")),
		Region:    firstNonEmpty(strings.TrimSpace(os.Getenv("BUNDLE_S3_REGION")), "us-east-1"),
		AccessKey: firstNonEmpty(strings.TrimSpace(os.Getenv("BUNDLE_S3_ACCESS_KEY")), strings.TrimSpace(os.Getenv("MINIO_ROOT_USER"))),
		SecretKey: firstNonEmpty(strings.TrimSpace(os.Getenv("BUNDLE_S3_SECRET_KEY")), strings.TrimSpace(os.Getenv("MINIO_ROOT_PASSWORD"))),
		Bucket:    firstNonEmpty(strings.TrimSpace(os.Getenv("BUNDLE_S3_BUCKET")), "bundles"),
		Prefix:    strings.TrimSpace(os.Getenv("BUNDLE_S3_PREFIX")),
		UseSSL:    resolveUseSSL(env),
	}
}

func resolveUseSSL(env string) bool {
	if strings.EqualFold(strings.TrimSpace(env), "local") {
		return false
	}
	raw := strings.TrimSpace(os.Getenv("BUNDLE_S3_USE_SSL"))
	if raw == "" {
		return true
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return true
	}
	return v
}

func envDuration(key string, def time.Duration) (time.Duration, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("%s must be positive, got %s", key, raw)
	}
	return d, nil
}

func envBytes(key string, def int64) (int64, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def, nil
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	if n < 0 {
		return 0, fmt.Errorf("%s must not be negative, got %d", key, n)
	}
	return n, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
