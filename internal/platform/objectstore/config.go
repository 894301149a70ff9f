package objectstore

import (
	"errors"
	"fmt"
	"strings"

	"github.com/animus-labs/hannibal/internal/platform/env"
)

type Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Region    string
	UseSSL    bool
	Bucket    string
	// Prefix namespaces completion markers inside the bucket.
	Prefix string
}

func ConfigFromEnv() (Config, error) {
	useSSL, err := env.Bool("HANNIBAL_MINIO_USE_SSL", false)
	if err != nil {
		return Config{}, err
	}
	cfg := Config{
		Endpoint:  env.String("HANNIBAL_MINIO_ENDPOINT", "localhost:9000"),
		AccessKey: env.String("HANNIBAL_MINIO_ACCESS_KEY", "hannibal"),
		SecretKey: env.String("HANNIBAL_MINIO_SECRET_KEY", "hannibalminio"),
		Region:    env.String("HANNIBAL_MINIO_REGION", "us-east-1"),
		UseSSL:    useSSL,
		Bucket:    env.String("HANNIBAL_MINIO_BUCKET", "hannibal"),
		Prefix:    env.String("HANNIBAL_MINIO_PREFIX", "status"),
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.Endpoint) == "" {
		return errors.New("endpoint is required")
	}
	if strings.TrimSpace(c.AccessKey) == "" {
		return errors.New("access key is required")
	}
	if strings.TrimSpace(c.SecretKey) == "" {
		return errors.New("secret key is required")
	}
	if strings.TrimSpace(c.Region) == "" {
		return errors.New("region is required")
	}
	if strings.TrimSpace(c.Bucket) == "" {
		return errors.New("bucket is required")
	}
	if strings.Contains(c.Endpoint, "://") {
		return fmt.Errorf("endpoint must not include scheme: %q", c.Endpoint)
	}
	return nil
}
