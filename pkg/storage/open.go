package storage

import (
	"fmt"
	"strings"
)

// Config selects an object store backend: "minio" (default), "s3" or
// "memory".
type Config struct {
	Backend string

	MinioEndpoint  string
	MinioAccessKey string
	MinioSecretKey string
	MinioBucket    string
	MinioUseSSL    bool

	S3 S3Config
}

// Open builds the ObjectStore for cfg.Backend.
func Open(cfg Config) (ObjectStore, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Backend)) {
	case "", "minio":
		return NewMinioStore(cfg.MinioEndpoint, cfg.MinioAccessKey, cfg.MinioSecretKey, cfg.MinioBucket, cfg.MinioUseSSL)
	case "s3":
		return NewS3Store(cfg.S3)
	case "memory":
		return NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unsupported storage backend %q", cfg.Backend)
	}
}
