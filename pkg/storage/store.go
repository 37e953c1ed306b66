package storage

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrAlreadyExists is returned by PutIfAbsent when the key is taken.
	ErrAlreadyExists = errors.New("object already exists")
	ErrNotFound      = errors.New("object not found")
)

// ObjectStore is blob storage keyed by caller-chosen keys.
type ObjectStore interface {
	// PutIfAbsent stores data under key unless an object already exists there.
	PutIfAbsent(ctx context.Context, key string, data []byte, contentType string) error
	Get(ctx context.Context, key string) ([]byte, error)
	Exists(ctx context.Context, key string) (bool, error)
	// Delete removes key; a missing object is not an error.
	Delete(ctx context.Context, key string) error
	PresignGet(ctx context.Context, key string, expiry time.Duration) (string, error)
}
