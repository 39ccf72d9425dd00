package storage

import (
	"context"
	"errors"
	"io"
	"strings"
)

// ErrInvalidKey is returned for keys that are empty or escape the bucket root.
var ErrInvalidKey = errors.New("invalid object key")

// Uploader stores objects under a key.
type Uploader interface {
	Put(ctx context.Context, key string, reader io.Reader, contentType string) error
}

func validKey(key string) bool {
	if key == "" || strings.HasPrefix(key, "/") {
		return false
	}
	for _, part := range strings.Split(key, "/") {
		if part == ".." {
			return false
		}
	}
	return true
}
