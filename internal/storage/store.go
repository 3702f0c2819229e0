// Package storage defines the boundary to the two interchangeable object
// stores (the platform-managed depot and the S3-compatible remote) and
// provides their concrete implementations. The control plane never buffers
// upload bytes itself; signed URLs are the integration points.
package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/avolkov/filedepot/internal/common"
	"github.com/avolkov/filedepot/internal/server/models"
)

// Store is one storage backend as seen by the control plane.
type Store interface {
	// Backend returns the backend this store serves.
	Backend() models.Backend

	// UploadDestination returns a URL the caller can PUT bytes to. The
	// remote store requires key to be chosen up front; the depot ignores
	// it and assigns an id when the bytes land.
	UploadDestination(ctx context.Context, key string, expires time.Duration) (string, error)

	// SignedReadURL returns a short-lived URL for downloading the object.
	SignedReadURL(ctx context.Context, key string, expires time.Duration) (string, error)

	// Put writes data under key and returns the key actually used. An
	// empty key asks the backend to assign one; the remote store rejects
	// that.
	Put(ctx context.Context, key string, data []byte, contentType string) (string, error)

	// Delete removes the object. Deleting a missing object is not an error.
	Delete(ctx context.Context, key string) error

	// Exists reports whether the object is present.
	Exists(ctx context.Context, key string) (bool, error)

	// HeadMetadata returns backend-native size/hash/content-type, or
	// common.ErrNotFound when no such object exists.
	HeadMetadata(ctx context.Context, key string) (*models.Metadata, error)
}

// Set holds the configured stores. The remote entry may be absent when no
// remote credentials were supplied; operations touching it then fail with
// common.ErrConfig.
type Set struct {
	stores map[models.Backend]Store
}

func NewSet(stores ...Store) *Set {
	m := make(map[models.Backend]Store, len(stores))
	for _, s := range stores {
		if s != nil {
			m[s.Backend()] = s
		}
	}
	return &Set{stores: m}
}

// For returns the store serving the given backend.
func (s *Set) For(b models.Backend) (Store, error) {
	st, ok := s.stores[b]
	if !ok {
		return nil, fmt.Errorf("backend %q not configured: %w", b, common.ErrConfig)
	}
	return st, nil
}

// Has reports whether the backend is configured without returning the store.
func (s *Set) Has(b models.Backend) bool {
	_, ok := s.stores[b]
	return ok
}
