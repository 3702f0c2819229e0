// Package models defines server-side data models persisted in the database.
package models

import "time"

// Backend identifies which storage provider holds a file's bytes.
type Backend string

const (
	// BackendDepot is the platform-managed local object store.
	BackendDepot Backend = "depot"
	// BackendR2 is the S3-compatible remote store.
	BackendR2 Backend = "r2"
)

// Valid reports whether b names a known backend.
func (b Backend) Valid() bool {
	return b == BackendDepot || b == BackendR2
}

// File is the canonical record of one stored object. Identity is the
// backend-scoped StorageID; there is at most one File per StorageID and
// at most one File per non-nil VirtualPath.
type File struct {
	StorageID   string
	Backend     Backend
	VirtualPath *string
	ExpiresAt   *time.Time

	// Backend-native metadata captured at registration time.
	Size        int64
	ContentHash string
	ContentType string

	CreatedAt time.Time
}

// Expired reports whether the file is past its expiration at the given time.
func (f *File) Expired(now time.Time) bool {
	return f.ExpiresAt != nil && !now.Before(*f.ExpiresAt)
}

// Metadata describes backend-native object attributes (size, content hash,
// content type) as returned by a storage backend head call.
type Metadata struct {
	Size        int64
	Hash        string
	ContentType string
}

// FileSummary is the read view handed back by registry mutations and reads:
// the file row plus its current access-key set.
type FileSummary struct {
	StorageID   string
	Backend     Backend
	VirtualPath *string
	ExpiresAt   *time.Time
	Size        int64
	ContentHash string
	ContentType string
	AccessKeys  []string
	CreatedAt   time.Time
}

// AccessEntry grants read/download eligibility for one (file, access key)
// pair. Rows are owned by the File they reference and are removed with it.
type AccessEntry struct {
	ID        int64
	StorageID string
	AccessKey string
	CreatedAt time.Time
}
