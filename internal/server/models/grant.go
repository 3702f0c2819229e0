package models

import (
	"time"

	"github.com/avolkov/filedepot/internal/credentials"
)

// DownloadGrant is a revocable download credential referencing one File by
// storage id. A nil MaxUses means unlimited; a nil ExpiresAt means no
// deadline; a nil Password means unprotected; Shareable grants skip the
// access-key check entirely.
//
// Grants are cleaned up lazily: an expired or exhausted grant is deleted on
// the next consumption attempt, not by a background index.
type DownloadGrant struct {
	ID        string
	StorageID string
	MaxUses   *int
	UseCount  int
	ExpiresAt *time.Time
	Password  *credentials.Record
	Shareable bool
	CreatedAt time.Time
}

// Expired reports whether the grant is past its expiration at the given time.
func (g *DownloadGrant) Expired(now time.Time) bool {
	return g.ExpiresAt != nil && !now.Before(*g.ExpiresAt)
}

// Exhausted reports whether the grant's use budget is spent.
func (g *DownloadGrant) Exhausted() bool {
	return g.MaxUses != nil && g.UseCount >= *g.MaxUses
}
