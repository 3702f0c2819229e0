// Package services implements the control-plane operations: registration
// and access indexing, the two-phase upload ledger, download grants, the
// cross-backend transfer orchestrator and the cleanup sweeper. Services
// hold a *sql.DB plus a RepositoryManager and run every multi-row mutation
// under dbx.WithTx.
package services

import (
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/avolkov/filedepot/internal/common"
)

// normalizeAccessKeys trims, drops empties and deduplicates while keeping
// first-seen order. Keys are case-preserved and otherwise opaque.
func normalizeAccessKeys(keys []string) []string {
	seen := make(map[string]struct{}, len(keys))
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		k = strings.TrimSpace(k)
		if k == "" {
			continue
		}
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, k)
	}
	return out
}

// normalizeVirtualPath trims the optional path. A supplied path that is
// empty after trimming is a validation error; nil passes through.
func normalizeVirtualPath(virtualPath *string) (*string, error) {
	if virtualPath == nil {
		return nil, nil
	}
	p := strings.TrimSpace(*virtualPath)
	if p == "" {
		return nil, fmt.Errorf("virtual path is blank: %w", common.ErrValidation)
	}
	return &p, nil
}

// validateExpiration requires a strictly future timestamp, or nil.
func validateExpiration(expiresAt *time.Time, now time.Time) error {
	if expiresAt != nil && !expiresAt.After(now) {
		return fmt.Errorf("expiration must be in the future: %w", common.ErrValidation)
	}
	return nil
}

// --- opaque listing cursors ---

// encodeFileCursor packs the newest-first listing position.
func encodeFileCursor(createdAt time.Time, storageID string) string {
	raw := fmt.Sprintf("%d|%s", createdAt.UnixNano(), storageID)
	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}

func decodeFileCursor(cursor string) (time.Time, string, error) {
	raw, err := base64.RawURLEncoding.DecodeString(cursor)
	if err != nil {
		return time.Time{}, "", fmt.Errorf("bad cursor: %w", common.ErrValidation)
	}
	parts := strings.SplitN(string(raw), "|", 2)
	if len(parts) != 2 {
		return time.Time{}, "", fmt.Errorf("bad cursor: %w", common.ErrValidation)
	}
	nanos, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return time.Time{}, "", fmt.Errorf("bad cursor: %w", common.ErrValidation)
	}
	return time.Unix(0, nanos), parts[1], nil
}

// encodeAccessCursor packs the access-index scan position (last row id).
func encodeAccessCursor(id int64) string {
	return base64.RawURLEncoding.EncodeToString([]byte(strconv.FormatInt(id, 10)))
}

func decodeAccessCursor(cursor string) (int64, error) {
	raw, err := base64.RawURLEncoding.DecodeString(cursor)
	if err != nil {
		return 0, fmt.Errorf("bad cursor: %w", common.ErrValidation)
	}
	id, err := strconv.ParseInt(string(raw), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("bad cursor: %w", common.ErrValidation)
	}
	return id, nil
}
