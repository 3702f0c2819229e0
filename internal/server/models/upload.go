package models

import "time"

// PendingUpload is the ephemeral ticket bridging upload-URL issuance and
// registry commit. StorageID is pre-chosen for the remote backend (the
// store needs a key at URL-signing time) and nil for the local backend,
// which assigns the id after bytes are written. Tickets not finalized
// before ExpiresAt become inert and are swept.
type PendingUpload struct {
	Token       string
	Backend     Backend
	StorageID   *string
	VirtualPath *string
	ExpiresAt   time.Time
	CreatedAt   time.Time
}

// UploadTicket is the caller-visible result of starting an upload.
type UploadTicket struct {
	// UploadURL is where the caller must PUT the file bytes.
	UploadURL string
	// Token authenticates the later finalize call.
	Token string
	// ExpiresAt is the ticket deadline.
	ExpiresAt time.Time
	// StorageID is set when the backend required the key up front.
	StorageID *string
}
