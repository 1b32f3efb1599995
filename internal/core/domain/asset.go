package domain

import "time"

// MediaAsset is a provider-side reference returned by a prepare/upload call.
// It is only valid when referenced with the credential that created it.
type MediaAsset struct {
	ID        string    `json:"id"         db:"id"`
	OwnerID   string    `json:"owner_id"   db:"owner_id"`
	JobID     string    `json:"job_id"     db:"job_id"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// OwnedBy reports whether credentialID created the asset.
func (a *MediaAsset) OwnedBy(credentialID string) bool {
	return a != nil && a.OwnerID == credentialID
}
