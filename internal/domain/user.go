package domain

import "time"

// SystemUserID is the sentinel owner assigned to mail whose recipient does
// not resolve to any registered domain. System-owned mail is persisted for
// audit but skips quota tracking and routing.
const SystemUserID = "system"

// APIKey is a hashed credential that resolves to a user. Key issuance
// happens outside this service; we only validate presented keys.
type APIKey struct {
	ID         string     `json:"id" db:"id"`
	UserID     string     `json:"user_id" db:"user_id"`
	Name       string     `json:"name" db:"name"`
	KeyHash    string     `json:"-" db:"key_hash"`
	LastUsedAt *time.Time `json:"last_used_at" db:"last_used_at"`
	CreatedAt  time.Time  `json:"created_at" db:"created_at"`
}
