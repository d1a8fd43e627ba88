package database

import (
	"time"

	"gorm.io/datatypes"
)

// AuditLogEntry records a session or call lifecycle event for operational
// visibility. It never stores call content, SDP, or ICE payloads — only
// the metadata needed to reconstruct "who connected/called whom, when."
type AuditLogEntry struct {
	ID        string `gorm:"primaryKey"`
	Event     string `gorm:"index"` // e.g. "session.connect", "session.disconnect", "call.invite"
	ClientID  string `gorm:"index"`
	PeerID    string `gorm:"index"`
	Detail    datatypes.JSON
	CreatedAt time.Time `gorm:"index"`
}

// TurnCredentialIssuance records each minted TURN short-lived credential
// for audit/abuse-investigation purposes. The credential itself is never
// stored — only its username (which embeds the expiry and CID, both
// already non-secret) and issuance metadata.
type TurnCredentialIssuance struct {
	ID        string `gorm:"primaryKey"`
	ClientID  string `gorm:"index"`
	Username  string
	ExpiresAt time.Time
	IssuedAt  time.Time `gorm:"index"`
}
