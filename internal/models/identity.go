package models

import "time"

type IdentitySource string

const (
	IdentitySourceCredential IdentitySource = "credential"
	IdentitySourceProfile    IdentitySource = "profile"
)

// Identity is the subscriber resolved at session start. It never changes for
// the lifetime of a connection.
type Identity struct {
	SubjectID string         `json:"subject_id"`
	Role      string         `json:"role,omitempty"`
	TenantID  string         `json:"tenant_id,omitempty"`
	ExpiresAt *time.Time     `json:"expires_at,omitempty"`
	Source    IdentitySource `json:"source"`

	// Token is the bearer credential presented to the notification service.
	Token string `json:"-"`
}
