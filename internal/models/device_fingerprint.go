package models

import (
	"time"

	"github.com/google/uuid"
)

// VerificationMethod records how a device earned verified status.
type VerificationMethod string

const (
	VerifyAdminApproval VerificationMethod = "ADMIN_APPROVAL"
	VerifyOTP           VerificationMethod = "OTP"
)

// IsValid reports whether m is a recognized verification method.
func (m VerificationMethod) IsValid() bool {
	return m == VerifyAdminApproval || m == VerifyOTP
}

// NeutralTrustScore is the prior assigned to a device on first observation.
const NeutralTrustScore = 50

// AssociatedUser links an identity that has been seen on a device.
type AssociatedUser struct {
	UserID string `json:"user_id" db:"user_id"`
	Role   string `json:"role" db:"role"`
}

// DeviceFingerprint is the registry record for one observed device. The raw
// client signals are envelope-encrypted at rest; only the keyed lookup hash
// is queryable. Blocked devices keep their row forever (soft state only).
type DeviceFingerprint struct {
	DeviceID             uuid.UUID `json:"device_id" db:"device_id"`
	DeviceBucket         int       `json:"-" db:"device_bucket"`
	FingerprintHash      string    `json:"fingerprint_hash" db:"fingerprint_hash"`
	FingerprintEncrypted string    `json:"-" db:"fingerprint_encrypted"`
	FingerprintDEK       string    `json:"-" db:"fingerprint_dek"`
	FingerprintKeyID     string    `json:"-" db:"fingerprint_key_id"`

	FirstSeen time.Time `json:"first_seen" db:"first_seen"`
	LastSeen  time.Time `json:"last_seen" db:"last_seen"`

	IsVerified         bool               `json:"is_verified" db:"is_verified"`
	VerificationMethod VerificationMethod `json:"verification_method,omitempty" db:"verification_method"`
	VerifiedAt         time.Time          `json:"verified_at,omitempty" db:"verified_at"`

	IsBlocked     bool      `json:"is_blocked" db:"is_blocked"`
	BlockedReason string    `json:"blocked_reason,omitempty" db:"blocked_reason"`
	BlockedAt     time.Time `json:"blocked_at,omitempty" db:"blocked_at"`
	BlockedBy     string    `json:"blocked_by,omitempty" db:"blocked_by"`

	TrustScore int `json:"trust_score" db:"trust_score"`

	AssociatedUsers []AssociatedUser `json:"associated_users,omitempty"`
}
