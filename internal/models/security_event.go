package models

import (
	"time"

	"github.com/google/uuid"
)

// EventType tags a security-relevant occurrence in the ledger.
type EventType string

const (
	EventLoginSuccess       EventType = "LOGIN_SUCCESS"
	EventLoginFailed        EventType = "LOGIN_FAILED"
	EventSuspiciousActivity EventType = "SUSPICIOUS_ACTIVITY"
	EventBruteForceAttempt  EventType = "BRUTE_FORCE_ATTEMPT"
	EventAnomalousBehavior  EventType = "ANOMALOUS_BEHAVIOR"
	EventDeviceVerified     EventType = "DEVICE_VERIFIED"
	EventDeviceBlocked      EventType = "DEVICE_BLOCKED"
	EventAccessAllowed      EventType = "ACCESS_ALLOWED"
	EventAccessChallenged   EventType = "ACCESS_CHALLENGED"
	EventAccessDenied       EventType = "ACCESS_DENIED"
)

var knownEventTypes = map[EventType]struct{}{
	EventLoginSuccess:       {},
	EventLoginFailed:        {},
	EventSuspiciousActivity: {},
	EventBruteForceAttempt:  {},
	EventAnomalousBehavior:  {},
	EventDeviceVerified:     {},
	EventDeviceBlocked:      {},
	EventAccessAllowed:      {},
	EventAccessChallenged:   {},
	EventAccessDenied:       {},
}

// IsValid reports whether t is one of the recognized event types.
func (t EventType) IsValid() bool {
	_, ok := knownEventTypes[t]
	return ok
}

// GeoLocation is best-effort request origin data. Country may be empty when
// resolution failed upstream.
type GeoLocation struct {
	Country string `json:"country,omitempty" db:"geo_country"`
	Region  string `json:"region,omitempty" db:"geo_region"`
}

// SecurityEvent is one immutable ledger record. Events are written exactly
// once by the verification gate or the registry and never updated.
type SecurityEvent struct {
	EventID     uuid.UUID   `json:"event_id" db:"event_id"`
	EventBucket int         `json:"-" db:"event_bucket"`
	EventType   EventType   `json:"event_type" db:"event_type"`
	Severity    string      `json:"severity" db:"severity"`
	RiskScore   int         `json:"risk_score" db:"risk_score"`
	IPAddress   string      `json:"ip_address,omitempty" db:"ip_address"`
	Geo         GeoLocation `json:"geo_location"`
	UserID      string      `json:"user_id,omitempty" db:"user_id"`
	DeviceID    string      `json:"device_id,omitempty" db:"device_id"`
	Details     string      `json:"details,omitempty" db:"details"`
	CreatedAt   time.Time   `json:"created_at" db:"event_time"`
}
