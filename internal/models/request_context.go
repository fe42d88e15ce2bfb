package models

// Identity is the authenticated caller as supplied by the upstream identity
// provider. This service never issues or validates credentials itself.
type Identity struct {
	UserID string `json:"user_id"`
	Role   string `json:"role"`
	Email  string `json:"email,omitempty"`
}

// IsOperator reports whether the identity may use the administrative and
// analytics surfaces.
func (i Identity) IsOperator() bool {
	return i.Role == "admin" || i.Role == "security"
}

// RequestContext is the scoring engine's view of one in-flight request:
// who, from where, on which device, plus the short activity window the
// activity cache maintains for the requester.
type RequestContext struct {
	UserID   string
	IP       string
	Geo      *GeoLocation
	DeviceID string

	// FailedLogins15m counts LOGIN_FAILED events for the identity inside
	// the configured lookback window.
	FailedLogins15m int

	// RequestsPerMinute is the identity/IP request velocity.
	RequestsPerMinute int

	// RecentCountries holds the countries of the identity's last N
	// successful logins, most recent first.
	RecentCountries []string
}
