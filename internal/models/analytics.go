package models

import "time"

// DashboardCounts are the headline 24h metrics.
type DashboardCounts struct {
	TotalEvents          uint64 `json:"total_events"`
	HighRiskEvents       uint64 `json:"high_risk_events"`
	FailedLogins         uint64 `json:"failed_logins"`
	SuspiciousActivities uint64 `json:"suspicious_activities"`
}

// DeviceCounts summarizes registry state for the dashboard.
type DeviceCounts struct {
	NewDevices        int `json:"new_devices"`
	UnverifiedDevices int `json:"unverified_devices"`
	BlockedDevices    int `json:"blocked_devices"`
}

// HistogramBucket is one bar of the risk-score histogram. Bounds follow
// HistogramBoundaries; the final bucket is inclusive of 100.
type HistogramBucket struct {
	Lower    int    `json:"lower"`
	Upper    int    `json:"upper"`
	Severity string `json:"severity"`
	Count    uint64 `json:"count"`
}

// CountryStat is one row of the geo distribution.
type CountryStat struct {
	Country    string  `json:"country"`
	EventCount uint64  `json:"event_count"`
	AvgRisk    float64 `json:"avg_risk"`
}

// TrendPoint is one day of the risk trend series.
type TrendPoint struct {
	Date       string  `json:"date"`
	AvgRisk    float64 `json:"avg_risk"`
	MaxRisk    int     `json:"max_risk"`
	EventCount uint64  `json:"event_count"`
}

// ThreatSummaryRow aggregates one event type over a window.
type ThreatSummaryRow struct {
	EventType   EventType `json:"event_type"`
	Count       uint64    `json:"count"`
	AvgRisk     float64   `json:"avg_risk"`
	MaxRisk     int       `json:"max_risk"`
	UniqueIPs   uint64    `json:"unique_ip_count"`
	UniqueUsers uint64    `json:"unique_user_count"`
}

// Dashboard is the full operator landing-page payload.
type Dashboard struct {
	Window          string            `json:"window"`
	Counts          DashboardCounts   `json:"counts"`
	Devices         DeviceCounts      `json:"devices"`
	RiskHistogram   []HistogramBucket `json:"risk_histogram"`
	GeoDistribution []CountryStat     `json:"geo_distribution"`
	RecentHighRisk  []SecurityEvent   `json:"recent_high_risk"`
	GeneratedAt     time.Time         `json:"generated_at"`
}

// UserSecuritySummary is the derived portion of a user profile.
type UserSecuritySummary struct {
	EventCount      int     `json:"event_count"`
	MeanRisk        float64 `json:"mean_risk"`
	MaxRisk         int     `json:"max_risk"`
	DeviceCount     int     `json:"device_count"`
	VerifiedDevices int     `json:"verified_devices"`
	BlockedDevices  int     `json:"blocked_devices"`
}

// UserSecurityProfile is the full 30-day view of one identity.
type UserSecurityProfile struct {
	UserID    string              `json:"user_id"`
	Summary   UserSecuritySummary `json:"summary"`
	Events    []SecurityEvent     `json:"events"`
	Devices   []DeviceFingerprint `json:"devices"`
	RiskTrend []TrendPoint        `json:"risk_trend"`
}
