package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSeverityForBuckets(t *testing.T) {
	tests := []struct {
		score    int
		severity string
	}{
		{0, SeverityLow},
		{24, SeverityLow},
		{25, SeverityMedium},
		{49, SeverityMedium},
		{50, SeverityHigh},
		{74, SeverityHigh},
		{75, SeverityCritical},
		{89, SeverityCritical},
		{90, SeveritySevere},
		{100, SeveritySevere},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.severity, SeverityFor(tt.score), "score %d", tt.score)
	}
}

func TestSeverityForIsDeterministic(t *testing.T) {
	for score := 0; score <= 100; score++ {
		first := SeverityFor(score)
		for i := 0; i < 3; i++ {
			assert.Equal(t, first, SeverityFor(score))
		}
	}
}

func TestSeverityForClampsOutOfRange(t *testing.T) {
	assert.Equal(t, SeverityLow, SeverityFor(-10))
	assert.Equal(t, SeveritySevere, SeverityFor(250))
}

func TestClampRiskScore(t *testing.T) {
	assert.Equal(t, 0, ClampRiskScore(-1))
	assert.Equal(t, 0, ClampRiskScore(0))
	assert.Equal(t, 55, ClampRiskScore(55))
	assert.Equal(t, 100, ClampRiskScore(100))
	assert.Equal(t, 100, ClampRiskScore(140))
}

func TestHistogramBoundariesAlignWithLabels(t *testing.T) {
	assert.Len(t, SeverityLabels, len(HistogramBoundaries)-1)
}

func TestEventTypeValidity(t *testing.T) {
	for _, eventType := range []EventType{
		EventLoginSuccess, EventLoginFailed, EventSuspiciousActivity,
		EventBruteForceAttempt, EventAnomalousBehavior,
		EventDeviceVerified, EventDeviceBlocked,
		EventAccessAllowed, EventAccessChallenged, EventAccessDenied,
	} {
		assert.True(t, eventType.IsValid(), string(eventType))
	}
	assert.False(t, EventType("PASSWORD_RESET").IsValid())
	assert.False(t, EventType("").IsValid())
}
