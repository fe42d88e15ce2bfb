package risk

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"zerotrust-service/internal/config"
	"zerotrust-service/internal/models"
)

func testRiskConfig() config.RiskConfig {
	return config.RiskConfig{
		FailedLoginIncrement: 7,
		FailedLoginCap:       35,
		GeoAnomalyIncrement:  15,
		VelocityIncrement:    10,
		VelocityThreshold:    120,
		LoginCountryHistory:  5,
	}
}

func device(trust int) *models.DeviceFingerprint {
	return &models.DeviceFingerprint{TrustScore: trust}
}

func TestScoreBaselineInvertsTrust(t *testing.T) {
	engine := NewEngine(testRiskConfig())

	got := engine.Score(models.RequestContext{}, device(80))
	assert.Equal(t, 20, got.RiskScore)
	assert.Equal(t, models.SeverityLow, got.Severity)

	got = engine.Score(models.RequestContext{}, device(10))
	assert.Equal(t, 90, got.RiskScore)
	assert.Equal(t, models.SeveritySevere, got.Severity)
}

func TestScoreUnknownDeviceUsesNeutralPrior(t *testing.T) {
	engine := NewEngine(testRiskConfig())
	got := engine.Score(models.RequestContext{}, nil)
	assert.Equal(t, 100-models.NeutralTrustScore, got.RiskScore)
}

func TestScoreFailedLoginsAreCapped(t *testing.T) {
	engine := NewEngine(testRiskConfig())

	got := engine.Score(models.RequestContext{FailedLogins15m: 2}, device(100))
	assert.Equal(t, 14, got.RiskScore)

	// 20 failures would add 140 points uncapped.
	got = engine.Score(models.RequestContext{FailedLogins15m: 20}, device(100))
	assert.Equal(t, 35, got.RiskScore)
}

func TestScoreGeoAnomaly(t *testing.T) {
	engine := NewEngine(testRiskConfig())

	reqCtx := models.RequestContext{
		Geo:             &models.GeoLocation{Country: "BR"},
		RecentCountries: []string{"US", "CA"},
	}
	got := engine.Score(reqCtx, device(100))
	assert.Equal(t, 15, got.RiskScore)

	// Known country is not anomalous.
	reqCtx.Geo.Country = "US"
	got = engine.Score(reqCtx, device(100))
	assert.Equal(t, 0, got.RiskScore)
}

func TestScoreNoGeoOrHistoryIsNotAnomalous(t *testing.T) {
	engine := NewEngine(testRiskConfig())

	got := engine.Score(models.RequestContext{Geo: nil, RecentCountries: []string{"US"}}, device(100))
	assert.Equal(t, 0, got.RiskScore)

	got = engine.Score(models.RequestContext{Geo: &models.GeoLocation{Country: "BR"}}, device(100))
	assert.Equal(t, 0, got.RiskScore)
}

func TestScoreVelocityThreshold(t *testing.T) {
	engine := NewEngine(testRiskConfig())

	got := engine.Score(models.RequestContext{RequestsPerMinute: 120}, device(100))
	assert.Equal(t, 0, got.RiskScore, "at the threshold is not over it")

	got = engine.Score(models.RequestContext{RequestsPerMinute: 121}, device(100))
	assert.Equal(t, 10, got.RiskScore)
}

func TestScoreIsClamped(t *testing.T) {
	engine := NewEngine(testRiskConfig())

	// Zero trust plus every increment would exceed 100.
	reqCtx := models.RequestContext{
		FailedLogins15m:   10,
		RequestsPerMinute: 500,
		Geo:               &models.GeoLocation{Country: "BR"},
		RecentCountries:   []string{"US"},
	}
	got := engine.Score(reqCtx, device(0))
	assert.Equal(t, 100, got.RiskScore)
	assert.Equal(t, models.SeveritySevere, got.Severity)
}

func TestScoreRecordsContributingFactors(t *testing.T) {
	engine := NewEngine(testRiskConfig())

	got := engine.Score(models.RequestContext{FailedLogins15m: 1}, device(50))
	names := make([]string, 0, len(got.Factors))
	for _, f := range got.Factors {
		names = append(names, f.Name)
	}
	assert.Equal(t, []string{"device_trust_baseline", "recent_failed_logins"}, names)
}
