// Package risk implements per-request risk scoring for the continuous
// verification gate. Scoring is a pure function of the request context and
// the device's registry record; all weights are tunable via configuration.
package risk

import (
	"zerotrust-service/internal/config"
	"zerotrust-service/internal/models"
)

// Assessment is the engine's verdict on a single request.
type Assessment struct {
	RiskScore int      `json:"risk_score"`
	Severity  string   `json:"severity"`
	Factors   []Factor `json:"factors,omitempty"`
}

// Factor names one contribution to the score, kept for audit trails.
type Factor struct {
	Name   string `json:"name"`
	Points int    `json:"points"`
}

type Engine struct {
	cfg config.RiskConfig
}

func NewEngine(cfg config.RiskConfig) *Engine {
	return &Engine{cfg: cfg}
}

// Score combines the device trust baseline with the request's activity
// signals. The result is always clamped to [0,100].
func (e *Engine) Score(reqCtx models.RequestContext, device *models.DeviceFingerprint) Assessment {
	var factors []Factor

	// Inverted device trust is the baseline; an unknown device scores as
	// the neutral prior.
	trust := models.NeutralTrustScore
	if device != nil {
		trust = models.ClampRiskScore(device.TrustScore)
	}
	baseline := 100 - trust
	score := baseline
	factors = append(factors, Factor{Name: "device_trust_baseline", Points: baseline})

	if reqCtx.FailedLogins15m > 0 {
		points := reqCtx.FailedLogins15m * e.cfg.FailedLoginIncrement
		if points > e.cfg.FailedLoginCap {
			points = e.cfg.FailedLoginCap
		}
		score += points
		factors = append(factors, Factor{Name: "recent_failed_logins", Points: points})
	}

	if e.isGeoAnomaly(reqCtx) {
		score += e.cfg.GeoAnomalyIncrement
		factors = append(factors, Factor{Name: "geo_anomaly", Points: e.cfg.GeoAnomalyIncrement})
	}

	if reqCtx.RequestsPerMinute > e.cfg.VelocityThreshold {
		score += e.cfg.VelocityIncrement
		factors = append(factors, Factor{Name: "request_velocity", Points: e.cfg.VelocityIncrement})
	}

	score = models.ClampRiskScore(score)
	return Assessment{
		RiskScore: score,
		Severity:  models.SeverityFor(score),
		Factors:   factors,
	}
}

// isGeoAnomaly reports whether the request country is absent from the
// identity's recent successful-login countries. Requests without geo data
// or without history never count as anomalous.
func (e *Engine) isGeoAnomaly(reqCtx models.RequestContext) bool {
	if reqCtx.Geo == nil || reqCtx.Geo.Country == "" || len(reqCtx.RecentCountries) == 0 {
		return false
	}
	for _, c := range reqCtx.RecentCountries {
		if c == reqCtx.Geo.Country {
			return false
		}
	}
	return true
}
