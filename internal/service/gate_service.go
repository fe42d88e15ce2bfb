package service

import (
	"context"
	"math/rand"
	"time"

	"go.uber.org/zap"

	"zerotrust-service/internal/apperrors"
	"zerotrust-service/internal/config"
	"zerotrust-service/internal/models"
	"zerotrust-service/internal/repository/clickhouse"
	"zerotrust-service/internal/repository/redis"
	"zerotrust-service/internal/risk"
	"zerotrust-service/internal/stream"
	"zerotrust-service/internal/util"
)

// Verdict is the gate's terminal decision for one request.
type Verdict string

const (
	VerdictAllow     Verdict = "ALLOW"
	VerdictChallenge Verdict = "CHALLENGE"
	VerdictReject    Verdict = "REJECT"
)

// Decision is the outcome of one gate evaluation.
type Decision struct {
	Verdict        Verdict       `json:"verdict"`
	RiskScore      int           `json:"risk_score"`
	Severity       string        `json:"severity"`
	Factors        []risk.Factor `json:"factors,omitempty"`
	DeviceID       string        `json:"device_id"`
	NewDevice      bool          `json:"new_device"`
	ChallengeToken string        `json:"challenge_token,omitempty"`
}

// GateService evaluates every request against the device registry and risk
// engine. It is constructed once at startup and injected into the request
// pipeline; there is no package-level state.
type GateService struct {
	registry   *RegistryService
	ledger     clickhouse.EventLedger
	activity   *redis.ActivityCache
	challenges *redis.ChallengeCache
	publisher  *stream.EventPublisher
	engine     *risk.Engine
	cfg        config.GateConfig

	// sample is swappable so allow-sampling is testable.
	sample func() float64
}

func NewGateService(
	registry *RegistryService,
	ledger clickhouse.EventLedger,
	activity *redis.ActivityCache,
	challenges *redis.ChallengeCache,
	publisher *stream.EventPublisher,
	engine *risk.Engine,
	cfg config.GateConfig,
) *GateService {
	return &GateService{
		registry:   registry,
		ledger:     ledger,
		activity:   activity,
		challenges: challenges,
		publisher:  publisher,
		engine:     engine,
		cfg:        cfg,
		sample:     rand.Float64,
	}
}

// Evaluate runs the per-request state machine: resolve the device, reject
// if blocked, score the request, then allow or challenge. Every terminal
// appends exactly one ledger event (ALLOW events are sampled). The whole
// evaluation is bounded by the configured gate timeout.
func (s *GateService) Evaluate(ctx context.Context, identity models.Identity, rawFingerprint, ip string, geo *models.GeoLocation, challengeToken string) (*Decision, error) {
	evalCtx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()

	device, created, err := s.registry.GetOrCreate(evalCtx, rawFingerprint, identity)
	if err != nil {
		if apperrors.IsKind(err, apperrors.KindValidation) {
			return nil, err
		}
		return s.applyFailPolicy(ctx, identity, err)
	}

	if device.IsBlocked {
		decision := &Decision{
			Verdict:   VerdictReject,
			RiskScore: 100,
			Severity:  models.SeverityFor(100),
			DeviceID:  device.DeviceID.String(),
		}
		if err := s.recordTerminal(ctx, identity, decision, models.EventDeviceBlocked, ip, geo,
			"access rejected: device is blocked ("+device.BlockedReason+")"); err != nil {
			return s.applyFailPolicy(ctx, identity, err)
		}
		return decision, nil
	}

	assessment := s.engine.Score(s.buildRequestContext(evalCtx, identity, ip, geo, device), device)
	decision := &Decision{
		RiskScore: assessment.RiskScore,
		Severity:  assessment.Severity,
		Factors:   assessment.Factors,
		DeviceID:  device.DeviceID.String(),
		NewDevice: created,
	}

	// A valid step-up token admits the request regardless of the score it
	// was challenged at.
	if challengeToken != "" {
		if err := s.challenges.Consume(evalCtx, challengeToken, identity.UserID, decision.DeviceID); err == nil {
			decision.Verdict = VerdictAllow
			if err := s.recordTerminal(ctx, identity, decision, models.EventAccessChallenged, ip, geo,
				"step-up challenge completed"); err != nil {
				return s.applyFailPolicy(ctx, identity, err)
			}
			s.refreshTrust(ctx, device)
			return decision, nil
		}
		util.Warn("Challenge token rejected",
			zap.String("user_id", identity.UserID),
			zap.String("device_id", decision.DeviceID))
	}

	if assessment.RiskScore >= s.cfg.ChallengeThreshold {
		decision.Verdict = VerdictChallenge
		token, err := s.challenges.Issue(evalCtx, identity.UserID, decision.DeviceID)
		if err != nil {
			util.Error("Failed to issue challenge token",
				zap.String("user_id", identity.UserID),
				zap.Error(err))
		} else {
			decision.ChallengeToken = token
		}
		if err := s.recordTerminal(ctx, identity, decision, models.EventSuspiciousActivity, ip, geo,
			"risk score above challenge threshold"); err != nil {
			return s.applyFailPolicy(ctx, identity, err)
		}
		s.refreshTrust(ctx, device)
		return decision, nil
	}

	decision.Verdict = VerdictAllow
	if s.sample() < s.cfg.AllowSampleRate {
		if err := s.recordTerminal(ctx, identity, decision, models.EventAccessAllowed, ip, geo, ""); err != nil {
			return s.applyFailPolicy(ctx, identity, err)
		}
	}
	s.refreshTrust(ctx, device)
	return decision, nil
}

// buildRequestContext assembles the scoring engine's view of the request.
// Activity-cache failures degrade to empty signals rather than failing the
// evaluation; only registry and ledger failures trip the fail policy.
func (s *GateService) buildRequestContext(ctx context.Context, identity models.Identity, ip string, geo *models.GeoLocation, device *models.DeviceFingerprint) models.RequestContext {
	reqCtx := models.RequestContext{
		UserID:   identity.UserID,
		IP:       ip,
		Geo:      geo,
		DeviceID: device.DeviceID.String(),
	}

	failed, err := s.activity.FailedLoginCount(ctx, identity.UserID)
	if err != nil {
		util.Warn("Failed-login count unavailable", zap.String("user_id", identity.UserID), zap.Error(err))
	}
	reqCtx.FailedLogins15m = failed

	velocity, err := s.activity.RecordRequest(ctx, identity.UserID)
	if err != nil {
		util.Warn("Request velocity unavailable", zap.String("user_id", identity.UserID), zap.Error(err))
	}
	reqCtx.RequestsPerMinute = velocity

	countries, err := s.activity.RecentCountries(ctx, identity.UserID)
	if err != nil {
		util.Warn("Login country history unavailable", zap.String("user_id", identity.UserID), zap.Error(err))
	}
	if len(countries) == 0 {
		// Cache miss: fall back to the ledger's recorded successful logins.
		countries, err = s.ledger.RecentLoginCountries(ctx, identity.UserID, 5)
		if err != nil {
			util.Warn("Login country fallback unavailable", zap.String("user_id", identity.UserID), zap.Error(err))
		}
	}
	reqCtx.RecentCountries = countries

	return reqCtx
}

// applyFailPolicy resolves a registry or ledger failure into the configured
// stance. Fail-closed rejects with the underlying store error; fail-open
// admits with a loud log. Either way the failure is never swallowed
// silently.
func (s *GateService) applyFailPolicy(ctx context.Context, identity models.Identity, cause error) (*Decision, error) {
	if s.cfg.FailOpen {
		util.Error("Gate evaluation failed, admitting per fail-open policy",
			zap.String("user_id", identity.UserID),
			zap.Error(cause))
		return &Decision{Verdict: VerdictAllow, Severity: models.SeverityLow}, nil
	}

	util.Error("Gate evaluation failed, rejecting per fail-closed policy",
		zap.String("user_id", identity.UserID),
		zap.Error(cause))
	if apperrors.IsKind(cause, apperrors.KindStoreUnavailable) {
		return nil, cause
	}
	return nil, apperrors.NewStoreUnavailable("gate evaluation failed").WithCause(cause)
}

// recordTerminal writes the single audit event for a terminal transition.
// The write runs on a detached context so a caller that disconnected
// mid-evaluation still leaves its audit trail. An append failure is returned
// to the caller: a terminal without its ledger entry is a gate failure and
// must go through the fail policy, not stand unaudited.
func (s *GateService) recordTerminal(ctx context.Context, identity models.Identity, decision *Decision, eventType models.EventType, ip string, geo *models.GeoLocation, details string) error {
	event := &models.SecurityEvent{
		EventType: eventType,
		RiskScore: decision.RiskScore,
		IPAddress: ip,
		UserID:    identity.UserID,
		DeviceID:  decision.DeviceID,
		Details:   details,
	}
	if geo != nil {
		event.Geo = *geo
	}

	auditCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if _, err := s.ledger.Append(auditCtx, event); err != nil {
		util.Error("Failed to record gate decision",
			zap.String("user_id", identity.UserID),
			zap.String("verdict", string(decision.Verdict)),
			zap.Error(err))
		return err
	}
	s.publisher.Publish(auditCtx, event)
	return nil
}

// refreshTrust recomputes the device's trust from a fresh read of its
// recent events. Best-effort: the decision already stands.
func (s *GateService) refreshTrust(ctx context.Context, device *models.DeviceFingerprint) {
	trustCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := s.registry.RecomputeTrust(trustCtx, device); err != nil {
		util.Warn("Trust refresh failed",
			zap.String("device_id", device.DeviceID.String()),
			zap.Error(err))
	}
}

// RecordLoginSuccess feeds a successful login into the ledger and the
// activity window: the failed-login counter resets and the login country
// joins the user's history.
func (s *GateService) RecordLoginSuccess(ctx context.Context, identity models.Identity, ip string, geo *models.GeoLocation, deviceID string) error {
	if err := s.activity.ClearFailedLogins(ctx, identity.UserID); err != nil {
		util.Warn("Failed to reset failed-login counter", zap.String("user_id", identity.UserID), zap.Error(err))
	}

	eventType := models.EventLoginSuccess
	riskScore := 0
	details := ""
	if geo != nil && geo.Country != "" {
		countries, err := s.activity.RecentCountries(ctx, identity.UserID)
		if err == nil && len(countries) > 0 && !containsCountry(countries, geo.Country) {
			eventType = models.EventAnomalousBehavior
			riskScore = 55
			details = "login from previously unseen country " + geo.Country
		}
		if err := s.activity.RecordLoginCountry(ctx, identity.UserID, geo.Country); err != nil {
			util.Warn("Failed to record login country", zap.String("user_id", identity.UserID), zap.Error(err))
		}
	}

	event := &models.SecurityEvent{
		EventType: eventType,
		RiskScore: riskScore,
		IPAddress: ip,
		UserID:    identity.UserID,
		DeviceID:  deviceID,
		Details:   details,
	}
	if geo != nil {
		event.Geo = *geo
	}
	if _, err := s.ledger.Append(ctx, event); err != nil {
		return err
	}
	s.publisher.Publish(ctx, event)
	return nil
}

// bruteForceThreshold is the failed-login count at which the window is
// classified as an active brute-force attempt.
const bruteForceThreshold = 5

// RecordLoginFailure bumps the failed-login window and appends either a
// LOGIN_FAILED or, past the threshold, a BRUTE_FORCE_ATTEMPT event.
func (s *GateService) RecordLoginFailure(ctx context.Context, identity models.Identity, ip string, geo *models.GeoLocation, deviceID string) error {
	count, err := s.activity.RecordFailedLogin(ctx, identity.UserID)
	if err != nil {
		util.Warn("Failed to bump failed-login counter", zap.String("user_id", identity.UserID), zap.Error(err))
	}

	event := &models.SecurityEvent{
		EventType: models.EventLoginFailed,
		RiskScore: models.ClampRiskScore(25 + count*7),
		IPAddress: ip,
		UserID:    identity.UserID,
		DeviceID:  deviceID,
	}
	if count >= bruteForceThreshold {
		event.EventType = models.EventBruteForceAttempt
		event.RiskScore = 85
		event.Details = "failed-login threshold exceeded in window"
	}
	if geo != nil {
		event.Geo = *geo
	}
	if _, err := s.ledger.Append(ctx, event); err != nil {
		return err
	}
	s.publisher.Publish(ctx, event)
	return nil
}

func containsCountry(countries []string, country string) bool {
	for _, c := range countries {
		if c == country {
			return true
		}
	}
	return false
}
