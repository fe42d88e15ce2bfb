package service

import (
	"context"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"zerotrust-service/internal/apperrors"
	"zerotrust-service/internal/bucketing"
	"zerotrust-service/internal/client"
	"zerotrust-service/internal/config"
	"zerotrust-service/internal/encryption"
	"zerotrust-service/internal/hashing"
	"zerotrust-service/internal/models"
	"zerotrust-service/internal/repository/clickhouse"
	"zerotrust-service/internal/repository/elastic"
	"zerotrust-service/internal/repository/redis"
	"zerotrust-service/internal/risk"
	"zerotrust-service/internal/stream"
	"zerotrust-service/internal/util"
)

// fakeDeviceRepo is an in-memory stand-in for the Scylla-backed registry.
type fakeDeviceRepo struct {
	mu      sync.Mutex
	devices map[uuid.UUID]*models.DeviceFingerprint
	byHash  map[string]uuid.UUID
	users   map[uuid.UUID][]models.AssociatedUser
	err     error
}

func newFakeDeviceRepo() *fakeDeviceRepo {
	return &fakeDeviceRepo{
		devices: make(map[uuid.UUID]*models.DeviceFingerprint),
		byHash:  make(map[string]uuid.UUID),
		users:   make(map[uuid.UUID][]models.AssociatedUser),
	}
}

func (f *fakeDeviceRepo) Insert(_ context.Context, device *models.DeviceFingerprint) error {
	if f.err != nil {
		return f.err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	clone := *device
	f.devices[device.DeviceID] = &clone
	f.byHash[device.FingerprintHash] = device.DeviceID
	return nil
}

func (f *fakeDeviceRepo) GetByID(_ context.Context, deviceID uuid.UUID, _ int) (*models.DeviceFingerprint, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	device, ok := f.devices[deviceID]
	if !ok {
		return nil, apperrors.NewNotFound("device %s not found", deviceID)
	}
	clone := *device
	clone.AssociatedUsers = append([]models.AssociatedUser(nil), f.users[deviceID]...)
	return &clone, nil
}

func (f *fakeDeviceRepo) ResolveFingerprint(_ context.Context, fingerprintHash string) (uuid.UUID, int, error) {
	if f.err != nil {
		return uuid.Nil, 0, f.err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	deviceID, ok := f.byHash[fingerprintHash]
	if !ok {
		return uuid.Nil, 0, apperrors.NewNotFound("fingerprint not registered")
	}
	return deviceID, f.devices[deviceID].DeviceBucket, nil
}

func (f *fakeDeviceRepo) TouchLastSeen(_ context.Context, device *models.DeviceFingerprint, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if stored, ok := f.devices[device.DeviceID]; ok {
		stored.LastSeen = at
	}
	return nil
}

func (f *fakeDeviceRepo) SetVerified(_ context.Context, device *models.DeviceFingerprint, method models.VerificationMethod, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	stored := f.devices[device.DeviceID]
	stored.IsVerified = true
	stored.VerificationMethod = method
	stored.VerifiedAt = at
	device.IsVerified = true
	device.VerificationMethod = method
	device.VerifiedAt = at
	return nil
}

func (f *fakeDeviceRepo) SetBlocked(_ context.Context, device *models.DeviceFingerprint, reason, operatorID string, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	stored := f.devices[device.DeviceID]
	stored.IsBlocked = true
	stored.BlockedReason = reason
	stored.BlockedBy = operatorID
	stored.BlockedAt = at
	stored.TrustScore = 0
	device.IsBlocked = true
	device.BlockedReason = reason
	device.BlockedBy = operatorID
	device.BlockedAt = at
	device.TrustScore = 0
	return nil
}

func (f *fakeDeviceRepo) SetTrustScore(_ context.Context, device *models.DeviceFingerprint, score int) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	stored := f.devices[device.DeviceID]
	if stored.IsBlocked {
		return false, nil
	}
	stored.TrustScore = score
	return true, nil
}

func (f *fakeDeviceRepo) AddAssociatedUser(_ context.Context, deviceID uuid.UUID, user models.AssociatedUser) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.users[deviceID] = append(f.users[deviceID], user)
	return nil
}

func (f *fakeDeviceRepo) AssociatedUsers(_ context.Context, deviceID uuid.UUID) ([]models.AssociatedUser, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]models.AssociatedUser(nil), f.users[deviceID]...), nil
}

func (f *fakeDeviceRepo) HealthCheck(context.Context) error { return f.err }

// fakeLedger records appended events in memory and serves the read-side
// queries the services exercise.
type fakeLedger struct {
	mu     sync.Mutex
	events []models.SecurityEvent

	appendErr error
	queryErr  error

	countries []string
	trend     []models.TrendPoint
}

func (f *fakeLedger) Append(_ context.Context, event *models.SecurityEvent) (uuid.UUID, error) {
	if f.appendErr != nil {
		return uuid.Nil, f.appendErr
	}
	if event.RiskScore < 0 || event.RiskScore > 100 {
		return uuid.Nil, apperrors.NewValidation("risk score out of range")
	}
	if !event.EventType.IsValid() {
		return uuid.Nil, apperrors.NewValidation("unrecognized event type")
	}
	if event.EventID == uuid.Nil {
		event.EventID = uuid.New()
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now().UTC()
	}
	if event.Severity == "" {
		event.Severity = models.SeverityFor(event.RiskScore)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, *event)
	return event.EventID, nil
}

func (f *fakeLedger) appended() []models.SecurityEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]models.SecurityEvent(nil), f.events...)
}

func (f *fakeLedger) Query(_ context.Context, filter clickhouse.EventFilter, _ clickhouse.Page) ([]models.SecurityEvent, uint64, error) {
	if f.queryErr != nil {
		return nil, 0, f.queryErr
	}
	var out []models.SecurityEvent
	for _, e := range f.appended() {
		if filter.EventType != "" && e.EventType != filter.EventType {
			continue
		}
		out = append(out, e)
	}
	return out, uint64(len(out)), nil
}

func (f *fakeLedger) DashboardCounts(_ context.Context, _ time.Time) (models.DashboardCounts, error) {
	if f.queryErr != nil {
		return models.DashboardCounts{}, f.queryErr
	}
	counts := models.DashboardCounts{}
	for _, e := range f.appended() {
		counts.TotalEvents++
		if e.RiskScore >= 70 {
			counts.HighRiskEvents++
		}
		switch e.EventType {
		case models.EventLoginFailed:
			counts.FailedLogins++
		case models.EventSuspiciousActivity:
			counts.SuspiciousActivities++
		}
	}
	return counts, nil
}

func (f *fakeLedger) RiskHistogram(_ context.Context, _ time.Time) ([]models.HistogramBucket, error) {
	if f.queryErr != nil {
		return nil, f.queryErr
	}
	bounds := models.HistogramBoundaries
	buckets := make([]models.HistogramBucket, len(bounds)-1)
	for i := range buckets {
		buckets[i] = models.HistogramBucket{
			Lower:    bounds[i],
			Upper:    bounds[i+1],
			Severity: models.SeverityLabels[i],
		}
	}
	for _, e := range f.appended() {
		for i := range buckets {
			last := i == len(buckets)-1
			if e.RiskScore >= buckets[i].Lower && (e.RiskScore < buckets[i].Upper || (last && e.RiskScore == buckets[i].Upper)) {
				buckets[i].Count++
				break
			}
		}
	}
	return buckets, nil
}

func (f *fakeLedger) TopCountries(_ context.Context, _ time.Time, _ int) ([]models.CountryStat, error) {
	return nil, f.queryErr
}

func (f *fakeLedger) RecentHighRisk(_ context.Context, _ time.Time, minScore, limit int) ([]models.SecurityEvent, error) {
	if f.queryErr != nil {
		return nil, f.queryErr
	}
	var out []models.SecurityEvent
	for _, e := range f.appended() {
		if e.RiskScore >= minScore && len(out) < limit {
			out = append(out, e)
		}
	}
	return out, nil
}

func (f *fakeLedger) RiskTrend(_ context.Context, _ time.Time) ([]models.TrendPoint, error) {
	return f.trend, f.queryErr
}

func (f *fakeLedger) RiskTrendForUser(_ context.Context, _ string, _ time.Time) ([]models.TrendPoint, error) {
	return f.trend, f.queryErr
}

func (f *fakeLedger) ThreatSummary(_ context.Context, _ time.Time) ([]models.ThreatSummaryRow, error) {
	if f.queryErr != nil {
		return nil, f.queryErr
	}
	rows := make(map[models.EventType]*models.ThreatSummaryRow)
	riskSums := make(map[models.EventType]int)
	ips := make(map[models.EventType]map[string]bool)
	users := make(map[models.EventType]map[string]bool)
	for _, e := range f.appended() {
		row := rows[e.EventType]
		if row == nil {
			row = &models.ThreatSummaryRow{EventType: e.EventType}
			rows[e.EventType] = row
			ips[e.EventType] = make(map[string]bool)
			users[e.EventType] = make(map[string]bool)
		}
		row.Count++
		riskSums[e.EventType] += e.RiskScore
		if e.RiskScore > row.MaxRisk {
			row.MaxRisk = e.RiskScore
		}
		if e.IPAddress != "" {
			ips[e.EventType][e.IPAddress] = true
		}
		if e.UserID != "" {
			users[e.EventType][e.UserID] = true
		}
	}
	var out []models.ThreatSummaryRow
	for eventType, row := range rows {
		row.AvgRisk = float64(riskSums[eventType]) / float64(row.Count)
		row.UniqueIPs = uint64(len(ips[eventType]))
		row.UniqueUsers = uint64(len(users[eventType]))
		out = append(out, *row)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].EventType < out[j].EventType
	})
	return out, nil
}

func (f *fakeLedger) EventsForUser(_ context.Context, userID string, _ time.Time, _ int) ([]models.SecurityEvent, error) {
	if f.queryErr != nil {
		return nil, f.queryErr
	}
	var out []models.SecurityEvent
	for _, e := range f.appended() {
		if e.UserID == userID {
			out = append(out, e)
		}
	}
	return out, nil
}

func (f *fakeLedger) DevicesForUser(_ context.Context, userID string, _ time.Time) ([]string, error) {
	if f.queryErr != nil {
		return nil, f.queryErr
	}
	seen := make(map[string]bool)
	var out []string
	for _, e := range f.appended() {
		if e.UserID == userID && e.DeviceID != "" && !seen[e.DeviceID] {
			seen[e.DeviceID] = true
			out = append(out, e.DeviceID)
		}
	}
	return out, nil
}

func (f *fakeLedger) RecentEventsForDevice(_ context.Context, deviceID string, n int) ([]models.SecurityEvent, error) {
	if f.queryErr != nil {
		return nil, f.queryErr
	}
	var out []models.SecurityEvent
	events := f.appended()
	for i := len(events) - 1; i >= 0 && len(out) < n; i-- {
		if events[i].DeviceID == deviceID {
			out = append(out, events[i])
		}
	}
	return out, nil
}

func (f *fakeLedger) RecentLoginCountries(_ context.Context, _ string, _ int) ([]string, error) {
	return f.countries, f.queryErr
}

func (f *fakeLedger) HealthCheck(context.Context) error { return f.queryErr }

// fakeIndexer is an in-memory device search mirror.
type fakeIndexer struct {
	mu      sync.Mutex
	indexed []elastic.DeviceSearchHit
	counts  models.DeviceCounts
	err     error
}

func (f *fakeIndexer) IndexDevice(_ context.Context, device *models.DeviceFingerprint, riskScore int) error {
	if f.err != nil {
		return f.err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.indexed = append(f.indexed, elastic.DeviceSearchHit{
		DeviceID:   device.DeviceID.String(),
		IsVerified: device.IsVerified,
		IsBlocked:  device.IsBlocked,
		TrustScore: device.TrustScore,
		RiskScore:  riskScore,
	})
	return nil
}

func (f *fakeIndexer) SearchDevices(_ context.Context, filter elastic.DeviceFilter, _, _ int) ([]elastic.DeviceSearchHit, int, error) {
	if f.err != nil {
		return nil, 0, f.err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []elastic.DeviceSearchHit
	for _, hit := range f.indexed {
		if filter.Blocked != nil && hit.IsBlocked != *filter.Blocked {
			continue
		}
		if filter.Verified != nil && hit.IsVerified != *filter.Verified {
			continue
		}
		if hit.RiskScore < filter.RiskThreshold {
			continue
		}
		out = append(out, hit)
	}
	return out, len(out), nil
}

func (f *fakeIndexer) DeviceCounts(context.Context, time.Time) (models.DeviceCounts, error) {
	return f.counts, f.err
}

// testConfig builds a config with the documented defaults, decoupled from
// the environment.
func testConfig() *config.Config {
	return &config.Config{
		Environment: "test",
		Fingerprint: config.FingerprintConfig{HashKey: "test-secret", HashKeyVersion: 1},
		Bucketing:   config.BucketingConfig{EventBuckets: 64, DeviceBuckets: 32},
		Gate: config.GateConfig{
			ChallengeThreshold: 70,
			Timeout:            800 * time.Millisecond,
			AllowSampleRate:    1.0,
			ChallengeTTL:       5 * time.Minute,
		},
		Risk: config.RiskConfig{
			FailedLoginIncrement: 7,
			FailedLoginCap:       35,
			FailedLoginWindow:    15 * time.Minute,
			GeoAnomalyIncrement:  15,
			VelocityIncrement:    10,
			VelocityThreshold:    120,
			LoginCountryHistory:  5,
		},
		Trust: config.TrustConfig{
			UnverifiedBase:    50,
			VerifiedBase:      80,
			HistoryDepth:      20,
			RiskPenaltyRatio:  0.4,
			SharedUserLimit:   2,
			SharedUserPenalty: 5,
		},
	}
}

type testHarness struct {
	cfg      *config.Config
	devices  *fakeDeviceRepo
	ledger   *fakeLedger
	index    *fakeIndexer
	registry *RegistryService
	gate     *GateService
}

// newTestHarness wires real services over fake stores; Redis is served by
// miniredis so the activity and challenge caches run against real commands.
func newTestHarness(t *testing.T) *testHarness {
	t.Helper()
	cfg := testConfig()

	mr := miniredis.RunT(t)
	cfg.Redis = config.RedisConfig{URL: "redis://" + mr.Addr(), PoolSize: 10}
	redisClient, err := client.NewRedisClient(cfg, util.Get())
	require.NoError(t, err)
	t.Cleanup(func() { _ = redisClient.Close() })

	devices := newFakeDeviceRepo()
	ledger := &fakeLedger{}
	index := &fakeIndexer{}
	publisher := stream.NewEventPublisher(nil, "security-events")

	registry := NewRegistryService(
		devices, ledger, index, publisher,
		hashing.NewHasher(cfg),
		encryption.NewEncryptionManager(cfg, nil),
		bucketing.NewBucketingManager(cfg),
		cfg.Trust,
	)

	gate := NewGateService(
		registry, ledger,
		redis.NewActivityCache(redisClient, cfg.Risk.FailedLoginWindow, cfg.Risk.LoginCountryHistory),
		redis.NewChallengeCache(redisClient, cfg.Gate.ChallengeTTL),
		publisher,
		risk.NewEngine(cfg.Risk),
		cfg.Gate,
	)

	return &testHarness{
		cfg:      cfg,
		devices:  devices,
		ledger:   ledger,
		index:    index,
		registry: registry,
		gate:     gate,
	}
}
