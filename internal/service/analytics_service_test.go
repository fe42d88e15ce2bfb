package service

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"zerotrust-service/internal/apperrors"
	"zerotrust-service/internal/models"
	"zerotrust-service/internal/repository/elastic"
)

func seedEvents(t *testing.T, h *testHarness, scores []int) {
	t.Helper()
	for _, score := range scores {
		_, err := h.ledger.Append(context.Background(), &models.SecurityEvent{
			EventType: models.EventSuspiciousActivity,
			RiskScore: score,
			UserID:    alice.UserID,
		})
		require.NoError(t, err)
	}
}

func TestDashboardHistogramSumsToTotalEvents(t *testing.T) {
	h := newTestHarness(t)
	analytics := NewAnalyticsService(h.ledger, h.index, h.registry)

	seedEvents(t, h, []int{0, 10, 25, 49, 50, 74, 75, 89, 90, 100})

	dashboard, err := analytics.Dashboard(context.Background())
	require.NoError(t, err)

	var histogramTotal uint64
	for _, bucket := range dashboard.RiskHistogram {
		histogramTotal += bucket.Count
	}
	assert.Equal(t, dashboard.Counts.TotalEvents, histogramTotal)
	assert.Equal(t, uint64(10), dashboard.Counts.TotalEvents)
	assert.Equal(t, uint64(4), dashboard.Counts.HighRiskEvents)
}

func TestDashboardFailsClosedOnStoreError(t *testing.T) {
	h := newTestHarness(t)
	analytics := NewAnalyticsService(h.ledger, h.index, h.registry)

	h.ledger.queryErr = apperrors.NewStoreUnavailable("clickhouse unreachable")
	dashboard, err := analytics.Dashboard(context.Background())

	assert.Nil(t, dashboard, "no partial dashboards")
	assert.True(t, apperrors.IsKind(err, apperrors.KindStoreUnavailable))
}

func TestRiskTrendDefaultsAndCaps(t *testing.T) {
	h := newTestHarness(t)
	analytics := NewAnalyticsService(h.ledger, h.index, h.registry)
	h.ledger.trend = []models.TrendPoint{{Date: "2026-08-28", AvgRisk: 12.5, MaxRisk: 40, EventCount: 8}}

	trend, err := analytics.RiskTrend(context.Background(), 0)
	require.NoError(t, err)
	assert.Equal(t, h.ledger.trend, trend)

	trend, err = analytics.RiskTrend(context.Background(), 10000)
	require.NoError(t, err)
	assert.Equal(t, h.ledger.trend, trend)
}

func TestThreatSummaryGroupsByEventType(t *testing.T) {
	h := newTestHarness(t)
	analytics := NewAnalyticsService(h.ledger, h.index, h.registry)
	ctx := context.Background()

	// Three suspicious-activity events from one user across two addresses.
	for _, e := range []models.SecurityEvent{
		{EventType: models.EventSuspiciousActivity, RiskScore: 72, UserID: "mallory", IPAddress: "198.51.100.10"},
		{EventType: models.EventSuspiciousActivity, RiskScore: 75, UserID: "mallory", IPAddress: "198.51.100.10"},
		{EventType: models.EventSuspiciousActivity, RiskScore: 78, UserID: "mallory", IPAddress: "198.51.100.11"},
		{EventType: models.EventLoginFailed, RiskScore: 32, UserID: "alice", IPAddress: "203.0.113.7"},
	} {
		event := e
		_, err := h.ledger.Append(ctx, &event)
		require.NoError(t, err)
	}

	summary, err := analytics.ThreatSummary(ctx)
	require.NoError(t, err)
	require.Len(t, summary, 2)

	// Rows come back most-frequent first.
	suspicious := summary[0]
	assert.Equal(t, models.EventSuspiciousActivity, suspicious.EventType)
	assert.Equal(t, uint64(3), suspicious.Count)
	assert.Equal(t, uint64(2), suspicious.UniqueIPs)
	assert.Equal(t, uint64(1), suspicious.UniqueUsers)
	assert.Equal(t, 78, suspicious.MaxRisk)
	assert.InDelta(t, 75.0, suspicious.AvgRisk, 0.01)

	failed := summary[1]
	assert.Equal(t, models.EventLoginFailed, failed.EventType)
	assert.Equal(t, uint64(1), failed.Count)
	assert.Equal(t, uint64(1), failed.UniqueIPs)
	assert.Equal(t, uint64(1), failed.UniqueUsers)
}

func TestUserProfileEmptyHistoryMeansZeroMeanRisk(t *testing.T) {
	h := newTestHarness(t)
	analytics := NewAnalyticsService(h.ledger, h.index, h.registry)

	profile, err := analytics.UserSecurityProfile(context.Background(), "ghost-user")
	require.NoError(t, err)

	assert.Equal(t, 0, profile.Summary.EventCount)
	assert.Equal(t, 0.0, profile.Summary.MeanRisk)
	assert.Equal(t, 0, profile.Summary.MaxRisk)
	assert.Empty(t, profile.Events)
	assert.Empty(t, profile.Devices)
}

func TestUserProfileSummarizesEventsAndDevices(t *testing.T) {
	h := newTestHarness(t)
	analytics := NewAnalyticsService(h.ledger, h.index, h.registry)
	ctx := context.Background()

	device, _, err := h.registry.GetOrCreate(ctx, "alice-laptop", alice)
	require.NoError(t, err)
	_, err = h.registry.Verify(ctx, device.DeviceID, models.VerifyAdminApproval, operator)
	require.NoError(t, err)

	for _, score := range []int{20, 40, 60} {
		_, err := h.ledger.Append(ctx, &models.SecurityEvent{
			EventType: models.EventSuspiciousActivity,
			RiskScore: score,
			UserID:    alice.UserID,
			DeviceID:  device.DeviceID.String(),
		})
		require.NoError(t, err)
	}

	profile, err := analytics.UserSecurityProfile(ctx, alice.UserID)
	require.NoError(t, err)

	assert.Equal(t, 3, profile.Summary.EventCount)
	assert.InDelta(t, 40.0, profile.Summary.MeanRisk, 0.001)
	assert.Equal(t, 60, profile.Summary.MaxRisk)
	assert.Equal(t, 1, profile.Summary.DeviceCount)
	assert.Equal(t, 1, profile.Summary.VerifiedDevices)
	assert.Equal(t, 0, profile.Summary.BlockedDevices)
}

func TestDeviceListingFilters(t *testing.T) {
	h := newTestHarness(t)
	analytics := NewAnalyticsService(h.ledger, h.index, h.registry)
	ctx := context.Background()

	first, _, err := h.registry.GetOrCreate(ctx, "device-one", alice)
	require.NoError(t, err)
	_, _, err = h.registry.GetOrCreate(ctx, "device-two", alice)
	require.NoError(t, err)
	_, err = h.registry.Block(ctx, first.DeviceID, "abuse", operator)
	require.NoError(t, err)

	blocked := true
	hits, total, err := analytics.Devices(ctx, elastic.DeviceFilter{Blocked: &blocked}, 1, 20)
	require.NoError(t, err)
	assert.Equal(t, len(hits), total)
	for _, hit := range hits {
		assert.True(t, hit.IsBlocked)
	}
}
