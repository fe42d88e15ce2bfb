package service

import (
	"context"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"zerotrust-service/internal/models"
	"zerotrust-service/internal/repository/clickhouse"
	"zerotrust-service/internal/repository/elastic"
)

const (
	dashboardWindow = 24 * time.Hour
	profileWindow   = 30 * 24 * time.Hour

	highRiskThreshold = 70
)

// AnalyticsService serves the read-only aggregation surfaces over the
// ledger and the device index. Everything here tolerates a few seconds of
// staleness; nothing writes.
type AnalyticsService struct {
	ledger   clickhouse.EventLedger
	index    DeviceIndexer
	registry *RegistryService
}

func NewAnalyticsService(ledger clickhouse.EventLedger, index DeviceIndexer, registry *RegistryService) *AnalyticsService {
	return &AnalyticsService{ledger: ledger, index: index, registry: registry}
}

// Dashboard assembles the 24h operator landing page. The independent
// sub-aggregations fan out concurrently; one failing query fails the whole
// dashboard rather than returning partial data.
func (s *AnalyticsService) Dashboard(ctx context.Context) (*models.Dashboard, error) {
	since := time.Now().UTC().Add(-dashboardWindow)
	dashboard := &models.Dashboard{
		Window:      "24h",
		GeneratedAt: time.Now().UTC(),
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		counts, err := s.ledger.DashboardCounts(gctx, since)
		if err != nil {
			return err
		}
		dashboard.Counts = counts
		return nil
	})
	g.Go(func() error {
		counts, err := s.index.DeviceCounts(gctx, since)
		if err != nil {
			return err
		}
		dashboard.Devices = counts
		return nil
	})
	g.Go(func() error {
		histogram, err := s.ledger.RiskHistogram(gctx, since)
		if err != nil {
			return err
		}
		dashboard.RiskHistogram = histogram
		return nil
	})
	g.Go(func() error {
		countries, err := s.ledger.TopCountries(gctx, since, 10)
		if err != nil {
			return err
		}
		dashboard.GeoDistribution = countries
		return nil
	})
	g.Go(func() error {
		recent, err := s.ledger.RecentHighRisk(gctx, since, highRiskThreshold, 10)
		if err != nil {
			return err
		}
		dashboard.RecentHighRisk = recent
		return nil
	})

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return dashboard, nil
}

// Events is the filtered, paginated event listing.
func (s *AnalyticsService) Events(ctx context.Context, filter clickhouse.EventFilter, page clickhouse.Page) ([]models.SecurityEvent, uint64, error) {
	return s.ledger.Query(ctx, filter, page)
}

// Devices is the filtered, sortable device listing over the search mirror.
func (s *AnalyticsService) Devices(ctx context.Context, filter elastic.DeviceFilter, page, limit int) ([]elastic.DeviceSearchHit, int, error) {
	return s.index.SearchDevices(ctx, filter, page, limit)
}

// RiskTrend returns the per-day trend over the requested number of days
// (default and minimum handling: days <= 0 becomes 7, capped at 90).
func (s *AnalyticsService) RiskTrend(ctx context.Context, days int) ([]models.TrendPoint, error) {
	if days <= 0 {
		days = 7
	}
	if days > 90 {
		days = 90
	}
	since := time.Now().UTC().AddDate(0, 0, -days)
	return s.ledger.RiskTrend(ctx, since)
}

// ThreatSummary groups the last 24h of events by type.
func (s *AnalyticsService) ThreatSummary(ctx context.Context) ([]models.ThreatSummaryRow, error) {
	return s.ledger.ThreatSummary(ctx, time.Now().UTC().Add(-dashboardWindow))
}

// UserSecurityProfile builds the 30-day view of one identity: events,
// devices, per-day trend, and the derived summary. A user with no events
// in the window gets a zero summary, never an error.
func (s *AnalyticsService) UserSecurityProfile(ctx context.Context, userID string) (*models.UserSecurityProfile, error) {
	since := time.Now().UTC().Add(-profileWindow)
	profile := &models.UserSecurityProfile{UserID: userID}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		events, err := s.ledger.EventsForUser(gctx, userID, since, 500)
		if err != nil {
			return err
		}
		profile.Events = events
		return nil
	})
	g.Go(func() error {
		trend, err := s.ledger.RiskTrendForUser(gctx, userID, since)
		if err != nil {
			return err
		}
		profile.RiskTrend = trend
		return nil
	})
	g.Go(func() error {
		deviceIDs, err := s.ledger.DevicesForUser(gctx, userID, since)
		if err != nil {
			return err
		}
		devices := make([]models.DeviceFingerprint, 0, len(deviceIDs))
		for _, id := range deviceIDs {
			deviceID, err := uuid.Parse(id)
			if err != nil {
				continue
			}
			device, err := s.registry.Get(gctx, deviceID)
			if err != nil {
				// The ledger can reference devices the registry no longer
				// resolves (e.g. pre-migration rows). Skip them.
				continue
			}
			devices = append(devices, *device)
		}
		profile.Devices = devices
		return nil
	})

	if err := g.Wait(); err != nil {
		return nil, err
	}

	profile.Summary = summarize(profile.Events, profile.Devices)
	return profile, nil
}

// summarize derives the profile headline numbers. Mean risk over an empty
// event set is defined as 0.
func summarize(events []models.SecurityEvent, devices []models.DeviceFingerprint) models.UserSecuritySummary {
	summary := models.UserSecuritySummary{
		EventCount:  len(events),
		DeviceCount: len(devices),
	}

	if len(events) > 0 {
		sum := 0
		for _, e := range events {
			sum += e.RiskScore
			if e.RiskScore > summary.MaxRisk {
				summary.MaxRisk = e.RiskScore
			}
		}
		summary.MeanRisk = float64(sum) / float64(len(events))
	}

	for _, d := range devices {
		if d.IsBlocked {
			summary.BlockedDevices++
		} else if d.IsVerified {
			summary.VerifiedDevices++
		}
	}
	return summary
}
