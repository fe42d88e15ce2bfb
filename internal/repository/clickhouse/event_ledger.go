// Package clickhouse holds the security-event ledger: an append-only store
// with the read-side aggregations the analytics service is built on. There
// is intentionally no UPDATE or DELETE statement anywhere in this package.
package clickhouse

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"zerotrust-service/internal/apperrors"
	"zerotrust-service/internal/bucketing"
	"zerotrust-service/internal/client"
	"zerotrust-service/internal/models"
	"zerotrust-service/internal/util"
)

// EventFilter narrows a ledger query. Zero values mean "no constraint".
type EventFilter struct {
	EventType    models.EventType
	Severity     string
	MinRiskScore int
	IPAddress    string
	UserID       string
	DeviceID     string
	StartDate    time.Time
	EndDate      time.Time
}

// Page is offset pagination for event listings.
type Page struct {
	Page  int
	Limit int
}

func (p Page) normalized() Page {
	out := p
	if out.Page < 1 {
		out.Page = 1
	}
	if out.Limit < 1 {
		out.Limit = 20
	}
	if out.Limit > 200 {
		out.Limit = 200
	}
	return out
}

// EventLedger is the append-only security event store contract.
type EventLedger interface {
	Append(ctx context.Context, event *models.SecurityEvent) (uuid.UUID, error)
	Query(ctx context.Context, filter EventFilter, page Page) ([]models.SecurityEvent, uint64, error)

	DashboardCounts(ctx context.Context, since time.Time) (models.DashboardCounts, error)
	RiskHistogram(ctx context.Context, since time.Time) ([]models.HistogramBucket, error)
	TopCountries(ctx context.Context, since time.Time, limit int) ([]models.CountryStat, error)
	RecentHighRisk(ctx context.Context, since time.Time, minScore, limit int) ([]models.SecurityEvent, error)
	RiskTrend(ctx context.Context, since time.Time) ([]models.TrendPoint, error)
	RiskTrendForUser(ctx context.Context, userID string, since time.Time) ([]models.TrendPoint, error)
	ThreatSummary(ctx context.Context, since time.Time) ([]models.ThreatSummaryRow, error)
	EventsForUser(ctx context.Context, userID string, since time.Time, limit int) ([]models.SecurityEvent, error)
	DevicesForUser(ctx context.Context, userID string, since time.Time) ([]string, error)
	RecentEventsForDevice(ctx context.Context, deviceID string, n int) ([]models.SecurityEvent, error)
	RecentLoginCountries(ctx context.Context, userID string, n int) ([]string, error)

	HealthCheck(ctx context.Context) error
}

const eventColumns = `event_id, event_bucket, event_type, severity, risk_score,
       ip_address, geo_country, geo_region, user_id, device_id, details, event_time`

type eventLedger struct {
	ch        *client.ClickHouseClient
	bucketing *bucketing.BucketingManager
}

func NewEventLedger(ch *client.ClickHouseClient, bm *bucketing.BucketingManager, logger *zap.Logger) EventLedger {
	return &eventLedger{ch: ch, bucketing: bm}
}

// Append validates and writes one immutable event row.
func (l *eventLedger) Append(ctx context.Context, event *models.SecurityEvent) (uuid.UUID, error) {
	if event.RiskScore < 0 || event.RiskScore > 100 {
		return uuid.Nil, apperrors.NewValidation("risk score %d outside [0,100]", event.RiskScore)
	}
	if !event.EventType.IsValid() {
		return uuid.Nil, apperrors.NewValidation("unrecognized event type %q", event.EventType)
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
	event.EventBucket = l.bucketing.GetEventBucket(eventBucketKey(event))

	err := l.ch.Exec(ctx, `
        INSERT INTO security_events
            (event_id, event_bucket, event_date, event_time, event_type, severity,
             risk_score, ip_address, geo_country, geo_region, user_id, device_id, details)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		event.EventID.String(), uint16(event.EventBucket),
		event.CreatedAt.UTC().Format("2006-01-02"), event.CreatedAt.UTC(),
		string(event.EventType), event.Severity, uint8(event.RiskScore),
		event.IPAddress, event.Geo.Country, event.Geo.Region,
		event.UserID, event.DeviceID, event.Details)
	if err != nil {
		util.Error("Failed to append security event",
			zap.String("event_type", string(event.EventType)),
			zap.String("user_id", event.UserID),
			zap.String("device_id", event.DeviceID),
			zap.Error(err))
		return uuid.Nil, apperrors.NewStoreUnavailable("failed to append security event").WithCause(err)
	}

	util.Debug("Security event appended",
		zap.String("event_id", event.EventID.String()),
		zap.String("event_type", string(event.EventType)),
		zap.Int("risk_score", event.RiskScore))
	return event.EventID, nil
}

// Query returns matching events in reverse-chronological order plus the
// total match count for pagination.
func (l *eventLedger) Query(ctx context.Context, filter EventFilter, page Page) ([]models.SecurityEvent, uint64, error) {
	page = page.normalized()
	where, args := buildWhere(filter)

	var total uint64
	countQuery := "SELECT count() FROM security_events" + where
	if err := l.ch.QueryRow(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, 0, apperrors.NewStoreUnavailable("failed to count events").WithCause(err)
	}

	query := fmt.Sprintf(`
        SELECT %s FROM security_events%s
        ORDER BY event_time DESC
        LIMIT ? OFFSET ?`, eventColumns, where)
	args = append(args, page.Limit, (page.Page-1)*page.Limit)

	events, err := l.scanEvents(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	return events, total, nil
}

func (l *eventLedger) DashboardCounts(ctx context.Context, since time.Time) (models.DashboardCounts, error) {
	var counts models.DashboardCounts
	err := l.ch.QueryRow(ctx, `
        SELECT count(),
               countIf(risk_score >= 70),
               countIf(event_type = 'LOGIN_FAILED'),
               countIf(event_type = 'SUSPICIOUS_ACTIVITY')
        FROM security_events
        WHERE event_time >= ?`, since.UTC()).
		Scan(&counts.TotalEvents, &counts.HighRiskEvents, &counts.FailedLogins, &counts.SuspiciousActivities)
	if err != nil {
		return models.DashboardCounts{}, apperrors.NewStoreUnavailable("failed to load dashboard counts").WithCause(err)
	}
	return counts, nil
}

// RiskHistogram buckets the window's events on the shared severity
// boundaries. Buckets with zero events are still returned so the dashboard
// renders a stable axis.
func (l *eventLedger) RiskHistogram(ctx context.Context, since time.Time) ([]models.HistogramBucket, error) {
	bounds := models.HistogramBoundaries
	buckets := make([]models.HistogramBucket, 0, len(bounds)-1)

	selects := make([]string, 0, len(bounds)-1)
	for i := 0; i < len(bounds)-1; i++ {
		if i == len(bounds)-2 {
			// Final bucket includes the upper bound so a score of 100
			// is counted exactly once.
			selects = append(selects, fmt.Sprintf("countIf(risk_score >= %d AND risk_score <= %d)", bounds[i], bounds[i+1]))
		} else {
			selects = append(selects, fmt.Sprintf("countIf(risk_score >= %d AND risk_score < %d)", bounds[i], bounds[i+1]))
		}
	}

	query := "SELECT " + strings.Join(selects, ", ") + " FROM security_events WHERE event_time >= ?"
	dest := make([]interface{}, len(selects))
	values := make([]uint64, len(selects))
	for i := range values {
		dest[i] = &values[i]
	}
	if err := l.ch.QueryRow(ctx, query, since.UTC()).Scan(dest...); err != nil {
		return nil, apperrors.NewStoreUnavailable("failed to load risk histogram").WithCause(err)
	}

	for i := 0; i < len(bounds)-1; i++ {
		buckets = append(buckets, models.HistogramBucket{
			Lower:    bounds[i],
			Upper:    bounds[i+1],
			Severity: models.SeverityLabels[i],
			Count:    values[i],
		})
	}
	return buckets, nil
}

func (l *eventLedger) TopCountries(ctx context.Context, since time.Time, limit int) ([]models.CountryStat, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := l.ch.QueryRows(ctx, `
        SELECT geo_country, count() AS c, avg(risk_score)
        FROM security_events
        WHERE event_time >= ? AND geo_country != ''
        GROUP BY geo_country
        ORDER BY c DESC
        LIMIT ?`, since.UTC(), limit)
	if err != nil {
		return nil, apperrors.NewStoreUnavailable("failed to load geo distribution").WithCause(err)
	}
	defer rows.Close()

	var stats []models.CountryStat
	for rows.Next() {
		var s models.CountryStat
		if err := rows.Scan(&s.Country, &s.EventCount, &s.AvgRisk); err != nil {
			return nil, apperrors.NewStoreUnavailable("failed to scan geo distribution").WithCause(err)
		}
		stats = append(stats, s)
	}
	return stats, rows.Err()
}

func (l *eventLedger) RecentHighRisk(ctx context.Context, since time.Time, minScore, limit int) ([]models.SecurityEvent, error) {
	if limit <= 0 {
		limit = 10
	}
	query := fmt.Sprintf(`
        SELECT %s FROM security_events
        WHERE event_time >= ? AND risk_score >= ?
        ORDER BY event_time DESC
        LIMIT ?`, eventColumns)
	return l.scanEvents(ctx, query, since.UTC(), minScore, limit)
}

func (l *eventLedger) RiskTrend(ctx context.Context, since time.Time) ([]models.TrendPoint, error) {
	return l.riskTrend(ctx, since, "")
}

func (l *eventLedger) RiskTrendForUser(ctx context.Context, userID string, since time.Time) ([]models.TrendPoint, error) {
	return l.riskTrend(ctx, since, userID)
}

func (l *eventLedger) riskTrend(ctx context.Context, since time.Time, userID string) ([]models.TrendPoint, error) {
	query := `
        SELECT toString(event_date), avg(risk_score), max(risk_score), count()
        FROM security_events
        WHERE event_time >= ?`
	args := []interface{}{since.UTC()}
	if userID != "" {
		query += " AND user_id = ?"
		args = append(args, userID)
	}
	query += " GROUP BY event_date ORDER BY event_date"

	rows, err := l.ch.QueryRows(ctx, query, args...)
	if err != nil {
		return nil, apperrors.NewStoreUnavailable("failed to load risk trend").WithCause(err)
	}
	defer rows.Close()

	var trend []models.TrendPoint
	for rows.Next() {
		var p models.TrendPoint
		var maxRisk uint8
		if err := rows.Scan(&p.Date, &p.AvgRisk, &maxRisk, &p.EventCount); err != nil {
			return nil, apperrors.NewStoreUnavailable("failed to scan risk trend").WithCause(err)
		}
		p.MaxRisk = int(maxRisk)
		trend = append(trend, p)
	}
	return trend, rows.Err()
}

func (l *eventLedger) ThreatSummary(ctx context.Context, since time.Time) ([]models.ThreatSummaryRow, error) {
	rows, err := l.ch.QueryRows(ctx, `
        SELECT event_type, count() AS c, avg(risk_score), max(risk_score),
               uniqExactIf(ip_address, ip_address != ''),
               uniqExactIf(user_id, user_id != '')
        FROM security_events
        WHERE event_time >= ?
        GROUP BY event_type
        ORDER BY c DESC`, since.UTC())
	if err != nil {
		return nil, apperrors.NewStoreUnavailable("failed to load threat summary").WithCause(err)
	}
	defer rows.Close()

	var summary []models.ThreatSummaryRow
	for rows.Next() {
		var row models.ThreatSummaryRow
		var eventType string
		var maxRisk uint8
		if err := rows.Scan(&eventType, &row.Count, &row.AvgRisk, &maxRisk, &row.UniqueIPs, &row.UniqueUsers); err != nil {
			return nil, apperrors.NewStoreUnavailable("failed to scan threat summary").WithCause(err)
		}
		row.EventType = models.EventType(eventType)
		row.MaxRisk = int(maxRisk)
		summary = append(summary, row)
	}
	return summary, rows.Err()
}

func (l *eventLedger) EventsForUser(ctx context.Context, userID string, since time.Time, limit int) ([]models.SecurityEvent, error) {
	if limit <= 0 {
		limit = 500
	}
	query := fmt.Sprintf(`
        SELECT %s FROM security_events
        WHERE user_id = ? AND event_time >= ?
        ORDER BY event_time DESC
        LIMIT ?`, eventColumns)
	return l.scanEvents(ctx, query, userID, since.UTC(), limit)
}

// DevicesForUser lists the distinct device ids the user's events reference.
func (l *eventLedger) DevicesForUser(ctx context.Context, userID string, since time.Time) ([]string, error) {
	rows, err := l.ch.QueryRows(ctx, `
        SELECT DISTINCT device_id FROM security_events
        WHERE user_id = ? AND event_time >= ? AND device_id != ''`,
		userID, since.UTC())
	if err != nil {
		return nil, apperrors.NewStoreUnavailable("failed to list user devices").WithCause(err)
	}
	defer rows.Close()

	var devices []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, apperrors.NewStoreUnavailable("failed to scan user devices").WithCause(err)
		}
		devices = append(devices, id)
	}
	return devices, rows.Err()
}

func (l *eventLedger) RecentEventsForDevice(ctx context.Context, deviceID string, n int) ([]models.SecurityEvent, error) {
	if n <= 0 {
		n = 20
	}
	query := fmt.Sprintf(`
        SELECT %s FROM security_events
        WHERE device_id = ?
        ORDER BY event_time DESC
        LIMIT ?`, eventColumns)
	return l.scanEvents(ctx, query, deviceID, n)
}

// RecentLoginCountries is the cold-path source for geo-anomaly history when
// the activity cache has no entry for the user yet.
func (l *eventLedger) RecentLoginCountries(ctx context.Context, userID string, n int) ([]string, error) {
	if n <= 0 {
		n = 5
	}
	rows, err := l.ch.QueryRows(ctx, `
        SELECT geo_country FROM security_events
        WHERE user_id = ? AND event_type = 'LOGIN_SUCCESS' AND geo_country != ''
        ORDER BY event_time DESC
        LIMIT ?`, userID, n)
	if err != nil {
		return nil, apperrors.NewStoreUnavailable("failed to load login countries").WithCause(err)
	}
	defer rows.Close()

	var countries []string
	for rows.Next() {
		var c string
		if err := rows.Scan(&c); err != nil {
			return nil, apperrors.NewStoreUnavailable("failed to scan login countries").WithCause(err)
		}
		countries = append(countries, c)
	}
	return countries, rows.Err()
}

func (l *eventLedger) HealthCheck(ctx context.Context) error {
	return l.ch.HealthCheck(ctx)
}

func (l *eventLedger) scanEvents(ctx context.Context, query string, args ...interface{}) ([]models.SecurityEvent, error) {
	rows, err := l.ch.QueryRows(ctx, query, args...)
	if err != nil {
		return nil, apperrors.NewStoreUnavailable("failed to query events").WithCause(err)
	}
	defer rows.Close()

	var events []models.SecurityEvent
	for rows.Next() {
		var e models.SecurityEvent
		var id, eventType string
		var bucket uint16
		var score uint8
		if err := rows.Scan(&id, &bucket, &eventType, &e.Severity, &score,
			&e.IPAddress, &e.Geo.Country, &e.Geo.Region,
			&e.UserID, &e.DeviceID, &e.Details, &e.CreatedAt); err != nil {
			return nil, apperrors.NewStoreUnavailable("failed to scan event").WithCause(err)
		}
		e.EventID, _ = uuid.Parse(id)
		e.EventBucket = int(bucket)
		e.EventType = models.EventType(eventType)
		e.RiskScore = int(score)
		events = append(events, e)
	}
	return events, rows.Err()
}

func buildWhere(filter EventFilter) (string, []interface{}) {
	var clauses []string
	var args []interface{}

	if filter.EventType != "" {
		clauses = append(clauses, "event_type = ?")
		args = append(args, string(filter.EventType))
	}
	if filter.Severity != "" {
		clauses = append(clauses, "severity = ?")
		args = append(args, filter.Severity)
	}
	if filter.MinRiskScore > 0 {
		clauses = append(clauses, "risk_score >= ?")
		args = append(args, filter.MinRiskScore)
	}
	if filter.IPAddress != "" {
		clauses = append(clauses, "ip_address = ?")
		args = append(args, filter.IPAddress)
	}
	if filter.UserID != "" {
		clauses = append(clauses, "user_id = ?")
		args = append(args, filter.UserID)
	}
	if filter.DeviceID != "" {
		clauses = append(clauses, "device_id = ?")
		args = append(args, filter.DeviceID)
	}
	if !filter.StartDate.IsZero() {
		clauses = append(clauses, "event_time >= ?")
		args = append(args, filter.StartDate.UTC())
	}
	if !filter.EndDate.IsZero() {
		clauses = append(clauses, "event_time <= ?")
		args = append(args, filter.EndDate.UTC())
	}

	if len(clauses) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

func eventBucketKey(event *models.SecurityEvent) string {
	if event.UserID != "" {
		return event.UserID
	}
	if event.DeviceID != "" {
		return event.DeviceID
	}
	return event.IPAddress
}
