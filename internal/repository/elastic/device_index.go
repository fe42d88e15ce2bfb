// Package elastic mirrors the device registry into Elasticsearch so the
// operator listing endpoint can filter and sort without scanning Scylla.
// Scylla stays authoritative; a stale or missing index entry only affects
// search results.
package elastic

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"zerotrust-service/internal/apperrors"
	"zerotrust-service/internal/client"
	"zerotrust-service/internal/models"
	"zerotrust-service/internal/util"
)

const deviceIndexName = "zerotrust-devices"

// DeviceFilter narrows a device search. Boolean filters use pointers so
// "unset" and "false" stay distinct.
type DeviceFilter struct {
	RiskThreshold int
	Verified      *bool
	Blocked       *bool
	SortBy        string
}

// DeviceSearchHit is the indexed projection of a device. Encrypted material
// never leaves Scylla.
type DeviceSearchHit struct {
	DeviceID           string    `json:"device_id"`
	DeviceBucket       int       `json:"device_bucket"`
	FirstSeen          time.Time `json:"first_seen"`
	LastSeen           time.Time `json:"last_seen"`
	IsVerified         bool      `json:"is_verified"`
	VerificationMethod string    `json:"verification_method,omitempty"`
	IsBlocked          bool      `json:"is_blocked"`
	BlockedReason      string    `json:"blocked_reason,omitempty"`
	TrustScore         int       `json:"trust_score"`
	RiskScore          int       `json:"risk_score"`
	UserCount          int       `json:"user_count"`
}

type DeviceIndex struct {
	es *client.ESClient
}

func NewDeviceIndex(es *client.ESClient) *DeviceIndex {
	return &DeviceIndex{es: es}
}

// IndexDevice upserts the device's search projection. Failures are logged
// and swallowed by callers; the write path must not depend on ES.
func (d *DeviceIndex) IndexDevice(ctx context.Context, device *models.DeviceFingerprint, riskScore int) error {
	doc := DeviceSearchHit{
		DeviceID:           device.DeviceID.String(),
		DeviceBucket:       device.DeviceBucket,
		FirstSeen:          device.FirstSeen,
		LastSeen:           device.LastSeen,
		IsVerified:         device.IsVerified,
		VerificationMethod: string(device.VerificationMethod),
		IsBlocked:          device.IsBlocked,
		BlockedReason:      device.BlockedReason,
		TrustScore:         device.TrustScore,
		RiskScore:          riskScore,
		UserCount:          len(device.AssociatedUsers),
	}
	if err := d.es.IndexDocument(ctx, deviceIndexName, doc.DeviceID, doc); err != nil {
		util.Error("Failed to index device",
			zap.String("device_id", doc.DeviceID),
			zap.Error(err))
		return fmt.Errorf("failed to index device: %w", err)
	}
	return nil
}

// SearchDevices returns matching devices plus the total match count.
func (d *DeviceIndex) SearchDevices(ctx context.Context, filter DeviceFilter, page, limit int) ([]DeviceSearchHit, int, error) {
	if page < 1 {
		page = 1
	}
	if limit < 1 {
		limit = 20
	}
	if limit > 200 {
		limit = 200
	}

	var must []map[string]interface{}
	if filter.RiskThreshold > 0 {
		must = append(must, map[string]interface{}{
			"range": map[string]interface{}{
				"risk_score": map[string]interface{}{"gte": filter.RiskThreshold},
			},
		})
	}
	if filter.Verified != nil {
		must = append(must, map[string]interface{}{
			"term": map[string]interface{}{"is_verified": *filter.Verified},
		})
	}
	if filter.Blocked != nil {
		must = append(must, map[string]interface{}{
			"term": map[string]interface{}{"is_blocked": *filter.Blocked},
		})
	}

	query := map[string]interface{}{
		"from": (page - 1) * limit,
		"size": limit,
		"sort": sortClause(filter.SortBy),
	}
	if len(must) > 0 {
		query["query"] = map[string]interface{}{
			"bool": map[string]interface{}{"must": must},
		}
	} else {
		query["query"] = map[string]interface{}{"match_all": map[string]interface{}{}}
	}

	result, err := d.es.Search(ctx, deviceIndexName, query)
	if err != nil {
		return nil, 0, apperrors.NewStoreUnavailable("device search failed").WithCause(err)
	}

	hits := make([]DeviceSearchHit, 0, len(result.Hits.Hits))
	for _, h := range result.Hits.Hits {
		var hit DeviceSearchHit
		if err := json.Unmarshal(h.Source, &hit); err != nil {
			util.Warn("Skipping malformed device document",
				zap.String("doc_id", h.ID),
				zap.Error(err))
			continue
		}
		hits = append(hits, hit)
	}
	return hits, result.Hits.Total.Value, nil
}

// DeviceCounts aggregates registry state for the dashboard.
func (d *DeviceIndex) DeviceCounts(ctx context.Context, newSince time.Time) (models.DeviceCounts, error) {
	var counts models.DeviceCounts

	queries := []struct {
		dest  *int
		query map[string]interface{}
	}{
		{&counts.NewDevices, map[string]interface{}{
			"range": map[string]interface{}{
				"first_seen": map[string]interface{}{"gte": newSince.UTC().Format(time.RFC3339)},
			},
		}},
		{&counts.UnverifiedDevices, map[string]interface{}{
			"bool": map[string]interface{}{
				"must": []map[string]interface{}{
					{"term": map[string]interface{}{"is_verified": false}},
					{"term": map[string]interface{}{"is_blocked": false}},
				},
			},
		}},
		{&counts.BlockedDevices, map[string]interface{}{
			"term": map[string]interface{}{"is_blocked": true},
		}},
	}

	for _, q := range queries {
		result, err := d.es.Search(ctx, deviceIndexName, map[string]interface{}{
			"size":  0,
			"query": q.query,
		})
		if err != nil {
			return models.DeviceCounts{}, apperrors.NewStoreUnavailable("device counts failed").WithCause(err)
		}
		*q.dest = result.Hits.Total.Value
	}
	return counts, nil
}

func (d *DeviceIndex) HealthCheck() error {
	return d.es.HealthCheck()
}

func sortClause(sortBy string) []map[string]interface{} {
	switch sortBy {
	case "trust_score":
		return []map[string]interface{}{{"trust_score": map[string]interface{}{"order": "asc"}}}
	case "first_seen":
		return []map[string]interface{}{{"first_seen": map[string]interface{}{"order": "desc"}}}
	case "risk_score", "":
		fallthrough
	default:
		return []map[string]interface{}{{"risk_score": map[string]interface{}{"order": "desc"}}}
	}
}
