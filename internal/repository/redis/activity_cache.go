package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"zerotrust-service/internal/client"
	"zerotrust-service/internal/util"
)

const (
	failedLoginPrefix  = "failed_logins:"
	requestRatePrefix  = "request_rate:"
	loginCountryPrefix = "login_countries:"
)

// ActivityCache tracks the short-lived per-user signals the risk engine
// consumes: failed-login counts, request velocity, and recent login
// countries. Counters expire on their own; nothing here is authoritative.
type ActivityCache struct {
	client        *client.RedisClient
	failedWindow  time.Duration
	historyLength int64
}

func NewActivityCache(client *client.RedisClient, failedWindow time.Duration, historyLength int) *ActivityCache {
	return &ActivityCache{
		client:        client,
		failedWindow:  failedWindow,
		historyLength: int64(historyLength),
	}
}

// RecordFailedLogin bumps the user's failed-login counter. Every increment
// refreshes the window TTL, so the counter slides: it only resets once the
// user goes a full window without a failure (or logs in successfully).
func (c *ActivityCache) RecordFailedLogin(ctx context.Context, userID string) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	key := failedLoginPrefix + userID
	count, err := c.client.IncrWithExpire(ctx, key, c.failedWindow)
	if err != nil {
		util.Error("Failed to record failed login",
			zap.String("user_id", userID),
			zap.Error(err))
		return 0, fmt.Errorf("failed to record failed login: %w", err)
	}
	return int(count), nil
}

// FailedLoginCount returns the user's failed logins in the current window.
// A missing key means zero, not an error.
func (c *ActivityCache) FailedLoginCount(ctx context.Context, userID string) (int, error) {
	return c.readCounter(ctx, failedLoginPrefix+userID)
}

// ClearFailedLogins resets the counter after a successful login.
func (c *ActivityCache) ClearFailedLogins(ctx context.Context, userID string) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := c.client.Del(ctx, failedLoginPrefix+userID); err != nil {
		util.Error("Failed to clear failed logins",
			zap.String("user_id", userID),
			zap.Error(err))
		return fmt.Errorf("failed to clear failed logins: %w", err)
	}
	return nil
}

// RecordRequest bumps the per-minute request counter for the user and
// returns the new count. Keys roll over each minute.
func (c *ActivityCache) RecordRequest(ctx context.Context, userID string) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	key := requestRateKey(userID, time.Now().UTC())
	count, err := c.client.IncrWithExpire(ctx, key, 2*time.Minute)
	if err != nil {
		util.Error("Failed to record request",
			zap.String("user_id", userID),
			zap.Error(err))
		return 0, fmt.Errorf("failed to record request: %w", err)
	}
	return int(count), nil
}

// RequestsPerMinute returns the user's request count for the current minute.
func (c *ActivityCache) RequestsPerMinute(ctx context.Context, userID string) (int, error) {
	return c.readCounter(ctx, requestRateKey(userID, time.Now().UTC()))
}

// RecordLoginCountry pushes the country onto the user's capped country
// history. Duplicated consecutive countries are fine; the reader
// deduplicates.
func (c *ActivityCache) RecordLoginCountry(ctx context.Context, userID, country string) error {
	if country == "" {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	key := loginCountryPrefix + userID
	if err := c.client.PushCapped(ctx, key, country, c.historyLength, 30*24*time.Hour); err != nil {
		util.Error("Failed to record login country",
			zap.String("user_id", userID),
			zap.String("country", country),
			zap.Error(err))
		return fmt.Errorf("failed to record login country: %w", err)
	}
	return nil
}

// RecentCountries returns the user's recent login countries, newest first,
// deduplicated. An empty slice means no history is cached.
func (c *ActivityCache) RecentCountries(ctx context.Context, userID string) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	values, err := c.client.ListRange(ctx, loginCountryPrefix+userID, 0, c.historyLength-1)
	if err != nil {
		util.Error("Failed to read login countries",
			zap.String("user_id", userID),
			zap.Error(err))
		return nil, fmt.Errorf("failed to read login countries: %w", err)
	}

	seen := make(map[string]struct{}, len(values))
	countries := make([]string, 0, len(values))
	for _, v := range values {
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		countries = append(countries, v)
	}
	return countries, nil
}

func (c *ActivityCache) readCounter(ctx context.Context, key string) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	value, err := c.client.Get(ctx, key)
	if err != nil {
		if errors.Is(err, client.ErrKeyNotFound) {
			return 0, nil
		}
		util.Error("Failed to read counter", zap.String("key", key), zap.Error(err))
		return 0, fmt.Errorf("failed to read counter: %w", err)
	}

	var count int
	if _, err := fmt.Sscanf(value, "%d", &count); err != nil {
		return 0, fmt.Errorf("malformed counter value %q: %w", value, err)
	}
	return count, nil
}

func requestRateKey(userID string, now time.Time) string {
	return requestRatePrefix + userID + ":" + now.Format("200601021504")
}
