package redis

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"zerotrust-service/internal/client"
	"zerotrust-service/internal/util"
)

const (
	challengePrefix        = "challenge:"
	challengeAttemptPrefix = "challenge_attempts:"

	maxChallengeAttempts = 5
)

var (
	ErrChallengeNotFound = errors.New("challenge not found or expired")
	ErrChallengeExceeded = errors.New("challenge attempt limit exceeded")
)

// ChallengeCache issues short-lived step-up tokens when the gate returns a
// CHALLENGE verdict. A token maps back to the (user, device) pair it was
// minted for and is consumed exactly once.
type ChallengeCache struct {
	client *client.RedisClient
	ttl    time.Duration
}

func NewChallengeCache(client *client.RedisClient, ttl time.Duration) *ChallengeCache {
	return &ChallengeCache{client: client, ttl: ttl}
}

// Issue mints a challenge token bound to the user and device. Re-issuing
// for the same pair replaces any outstanding token.
func (c *ChallengeCache) Issue(ctx context.Context, userID, deviceID string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	token, err := randomToken()
	if err != nil {
		return "", fmt.Errorf("failed to generate challenge token: %w", err)
	}

	key := challengePrefix + token
	if err := c.client.Set(ctx, key, userID+"|"+deviceID, c.ttl); err != nil {
		util.Error("Failed to store challenge token",
			zap.String("user_id", userID),
			zap.String("device_id", deviceID),
			zap.Error(err))
		return "", fmt.Errorf("failed to store challenge token: %w", err)
	}

	util.Debug("Challenge token issued",
		zap.String("user_id", userID),
		zap.String("device_id", deviceID),
		zap.Duration("ttl", c.ttl))
	return token, nil
}

// Consume validates the token against the presenting user and device and
// deletes it. Each miss counts against a per-user attempt budget so token
// guessing gets cut off.
func (c *ChallengeCache) Consume(ctx context.Context, token, userID, deviceID string) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	attempts, err := c.client.IncrWithExpire(ctx, challengeAttemptPrefix+userID, c.ttl)
	if err != nil {
		return fmt.Errorf("failed to track challenge attempts: %w", err)
	}
	if attempts > maxChallengeAttempts {
		util.Warn("Challenge attempt limit exceeded", zap.String("user_id", userID))
		return ErrChallengeExceeded
	}

	key := challengePrefix + token
	value, err := c.client.Get(ctx, key)
	if err != nil {
		if errors.Is(err, client.ErrKeyNotFound) {
			return ErrChallengeNotFound
		}
		util.Error("Failed to read challenge token", zap.Error(err))
		return fmt.Errorf("failed to read challenge token: %w", err)
	}
	if value != userID+"|"+deviceID {
		return ErrChallengeNotFound
	}

	if err := c.client.Del(ctx, key, challengeAttemptPrefix+userID); err != nil {
		util.Error("Failed to consume challenge token", zap.Error(err))
		return fmt.Errorf("failed to consume challenge token: %w", err)
	}
	return nil
}

func randomToken() (string, error) {
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}
