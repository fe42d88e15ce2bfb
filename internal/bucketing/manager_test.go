package bucketing

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"zerotrust-service/internal/config"
)

func testManager() *BucketingManager {
	return NewBucketingManager(&config.Config{
		Bucketing: config.BucketingConfig{EventBuckets: 64, DeviceBuckets: 32},
	})
}

func TestBucketsAreStableAndInRange(t *testing.T) {
	bm := testManager()

	keys := []string{"user-1", "user-2", "5f8a", "", "device-hash-v1$abc"}
	for _, key := range keys {
		event := bm.GetEventBucket(key)
		assert.Equal(t, event, bm.GetEventBucket(key))
		assert.GreaterOrEqual(t, event, 0)
		assert.Less(t, event, 64)

		device := bm.GetDeviceBucket(key)
		assert.Equal(t, device, bm.GetDeviceBucket(key))
		assert.GreaterOrEqual(t, device, 0)
		assert.Less(t, device, 32)
	}
}

func TestBucketsSpread(t *testing.T) {
	bm := testManager()

	seen := make(map[int]bool)
	for _, key := range []string{"a", "b", "c", "d", "e", "f", "g", "h", "i", "j"} {
		seen[bm.GetEventBucket(key)] = true
	}
	assert.Greater(t, len(seen), 1, "hashing should not collapse to one bucket")
}

func TestGetDateBucket(t *testing.T) {
	bm := testManager()
	at := time.Date(2025, 6, 15, 23, 30, 0, 0, time.FixedZone("UTC+5", 5*3600))
	assert.Equal(t, "2025-06-15", bm.GetDateBucket(at))
}
