package bucketing

import (
	"hash"
	"sync"
	"time"

	"github.com/spaolacci/murmur3"

	"zerotrust-service/internal/config"
)

// BucketingManager assigns stable partition buckets. Event buckets spread
// ledger writes across ClickHouse partitions; device buckets partition the
// registry tables in Scylla.
type BucketingManager struct {
	eventBuckets  int
	deviceBuckets int
	hasherPool    sync.Pool
}

func NewBucketingManager(cfg *config.Config) *BucketingManager {
	bm := &BucketingManager{
		eventBuckets:  cfg.Bucketing.EventBuckets,
		deviceBuckets: cfg.Bucketing.DeviceBuckets,
	}

	// Pool of hash functions to avoid allocation overhead on the hot path
	bm.hasherPool = sync.Pool{
		New: func() interface{} {
			return murmur3.New64()
		},
	}

	return bm
}

// GetEventBucket returns a consistent bucket for a ledger write
// (0 to eventBuckets-1). Keyed on whatever identity the event carries.
func (bm *BucketingManager) GetEventBucket(identifier string) int {
	return bm.getBucket(identifier, bm.eventBuckets)
}

// GetDeviceBucket returns a consistent bucket for a device fingerprint hash.
func (bm *BucketingManager) GetDeviceBucket(fingerprintHash string) int {
	return bm.getBucket(fingerprintHash, bm.deviceBuckets)
}

// GetDateBucket returns the UTC date partition key for events.
func (bm *BucketingManager) GetDateBucket(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}

func (bm *BucketingManager) EventBuckets() int {
	return bm.eventBuckets
}

func (bm *BucketingManager) DeviceBuckets() int {
	return bm.deviceBuckets
}

func (bm *BucketingManager) getBucket(key string, numBuckets int) int {
	if numBuckets <= 0 {
		return 0
	}
	return int(bm.getHash(key) % uint64(numBuckets))
}

func (bm *BucketingManager) getHash(key string) uint64 {
	h := bm.hasherPool.Get().(hash.Hash64)
	defer bm.hasherPool.Put(h)

	h.Reset()
	h.Write([]byte(key))
	return h.Sum64()
}
