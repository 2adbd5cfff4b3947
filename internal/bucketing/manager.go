package bucketing

import (
	"hash"
	"sync"
	"time"

	"smsup-service/internal/config"

	"github.com/spaolacci/murmur3"
)

// BucketingManager spreads canonical phone numbers over a fixed number of
// buckets. Phone buckets partition the session table, event buckets shard analytics rows.
type BucketingManager struct {
	phoneBuckets int
	eventBuckets int
	hasherPool   sync.Pool
}

func NewBucketingManager(cfg *config.Config) *BucketingManager {
	bm := &BucketingManager{
		phoneBuckets: positive(cfg.Bucketing.PhoneBuckets, 64),
		eventBuckets: positive(cfg.Bucketing.EventBuckets, 16),
	}
	bm.hasherPool = sync.Pool{
		New: func() interface{} {
			return murmur3.New64()
		},
	}
	return bm
}

// PhoneBucket returns a stable bucket in [0, phoneBuckets) for a canonical phone.
func (bm *BucketingManager) PhoneBucket(canonicalPhone string) int {
	return bm.getBucket(canonicalPhone, bm.phoneBuckets)
}

// EventBucket returns the analytics shard for an identifier.
func (bm *BucketingManager) EventBucket(identifier string) int {
	return bm.getBucket(identifier, bm.eventBuckets)
}

// DateBucket is the UTC day of t, used for the daily send cap and event partitions.
func DateBucket(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}

func (bm *BucketingManager) PhoneBuckets() int { return bm.phoneBuckets }

func (bm *BucketingManager) getBucket(key string, numBuckets int) int {
	return int(bm.getHash(key) % uint64(numBuckets))
}

func (bm *BucketingManager) getHash(key string) uint64 {
	hasher := bm.hasherPool.Get().(hash.Hash64)
	defer bm.hasherPool.Put(hasher)

	hasher.Reset()
	hasher.Write([]byte(key))
	return hasher.Sum64()
}

func positive(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
